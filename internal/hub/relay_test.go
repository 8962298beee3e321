package hub

import (
	"testing"

	"github.com/farmconnect/messaging/wire"
)

func TestRelayAppliesRemoteFrames(t *testing.T) {
	h := New()
	r := &Relay{hub: h, instance: "local"}

	bob := NewClient("bob", 4)
	h.Register(bob)
	h.Join(bob, "c1")

	r.apply(relayFrame{Instance: "remote", Scope: scopeUser, Target: "bob",
		Envelope: wire.Envelope{Event: wire.EventMessageNew}})
	r.apply(relayFrame{Instance: "remote", Scope: scopeRoom, Target: "c1",
		Envelope: wire.Envelope{Event: wire.EventUserTyping}})
	r.apply(relayFrame{Instance: "remote", Scope: scopeAll,
		Envelope: wire.Envelope{Event: wire.EventUserOnline}})

	if got := len(drain(bob)); got != 3 {
		t.Fatalf("expected 3 replayed envelopes, got %d", got)
	}
}

func TestRelaySkipsOwnFrames(t *testing.T) {
	h := New()
	r := &Relay{hub: h, instance: "local"}

	bob := NewClient("bob", 4)
	h.Register(bob)

	r.apply(relayFrame{Instance: "local", Scope: scopeUser, Target: "bob",
		Envelope: wire.Envelope{Event: wire.EventMessageNew}})

	if got := len(drain(bob)); got != 0 {
		t.Fatalf("own frame replayed %d times; local delivery already happened at publish", got)
	}
}

func TestRelayRoomFrameHonorsExcept(t *testing.T) {
	h := New()
	r := &Relay{hub: h, instance: "local"}

	alice := NewClient("alice", 4)
	bob := NewClient("bob", 4)
	h.Register(alice)
	h.Register(bob)
	h.Join(alice, "c1")
	h.Join(bob, "c1")

	r.apply(relayFrame{Instance: "remote", Scope: scopeRoom, Target: "c1",
		Except: []string{"alice"}, Envelope: wire.Envelope{Event: wire.EventUserTyping}})

	if len(drain(alice)) != 0 {
		t.Fatal("excepted user received a relayed room frame")
	}
	if len(drain(bob)) != 1 {
		t.Fatal("room member missed a relayed frame")
	}
}
