package chatclient

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/farmconnect/messaging/wire"
)

func testLog() *Log {
	return NewLog(zap.NewNop().Sugar())
}

func msg(id string, created time.Time, sender, text string) *wire.Message {
	return &wire.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Type:           wire.TypeText,
		Content:        wire.TextContent(text),
		CreatedAt:      created,
	}
}

func ids(msgs []*wire.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestAppendIdempotent(t *testing.T) {
	l := testLog()
	now := time.Now()
	m := msg("m1", now, "alice", "hi")

	if !l.Append(m) {
		t.Fatal("first append should insert")
	}
	if l.Append(msg("m1", now, "alice", "hi")) {
		t.Fatal("second append with same id should be a no-op")
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", l.Len())
	}
}

func TestAppendOrderInvariantUnderLateArrival(t *testing.T) {
	base := time.Now()
	t1, t2, t3 := base, base.Add(time.Second), base.Add(2*time.Second)

	tests := []struct {
		name  string
		order []*wire.Message
	}{
		{"in order", []*wire.Message{msg("m1", t1, "a", "1"), msg("m2", t2, "a", "2"), msg("m3", t3, "a", "3")}},
		{"late arrival", []*wire.Message{msg("m2", t2, "a", "2"), msg("m1", t1, "a", "1"), msg("m3", t3, "a", "3")}},
		{"reversed", []*wire.Message{msg("m3", t3, "a", "3"), msg("m2", t2, "a", "2"), msg("m1", t1, "a", "1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLog()
			for _, m := range tt.order {
				l.Append(m)
			}
			got := ids(l.Messages())
			want := []string{"m1", "m2", "m3"}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("position %d: want %s, got %v", i, want[i], got)
				}
			}
		})
	}
}

func TestAppendTimestampTieBreaksOnID(t *testing.T) {
	l := testLog()
	now := time.Now()
	l.Append(msg("mb", now, "a", "second"))
	l.Append(msg("ma", now, "a", "first"))
	got := ids(l.Messages())
	if got[0] != "ma" || got[1] != "mb" {
		t.Fatalf("expected [ma mb], got %v", got)
	}
}

func TestApplyEdit(t *testing.T) {
	l := testLog()
	l.Append(msg("m1", time.Now(), "alice", "helo"))
	at := time.Now()

	if err := l.ApplyEdit("m1", "hello", at); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	m, _ := l.Get("m1")
	if m.Content.Text != "hello" || !m.IsEdited || m.EditedAt == nil {
		t.Fatalf("edit not applied: %+v", m)
	}

	if err := l.ApplyEdit("missing", "x", at); err != ErrUnknownMessage {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestApplyUnsendPreservesPosition(t *testing.T) {
	base := time.Now()
	for _, mt := range []wire.MessageType{wire.TypeText, wire.TypeImage, wire.TypeVideo, wire.TypeFile} {
		l := testLog()
		l.Append(msg("m1", base, "a", "1"))
		target := msg("m2", base.Add(time.Second), "a", "2")
		target.Type = mt
		l.Append(target)
		l.Append(msg("m3", base.Add(2*time.Second), "a", "3"))

		if err := l.ApplyUnsend("m2"); err != nil {
			t.Fatalf("%s: unsend failed: %v", mt, err)
		}
		got := ids(l.Messages())
		if got[1] != "m2" {
			t.Fatalf("%s: unsent message moved: %v", mt, got)
		}
		m, _ := l.Get("m2")
		if !m.IsUnsent {
			t.Fatalf("%s: tombstone flag not set", mt)
		}
	}
}

func TestApplyReactionReplaces(t *testing.T) {
	l := testLog()
	l.Append(msg("m1", time.Now(), "alice", "hi"))

	if err := l.ApplyReaction("m1", "bob", "❤️"); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyReaction("m1", "bob", "👍"); err != nil {
		t.Fatal(err)
	}
	m, _ := l.Get("m1")
	if len(m.Reactions) != 1 {
		t.Fatalf("expected exactly one reaction, got %d", len(m.Reactions))
	}
	if m.Reactions[0].User != "bob" || m.Reactions[0].Emoji != "👍" {
		t.Fatalf("unexpected reaction: %+v", m.Reactions[0])
	}
}

func TestApplyReactionSentinelClears(t *testing.T) {
	l := testLog()
	l.Append(msg("m1", time.Now(), "alice", "hi"))
	_ = l.ApplyReaction("m1", "bob", "🔥")
	_ = l.ApplyReaction("m1", "bob", "")
	m, _ := l.Get("m1")
	if len(m.Reactions) != 0 {
		t.Fatalf("expected reaction cleared, got %+v", m.Reactions)
	}
	// clearing again stays a no-op
	if err := l.ApplyReaction("m1", "bob", ""); err != nil {
		t.Fatal(err)
	}
}

func TestReadAckImpliesDelivered(t *testing.T) {
	l := testLog()
	l.Append(msg("m1", time.Now(), "alice", "hi"))

	if err := l.ApplyReadAck("m1", "bob", time.Now()); err != nil {
		t.Fatal(err)
	}
	m, _ := l.Get("m1")
	if !m.ReadByUser("bob") {
		t.Fatal("readBy missing recipient")
	}
	if !m.DeliveredToUser("bob") {
		t.Fatal("read must imply delivered")
	}
	if m.StatusFor("bob") != wire.StatusRead {
		t.Fatalf("expected read, got %s", m.StatusFor("bob"))
	}
}

func TestStatusMonotonic(t *testing.T) {
	l := testLog()
	l.Append(msg("m1", time.Now(), "alice", "hi"))
	m, _ := l.Get("m1")

	if m.StatusFor("bob") != wire.StatusSent {
		t.Fatalf("expected sent, got %s", m.StatusFor("bob"))
	}
	_ = l.ApplyDeliveryAck("m1", "bob")
	if m.StatusFor("bob") != wire.StatusDelivered {
		t.Fatalf("expected delivered, got %s", m.StatusFor("bob"))
	}
	_ = l.ApplyReadAck("m1", "bob", time.Now())
	if m.StatusFor("bob") != wire.StatusRead {
		t.Fatalf("expected read, got %s", m.StatusFor("bob"))
	}
	// a duplicate delivery ack after read never regresses the status
	_ = l.ApplyDeliveryAck("m1", "bob")
	if m.StatusFor("bob") != wire.StatusRead {
		t.Fatalf("status regressed to %s", m.StatusFor("bob"))
	}
}

func TestAckBeforeMessageIsBuffered(t *testing.T) {
	l := testLog()

	// acks arrive before the message they refer to
	if err := l.ApplyDeliveryAck("m1", "bob"); err != nil {
		t.Fatalf("early delivery ack should be buffered, got %v", err)
	}
	if err := l.ApplyReadAck("m2", "bob", time.Now()); err != nil {
		t.Fatalf("early read ack should be buffered, got %v", err)
	}

	l.Append(msg("m1", time.Now(), "alice", "one"))
	l.Append(msg("m2", time.Now().Add(time.Second), "alice", "two"))

	m1, _ := l.Get("m1")
	if m1.StatusFor("bob") != wire.StatusDelivered {
		t.Fatalf("buffered delivery ack not replayed: %s", m1.StatusFor("bob"))
	}
	m2, _ := l.Get("m2")
	if m2.StatusFor("bob") != wire.StatusRead {
		t.Fatalf("buffered read ack not replayed: %s", m2.StatusFor("bob"))
	}
}

func TestResolveReply(t *testing.T) {
	l := testLog()
	l.Append(msg("m1", time.Now(), "alice", "original"))
	reply := msg("m2", time.Now().Add(time.Second), "bob", "answer")
	reply.ReplyTo = "m1"
	l.Append(reply)

	target, ok := l.ResolveReply(reply)
	if !ok || target.ID != "m1" {
		t.Fatalf("expected to resolve m1, got %v %v", target, ok)
	}

	// unsent target resolves to placeholder
	_ = l.ApplyUnsend("m1")
	if _, ok := l.ResolveReply(reply); ok {
		t.Fatal("unsent reply target must not resolve")
	}

	// dangling reference resolves to placeholder, never panics
	dangling := msg("m3", time.Now().Add(2*time.Second), "bob", "?")
	dangling.ReplyTo = "gone"
	l.Append(dangling)
	if _, ok := l.ResolveReply(dangling); ok {
		t.Fatal("dangling reply target must not resolve")
	}
	if _, ok := l.ResolveReply(nil); ok {
		t.Fatal("nil message must not resolve")
	}
}

func TestCanEditWindow(t *testing.T) {
	created := time.Now()
	m := msg("m1", created, "alice", "hi")

	tests := []struct {
		name    string
		user    string
		elapsed time.Duration
		mutate  func(*wire.Message)
		want    error
	}{
		{"well within window", "alice", time.Minute, nil, nil},
		{"exactly at boundary", "alice", wire.EditWindow, nil, nil},
		{"one second past", "alice", wire.EditWindow + time.Second, nil, ErrEditWindowExpired},
		{"not the sender", "bob", time.Minute, nil, ErrNotSender},
		{"non-text", "alice", time.Minute, func(m *wire.Message) { m.Type = wire.TypeImage }, ErrEditNotText},
		{"unsent", "alice", time.Minute, func(m *wire.Message) { m.IsUnsent = true }, ErrEditUnsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := *m
			if tt.mutate != nil {
				tt.mutate(&cp)
			}
			got := CanEdit(&cp, tt.user, created.Add(tt.elapsed))
			if got != tt.want {
				t.Fatalf("want %v, got %v", tt.want, got)
			}
		})
	}
}
