package chatclient

import (
	"testing"
	"time"

	"github.com/farmconnect/messaging/wire"
)

func conv(id, peer string, updated time.Time) *wire.Conversation {
	return &wire.Conversation{
		ID:           id,
		Participants: []string{"me", peer},
		UpdatedAt:    updated,
	}
}

func TestDirectoryUnreadAndResort(t *testing.T) {
	d := NewDirectory("me")
	base := time.Now()
	d.MergePage([]*wire.Conversation{
		conv("c1", "alice", base),
		conv("c2", "bob", base.Add(-time.Hour)),
	}, "")

	// live message into the non-open c2 bumps it to the top and increments unread
	m := msg("m1", base.Add(time.Minute), "bob", "hey")
	m.ConversationID = "c2"
	d.NoteMessage(m, "hey")

	got := d.Conversations()
	if got[0].ID != "c2" {
		t.Fatalf("expected c2 re-sorted to top, got %s", got[0].ID)
	}
	if got[0].UnreadCount != 1 {
		t.Fatalf("expected unread 1, got %d", got[0].UnreadCount)
	}
	if got[0].LastMessage == nil || got[0].LastMessage.Text != "hey" {
		t.Fatalf("preview not updated: %+v", got[0].LastMessage)
	}
}

func TestDirectoryOpenResetsUnread(t *testing.T) {
	d := NewDirectory("me")
	d.MergePage([]*wire.Conversation{conv("c1", "alice", time.Now())}, "")

	m := msg("m1", time.Now(), "alice", "one")
	m.ConversationID = "c1"
	d.NoteMessage(m, "one")

	d.Open("c1")
	c, _ := d.Get("c1")
	if c.UnreadCount != 0 {
		t.Fatalf("open must reset unread, got %d", c.UnreadCount)
	}

	// messages arriving while the conversation is open do not count as unread
	m2 := msg("m2", time.Now(), "alice", "two")
	m2.ConversationID = "c1"
	d.NoteMessage(m2, "two")
	if c.UnreadCount != 0 {
		t.Fatalf("open conversation accumulated unread: %d", c.UnreadCount)
	}

	// a server unread push for the open conversation is ignored too
	d.SetUnread("c1", 5)
	if c.UnreadCount != 0 {
		t.Fatalf("server push overrode open conversation: %d", c.UnreadCount)
	}
}

func TestDirectoryOwnMessageDoesNotIncrementUnread(t *testing.T) {
	d := NewDirectory("me")
	d.MergePage([]*wire.Conversation{conv("c1", "alice", time.Now())}, "")

	m := msg("m1", time.Now(), "me", "sent by me")
	m.ConversationID = "c1"
	d.NoteMessage(m, "sent by me")

	c, _ := d.Get("c1")
	if c.UnreadCount != 0 {
		t.Fatalf("own message incremented unread: %d", c.UnreadCount)
	}
}

func TestDirectoryMergePageKeepsKnownPositions(t *testing.T) {
	d := NewDirectory("me")
	base := time.Now()
	d.MergePage([]*wire.Conversation{conv("c1", "a", base)}, "cur1")
	if d.NextCursor() != "cur1" {
		t.Fatalf("cursor not stored: %q", d.NextCursor())
	}
	d.MergePage([]*wire.Conversation{conv("c1", "a", base), conv("c2", "b", base.Add(-time.Hour))}, "")

	got := d.Conversations()
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("unexpected order: %v", []string{got[0].ID, got[1].ID})
	}
	if d.NextCursor() != "" {
		t.Fatalf("cursor should be exhausted, got %q", d.NextCursor())
	}
}

func TestDirectoryUpsertNewGoesToTop(t *testing.T) {
	d := NewDirectory("me")
	d.MergePage([]*wire.Conversation{conv("c1", "a", time.Now())}, "")
	d.Upsert(conv("c9", "z", time.Now()))
	if d.Conversations()[0].ID != "c9" {
		t.Fatal("upserted conversation should lead the list")
	}
}
