package chatclient

import (
	"github.com/farmconnect/messaging/wire"
)

// Directory is the viewer's conversation list: most-recent-activity ordering,
// denormalized last-message previews, and per-conversation unread counters.
// A live message for a conversation that is not open bumps it to the top and
// increments its counter without a re-fetch.
type Directory struct {
	self string

	order      []string
	byID       map[string]*wire.Conversation
	nextCursor string
	open       string
}

func NewDirectory(self string) *Directory {
	return &Directory{self: self, byID: make(map[string]*wire.Conversation)}
}

// MergePage folds a fetched directory page in. Conversations already known
// keep their position; new ones are appended in fetch order (the server
// returns activity-descending pages).
func (d *Directory) MergePage(convs []*wire.Conversation, nextCursor string) {
	for _, c := range convs {
		if _, ok := d.byID[c.ID]; ok {
			d.byID[c.ID] = c
			continue
		}
		d.byID[c.ID] = c
		d.order = append(d.order, c.ID)
	}
	d.nextCursor = nextCursor
}

// Upsert inserts or refreshes a single conversation at the top, e.g. the
// result of startConversation.
func (d *Directory) Upsert(c *wire.Conversation) {
	if _, ok := d.byID[c.ID]; !ok {
		d.order = append([]string{c.ID}, d.order...)
	}
	d.byID[c.ID] = c
}

func (d *Directory) Get(id string) (*wire.Conversation, bool) {
	c, ok := d.byID[id]
	return c, ok
}

// Conversations returns the list in display order.
func (d *Directory) Conversations() []*wire.Conversation {
	out := make([]*wire.Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id])
	}
	return out
}

// NextCursor returns the pagination cursor for the next directory page, empty
// when exhausted.
func (d *Directory) NextCursor() string { return d.nextCursor }

// Open marks the conversation as the one on screen and resets its unread
// counter; its messages are being read.
func (d *Directory) Open(id string) {
	d.open = id
	if c, ok := d.byID[id]; ok {
		c.UnreadCount = 0
	}
}

// CloseOpen clears the on-screen conversation.
func (d *Directory) CloseOpen() { d.open = "" }

// OpenID returns the currently open conversation id, if any.
func (d *Directory) OpenID() string { return d.open }

// NoteMessage updates the preview for a live message and re-sorts the
// conversation to the top. The unread counter increments only for messages
// from the peer into a conversation that is not currently open.
func (d *Directory) NoteMessage(m *wire.Message, preview string) {
	c, ok := d.byID[m.ConversationID]
	if !ok {
		// directory page not yet fetched this far; a later unread push or
		// re-fetch will surface it
		return
	}
	c.LastMessage = &wire.LastMessage{Text: preview, SenderID: m.SenderID, SentAt: m.CreatedAt}
	c.UpdatedAt = m.CreatedAt
	if m.SenderID != d.self && d.open != c.ID {
		c.UnreadCount++
	}
	d.moveToTop(c.ID)
}

// SetUnread applies a server-pushed authoritative unread count.
func (d *Directory) SetUnread(conversationID string, count int) {
	if c, ok := d.byID[conversationID]; ok {
		if d.open == conversationID {
			return
		}
		c.UnreadCount = count
	}
}

func (d *Directory) moveToTop(id string) {
	for i, cur := range d.order {
		if cur == id {
			copy(d.order[1:i+1], d.order[:i])
			d.order[0] = id
			return
		}
	}
}
