package chatclient

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/farmconnect/messaging/wire"
)

// Log is the in-memory ordered message collection for one conversation.
// Every operation is a total function over (state, event): the same op applied
// to a local optimistic action and to its remote echo converges to the same
// state, and applying an op twice is a no-op the second time. Events that
// reference a message not present are either buffered (delivery/read acks,
// which may outrun their message) or rejected with ErrUnknownMessage.
//
// Log is not internally synchronized; it is owned by the session event loop.
type Log struct {
	msgs []*wire.Message
	byID map[string]*wire.Message

	// acks that arrived before the message they refer to, replayed on append
	pendingAcks map[string][]pendingAck

	logger *zap.SugaredLogger
}

type pendingAck struct {
	user   string
	read   bool
	readAt time.Time
}

func NewLog(logger *zap.SugaredLogger) *Log {
	return &Log{
		byID:        make(map[string]*wire.Message),
		pendingAcks: make(map[string][]pendingAck),
		logger:      logger,
	}
}

// before reports whether a sorts strictly before b. Ordering is by
// server-assigned creation time with the id as tiebreaker, so a late-arriving
// event lands in the middle of the list rather than at the end.
func before(a, b *wire.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Append inserts m preserving chronological order. Returns false if a message
// with the same id is already present; the transport does not guarantee
// at-most-once delivery, so duplicate appends must be no-ops.
func (l *Log) Append(m *wire.Message) bool {
	if _, ok := l.byID[m.ID]; ok {
		return false
	}
	i := sort.Search(len(l.msgs), func(i int) bool { return !before(l.msgs[i], m) })
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	l.byID[m.ID] = m

	if acks := l.pendingAcks[m.ID]; len(acks) > 0 {
		delete(l.pendingAcks, m.ID)
		for _, a := range acks {
			if a.read {
				_ = l.ApplyReadAck(m.ID, a.user, a.readAt)
			} else {
				_ = l.ApplyDeliveryAck(m.ID, a.user)
			}
		}
	}
	return true
}

func (l *Log) Get(id string) (*wire.Message, bool) {
	m, ok := l.byID[id]
	return m, ok
}

func (l *Log) Len() int { return len(l.msgs) }

// Messages returns the ordered list. The slice is a copy; the elements are not.
func (l *Log) Messages() []*wire.Message {
	out := make([]*wire.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Oldest returns the first message in chronological order, or nil.
func (l *Log) Oldest() *wire.Message {
	if len(l.msgs) == 0 {
		return nil
	}
	return l.msgs[0]
}

// ApplyEdit replaces the text content and marks the message edited.
func (l *Log) ApplyEdit(id, text string, editedAt time.Time) error {
	m, ok := l.byID[id]
	if !ok {
		l.drop("edit", id)
		return ErrUnknownMessage
	}
	m.Content.Text = text
	m.IsEdited = true
	m.EditedAt = &editedAt
	return nil
}

// ApplyUnsend tombstones the message. Content is retained in memory, but the
// IsUnsent flag obliges every consumer to render the unsent placeholder; the
// message keeps its identity and position in the sequence.
func (l *Log) ApplyUnsend(id string) error {
	m, ok := l.byID[id]
	if !ok {
		l.drop("unsend", id)
		return ErrUnknownMessage
	}
	m.IsUnsent = true
	return nil
}

// ApplyReaction upserts the user's reaction. An empty emoji is the
// "no reaction" sentinel and clears the entry, which keeps the merge
// idempotent when react/un-react events are reordered or replayed.
func (l *Log) ApplyReaction(id, user, emoji string) error {
	m, ok := l.byID[id]
	if !ok {
		l.drop("reaction", id)
		return ErrUnknownMessage
	}
	for i, r := range m.Reactions {
		if r.User != user {
			continue
		}
		if emoji == "" {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
		} else {
			m.Reactions[i].Emoji = emoji
		}
		return nil
	}
	if emoji != "" {
		m.Reactions = append(m.Reactions, wire.Reaction{User: user, Emoji: emoji})
	}
	return nil
}

// ApplyDeliveryAck unions the recipient into the deliveredTo set. An ack for
// a message not yet present is buffered and replayed when it arrives.
func (l *Log) ApplyDeliveryAck(id, user string) error {
	m, ok := l.byID[id]
	if !ok {
		l.pendingAcks[id] = append(l.pendingAcks[id], pendingAck{user: user})
		return nil
	}
	if !m.DeliveredToUser(user) {
		m.DeliveredTo = append(m.DeliveredTo, user)
	}
	return nil
}

// ApplyReadAck unions the recipient into readBy. Read strictly dominates
// delivered, so the recipient is added to deliveredTo as well.
func (l *Log) ApplyReadAck(id, user string, at time.Time) error {
	m, ok := l.byID[id]
	if !ok {
		l.pendingAcks[id] = append(l.pendingAcks[id], pendingAck{user: user, read: true, readAt: at})
		return nil
	}
	if !m.ReadByUser(user) {
		m.ReadBy = append(m.ReadBy, wire.ReadReceipt{User: user, ReadAt: at})
	}
	if !m.DeliveredToUser(user) {
		m.DeliveredTo = append(m.DeliveredTo, user)
	}
	return nil
}

// ResolveReply looks up the target of m's replyTo reference. The reference is
// weak: the target may not be loaded, or may have been unsent, in which case
// the caller renders a placeholder.
func (l *Log) ResolveReply(m *wire.Message) (*wire.Message, bool) {
	if m == nil || m.ReplyTo == "" {
		return nil, false
	}
	target, ok := l.byID[m.ReplyTo]
	if !ok || target.IsUnsent {
		return nil, false
	}
	return target, true
}

// remove drops a message from the log. Used only to retract optimistic
// placeholders; authoritative messages are never removed.
func (l *Log) remove(id string) {
	m, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	for i, cur := range l.msgs {
		if cur == m {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			return
		}
	}
}

func (l *Log) drop(op, id string) {
	if l.logger != nil {
		l.logger.Debugw("dropping event for unknown message", "op", op, "messageId", id)
	}
}

// CanEdit validates a local edit attempt before any optimistic mutation.
// Mirrors the server-side check: sender-only, text-only, not unsent, and
// within the edit window measured from the server-assigned creation time.
func CanEdit(m *wire.Message, user string, now time.Time) error {
	if m.SenderID != user {
		return ErrNotSender
	}
	if m.Type != wire.TypeText {
		return ErrEditNotText
	}
	if m.IsUnsent {
		return ErrEditUnsent
	}
	if now.Sub(m.CreatedAt) > wire.EditWindow {
		return ErrEditWindowExpired
	}
	return nil
}
