package chatclient

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/farmconnect/messaging/wire"
)

// pendingIDPrefix marks locally-synthesized placeholder ids so they are
// recognizable until the server echo assigns the real identity.
const pendingIDPrefix = "pending-"

// History is the per-conversation message log. It grows backward through
// paginated fetches of older history and forward through live events, both
// funneled through the Log's idempotent operations, so the same message
// arriving via an overlapping page and via the live stream is stored once.
type History struct {
	ConversationID string

	log *Log

	// optimistic sends keyed by correlation token, still awaiting the echo
	pending map[string]*wire.Message

	// sending/failed overrides for placeholder ids
	localStatus map[string]wire.Status

	hasMore bool
	logger  *zap.SugaredLogger
}

func NewHistory(conversationID string, logger *zap.SugaredLogger) *History {
	return &History{
		ConversationID: conversationID,
		log:            NewLog(logger),
		pending:        make(map[string]*wire.Message),
		localStatus:    make(map[string]wire.Status),
		hasMore:        true,
		logger:         logger,
	}
}

func (h *History) Log() *Log { return h.log }

// HasMore reports whether older history may remain on the server.
func (h *History) HasMore() bool { return h.hasMore }

// OldestID returns the pagination cursor: the id of the oldest loaded
// authoritative message. Optimistic placeholders never act as cursors.
func (h *History) OldestID() string {
	for _, m := range h.log.Messages() {
		if !strings.HasPrefix(m.ID, pendingIDPrefix) {
			return m.ID
		}
	}
	return ""
}

// MergePage folds a fetched page into the log. Messages already present
// (overlapping pages, or live events that raced the fetch) are skipped by the
// idempotent append.
func (h *History) MergePage(msgs []*wire.Message, hasMore bool) {
	for _, m := range msgs {
		h.log.Append(m)
	}
	h.hasMore = hasMore
}

// AppendLocal synthesizes an optimistic pending message and inserts it
// immediately. The returned message carries the correlation token used to
// recognize the server's echo of the same logical message.
func (h *History) AppendLocal(sender string, t wire.MessageType, content wire.Content, replyTo string, now time.Time) *wire.Message {
	token := uuid.NewString()
	m := &wire.Message{
		ID:             pendingIDPrefix + token,
		ConversationID: h.ConversationID,
		SenderID:       sender,
		Type:           t,
		Content:        content,
		ReplyTo:        replyTo,
		CreatedAt:      now,
		ClientToken:    token,
	}
	h.log.Append(m)
	h.pending[token] = m
	h.localStatus[m.ID] = wire.StatusSending
	return m
}

// ResolveLocal merges an authoritative message:new into the log. If it is the
// echo of one of our optimistic sends (matched by correlation token), the
// placeholder is retracted first so exactly one copy of the logical message
// remains, now under the server-assigned identity and timestamp.
// Returns true when the message was newly inserted.
func (h *History) ResolveLocal(m *wire.Message) bool {
	if m.ClientToken != "" {
		if placeholder, ok := h.pending[m.ClientToken]; ok {
			delete(h.pending, m.ClientToken)
			delete(h.localStatus, placeholder.ID)
			h.log.remove(placeholder.ID)
		}
	}
	return h.log.Append(m)
}

// FailLocal marks an unacknowledged optimistic send as failed. The message
// stays visible with a retry affordance; it is never silently dropped.
func (h *History) FailLocal(token string) bool {
	m, ok := h.pending[token]
	if !ok {
		return false
	}
	h.localStatus[m.ID] = wire.StatusFailed
	return true
}

// RetryLocal flips a failed send back to sending and returns the message so
// the caller can re-emit it under the same correlation token.
func (h *History) RetryLocal(token string) (*wire.Message, bool) {
	m, ok := h.pending[token]
	if !ok || h.localStatus[m.ID] != wire.StatusFailed {
		return nil, false
	}
	h.localStatus[m.ID] = wire.StatusSending
	return m, true
}

// DiscardLocal removes a failed optimistic send entirely (user chose not to
// retry).
func (h *History) DiscardLocal(token string) {
	m, ok := h.pending[token]
	if !ok {
		return
	}
	delete(h.pending, token)
	delete(h.localStatus, m.ID)
	h.log.remove(m.ID)
}

// StatusOf reports the effective status of a message from the sender's point
// of view: a local sending/failed override when the message is still
// optimistic, otherwise the receipt-derived status against the peer. When the
// peer is unknown (directory page not fetched yet) the receipt sets still
// decide: in a 1:1 thread any receipt that is not the sender's own belongs to
// the recipient.
func (h *History) StatusOf(m *wire.Message, peer string) wire.Status {
	if st, ok := h.localStatus[m.ID]; ok {
		return st
	}
	if peer == "" {
		return statusFromReceipts(m)
	}
	return m.StatusFor(peer)
}

func statusFromReceipts(m *wire.Message) wire.Status {
	for _, r := range m.ReadBy {
		if r.User != m.SenderID {
			return wire.StatusRead
		}
	}
	for _, u := range m.DeliveredTo {
		if u != m.SenderID {
			return wire.StatusDelivered
		}
	}
	return wire.StatusSent
}

// Messages returns the ordered log including optimistic placeholders.
func (h *History) Messages() []*wire.Message { return h.log.Messages() }
