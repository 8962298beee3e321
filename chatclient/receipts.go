package chatclient

import (
	"time"

	"github.com/farmconnect/messaging/wire"
)

// ReceiptPropagator turns client-side visibility into receipt signals.
// Delivery acks fire once per newly-seen live message (never for history-page
// loads). Read signals are read-through per conversation and coalesced so a
// burst of newly-visible messages produces at most one signal per interval.
//
// Inbound receipts do not pass through here; they are folded straight into
// the Log by the session.
type ReceiptPropagator struct {
	self     string
	interval time.Duration

	emitDelivered func(messageID string)
	emitRead      func(conversationID string)

	acked     map[string]struct{}
	dirty     map[string]struct{}
	lastFlush map[string]time.Time
}

func NewReceiptPropagator(self string, interval time.Duration, emitDelivered func(string), emitRead func(string)) *ReceiptPropagator {
	return &ReceiptPropagator{
		self:          self,
		interval:      interval,
		emitDelivered: emitDelivered,
		emitRead:      emitRead,
		acked:         make(map[string]struct{}),
		dirty:         make(map[string]struct{}),
		lastFlush:     make(map[string]time.Time),
	}
}

// OnLiveMessage acknowledges receipt of a message that arrived over the live
// stream. Own messages and duplicates are ignored.
func (r *ReceiptPropagator) OnLiveMessage(m *wire.Message) {
	if m.SenderID == r.self {
		return
	}
	if _, ok := r.acked[m.ID]; ok {
		return
	}
	r.acked[m.ID] = struct{}{}
	r.emitDelivered(m.ID)
}

// NoteRead records that the conversation's messages are visible. The actual
// signal is deferred to Flush.
func (r *ReceiptPropagator) NoteRead(conversationID string) {
	r.dirty[conversationID] = struct{}{}
}

// CancelRead drops any pending read signal for the conversation, e.g. when
// the view is closed before the coalescing interval elapses.
func (r *ReceiptPropagator) CancelRead(conversationID string) {
	delete(r.dirty, conversationID)
}

// Flush emits at most one read signal per dirty conversation whose coalescing
// interval has elapsed. Driven by the session loop's ticker.
func (r *ReceiptPropagator) Flush(now time.Time) {
	for convID := range r.dirty {
		if last, ok := r.lastFlush[convID]; ok && now.Sub(last) < r.interval {
			continue
		}
		delete(r.dirty, convID)
		r.lastFlush[convID] = now
		r.emitRead(convID)
	}
}
