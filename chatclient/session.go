package chatclient

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/farmconnect/messaging/wire"
)

// Transport is the slice of Client the session depends on; tests substitute
// a fake.
type Transport interface {
	Connect() error
	Disconnect()
	State() State
	OnStateChange(func(State)) Subscription
	Subscribe(event string, fn func(wire.Envelope)) Subscription

	JoinConversation(id string) error
	LeaveConversation(id string) error
	SendMessage(req wire.SendRequest) error
	EditMessage(messageID, text string) error
	UnsendMessage(messageID string) error
	React(messageID, emoji string) error
	AckDelivered(messageID string) error
	MarkSeen(conversationID string) error
	TypingStart(conversationID string) error
	TypingStop(conversationID string) error
}

type SessionConfig struct {
	// SendTimeout bounds how long an optimistic send waits for its echo
	// before it is marked failed with a retry affordance.
	SendTimeout time.Duration
	// ReadCoalesce is the minimum gap between read signals per conversation.
	ReadCoalesce time.Duration
	// TypingTimeout expires a typing entry with no refresh.
	TypingTimeout time.Duration
	PageSize      int

	tick time.Duration
}

func (c *SessionConfig) defaults() {
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ReadCoalesce == 0 {
		c.ReadCoalesce = 2 * time.Second
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 4 * time.Second
	}
	if c.PageSize == 0 {
		c.PageSize = 20
	}
	if c.tick == 0 {
		c.tick = 200 * time.Millisecond
	}
}

// Session is the per-login context object holding all client-side messaging
// state: the conversation directory, per-conversation histories, receipt
// propagation, and typing presence. All state is owned by a single event
// loop goroutine; inbound socket events and public operations are serialized
// through it, which is what lets the Log run without locks. Construct once
// after login, Close on logout.
type Session struct {
	cfg    SessionConfig
	userID string
	tr     Transport
	api    RestAPI
	logger *zap.SugaredLogger

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// loop-owned state
	dir       *Directory
	histories map[string]*History
	receipts  *ReceiptPropagator
	typing    *TypingTracker
	online    map[string]struct{}
	deadlines map[string]sendDeadline
	subs      []Subscription

	// OnUpdate, if set, is called on the loop after any visible state change
	// for the given conversation ("" for directory-wide changes).
	OnUpdate func(conversationID string)
	// OnAccountRefresh, if set, is called when the server pushes an
	// out-of-band account change requiring a profile re-fetch.
	OnAccountRefresh func()
}

type sendDeadline struct {
	conversationID string
	deadline       time.Time
}

func NewSession(userID string, tr Transport, api RestAPI, cfg SessionConfig, logger *zap.SugaredLogger) *Session {
	cfg.defaults()
	s := &Session{
		cfg:       cfg,
		userID:    userID,
		tr:        tr,
		api:       api,
		logger:    logger,
		cmds:      make(chan func(), 256),
		done:      make(chan struct{}),
		dir:       NewDirectory(userID),
		histories: make(map[string]*History),
		online:    make(map[string]struct{}),
		deadlines: make(map[string]sendDeadline),
	}
	s.receipts = NewReceiptPropagator(userID, cfg.ReadCoalesce,
		func(messageID string) {
			if err := tr.AckDelivered(messageID); err != nil {
				logger.Debugw("delivered ack not sent", "messageId", messageID, "err", err)
			}
		},
		func(conversationID string) {
			if err := tr.MarkSeen(conversationID); err != nil {
				logger.Debugw("read signal not sent", "conversationId", conversationID, "err", err)
			}
		})
	s.typing = NewTypingTracker(cfg.TypingTimeout)

	s.subscribeAll()
	go s.loop()
	return s
}

// Start brings the transport up. ErrNoToken is returned when messaging must
// degrade to REST-only mode; the session stays usable for history reads.
func (s *Session) Start() error { return s.tr.Connect() }

// Close tears the session down: subscriptions released, transport closed,
// event loop stopped. In-flight sends are abandoned.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, sub := range s.subs {
			sub.Cancel()
		}
		s.tr.Disconnect()
	})
}

func (s *Session) subscribeAll() {
	on := func(event string, fn func(wire.Envelope)) {
		s.subs = append(s.subs, s.tr.Subscribe(event, func(env wire.Envelope) {
			s.post(func() { fn(env) })
		}))
	}
	on(wire.EventMessageNew, s.onMessageNew)
	on(wire.EventMessageEdit, s.onMessageEdit)
	on(wire.EventMessageUnsend, s.onMessageUnsend)
	on(wire.EventMessageReaction, s.onMessageReaction)
	on(wire.EventMessageDelivered, s.onMessageDelivered)
	on(wire.EventMessageSeen, s.onMessageSeen)
	on(wire.EventConversationUnread, s.onUnread)
	on(wire.EventUserTyping, s.onTypingStart)
	on(wire.EventUserStoppedTyping, s.onTypingStop)
	on(wire.EventUserOnline, s.onOnline)
	on(wire.EventUserOffline, s.onOffline)
	on(wire.EventAccountRefresh, func(wire.Envelope) {
		if s.OnAccountRefresh != nil {
			s.OnAccountRefresh()
		}
	})
	on(wire.EventError, func(env wire.Envelope) {
		var en wire.ErrorNotice
		_ = env.Decode(&en)
		s.logger.Warnw("server rejected operation", "code", en.Code, "message", en.Message)
	})

	s.subs = append(s.subs, s.tr.OnStateChange(func(st State) {
		if st == StateConnected {
			s.post(s.resync)
		}
	}))
}

// post hands a closure to the event loop; drops it if the session is closed.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// run executes fn on the loop and waits for it.
func (s *Session) run(fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) loop() {
	ticker := time.NewTicker(s.cfg.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.cmds:
			fn()
		case now := <-ticker.C:
			s.receipts.Flush(now)
			s.typing.Expire(now)
			s.expireSends(now)
		}
	}
}

func (s *Session) history(conversationID string) *History {
	h, ok := s.histories[conversationID]
	if !ok {
		h = NewHistory(conversationID, s.logger)
		s.histories[conversationID] = h
	}
	return h
}

func (s *Session) notify(conversationID string) {
	if s.OnUpdate != nil {
		s.OnUpdate(conversationID)
	}
}

// ---- inbound event handlers (loop context) ----

func (s *Session) onMessageNew(env wire.Envelope) {
	var m wire.Message
	if err := env.Decode(&m); err != nil || m.ID == "" || m.ConversationID == "" {
		s.logger.Debugw("malformed message:new dropped", "err", err)
		return
	}
	h := s.history(m.ConversationID)
	if !h.ResolveLocal(&m) {
		return // duplicate delivery
	}
	if m.ClientToken != "" {
		delete(s.deadlines, m.ClientToken)
	}
	s.receipts.OnLiveMessage(&m)
	if s.dir.OpenID() == m.ConversationID && m.SenderID != s.userID {
		s.receipts.NoteRead(m.ConversationID)
	}
	s.dir.NoteMessage(&m, previewOf(&m))
	s.notify(m.ConversationID)
}

func (s *Session) onMessageEdit(env wire.Envelope) {
	var n wire.EditNotice
	if err := env.Decode(&n); err != nil {
		return
	}
	h := s.history(n.ConversationID)
	if err := h.Log().ApplyEdit(n.MessageID, n.Text, n.EditedAt); err != nil {
		return
	}
	s.notify(n.ConversationID)
}

func (s *Session) onMessageUnsend(env wire.Envelope) {
	var n wire.UnsendNotice
	if err := env.Decode(&n); err != nil {
		return
	}
	h := s.history(n.ConversationID)
	if err := h.Log().ApplyUnsend(n.MessageID); err != nil {
		return
	}
	s.notify(n.ConversationID)
}

func (s *Session) onMessageReaction(env wire.Envelope) {
	var n wire.ReactionNotice
	if err := env.Decode(&n); err != nil {
		return
	}
	h := s.history(n.ConversationID)
	if err := h.Log().ApplyReaction(n.MessageID, n.User, n.Emoji); err != nil {
		return
	}
	s.notify(n.ConversationID)
}

func (s *Session) onMessageDelivered(env wire.Envelope) {
	var n wire.DeliveredNotice
	if err := env.Decode(&n); err != nil {
		return
	}
	_ = s.history(n.ConversationID).Log().ApplyDeliveryAck(n.MessageID, n.User)
	s.notify(n.ConversationID)
}

func (s *Session) onMessageSeen(env wire.Envelope) {
	var n wire.SeenNotice
	if err := env.Decode(&n); err != nil {
		return
	}
	log := s.history(n.ConversationID).Log()
	at := n.ReadAt
	if at.IsZero() {
		at = time.Now()
	}
	for _, id := range n.MessageIDs {
		_ = log.ApplyReadAck(id, n.User, at)
	}
	s.notify(n.ConversationID)
}

func (s *Session) onUnread(env wire.Envelope) {
	var n wire.UnreadNotice
	if err := env.Decode(&n); err != nil {
		return
	}
	s.dir.SetUnread(n.ConversationID, n.Count)
	s.notify("")
}

func (s *Session) onTypingStart(env wire.Envelope) {
	var n wire.TypingNotice
	if err := env.Decode(&n); err != nil || n.User == s.userID {
		return
	}
	s.typing.Start(n.ConversationID, n.User, time.Now())
	s.notify(n.ConversationID)
}

func (s *Session) onTypingStop(env wire.Envelope) {
	var n wire.TypingNotice
	if err := env.Decode(&n); err != nil {
		return
	}
	s.typing.Stop(n.ConversationID, n.User)
	s.notify(n.ConversationID)
}

func (s *Session) onOnline(env wire.Envelope) {
	var n wire.PresenceNotice
	if err := env.Decode(&n); err != nil {
		return
	}
	s.online[n.User] = struct{}{}
	s.notify("")
}

func (s *Session) onOffline(env wire.Envelope) {
	var n wire.PresenceNotice
	if err := env.Decode(&n); err != nil {
		return
	}
	delete(s.online, n.User)
	s.notify("")
}

// resync runs after every successful (re)connect: events missed while
// disconnected are not buffered anywhere, so the open conversation re-joins
// its room and re-fetches the latest page, relying on idempotent merge to
// close the gap without duplicates.
func (s *Session) resync() {
	open := s.dir.OpenID()
	if open == "" {
		return
	}
	if err := s.tr.JoinConversation(open); err != nil {
		s.logger.Debugw("rejoin failed", "conversationId", open, "err", err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msgs, hasMore, err := s.api.GetMessages(ctx, open, s.cfg.PageSize, "")
		if err != nil {
			s.logger.Warnw("resync fetch failed", "conversationId", open, "err", err)
			return
		}
		s.post(func() {
			h := s.history(open)
			h.MergePage(msgs, h.HasMore() || hasMore)
			s.receipts.NoteRead(open)
			s.notify(open)
		})
	}()
}

func (s *Session) expireSends(now time.Time) {
	for token, d := range s.deadlines {
		if now.Before(d.deadline) {
			continue
		}
		delete(s.deadlines, token)
		if s.history(d.conversationID).FailLocal(token) {
			s.logger.Infow("send not acknowledged in time", "conversationId", d.conversationID, "token", token)
			s.notify(d.conversationID)
		}
	}
}

// ---- public operations ----

// LoadConversations fetches the next directory page (the first page when
// nothing is loaded yet) and returns the full list.
func (s *Session) LoadConversations(ctx context.Context) ([]*wire.Conversation, error) {
	var cursor string
	if err := s.run(func() { cursor = s.dir.NextCursor() }); err != nil {
		return nil, err
	}
	convs, next, err := s.api.ListConversations(ctx, cursor, s.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	var out []*wire.Conversation
	err = s.run(func() {
		s.dir.MergePage(convs, next)
		out = s.dir.Conversations()
	})
	return out, err
}

// StartConversation resolves (idempotently, server-side) the conversation
// with another user and places it at the top of the directory.
func (s *Session) StartConversation(ctx context.Context, otherUserID string) (*wire.Conversation, error) {
	conv, err := s.api.StartConversation(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	err = s.run(func() { s.dir.Upsert(conv) })
	return conv, err
}

// Open makes the conversation current: joins its room, fetches the latest
// page, resets the unread counter, and schedules a read signal.
func (s *Session) Open(ctx context.Context, conversationID string) ([]*wire.Message, error) {
	if err := s.tr.JoinConversation(conversationID); err != nil && err != ErrNotConnected {
		return nil, err
	}
	msgs, hasMore, err := s.api.GetMessages(ctx, conversationID, s.cfg.PageSize, "")
	if err != nil {
		return nil, err
	}
	var out []*wire.Message
	err = s.run(func() {
		h := s.history(conversationID)
		h.MergePage(msgs, hasMore)
		s.dir.Open(conversationID)
		s.receipts.NoteRead(conversationID)
		out = h.Messages()
	})
	return out, err
}

// CloseConversation leaves the current conversation view. The read-coalescing
// timer for it is canceled; live events for it keep merging so the directory
// badge stays correct.
func (s *Session) CloseConversation() {
	_ = s.run(func() {
		open := s.dir.OpenID()
		if open == "" {
			return
		}
		s.receipts.CancelRead(open)
		if err := s.tr.LeaveConversation(open); err != nil && err != ErrNotConnected {
			s.logger.Debugw("leave failed", "conversationId", open, "err", err)
		}
		s.dir.CloseOpen()
	})
}

// LoadOlder pages backward: fetches messages strictly older than the oldest
// loaded one. Overlap with already-loaded pages is absorbed by the
// idempotent merge.
func (s *Session) LoadOlder(ctx context.Context, conversationID string) ([]*wire.Message, bool, error) {
	var cursor string
	var more bool
	if err := s.run(func() {
		h := s.history(conversationID)
		cursor = h.OldestID()
		more = h.HasMore()
	}); err != nil {
		return nil, false, err
	}
	if !more {
		return nil, false, nil
	}
	msgs, hasMore, err := s.api.GetMessages(ctx, conversationID, s.cfg.PageSize, cursor)
	if err != nil {
		return nil, false, err
	}
	var out []*wire.Message
	err = s.run(func() {
		h := s.history(conversationID)
		h.MergePage(msgs, hasMore)
		out = h.Messages()
	})
	return out, hasMore, err
}

// SendText appends an optimistic message and emits it. The returned token
// identifies the pending send for retry/discard. A transport failure leaves
// the message in a visible failed state and is also returned.
func (s *Session) SendText(conversationID, text, replyTo string) (string, error) {
	if text == "" {
		return "", ErrEmptyMessage
	}
	return s.send(conversationID, wire.TypeText, wire.TextContent(text), replyTo)
}

// SendAttachment uploads the file through the REST collaborator, then sends
// a message referencing it. The upload is a separate suspension point; live
// events keep merging while it runs.
func (s *Session) SendAttachment(ctx context.Context, conversationID string, t wire.MessageType, filename, contentType string, r io.Reader) (string, error) {
	content, err := s.api.UploadAttachment(ctx, filename, contentType, r)
	if err != nil {
		return "", err
	}
	return s.send(conversationID, t, content, "")
}

func (s *Session) send(conversationID string, t wire.MessageType, content wire.Content, replyTo string) (string, error) {
	var token string
	var emitErr error
	err := s.run(func() {
		h := s.history(conversationID)
		m := h.AppendLocal(s.userID, t, content, replyTo, time.Now())
		token = m.ClientToken
		s.deadlines[token] = sendDeadline{conversationID: conversationID, deadline: time.Now().Add(s.cfg.SendTimeout)}
		emitErr = s.tr.SendMessage(wire.SendRequest{
			ConversationID: conversationID,
			Type:           t,
			Content:        content,
			ReplyTo:        replyTo,
			ClientToken:    token,
		})
		if emitErr != nil {
			delete(s.deadlines, token)
			h.FailLocal(token)
		}
		s.notify(conversationID)
	})
	if err != nil {
		return "", err
	}
	return token, emitErr
}

// RetrySend re-emits a failed optimistic send under its original token.
func (s *Session) RetrySend(conversationID, token string) error {
	var emitErr error
	err := s.run(func() {
		h := s.history(conversationID)
		m, ok := h.RetryLocal(token)
		if !ok {
			emitErr = ErrUnknownMessage
			return
		}
		s.deadlines[token] = sendDeadline{conversationID: conversationID, deadline: time.Now().Add(s.cfg.SendTimeout)}
		emitErr = s.tr.SendMessage(wire.SendRequest{
			ConversationID: conversationID,
			Type:           m.Type,
			Content:        m.Content,
			ReplyTo:        m.ReplyTo,
			ClientToken:    token,
		})
		if emitErr != nil {
			delete(s.deadlines, token)
			h.FailLocal(token)
		}
		s.notify(conversationID)
	})
	if err != nil {
		return err
	}
	return emitErr
}

// DiscardSend drops a failed optimistic send without retrying.
func (s *Session) DiscardSend(conversationID, token string) {
	_ = s.run(func() {
		s.history(conversationID).DiscardLocal(token)
		s.notify(conversationID)
	})
}

// Edit validates locally (mirroring the server's authorization check), then
// applies the edit optimistically and emits it. Validation failures reject
// the edit before any mutation.
func (s *Session) Edit(conversationID, messageID, text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	var opErr error
	err := s.run(func() {
		log := s.history(conversationID).Log()
		m, ok := log.Get(messageID)
		if !ok {
			opErr = ErrUnknownMessage
			return
		}
		if opErr = CanEdit(m, s.userID, time.Now()); opErr != nil {
			return
		}
		_ = log.ApplyEdit(messageID, text, time.Now())
		opErr = s.tr.EditMessage(messageID, text)
		s.notify(conversationID)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Unsend tombstones the sender's own message and emits the unsend.
func (s *Session) Unsend(conversationID, messageID string) error {
	var opErr error
	err := s.run(func() {
		log := s.history(conversationID).Log()
		m, ok := log.Get(messageID)
		if !ok {
			opErr = ErrUnknownMessage
			return
		}
		if m.SenderID != s.userID {
			opErr = ErrNotSender
			return
		}
		_ = log.ApplyUnsend(messageID)
		opErr = s.tr.UnsendMessage(messageID)
		s.notify(conversationID)
	})
	if err != nil {
		return err
	}
	return opErr
}

// React upserts the caller's reaction optimistically and emits it. An empty
// emoji clears the reaction.
func (s *Session) React(conversationID, messageID, emoji string) error {
	var opErr error
	err := s.run(func() {
		log := s.history(conversationID).Log()
		if _, ok := log.Get(messageID); !ok {
			opErr = ErrUnknownMessage
			return
		}
		_ = log.ApplyReaction(messageID, s.userID, emoji)
		opErr = s.tr.React(messageID, emoji)
		s.notify(conversationID)
	})
	if err != nil {
		return err
	}
	return opErr
}

// MarkVisible records that the conversation's messages are on screen; read
// signals are coalesced by the propagator.
func (s *Session) MarkVisible(conversationID string) {
	s.post(func() { s.receipts.NoteRead(conversationID) })
}

// Typing forwards a typing signal for the open conversation; advisory only.
func (s *Session) Typing(conversationID string) {
	if err := s.tr.TypingStart(conversationID); err != nil && err != ErrNotConnected {
		s.logger.Debugw("typing signal not sent", "err", err)
	}
}

func (s *Session) TypingStopped(conversationID string) {
	if err := s.tr.TypingStop(conversationID); err != nil && err != ErrNotConnected {
		s.logger.Debugw("typing signal not sent", "err", err)
	}
}

// ---- snapshots ----

func (s *Session) Conversations() []*wire.Conversation {
	var out []*wire.Conversation
	_ = s.run(func() { out = s.dir.Conversations() })
	return out
}

func (s *Session) Messages(conversationID string) []*wire.Message {
	var out []*wire.Message
	_ = s.run(func() { out = s.history(conversationID).Messages() })
	return out
}

// StatusOf reports the effective status of one message for rendering.
func (s *Session) StatusOf(conversationID, messageID string) wire.Status {
	st := wire.StatusSent
	_ = s.run(func() {
		h := s.history(conversationID)
		m, ok := h.Log().Get(messageID)
		if !ok {
			return
		}
		peer := ""
		if c, ok := s.dir.Get(conversationID); ok {
			peer = c.Peer(s.userID)
		}
		st = h.StatusOf(m, peer)
	})
	return st
}

// ReplyPreview resolves a message's replyTo reference; ok is false when the
// target is absent or unsent and a placeholder should be rendered.
func (s *Session) ReplyPreview(conversationID, messageID string) (preview *wire.Message, ok bool) {
	_ = s.run(func() {
		log := s.history(conversationID).Log()
		m, found := log.Get(messageID)
		if !found {
			return
		}
		preview, ok = log.ResolveReply(m)
	})
	return preview, ok
}

func (s *Session) TypingUsers(conversationID string) []string {
	var out []string
	_ = s.run(func() { out = s.typing.Typing(conversationID, time.Now()) })
	return out
}

// IsOnline reports coarse connection-scoped presence. Advisory: it never
// gates whether a send is attempted.
func (s *Session) IsOnline(userID string) bool {
	var on bool
	_ = s.run(func() { _, on = s.online[userID] })
	return on
}

// previewOf renders the directory preview for a message, capped the way the
// server caps its denormalized copy.
func previewOf(m *wire.Message) string {
	if m.IsUnsent {
		return "Message unsent"
	}
	if m.Type == wire.TypeText {
		r := []rune(m.Content.Text)
		if len(r) > 80 {
			r = r[:80]
		}
		return string(r)
	}
	return "[" + string(m.Type) + "]"
}
