// Package chat implements the messaging operations behind both the REST
// handlers and the websocket events: it validates, persists through the
// repository, then fans results out through the hub.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/farmconnect/messaging/internal/apperr"
	"github.com/farmconnect/messaging/internal/events"
	"github.com/farmconnect/messaging/internal/hub"
	"github.com/farmconnect/messaging/internal/models"
	"github.com/farmconnect/messaging/wire"
)

// Repo is the persistence surface the service needs. *repository.Store
// satisfies it; tests plug in a fake.
type Repo interface {
	EnsureConversation(ctx context.Context, userA, userB string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id, user string) (*models.Conversation, error)
	ListConversations(ctx context.Context, user, cursor string, limit int) ([]*models.Conversation, string, error)
	MessagesPage(ctx context.Context, conversationID string, limit int, before string) ([]*models.Message, bool, error)
	InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessageText(ctx context.Context, id primitive.ObjectID, text string, editedAt time.Time) error
	UnsendMessage(ctx context.Context, id primitive.ObjectID) error
	UpsertReaction(ctx context.Context, id primitive.ObjectID, user, emoji string) error
	MarkDelivered(ctx context.Context, id primitive.ObjectID, user string) error
	MarkSeen(ctx context.Context, conversationID primitive.ObjectID, user string, readAt time.Time) ([]string, error)
	UnreadCount(ctx context.Context, conversationID primitive.ObjectID, user string) (int, error)
}

// Publisher decouples the service from Kafka; tests use a no-op.
type Publisher interface {
	PublishMessageSent(ctx context.Context, ev events.MessageSent)
}

type NopPublisher struct{}

func (NopPublisher) PublishMessageSent(context.Context, events.MessageSent) {}

// Router fans envelopes out to connections. *hub.Hub serves a single
// gateway instance; *hub.Relay spans instances over redis pub/sub.
type Router interface {
	Join(c *hub.Client, room string)
	Leave(c *hub.Client, room string)
	SendToUser(userID string, env wire.Envelope)
	BroadcastRoom(room string, env wire.Envelope, except ...string)
}

type Service struct {
	repo   Repo
	hub    Router
	pub    Publisher
	logger *zap.SugaredLogger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	rateLim  rate.Limit
	burst    int
}

func NewService(repo Repo, h Router, pub Publisher, messagesPerSec float64, burst int, logger *zap.SugaredLogger) *Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Service{
		repo:     repo,
		hub:      h,
		pub:      pub,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		rateLim:  rate.Limit(messagesPerSec),
		burst:    burst,
	}
}

func (s *Service) limiter(user string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l, ok := s.limiters[user]
	if !ok {
		l = rate.NewLimiter(s.rateLim, s.burst)
		s.limiters[user] = l
	}
	return l
}

// ---- REST-facing operations ----

// StartConversation finds or creates the thread between the caller and
// another user.
func (s *Service) StartConversation(ctx context.Context, user, otherUser string) (*wire.Conversation, error) {
	if otherUser == "" {
		return nil, apperr.ErrBadRequest
	}
	conv, err := s.repo.EnsureConversation(ctx, user, otherUser)
	if err != nil {
		return nil, err
	}
	unread, err := s.repo.UnreadCount(ctx, conv.ID, user)
	if err != nil {
		return nil, err
	}
	return conv.ToWire(unread), nil
}

// ListConversations pages the caller's threads with per-thread unread
// counts.
func (s *Service) ListConversations(ctx context.Context, user, cursor string, limit int) ([]*wire.Conversation, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	convs, next, err := s.repo.ListConversations(ctx, user, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	out := make([]*wire.Conversation, 0, len(convs))
	for _, c := range convs {
		unread, err := s.repo.UnreadCount(ctx, c.ID, user)
		if err != nil {
			return nil, "", err
		}
		out = append(out, c.ToWire(unread))
	}
	return out, next, nil
}

// Messages pages a conversation's history for a participant.
func (s *Service) Messages(ctx context.Context, user, conversationID string, limit int, before string) ([]*wire.Message, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if _, err := s.repo.GetConversation(ctx, conversationID, user); err != nil {
		return nil, false, err
	}
	msgs, hasMore, err := s.repo.MessagesPage(ctx, conversationID, limit, before)
	if err != nil {
		return nil, false, err
	}
	out := make([]*wire.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToWire())
	}
	return out, hasMore, nil
}

// ---- socket-facing operations ----

// Join verifies access, puts the connection in the conversation room and
// marks pending peer messages read, since joining means the thread is on
// screen.
func (s *Service) Join(ctx context.Context, c *hub.Client, conversationID string) error {
	conv, err := s.repo.GetConversation(ctx, conversationID, c.UserID)
	if err != nil {
		return err
	}
	s.hub.Join(c, conversationID)
	if env, err := wire.NewEnvelope(wire.EventConversationJoined, wire.JoinedNotice{ConversationID: conversationID}); err == nil {
		s.hub.SendToUser(c.UserID, env)
	}
	return s.markSeen(ctx, conv, c.UserID)
}

func (s *Service) Leave(c *hub.Client, conversationID string) {
	s.hub.Leave(c, conversationID)
}

// Send validates, stores and fans out a new message. The sender's echo
// carries the client token back so the optimistic copy can be replaced;
// other recipients never see the token.
func (s *Service) Send(ctx context.Context, user string, req wire.SendRequest) (*wire.Message, error) {
	if !s.limiter(user).Allow() {
		return nil, apperr.ErrRateLimited
	}
	conv, err := s.repo.GetConversation(ctx, req.ConversationID, user)
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = wire.TypeText
	}
	if req.Type == wire.TypeText && strings.TrimSpace(req.Content.Text) == "" {
		return nil, apperr.ErrBadRequest
	}
	if req.Type != wire.TypeText && req.Content.URL == "" {
		return nil, apperr.ErrBadRequest
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       user,
		Type:           string(req.Type),
		Content: models.Content{
			Text:        req.Content.Text,
			URL:         req.Content.URL,
			Filename:    req.Content.Filename,
			Size:        req.Content.Size,
			ContentType: req.Content.ContentType,
		},
		ReplyTo: req.ReplyTo,
	}
	stored, err := s.repo.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	out := stored.ToWire()
	peer := conv.Peer(user)

	// message:new is addressed to users, not rooms: a recipient with the
	// conversation closed still gets the message, so their directory can
	// bump it to the top without a re-fetch
	if peer != "" {
		if env, err := wire.NewEnvelope(wire.EventMessageNew, out); err == nil {
			s.hub.SendToUser(peer, env)
		}
	}
	echo := *out
	echo.ClientToken = req.ClientToken
	if env, err := wire.NewEnvelope(wire.EventMessageNew, &echo); err == nil {
		s.hub.SendToUser(user, env)
	}
	s.pushUnread(ctx, conv, peer)

	s.pub.PublishMessageSent(ctx, events.MessageSent{
		MessageID:      out.ID,
		ConversationID: out.ConversationID,
		SenderID:       user,
		RecipientID:    peer,
		Type:           string(out.Type),
		Preview:        previewOf(out),
		SentAt:         out.CreatedAt,
	})
	return out, nil
}

// Edit rewrites a text message's body. Only the sender may edit, only text
// messages, never tombstones, and only inside the edit window measured
// from the original send time.
func (s *Service) Edit(ctx context.Context, user string, req wire.EditRequest) error {
	msg, err := s.repo.GetMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if msg.SenderID != user {
		return apperr.ErrNotSender
	}
	if msg.IsUnsent {
		return apperr.ErrEditUnsent
	}
	if wire.MessageType(msg.Type) != wire.TypeText {
		return apperr.ErrEditNotText
	}
	if strings.TrimSpace(req.Text) == "" {
		return apperr.ErrBadRequest
	}
	now := time.Now().UTC()
	if now.Sub(msg.CreatedAt) > wire.EditWindow {
		return apperr.ErrEditWindowExpired
	}
	if err := s.repo.UpdateMessageText(ctx, msg.ID, req.Text, now); err != nil {
		return err
	}
	s.notifyBoth(ctx, msg, wire.EventMessageEdit, wire.EditNotice{
		MessageID:      req.MessageID,
		ConversationID: msg.ConversationID.Hex(),
		Text:           req.Text,
		EditedAt:       now,
	})
	return nil
}

// Unsend retracts a message for everyone, leaving a tombstone in place.
func (s *Service) Unsend(ctx context.Context, user string, req wire.UnsendRequest) error {
	msg, err := s.repo.GetMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if msg.SenderID != user {
		return apperr.ErrNotSender
	}
	if err := s.repo.UnsendMessage(ctx, msg.ID); err != nil {
		return err
	}
	s.notifyBoth(ctx, msg, wire.EventMessageUnsend, wire.UnsendNotice{
		MessageID:      req.MessageID,
		ConversationID: msg.ConversationID.Hex(),
	})
	return nil
}

// React replaces the caller's reaction on a message; an empty emoji
// removes it.
func (s *Service) React(ctx context.Context, user string, req wire.ReactionRequest) error {
	msg, err := s.repo.GetMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if _, err := s.repo.GetConversation(ctx, msg.ConversationID.Hex(), user); err != nil {
		return err
	}
	if msg.IsUnsent {
		return apperr.ErrMessageNotFound
	}
	if err := s.repo.UpsertReaction(ctx, msg.ID, user, req.Emoji); err != nil {
		return err
	}
	s.notifyBoth(ctx, msg, wire.EventMessageReaction, wire.ReactionNotice{
		MessageID:      req.MessageID,
		ConversationID: msg.ConversationID.Hex(),
		User:           user,
		Emoji:          req.Emoji,
	})
	return nil
}

// Delivered records a delivery ack and tells the sender.
func (s *Service) Delivered(ctx context.Context, user string, req wire.DeliveredRequest) error {
	msg, err := s.repo.GetMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if msg.SenderID == user {
		return nil
	}
	if err := s.repo.MarkDelivered(ctx, msg.ID, user); err != nil {
		return err
	}
	if env, err := wire.NewEnvelope(wire.EventMessageDelivered, wire.DeliveredNotice{
		MessageID:      req.MessageID,
		ConversationID: msg.ConversationID.Hex(),
		User:           user,
	}); err == nil {
		s.hub.SendToUser(msg.SenderID, env)
	}
	return nil
}

// Seen marks everything from the peer in the conversation as read.
func (s *Service) Seen(ctx context.Context, user string, req wire.SeenRequest) error {
	conv, err := s.repo.GetConversation(ctx, req.ConversationID, user)
	if err != nil {
		return err
	}
	return s.markSeen(ctx, conv, user)
}

func (s *Service) markSeen(ctx context.Context, conv *models.Conversation, user string) error {
	readAt := time.Now().UTC()
	ids, err := s.repo.MarkSeen(ctx, conv.ID, user, readAt)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if env, err := wire.NewEnvelope(wire.EventMessageSeen, wire.SeenNotice{
		ConversationID: conv.ID.Hex(),
		User:           user,
		MessageIDs:     ids,
		ReadAt:         readAt,
	}); err == nil {
		s.hub.SendToUser(conv.Peer(user), env)
	}
	return nil
}

// Typing relays a typing transition to the rest of the room.
func (s *Service) Typing(user, conversationID string, active bool) {
	event := wire.EventUserTyping
	if !active {
		event = wire.EventUserStoppedTyping
	}
	if env, err := wire.NewEnvelope(event, wire.TypingNotice{
		ConversationID: conversationID,
		User:           user,
	}); err == nil {
		s.hub.BroadcastRoom(conversationID, env, user)
	}
}

// NotifyAccountRefresh implements events.Notifier.
func (s *Service) NotifyAccountRefresh(userID string) {
	if env, err := wire.NewEnvelope(wire.EventAccountRefresh, nil); err == nil {
		s.hub.SendToUser(userID, env)
	}
}

// notifyBoth delivers a mutation notice to both participants' connections,
// not just the room, so a user browsing the conversation list still sees
// edits and unsends land.
func (s *Service) notifyBoth(ctx context.Context, msg *models.Message, event string, payload any) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	conv, err := s.repo.GetConversation(ctx, msg.ConversationID.Hex(), msg.SenderID)
	if err != nil {
		s.logger.Warnw("notify mutation", "error", err, "messageId", msg.ID.Hex())
		return
	}
	for _, p := range conv.Participants {
		s.hub.SendToUser(p, env)
	}
}

func (s *Service) pushUnread(ctx context.Context, conv *models.Conversation, user string) {
	if user == "" {
		return
	}
	unread, err := s.repo.UnreadCount(ctx, conv.ID, user)
	if err != nil {
		s.logger.Warnw("unread count", "error", err, "conversationId", conv.ID.Hex())
		return
	}
	if env, err := wire.NewEnvelope(wire.EventConversationUnread, wire.UnreadNotice{
		ConversationID: conv.ID.Hex(),
		Count:          unread,
	}); err == nil {
		s.hub.SendToUser(user, env)
	}
}

func previewOf(m *wire.Message) string {
	if m.Type == wire.TypeText {
		return models.PreviewText(m.Content.Text)
	}
	return "[" + string(m.Type) + "]"
}
