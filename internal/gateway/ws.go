package gateway

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/farmconnect/messaging/internal/apperr"
	"github.com/farmconnect/messaging/internal/auth"
	"github.com/farmconnect/messaging/internal/hub"
	"github.com/farmconnect/messaging/wire"
)

func (s *Server) mountWS() {
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		userID, err := auth.ParseToken(c.Query("token"), s.cfg.JWT.Secret)
		if err != nil {
			return err
		}
		c.Locals("userID", userID)
		return c.Next()
	})
	s.app.Get("/ws", websocket.New(s.handleSocket))
}

func (s *Server) handleSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("userID").(string)
	client := hub.NewClient(userID, s.cfg.WS.SendBufferEvents)
	ctx := context.Background()

	if first := s.hub.Register(client); first {
		if err := s.presence.SetOnline(ctx, userID); err != nil {
			s.logger.Warnw("presence set online", "error", err, "userId", userID)
		}
		s.broadcastPresence(wire.EventUserOnline, userID)
	}
	s.logger.Infow("socket connected", "userId", userID)

	writeDone := make(chan struct{})
	go s.writePump(conn, client, writeDone)

	// the pong handler refreshes the read deadline, so a peer that stops
	// answering pings is dropped instead of lingering until a write fails
	pongWait := 2 * s.cfg.WS.PingInterval()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.readLoop(ctx, conn, client)

	if last := s.hub.Unregister(client); last {
		if err := s.presence.SetOffline(ctx, userID); err != nil {
			s.logger.Warnw("presence set offline", "error", err, "userId", userID)
		}
		s.broadcastPresence(wire.EventUserOffline, userID)
	}
	<-writeDone
	s.logger.Infow("socket disconnected", "userId", userID)
}

// writePump owns all writes on the connection: outbox envelopes plus the
// ping keepalive, which doubles as the presence TTL refresh.
func (s *Server) writePump(conn *websocket.Conn, client *hub.Client, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.WS.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-client.Outbox():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout()))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if err := s.presence.Refresh(context.Background(), client.UserID); err != nil {
				s.logger.Warnw("presence refresh", "error", err, "userId", client.UserID)
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if err := s.dispatch(ctx, client, env); err != nil {
			s.sendError(client, err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, client *hub.Client, env wire.Envelope) error {
	user := client.UserID
	switch env.Event {
	case wire.EventConversationJoin:
		var req wire.JoinRequest
		if err := env.Decode(&req); err != nil {
			return apperr.ErrBadRequest.Wrap(err)
		}
		return s.svc.Join(ctx, client, req.ConversationID)

	case wire.EventConversationLeave:
		var req wire.JoinRequest
		if err := env.Decode(&req); err != nil {
			return apperr.ErrBadRequest.Wrap(err)
		}
		s.svc.Leave(client, req.ConversationID)
		return nil

	case wire.EventMessageSend:
		var req wire.SendRequest
		if err := env.Decode(&req); err != nil {
			return apperr.ErrBadRequest.Wrap(err)
		}
		_, err := s.svc.Send(ctx, user, req)
		return err

	case wire.EventMessageEdit:
		var req wire.EditRequest
		if err := env.Decode(&req); err != nil {
			return apperr.ErrBadRequest.Wrap(err)
		}
		return s.svc.Edit(ctx, user, req)

	case wire.EventMessageUnsend:
		var req wire.UnsendRequest
		if err := env.Decode(&req); err != nil {
			return apperr.ErrBadRequest.Wrap(err)
		}
		return s.svc.Unsend(ctx, user, req)

	case wire.EventMessageReaction:
		var req wire.ReactionRequest
		if err := env.Decode(&req); err != nil {
			return apperr.ErrBadRequest.Wrap(err)
		}
		return s.svc.React(ctx, user, req)

	case wire.EventMessageDelivered:
		var req wire.DeliveredRequest
		if err := env.Decode(&req); err != nil {
			return apperr.ErrBadRequest.Wrap(err)
		}
		return s.svc.Delivered(ctx, user, req)

	case wire.EventMessageSeen:
		var req wire.SeenRequest
		if err := env.Decode(&req); err != nil {
			return apperr.ErrBadRequest.Wrap(err)
		}
		return s.svc.Seen(ctx, user, req)

	case wire.EventTypingStart, wire.EventTypingStop:
		var req wire.TypingNotice
		if err := env.Decode(&req); err != nil {
			return apperr.ErrBadRequest.Wrap(err)
		}
		s.svc.Typing(user, req.ConversationID, env.Event == wire.EventTypingStart)
		return nil

	default:
		s.logger.Debugw("unknown socket event", "event", env.Event, "userId", user)
		return nil
	}
}

func (s *Server) sendError(client *hub.Client, err error) {
	env, encErr := wire.NewEnvelope(wire.EventError, wire.ErrorNotice{
		Code:    apperr.CodeOf(err),
		Message: apperr.MessageOf(err),
	})
	if encErr != nil {
		return
	}
	s.hub.SendToUser(client.UserID, env)
	s.logger.Debugw("socket op rejected", "userId", client.UserID, "error", err)
}

func (s *Server) broadcastPresence(event, userID string) {
	env, err := wire.NewEnvelope(event, wire.PresenceNotice{User: userID})
	if err != nil {
		return
	}
	s.bcast.BroadcastAll(env, userID)
}
