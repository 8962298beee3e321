// Package gateway exposes the chat service over HTTP and websocket using
// Fiber. REST covers history and uploads; everything live rides the socket.
package gateway

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/farmconnect/messaging/internal/apperr"
	"github.com/farmconnect/messaging/internal/auth"
	"github.com/farmconnect/messaging/internal/chat"
	"github.com/farmconnect/messaging/internal/config"
	"github.com/farmconnect/messaging/internal/hub"
	"github.com/farmconnect/messaging/internal/presence"
	"github.com/farmconnect/messaging/wire"
)

// Broadcaster carries presence transitions and user pushes beyond this
// instance; *hub.Relay in production, the plain hub in single-instance runs.
type Broadcaster interface {
	SendToUser(userID string, env wire.Envelope)
	BroadcastAll(env wire.Envelope, except ...string)
}

type Server struct {
	app      *fiber.App
	cfg      *config.Config
	svc      *chat.Service
	hub      *hub.Hub
	bcast    Broadcaster
	presence *presence.Store
	logger   *zap.SugaredLogger
}

func NewServer(cfg *config.Config, svc *chat.Service, h *hub.Hub, bcast Broadcaster, pres *presence.Store, logger *zap.SugaredLogger) *Server {
	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ErrorHandler: errorHandler,
		BodyLimit:    cfg.Uploads.MaxSizeMB * 1024 * 1024,
	})
	app.Use(recover.New())

	s := &Server{app: app, cfg: cfg, svc: svc, hub: h, bcast: bcast, presence: pres, logger: logger}
	s.routes()
	return s
}

func errorHandler(c *fiber.Ctx, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		return c.Status(fe.Code).JSON(fiber.Map{"code": "http_error", "message": fe.Message})
	}
	return c.Status(apperr.StatusOf(err)).JSON(fiber.Map{
		"code":    apperr.CodeOf(err),
		"message": apperr.MessageOf(err),
	})
}

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Static("/uploads", s.cfg.Uploads.Dir)

	api := s.app.Group("/api", s.requireAuth)
	api.Get("/conversations", s.listConversations)
	api.Post("/conversations", s.startConversation)
	api.Get("/conversations/:id/messages", s.getMessages)
	api.Post("/attachments", s.uploadAttachment)

	s.mountWS()
}

// requireAuth validates the bearer token and stashes the user id.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	userID, err := auth.ParseBearer(c.Get(fiber.HeaderAuthorization), s.cfg.JWT.Secret)
	if err != nil {
		return err
	}
	c.Locals("userID", userID)
	return c.Next()
}

func currentUser(c *fiber.Ctx) string {
	userID, _ := c.Locals("userID").(string)
	return userID
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	convs, next, err := s.svc.ListConversations(c.Context(), currentUser(c), c.Query("cursor"), limit)
	if err != nil {
		return err
	}
	if convs == nil {
		convs = []*wire.Conversation{}
	}
	return c.JSON(fiber.Map{"conversations": convs, "nextCursor": next})
}

func (s *Server) startConversation(c *fiber.Ctx) error {
	var body struct {
		OtherUserID string `json:"otherUserId"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apperr.ErrBadRequest.Wrap(err)
	}
	conv, err := s.svc.StartConversation(c.Context(), currentUser(c), body.OtherUserID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conv})
}

func (s *Server) getMessages(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	msgs, hasMore, err := s.svc.Messages(c.Context(), currentUser(c), c.Params("id"), limit, c.Query("before"))
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*wire.Message{}
	}
	return c.JSON(fiber.Map{"messages": msgs, "hasMore": hasMore})
}

// uploadAttachment stores the file on disk under a random name and returns
// the content block the client then sends as a message.
func (s *Server) uploadAttachment(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return apperr.ErrBadRequest.Wrap(err)
	}
	if file.Size > int64(s.cfg.Uploads.MaxSizeMB)*1024*1024 {
		return apperr.ErrBadRequest
	}
	name := uuid.NewString() + sanitizeExt(file.Filename)
	if err := c.SaveFile(file, filepath.Join(s.cfg.Uploads.Dir, name)); err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	contentType := file.Header.Get("Content-Type")
	return c.Status(fiber.StatusCreated).JSON(wire.Content{
		URL:         fmt.Sprintf("%s/%s", strings.TrimRight(s.cfg.Uploads.BaseURL, "/"), name),
		Filename:    file.Filename,
		Size:        file.Size,
		ContentType: contentType,
	})
}

func sanitizeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return ext
}

// Listen blocks serving HTTP until Shutdown.
func (s *Server) Listen() error {
	return s.app.Listen(":" + s.cfg.App.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
