// Package api is the embedding surface for interactive clients: REST
// reads over cache snapshots, sends through the engine's pipeline, and
// a websocket stream of engine notifications.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/auth"
	"github.com/fathima-sithara/groupsync/internal/engine"
	"github.com/fathima-sithara/groupsync/internal/errs"
	"github.com/fathima-sithara/groupsync/internal/session"
)

type Server struct {
	app      *fiber.App
	sessions *session.Manager
	auth     auth.Provider
	hub      *Hub
	log      *zap.SugaredLogger
}

func NewServer(sessions *session.Manager, authProvider auth.Provider, log *zap.SugaredLogger) *Server {
	s := &Server{
		app:      fiber.New(),
		sessions: sessions,
		auth:     authProvider,
		hub:      NewHub(sessions, authProvider, log),
		log:      log,
	}

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.app.Group("/api", AuthRequired(authProvider))
	api.Get("/groups", s.listGroups)
	api.Put("/groups/:id/select", s.selectGroup)
	api.Get("/groups/:id/messages", s.listMessages)
	api.Post("/groups/:id/messages", s.sendMessage)
	api.Delete("/session", s.logout)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.hub.Handle))

	return s
}

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }
func (s *Server) Shutdown() error          { return s.app.Shutdown() }

func (s *Server) engine(c *fiber.Ctx) (*engine.Engine, error) {
	u := currentUser(c)
	e, err := s.sessions.Get(c.Context(), u.ID)
	if err != nil {
		if errors.Is(err, errs.ErrAuthRequired) {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "authentication required")
		}
		s.log.Errorw("start session", "user", u.ID, "err", err)
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, "sync unavailable")
	}
	return e, nil
}

func (s *Server) listGroups(c *fiber.Ctx) error {
	e, err := s.engine(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"groups": e.Groups(),
		"active": e.ActiveGroup(),
		"state":  e.State().String(),
	})
}

func (s *Server) selectGroup(c *fiber.Ctx) error {
	e, err := s.engine(c)
	if err != nil {
		return err
	}
	e.SelectGroup(c.Params("id"))
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	e, err := s.engine(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": e.Messages(c.Params("id"))})
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	e, err := s.engine(c)
	if err != nil {
		return err
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	sendErr := e.Send(c.Context(), c.Params("id"), body.Content)
	switch {
	case sendErr == nil:
		return c.SendStatus(fiber.StatusAccepted)
	case errors.Is(sendErr, errs.ErrInvalidMessage):
		return fiber.NewError(fiber.StatusBadRequest, "message content is empty")
	case errs.IsSendFailed(sendErr):
		// the optimistic entry is already rolled back; the client keeps
		// its input text
		return fiber.NewError(fiber.StatusBadGateway, "send failed")
	case errors.Is(sendErr, errs.ErrEngineClosed):
		return fiber.NewError(fiber.StatusConflict, "session closed")
	default:
		return sendErr
	}
}

func (s *Server) logout(c *fiber.Ctx) error {
	u := currentUser(c)
	s.sessions.End(u.ID)
	return c.SendStatus(fiber.StatusNoContent)
}
