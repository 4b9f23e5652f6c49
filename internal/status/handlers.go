package status

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/agentchat/internal/errors"
)

func (s *Server) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) readiness(c *fiber.Ctx) error {
	if s.checker == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}
	report := s.checker.Check(c.UserContext())
	if !report.Ready() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	snaps := s.sessions.Snapshots()
	return c.JSON(fiber.Map{"sessions": snaps, "count": len(snaps)})
}

func (s *Server) getSession(c *fiber.Ctx) error {
	ctrl, ok := s.sessions.Get(c.Params("id"))
	if !ok {
		return sessionNotFound(c)
	}
	return c.JSON(ctrl.Snapshot())
}

func (s *Server) getHistory(c *fiber.Ctx) error {
	ctrl, ok := s.sessions.Get(c.Params("id"))
	if !ok {
		return sessionNotFound(c)
	}
	return c.JSON(fiber.Map{"entries": ctrl.History()})
}

func (s *Server) recoverSession(c *fiber.Ctx) error {
	ctrl, ok := s.sessions.Get(c.Params("id"))
	if !ok {
		return sessionNotFound(c)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 30*time.Second)
	defer cancel()

	res, err := ctrl.Recover(ctx)
	switch {
	case err == nil:
		if res.NewSessionID != "" {
			// The old chat is gone server-side; its controller has nothing left to do.
			if err := s.sessions.Remove(c.Params("id")); err != nil {
				s.logger.Warn().Err(err).Str("session", c.Params("id")).Msg("dropping replaced session")
			}
		}
		return c.JSON(res)
	case errors.Is(err, perrors.ErrNotDisconnected):
		return problemResponse(c, fiber.StatusConflict,
			"not_disconnected", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrClosed):
		return problemResponse(c, fiber.StatusGone,
			"session_closed", "Gone", err.Error())
	default:
		s.logger.Warn().Err(err).Str("session", c.Params("id")).Msg("recovery failed")
		return problemResponse(c, fiber.StatusBadGateway,
			"recovery_failed", "Bad Gateway", err.Error())
	}
}

func sessionNotFound(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusNotFound,
		"session_not_found", "Not Found",
		"No live session with id "+c.Params("id"))
}
