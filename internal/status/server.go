// Package status serves a small local HTTP surface for a running client:
// probes, Prometheus metrics and a read view of live sessions.
package status

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentchat/internal/health"
	"github.com/p-blackswan/agentchat/internal/metrics"
	"github.com/p-blackswan/agentchat/internal/session"
)

// Sessions is the view of live sessions the server exposes.
type Sessions interface {
	Snapshots() []session.Snapshot
	Get(id string) (*session.Controller, bool)
	Remove(id string) error
}

// ServerConfig holds configuration for the status server.
type ServerConfig struct {
	ListenAddr string
	APIKey     string // empty disables auth
	RateLimit  RateLimitConfig
}

// Server is the status Fiber application.
type Server struct {
	app      *fiber.App
	limiter  *rateLimiter
	sessions Sessions
	checker  *health.Checker
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures a status server.
func NewServer(
	cfg ServerConfig,
	sessions Sessions,
	checker *health.Checker,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	logger = logger.With().Str("component", "status_server").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:      app,
		sessions: sessions,
		checker:  checker,
		logger:   logger,
		config:   cfg,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes(metricsCollector)
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(requestIDMiddleware())

	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit)
		s.app.Use(s.limiter.middleware())
	}

	s.app.Use(authMiddleware(cfg.APIKey, s.logger))
}

func (s *Server) setupRoutes(metricsCollector *metrics.Metrics) {
	s.app.Get("/healthz", s.liveness)
	s.app.Get("/readyz", s.readiness)

	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/sessions", s.listSessions)
	v1.Get("/sessions/:id", s.getSession)
	v1.Get("/sessions/:id/history", s.getHistory)
	v1.Post("/sessions/:id/recover", s.recoverSession)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:9400"
	}
	s.logger.Info().Str("addr", addr).Msg("status server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("status server shutting down")
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	c.Set(fiber.HeaderContentType, "application/problem+json")
	body, err := json.Marshal(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
	if err != nil {
		return err
	}
	return c.Status(status).Send(body)
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
			detail = "An internal error occurred"
		}

		return problemResponse(c, code, "internal_error", http.StatusText(code), detail)
	}
}
