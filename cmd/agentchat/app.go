package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentchat/internal/auth"
	"github.com/p-blackswan/agentchat/internal/chatapi"
	"github.com/p-blackswan/agentchat/internal/config"
	"github.com/p-blackswan/agentchat/internal/health"
	"github.com/p-blackswan/agentchat/internal/metrics"
	"github.com/p-blackswan/agentchat/internal/session"
	"github.com/p-blackswan/agentchat/internal/status"
	"github.com/p-blackswan/agentchat/internal/transcript"
	"github.com/p-blackswan/agentchat/internal/transport"
	"github.com/p-blackswan/agentchat/pkg/tokenstore"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	tokens     auth.Provider
	chats      *chatapi.Client
	transcript *transcript.Store
	pool       *session.Pool
	checker    *health.Checker
	status     *status.Server
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		checker: health.NewChecker(logger),
	}

	source := auth.Source(func(ctx context.Context) (string, error) {
		return auth.Static(cfg.Token).CurrentToken(ctx)
	})
	if cfg.TokenFile != "" {
		source = auth.FileSource(cfg.TokenFile)
	}
	a.tokens = auth.NewCaching(source, tokenstore.NewMemoryStore(), auth.CachingConfig{Skew: cfg.TokenSkew}, logger)

	a.chats = chatapi.NewClient(cfg.BaseURL(), a.tokens, a.metrics, logger)

	if cfg.TranscriptEnabled() {
		store, err := transcript.New(cfg.TranscriptPath, logger)
		if err != nil {
			return nil, err
		}
		a.transcript = store
		a.checker.Register("transcript", health.PingCheck(store.Ping))
	}

	return a, nil
}

// startSessions creates the session pool; notifier receives every notice.
func (a *app) startSessions(notifier session.Notifier) {
	tcfg := transport.Config{
		Host:             a.cfg.Host,
		Scheme:           a.cfg.Scheme,
		HandshakeTimeout: a.cfg.HandshakeTimeout,
		WriteTimeout:     a.cfg.WriteTimeout,
	}

	var journal session.Journal
	if a.transcript != nil {
		journal = a.transcript
	}

	a.pool = session.NewPool(a.cfg.MaxSessions, func(id string) *session.Controller {
		return session.New(session.Options{
			SessionID:   id,
			Conn:        transport.NewManager(tcfg, a.tokens, a.metrics, a.logger),
			Chats:       a.chats,
			Notifier:    notifier,
			Journal:     journal,
			Metrics:     a.metrics,
			CommitDelay: a.cfg.CommitDelay,
			Logger:      a.logger,
		})
	}, a.metrics, a.logger)

	a.checker.Register("sessions", func(ctx context.Context) health.Status {
		for _, s := range a.pool.Snapshots() {
			if s.Disconnect != nil {
				return health.StatusDegraded
			}
		}
		return health.StatusOK
	})
}

// startStatus runs the status server in the background when configured.
func (a *app) startStatus() {
	if !a.cfg.StatusEnabled() || a.pool == nil {
		return
	}
	a.status = status.NewServer(status.ServerConfig{
		ListenAddr: a.cfg.StatusAddr,
		APIKey:     a.cfg.StatusAPIKey,
		RateLimit:  status.RateLimitConfig{RPS: 20, Burst: 40},
	}, a.pool, a.checker, a.metrics, a.logger)

	go func() {
		if err := a.status.Start(); err != nil {
			a.logger.Error().Err(err).Msg("status server stopped")
		}
	}()
}

func (a *app) runRetention(ctx context.Context) {
	if a.transcript == nil {
		return
	}
	if _, err := a.transcript.RunRetention(ctx, a.cfg.TranscriptRetention); err != nil {
		a.logger.Warn().Err(err).Msg("transcript retention failed")
	}
}

func (a *app) close() error {
	var errs []error
	if a.status != nil {
		errs = append(errs, a.status.Shutdown())
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.transcript != nil {
		errs = append(errs, a.transcript.Close())
	}
	return errors.Join(errs...)
}
