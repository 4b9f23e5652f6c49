// Package auth supplies the short-lived bearer credential used to open the
// agent run channel and to call the chat API.
//
// Issuance belongs to an external identity provider. This package only reads
// a token from somewhere (config, a file the provider keeps fresh), caches it
// until its JWT expiry, and reports ErrCredentialUnavailable when it cannot
// produce a usable one. It never retries.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/agentchat/internal/errors"
	"github.com/p-blackswan/agentchat/pkg/tokenstore"
)

// Provider returns the current bearer token. It must be called before every
// connect and reconnect.
type Provider interface {
	CurrentToken(ctx context.Context) (string, error)
}

// Source fetches a token from the identity provider.
type Source func(ctx context.Context) (string, error)

// Static is a fixed token, mostly for tests and CI.
type Static string

// CurrentToken implements Provider.
func (s Static) CurrentToken(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", fmt.Errorf("%w: no token configured", perrors.ErrCredentialUnavailable)
	}
	return string(s), nil
}

// FileSource reads the token from path on every call.
func FileSource(path string) Source {
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading token file: %w", err)
		}
		tok := strings.TrimSpace(string(raw))
		if tok == "" {
			return "", fmt.Errorf("token file %s is empty", path)
		}
		return tok, nil
	}
}

// CachingConfig configures a Caching provider.
type CachingConfig struct {
	// Key names the cache entry.
	Key string

	// Skew refreshes this long before the JWT expiry.
	Skew time.Duration

	// OpaqueTTL caches tokens without a readable exp claim.
	OpaqueTTL time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// Caching wraps a Source with a token cache keyed on JWT expiry.
type Caching struct {
	source Source
	store  tokenstore.Store
	cfg    CachingConfig
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewCaching creates a caching provider.
func NewCaching(source Source, store tokenstore.Store, cfg CachingConfig, logger zerolog.Logger) *Caching {
	if cfg.Key == "" {
		cfg.Key = "bearer"
	}
	if cfg.Skew == 0 {
		cfg.Skew = 30 * time.Second
	}
	if cfg.OpaqueTTL == 0 {
		cfg.OpaqueTTL = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Caching{
		source: source,
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// CurrentToken implements Provider.
func (c *Caching) CurrentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, err := c.store.Get(ctx, c.cfg.Key)
	if err == nil {
		return tok.Value, nil
	}
	if !errors.Is(err, tokenstore.ErrTokenNotFound) && !errors.Is(err, tokenstore.ErrTokenExpired) {
		return "", fmt.Errorf("%w: %v", perrors.ErrCredentialUnavailable, err)
	}

	value, err := c.source(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", perrors.ErrCredentialUnavailable, err)
	}

	now := c.cfg.Now()
	staleAt := now.Add(c.cfg.OpaqueTTL)
	if exp, ok := Expiry(value); ok {
		staleAt = exp.Add(-c.cfg.Skew)
		if !now.Before(staleAt) {
			c.logger.Warn().Time("exp", exp).Msg("identity provider returned a stale token")
			return "", fmt.Errorf("%w: token expired at %s", perrors.ErrCredentialUnavailable, exp.Format(time.RFC3339))
		}
	}

	if err := c.store.Put(ctx, c.cfg.Key, value, staleAt); err != nil {
		c.logger.Warn().Err(err).Msg("caching token failed")
	}
	c.logger.Debug().Time("stale_at", staleAt).Msg("bearer token refreshed")
	return value, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (c *Caching) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(ctx, c.cfg.Key)
}

// Expiry reads the exp claim of a JWT without verifying its signature. The
// server verifies; the client only needs to know when to refresh.
func Expiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
