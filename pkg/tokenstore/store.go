// Package tokenstore caches bearer credentials until they go stale.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Token is a cached credential. StaleAt is when it must be refreshed, which
// is usually a little before the issuer's expiry.
type Token struct {
	Key      string            `json:"key"`
	Value    string            `json:"value"`
	StaleAt  time.Time         `json:"stale_at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsStale reports whether the token must be refreshed at now.
func (t *Token) IsStale(now time.Time) bool {
	return !now.Before(t.StaleAt)
}

// Store defines the token cache interface.
type Store interface {
	// Put caches a token under key until staleAt.
	Put(ctx context.Context, key, value string, staleAt time.Time) error
	// Get returns a fresh token. Returns ErrTokenNotFound or ErrTokenExpired.
	Get(ctx context.Context, key string) (*Token, error)
	// Delete removes a token by key.
	Delete(ctx context.Context, key string) error
	// Cleanup removes all stale tokens.
	Cleanup(ctx context.Context) (int, error)
}
