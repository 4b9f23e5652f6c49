package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentchat/internal/lru"
	"github.com/p-blackswan/agentchat/internal/metrics"
)

// Factory builds an unloaded controller for a chat id.
type Factory func(sessionID string) *Controller

// Pool keeps a bounded set of live controllers. The least recently used one
// is closed when the pool is full.
type Pool struct {
	factory Factory
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *Controller]
}

// NewPool creates a pool holding at most capacity controllers.
func NewPool(capacity int, factory Factory, m *metrics.Metrics, logger zerolog.Logger) *Pool {
	p := &Pool{
		factory: factory,
		metrics: m,
		logger:  logger.With().Str("component", "session_pool").Logger(),
	}
	p.cache = lru.New[string, *Controller](capacity, lru.WithOnEvict[string, *Controller](p.evicted))
	return p
}

// Open returns the live controller for id, loading a new one if needed.
func (p *Pool) Open(ctx context.Context, id string) (*Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.cache.Get(id); ok {
		return c, nil
	}

	c := p.factory(id)
	if err := c.Load(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	p.cache.Put(id, c)
	p.metrics.SetSessions(p.cache.Len())
	p.logger.Debug().Str("session", id).Int("live", p.cache.Len()).Msg("session opened")
	return c, nil
}

// Get returns a live controller without loading.
func (p *Pool) Get(id string) (*Controller, bool) {
	return p.cache.Peek(id)
}

// Remove closes and drops the controller for id.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.cache.Delete(id)
	if !ok {
		return nil
	}
	p.metrics.SetSessions(p.cache.Len())
	return c.Close()
}

// Snapshots returns a snapshot of every live session, most recent first.
func (p *Pool) Snapshots() []Snapshot {
	var out []Snapshot
	for _, id := range p.cache.Keys() {
		if c, ok := p.cache.Peek(id); ok {
			out = append(out, c.Snapshot())
		}
	}
	return out
}

// Len returns the number of live controllers.
func (p *Pool) Len() int { return p.cache.Len() }

// Close closes every controller.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.cache.Stats()
	p.logger.Debug().
		Uint64("hits", st.Hits).
		Uint64("misses", st.Misses).
		Uint64("evictions", st.Evictions).
		Msg("closing session pool")

	var errs []error
	for _, c := range p.cache.Drain() {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.metrics.SetSessions(0)
	return errors.Join(errs...)
}

func (p *Pool) evicted(id string, c *Controller) {
	p.logger.Info().Str("session", id).Msg("evicting least recently used session")
	if err := c.Close(); err != nil {
		p.logger.Warn().Err(err).Str("session", id).Msg("closing evicted session")
	}
}
