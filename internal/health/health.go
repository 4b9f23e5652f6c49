// Package health aggregates readiness checks for the local status server.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Report is the outcome of one readiness run.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]Status `json:"checks"`
}

// Ready reports whether no check is down.
func (r Report) Ready() bool { return r.Status == "ready" }

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	cache   map[string]Status
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		cache:   make(map[string]Status),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)
			if s != StatusOK {
				c.logger.Debug().Str("check", n).Str("status", string(s)).Msg("check not ok")
			}
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	return results
}

// Last returns the results of the most recent run.
func (c *Checker) Last() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// Check runs every check and summarizes them. Degraded checks keep the
// client ready.
func (c *Checker) Check(ctx context.Context) Report {
	results := c.RunAll(ctx)
	r := Report{Status: "ready", Checks: results}
	for _, s := range results {
		if s == StatusDown {
			r.Status = "not_ready"
			break
		}
	}
	return r
}

// IsReady returns true if all checks pass.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Check(ctx).Ready()
}

// PingCheck turns an error-returning probe into a CheckFunc.
func PingCheck(ping func() error) CheckFunc {
	return func(ctx context.Context) Status {
		if err := ping(); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}
