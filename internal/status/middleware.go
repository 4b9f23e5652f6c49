package status

import (
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/p-blackswan/agentchat/internal/requestid"
)

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// requestIDMiddleware echoes the caller's X-Request-ID or assigns one.
func requestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		if reqID == "" {
			_, reqID = requestid.New(c.Context())
		}
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	}
}

// authMiddleware checks a Bearer API key on everything but the probes. An
// empty key disables the check.
func authMiddleware(apiKey string, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if apiKey == "" || isProbe(path) {
			return c.Next()
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}
		if strings.TrimPrefix(authHeader, "Bearer ") != apiKey {
			logger.Warn().
				Str("path", path).
				Str("method", c.Method()).
				Msg("unauthorized request: invalid API key")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_api_key", "Unauthorized",
				"Invalid API key")
		}
		return c.Next()
	}
}

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int // burst size
}

type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	done    chan struct{}
	once    sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = cfg.RPS
	}
	rl := &rateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
		done:    make(chan struct{}),
	}
	go rl.sweep(5*time.Minute, 10*time.Minute)
	return rl
}

// sweep drops clients idle for longer than idle until stop is called.
func (rl *rateLimiter) sweep(every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for k, c := range rl.clients {
				if now.Sub(c.lastSeen) > idle {
					delete(rl.clients, k)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.once.Do(func() { close(rl.done) })
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()
	return c.limiter.Allow()
}

func (rl *rateLimiter) middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		if !rl.allow(c.IP()) {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}
		return c.Next()
	}
}
