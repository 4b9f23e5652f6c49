// Package chatapi is the client for the chat persistence API: fetch, create,
// delete and list chat records.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentchat/internal/auth"
	perrors "github.com/p-blackswan/agentchat/internal/errors"
	"github.com/p-blackswan/agentchat/internal/message"
	"github.com/p-blackswan/agentchat/internal/metrics"
	"github.com/p-blackswan/agentchat/internal/requestid"
	"github.com/p-blackswan/agentchat/internal/retry"
)

const service = "chat"

// Session is a persisted chat record.
type Session struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Model       string            `json:"model"`
	Messages    []message.Message `json:"messages"`
	LastChatted *time.Time        `json:"last_chatted"`
}

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client wraps the chat REST API.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	tokens     auth.Provider
	retry      retry.Config
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewClient creates a chat API client. baseURL is e.g. "https://api.example.com".
func NewClient(baseURL string, tokens auth.Provider, m *metrics.Metrics, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		retry:      retry.DefaultConfig(),
		metrics:    m,
		logger:     logger.With().Str("component", "chatapi").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// SetRetry overrides the retry policy for reads.
func (c *Client) SetRetry(cfg retry.Config) {
	c.retry = cfg
}

// Get fetches a chat. A chat the API does not know returns ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (*Session, error) {
	var s *Session
	err := c.read(ctx, "get", "/chat/get/"+url.PathEscape(id), &s)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("chat %s: %w", id, perrors.ErrNotFound)
	}
	return s, nil
}

// Create starts a new chat with the given model.
func (c *Client) Create(ctx context.Context, model string) (*Session, error) {
	ctx, _ = requestid.Ensure(ctx)
	var s *Session
	if err := c.call(ctx, "create", http.MethodPost, "/chat/create/"+url.PathEscape(model), &s); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, perrors.NewAPIError(service, http.StatusOK, "chat was not created")
	}
	c.logger.Info().Str("chat", s.ID).Str("model", model).Msg("chat created")
	return s, nil
}

// Delete removes a chat.
func (c *Client) Delete(ctx context.Context, id string) error {
	ctx, _ = requestid.Ensure(ctx)
	var ok *bool
	if err := c.call(ctx, "delete", http.MethodPost, "/chat/delete/"+url.PathEscape(id), &ok); err != nil {
		return err
	}
	if ok == nil || !*ok {
		return fmt.Errorf("chat %s: %w", id, perrors.ErrNotFound)
	}
	c.logger.Info().Str("chat", id).Msg("chat deleted")
	return nil
}

// ListByModel returns the caller's chats for a model, most recent first.
func (c *Client) ListByModel(ctx context.Context, model string) ([]Session, error) {
	var out []Session
	if err := c.read(ctx, "list", "/chat/get_by_model/"+url.PathEscape(model), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// read performs an idempotent GET with retries.
func (c *Client) read(ctx context.Context, op, path string, v interface{}) error {
	ctx, _ = requestid.Ensure(ctx)
	cfg := c.retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying chat API read")
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return c.call(ctx, op, http.MethodGet, path, v)
	})
}

func (c *Client) call(ctx context.Context, op, method, path string, v interface{}) error {
	start := time.Now()
	defer func() { c.metrics.ObserveAPI(op, time.Since(start).Seconds()) }()

	resp, err := c.do(ctx, method, path)
	if err != nil {
		c.metrics.RecordError("chatapi", op)
		return err
	}
	return decodeResponse(resp, v)
}

// invalidator is implemented by caching token providers such as *auth.Caching.
type invalidator interface {
	Invalidate(ctx context.Context) error
}

// do executes an authenticated API request.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(requestid.Header, requestid.FromContext(ctx))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", perrors.ErrUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			c.dropToken(ctx)
		}
		return nil, perrors.NewAPIError(service, resp.StatusCode, detail(body))
	}
	return resp, nil
}

// dropToken discards a cached token the server rejected so the next call
// fetches a fresh one.
func (c *Client) dropToken(ctx context.Context) {
	inv, ok := c.tokens.(invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("dropping rejected token")
		return
	}
	c.logger.Debug().Msg("rejected token dropped")
}

// detail extracts the "detail" field of an error body, falling back to the
// raw text.
func detail(body []byte) string {
	var e struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err == nil && len(e.Detail) > 0 {
		var s string
		if err := json.Unmarshal(e.Detail, &s); err == nil {
			return s
		}
		return string(e.Detail)
	}
	return strings.TrimSpace(string(body))
}

// decodeResponse reads and decodes a JSON response.
func decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
