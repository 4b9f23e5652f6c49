// Package transport owns the WebSocket run channel between the client and the
// agent backend: one live handle per chat session, credential handshake,
// ordered frame writes and inbound event dispatch.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentchat/internal/auth"
	perrors "github.com/p-blackswan/agentchat/internal/errors"
	"github.com/p-blackswan/agentchat/internal/message"
	"github.com/p-blackswan/agentchat/internal/metrics"
)

// Config holds run channel configuration.
type Config struct {
	// Host is the platform host, e.g. "api.example.com".
	Host string

	// Scheme is "wss" in production, "ws" against local servers.
	Scheme string

	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// ReadLimit caps an inbound frame; image replies arrive as data URIs.
	ReadLimit int64
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		Scheme:           "wss",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        32 << 20,
	}
}

// CloseInfo describes how the server side ended a handle.
type CloseInfo struct {
	Code   int
	Reason string
}

// Event is one inbound occurrence on a handle: a decoded message or a close.
type Event struct {
	HandleID string
	Message  *message.Message
	Close    *CloseInfo
}

// Sink receives events from the current handle only.
type Sink func(Event)

// Handle is one open run channel connection.
type Handle struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// SessionID returns the chat id the handle is bound to.
func (h *Handle) SessionID() string { return h.sessionID }

// Done is closed once the handle stops delivering events.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Handle) alive() bool { return h.ctx.Err() == nil }

func (h *Handle) write(data []byte, timeout time.Duration) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if timeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

// abandon stops the handle without a close handshake.
func (h *Handle) abandon() {
	h.cancel()
	_ = h.conn.Close()
}

// Manager owns the run channel for one chat session. Callers never touch the
// socket; they go through EnsureConnected, Send, Reconnect and Close.
type Manager struct {
	cfg     Config
	tokens  auth.Provider
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	current *Handle
	sink    Sink
	opened  bool
	closed  bool
}

// NewManager creates a connection manager.
func NewManager(cfg Config, tokens auth.Provider, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Scheme == "" {
		cfg.Scheme = def.Scheme
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = def.ReadLimit
	}

	return &Manager{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		metrics: m,
		logger:  logger.With().Str("component", "transport").Logger(),
	}
}

// Subscribe sets the event sink. Replaces any previous sink.
func (m *Manager) Subscribe(sink Sink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// RunURL builds the run channel address for a chat.
func (m *Manager) RunURL(sessionID, token string) string {
	u := url.URL{
		Scheme:   m.cfg.Scheme,
		Host:     m.cfg.Host,
		Path:     "/chat/run/" + sessionID,
		RawQuery: url.Values{"token": {token}}.Encode(),
	}
	return u.String()
}

// EnsureConnected prepares the session's handle for one user turn. It always
// acquires a fresh credential. Without a live handle it opens one, passing the
// credential as a query parameter and then as the first frame; with a live
// handle it pushes the credential frame the run channel reads ahead of every
// turn.
func (m *Manager) EnsureConnected(ctx context.Context, sessionID string) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, perrors.ErrClosed
	}
	h := m.current
	m.mu.Unlock()

	token, err := m.token(ctx)
	if err != nil {
		return nil, err
	}

	if h != nil && h.alive() && h.sessionID == sessionID {
		if err := m.sendToken(h, token); err != nil {
			return nil, err
		}
		return h, nil
	}
	return m.open(ctx, sessionID, token, "open")
}

// Reconnect opens a new handle for the session and supersedes the current
// one. The old handle is abandoned; nothing it emits reaches the sink.
func (m *Manager) Reconnect(ctx context.Context, sessionID string) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, perrors.ErrClosed
	}
	m.mu.Unlock()

	token, err := m.token(ctx)
	if err != nil {
		return nil, err
	}
	return m.open(ctx, sessionID, token, "reconnect")
}

// Send writes one message frame on h. h must be the current, live handle.
func (m *Manager) Send(h *Handle, msg message.Message) error {
	if !m.IsCurrent(h.id) {
		return perrors.ErrStaleHandle
	}
	if !h.alive() {
		return perrors.ErrDisconnected
	}

	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	if err := h.write(data, m.cfg.WriteTimeout); err != nil {
		m.metrics.RecordError("transport", "write")
		return fmt.Errorf("sending %s frame: %w", msg.Kind, err)
	}
	m.metrics.RecordFrame("out", string(msg.Kind))
	return nil
}

// IsCurrent reports whether handleID names the current handle.
func (m *Manager) IsCurrent(handleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.id == handleID
}

// IsConnected reports whether the current handle is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.alive()
}

// Opened reports whether a handle was ever opened.
func (m *Manager) Opened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Close shuts the current handle down with a normal close frame. A close the
// client initiates is never delivered to the sink.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h := m.current
	m.current = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	h.cancel()
	h.writeMu.Lock()
	_ = h.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	h.writeMu.Unlock()
	return h.conn.Close()
}

func (m *Manager) token(ctx context.Context) (string, error) {
	token, err := m.tokens.CurrentToken(ctx)
	if err != nil {
		if !errors.Is(err, perrors.ErrCredentialUnavailable) {
			err = fmt.Errorf("%w: %v", perrors.ErrCredentialUnavailable, err)
		}
		m.metrics.RecordError("transport", "credential")
		return "", err
	}
	return token, nil
}

func (m *Manager) sendToken(h *Handle, token string) error {
	frame, err := message.EncodeToken(token)
	if err != nil {
		return err
	}
	if err := h.write(frame, m.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("sending credential frame: %w", err)
	}
	m.metrics.RecordFrame("out", "token")
	return nil
}

func (m *Manager) open(ctx context.Context, sessionID, token, mode string) (*Handle, error) {
	log := m.logger.With().Str("session", sessionID).Str("mode", mode).Logger()
	log.Info().Str("host", m.cfg.Host).Msg("opening run channel")

	conn, _, err := m.dialer.DialContext(ctx, m.RunURL(sessionID, token), nil)
	if err != nil {
		m.metrics.RecordConnect(mode, "error")
		return nil, fmt.Errorf("run channel dial failed: %w", err)
	}
	conn.SetReadLimit(m.cfg.ReadLimit)

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		ctx:       hctx,
		cancel:    cancel,
	}

	if err := m.sendToken(h, token); err != nil {
		h.abandon()
		m.metrics.RecordConnect(mode, "error")
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.abandon()
		return nil, perrors.ErrClosed
	}
	prev := m.current
	m.current = h
	m.opened = true
	m.mu.Unlock()

	if prev != nil {
		log.Debug().Str("handle", prev.id).Msg("superseding previous handle")
		prev.abandon()
	}

	go m.readLoop(h)

	m.metrics.RecordConnect(mode, "ok")
	log.Info().Str("handle", h.id).Msg("run channel open")
	return h, nil
}

// readLoop decodes frames from h until it fails or is abandoned.
func (m *Manager) readLoop(h *Handle) {
	defer h.cancel()

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if !h.alive() {
				return
			}
			info := closeInfo(err)
			m.logger.Warn().
				Err(err).
				Str("handle", h.id).
				Int("code", info.Code).
				Msg("run channel closed")
			m.deliver(h, Event{HandleID: h.id, Close: &info})
			return
		}

		msg, err := message.Decode(data)
		if err != nil {
			m.metrics.RecordDropped()
			m.logger.Debug().Err(err).Str("handle", h.id).Msg("dropping undecodable frame")
			continue
		}
		m.metrics.RecordFrame("in", string(msg.Kind))
		m.deliver(h, Event{HandleID: h.id, Message: &msg})
	}
}

func (m *Manager) deliver(h *Handle, ev Event) {
	m.mu.Lock()
	current := m.current == h
	sink := m.sink
	m.mu.Unlock()

	if !current || sink == nil {
		m.logger.Debug().Str("handle", h.id).Msg("event from superseded handle ignored")
		return
	}
	sink(ev)
}

func closeInfo(err error) CloseInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: ce.Code, Reason: ce.Text}
	}
	return CloseInfo{Code: websocket.CloseAbnormalClosure}
}
