// Package transporttest provides an in-process fake of the agent run channel
// for tests.
package transporttest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Server accepts run channel connections on /chat/run/{id}.
type Server struct {
	t        testing.TB
	server   *httptest.Server
	upgrader websocket.Upgrader
	accepted chan *Conn

	mu    sync.Mutex
	conns []*Conn
}

// Conn is the server side of one accepted connection.
type Conn struct {
	SessionID  string
	QueryToken string

	ws     *websocket.Conn
	frames chan string
	closed chan struct{}
	wmu    sync.Mutex
}

// NewServer starts a fake run channel. It is closed by t.Cleanup.
func NewServer(t testing.TB) *Server {
	s := &Server{
		t:        t,
		accepted: make(chan *Conn, 16),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/run/", s.handleRun)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Host returns host:port for transport.Config.Host.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.server.URL, "http://")
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Next waits for the next accepted connection.
func (s *Server) Next(timeout time.Duration) *Conn {
	s.t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(timeout):
		s.t.Fatalf("no run channel connection within %s", timeout)
		return nil
	}
}

// Close closes all connections and the listener.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.ws.Close()
	}
	s.mu.Unlock()
	s.server.Close()
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Logf("upgrade error: %v", err)
		return
	}

	c := &Conn{
		SessionID:  strings.TrimPrefix(r.URL.Path, "/chat/run/"),
		QueryToken: r.URL.Query().Get("token"),
		ws:         ws,
		frames:     make(chan string, 64),
		closed:     make(chan struct{}),
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	s.accepted <- c

	defer close(c.closed)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		c.frames <- string(data)
	}
}

// Frame waits for the next frame the client sent.
func (c *Conn) Frame(t testing.TB, timeout time.Duration) string {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(timeout):
		t.Fatalf("no frame within %s", timeout)
		return ""
	}
}

// NoFrame asserts that the client sends nothing for d.
func (c *Conn) NoFrame(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame %s", f)
	case <-time.After(d):
	}
}

// Send writes a raw text frame to the client.
func (c *Conn) Send(t testing.TB, frame string) {
	t.Helper()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// CloseWith sends a close frame with code and reason, then drops the socket.
func (c *Conn) CloseWith(t testing.TB, code int, reason string) {
	t.Helper()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("server close: %v", err)
	}
	c.ws.Close()
}

// Closed is closed when the client side goes away.
func (c *Conn) Closed() <-chan struct{} { return c.closed }
