package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agentchat/internal/auth"
	"github.com/p-blackswan/agentchat/internal/chatapi"
	perrors "github.com/p-blackswan/agentchat/internal/errors"
	"github.com/p-blackswan/agentchat/internal/message"
	"github.com/p-blackswan/agentchat/internal/session"
	"github.com/p-blackswan/agentchat/internal/transport"
	"github.com/p-blackswan/agentchat/internal/transport/transporttest"
)

const wait = 2 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stubChats struct {
	mu       sync.Mutex
	sessions map[string]*chatapi.Session
	next     int
}

func (s *stubChats) Get(_ context.Context, id string) (*chatapi.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return nil, perrors.ErrNotFound
	}
	return c, nil
}

func (s *stubChats) Create(_ context.Context, model string) (*chatapi.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	c := &chatapi.Session{ID: fmt.Sprintf("new-%d", s.next), Model: model}
	s.sessions[c.ID] = c
	return c, nil
}

func newTestREPL(t *testing.T) (*repl, *syncBuffer, *transporttest.Server, *session.Pool) {
	t.Helper()
	srv := transporttest.NewServer(t)
	chats := &stubChats{sessions: map[string]*chatapi.Session{
		"chat-1": {
			ID:       "chat-1",
			Model:    "multion",
			Messages: []message.Message{{Kind: message.KindText, Role: message.RoleAssistant, Content: "how can I help?"}},
		},
	}}

	out := &syncBuffer{}
	r := newREPL(out)
	pool := session.NewPool(4, func(id string) *session.Controller {
		conn := transport.NewManager(transport.Config{Host: srv.Host(), Scheme: "ws"}, auth.Static("tok"), nil, zerolog.Nop())
		return session.New(session.Options{
			SessionID: id,
			Conn:      conn,
			Chats:     chats,
			Notifier:  session.NotifierFunc(r.notify),
			Logger:    zerolog.Nop(),
		})
	}, nil, zerolog.Nop())
	r.pool = pool
	t.Cleanup(func() { pool.Close() })
	return r, out, srv, pool
}

func TestREPL_TextTurn(t *testing.T) {
	r, out, srv, _ := newTestREPL(t)
	ctx := context.Background()

	require.NoError(t, r.open(ctx, "chat-1"))
	assert.Contains(t, out.String(), "chat chat-1 (multion)")
	assert.Contains(t, out.String(), "assistant> how can I help?")

	quit, err := r.handle(ctx, "book a table")
	require.NoError(t, err)
	assert.False(t, quit)

	conn := srv.Next(wait)
	assert.Equal(t, `"tok"`, conn.Frame(t, wait))
	assert.JSONEq(t, `{"type":"text","role":"user","content":"book a table"}`, conn.Frame(t, wait))

	conn.Send(t, `{"type":"text","role":"assistant","content":"done, 7pm"}`)
	conn.Send(t, `{"role":"system","content":"Done"}`)

	assert.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "assistant> done, 7pm") && strings.Contains(s, "* Request completed")
	}, wait, 10*time.Millisecond)
	assert.NotContains(t, out.String(), "user> book a table")
}

func TestREPL_RecoverStartsNewChat(t *testing.T) {
	r, out, srv, pool := newTestREPL(t)
	ctx := context.Background()

	require.NoError(t, r.open(ctx, "chat-1"))
	_, err := r.handle(ctx, "hello")
	require.NoError(t, err)

	conn := srv.Next(wait)
	conn.CloseWith(t, websocket.ClosePolicyViolation, "body:{'detail': {'message': 'Session not found'}}")

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "! Session not found (/recover to start new chat)")
	}, wait, 10*time.Millisecond)

	_, err = r.handle(ctx, "/recover")
	require.NoError(t, err)
	assert.Equal(t, "new-1", r.controller().SessionID())
	assert.Contains(t, out.String(), "chat new-1 (multion)")

	_, ok := pool.Get("chat-1")
	assert.False(t, ok)
}

func TestREPL_Commands(t *testing.T) {
	r, out, _, _ := newTestREPL(t)
	ctx := context.Background()
	require.NoError(t, r.open(ctx, "chat-1"))

	_, err := r.handle(ctx, "/state")
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"state": "idle"`)

	_, err = r.handle(ctx, "/recover")
	assert.ErrorIs(t, err, perrors.ErrNotDisconnected)

	_, err = r.handle(ctx, "/image")
	assert.Error(t, err)

	_, err = r.handle(ctx, "/bogus")
	assert.Error(t, err)

	quit, err := r.handle(ctx, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}
