package session

import (
	"context"
	"encoding/json"
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
	"github.com/p-blackswan/agentchat/internal/closereason"
	perrors "github.com/p-blackswan/agentchat/internal/errors"
	"github.com/p-blackswan/agentchat/internal/message"
	"github.com/p-blackswan/agentchat/internal/metrics"
	"github.com/p-blackswan/agentchat/internal/transcript"
	"github.com/p-blackswan/agentchat/internal/transport"
	"github.com/p-blackswan/agentchat/internal/transport/transporttest"
)

const wait = 2 * time.Second

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeChats struct {
	mu       sync.Mutex
	sessions map[string]*chatapi.Session
	created  []string
	next     int
}

func newFakeChats() *fakeChats {
	return &fakeChats{sessions: map[string]*chatapi.Session{
		"chat-1": {
			ID:       "chat-1",
			Owner:    "user-1",
			Model:    "multion",
			Messages: []message.Message{{Kind: message.KindText, Role: message.RoleAssistant, Content: "earlier"}},
		},
	}}
}

func (f *fakeChats) Get(_ context.Context, id string) (*chatapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", id, perrors.ErrNotFound)
	}
	return s, nil
}

func (f *fakeChats) Create(_ context.Context, model string) (*chatapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	s := &chatapi.Session{ID: fmt.Sprintf("new-%d", f.next), Model: model}
	f.sessions[s.ID] = s
	f.created = append(f.created, model)
	return s, nil
}

type noticeRecorder struct {
	ch chan Notice
}

func (r *noticeRecorder) Notify(n Notice) { r.ch <- n }

func (r *noticeRecorder) next(t *testing.T, kind NoticeKind) Notice {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case n := <-r.ch:
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("no %s notice", kind)
			return Notice{}
		}
	}
}

type fakeJournal struct {
	mu     sync.Mutex
	frames []transcript.Frame
}

func (j *fakeJournal) Record(_ context.Context, f transcript.Frame) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.frames = append(j.frames, f)
	return nil
}

func (j *fakeJournal) directions() []transcript.Direction {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []transcript.Direction
	for _, f := range j.frames {
		out = append(out, f.Direction)
	}
	return out
}

type harness struct {
	ctrl      *Controller
	srv       *transporttest.Server
	chats     *fakeChats
	notices   *noticeRecorder
	journal   *fakeJournal
	scheduled chan func()
}

func newHarness(t *testing.T, tokens auth.Provider) *harness {
	t.Helper()
	srv := transporttest.NewServer(t)
	cfg := transport.DefaultConfig()
	cfg.Host = srv.Host()
	cfg.Scheme = "ws"
	m := metrics.New()

	h := &harness{
		srv:       srv,
		chats:     newFakeChats(),
		notices:   &noticeRecorder{ch: make(chan Notice, 32)},
		journal:   &fakeJournal{},
		scheduled: make(chan func(), 4),
	}
	h.ctrl = New(Options{
		SessionID: "chat-1",
		Conn:      transport.NewManager(cfg, tokens, m, zerolog.Nop()),
		Chats:     h.chats,
		Notifier:  h.notices,
		Journal:   h.journal,
		Metrics:   m,
		Logger:    zerolog.Nop(),
	})
	h.ctrl.schedule = func(d time.Duration, fn func()) {
		assert.Equal(t, DefaultCommitDelay, d)
		h.scheduled <- fn
	}
	t.Cleanup(func() { h.ctrl.Close() })
	require.NoError(t, h.ctrl.Load(context.Background()))
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.State() == want }, wait, 5*time.Millisecond,
		"state stayed %s, want %s", h.ctrl.State(), want)
}

func (h *harness) waitHistory(t *testing.T, n int) []Entry {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.ctrl.History()) == n }, wait, 5*time.Millisecond)
	return h.ctrl.History()
}

func TestLoad_SeedsHistoryAndModel(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	assert.Equal(t, "multion", h.ctrl.Model())
	entries := h.ctrl.History()
	require.Len(t, entries, 1)
	assert.Equal(t, "earlier", entries[0].Message.Content)
	assert.Equal(t, Idle, h.ctrl.State())
	assert.Equal(t, 0, h.srv.Accepted())
}

func TestLoad_NotFound(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))
	h.chats.mu.Lock()
	delete(h.chats.sessions, "chat-1")
	h.chats.mu.Unlock()

	assert.ErrorIs(t, h.ctrl.Load(context.Background()), perrors.ErrNotFound)
}

func TestSubmit_TextTurn(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "hello agent"}))
	assert.Equal(t, AwaitingTextResponse, h.ctrl.State())

	entries := h.ctrl.History()
	require.Len(t, entries, 2)
	assert.Equal(t, "hello agent", entries[1].Message.Content)
	assert.False(t, entries[1].Confirmed)

	conn := h.srv.Next(wait)
	assert.Equal(t, `"tok"`, conn.Frame(t, wait))
	assert.JSONEq(t, `{"type":"text","role":"user","content":"hello agent"}`, conn.Frame(t, wait))

	assert.ErrorIs(t, h.ctrl.Submit(context.Background(), Input{Text: "again"}), perrors.ErrBusy)

	conn.Send(t, `{"type":"text","role":"assistant","content":"hi there"}`)
	h.waitState(t, Idle)
	entries = h.waitHistory(t, 3)
	assert.True(t, entries[2].Confirmed)
	h.notices.next(t, NoticeHistory)

	// The next turn reuses the handle and resends the credential first.
	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "second"}))
	assert.Equal(t, `"tok"`, conn.Frame(t, wait))
	assert.JSONEq(t, `{"type":"text","role":"user","content":"second"}`, conn.Frame(t, wait))
	assert.Equal(t, 1, h.srv.Accepted())

	assert.Equal(t, []transcript.Direction{transcript.Outbound, transcript.Inbound, transcript.Outbound}, h.journal.directions())
}

func TestSubmit_ImageWithCaption(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "order this", Image: pngHeader}))
	assert.Equal(t, Facets{AgentWorking: true, ImagePending: true}, h.ctrl.Facets())
	assert.Equal(t, AwaitingAgent, h.ctrl.State())

	conn := h.srv.Next(wait)
	assert.Equal(t, `"tok"`, conn.Frame(t, wait))

	var file message.Message
	require.NoError(t, json.Unmarshal([]byte(conn.Frame(t, wait)), &file))
	assert.Equal(t, message.KindFile, file.Kind)
	assert.True(t, strings.HasPrefix(file.Content, "data:image/png;base64,"))
	assert.JSONEq(t, `{"type":"text","role":"user","content":"order this"}`, conn.Frame(t, wait))

	entries := h.ctrl.History()
	require.Len(t, entries, 3)
	assert.Equal(t, message.KindFile, entries[1].Message.Kind)
	assert.Equal(t, message.KindText, entries[2].Message.Kind)

	conn.Send(t, `{"type":"text","role":"system","content":"Clicking the order button"}`)
	conn.Send(t, `{"type":"text","role":"system","content":"Awaiting input"}`)
	h.waitState(t, AwaitingImageResponse)

	conn.Send(t, `{"type":"file","role":"assistant","content":"data:image/png;base64,AAAA"}`)
	var commit func()
	select {
	case commit = <-h.scheduled:
	case <-time.After(wait):
		t.Fatal("file arrival did not schedule a commit")
	}
	h.waitHistory(t, 4)
	assert.Equal(t, AwaitingImageResponse, h.ctrl.State())

	commit()
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestSubmit_TextReplyInImageTurnCommitsImmediately(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "what is on screen?", Image: pngHeader}))
	conn := h.srv.Next(wait)
	conn.Send(t, `{"role":"system","content":"Awaiting input"}`)
	h.waitState(t, AwaitingImageResponse)

	conn.Send(t, `{"type":"text","role":"assistant","content":"a login form"}`)
	h.waitState(t, Idle)
	assert.Equal(t, Facets{}, h.ctrl.Facets())
	assert.Len(t, h.waitHistory(t, 4), 4)

	select {
	case <-h.scheduled:
		t.Fatal("text reply scheduled a deferred commit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmit_StaleDeferredCommitIgnored(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "look", Image: pngHeader}))
	conn := h.srv.Next(wait)
	conn.Send(t, `{"type":"file","role":"assistant","content":"data:image/png;base64,AAAA"}`)
	commit := <-h.scheduled
	conn.Send(t, `{"role":"system","content":"Awaiting input"}`)
	h.waitState(t, AwaitingImageResponse)

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "next"}))
	commit()
	assert.True(t, h.ctrl.Facets().TextPending)
}

func TestSubmit_DoneNotifies(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "book a table", Image: pngHeader}))
	conn := h.srv.Next(wait)

	conn.Send(t, `{"type":"text","role":"system","content":"Done"}`)
	n := h.notices.next(t, NoticeSuccess)
	assert.Equal(t, TextRequestCompleted, n.Text)
	assert.Equal(t, "chat-1", n.SessionID)
	assert.False(t, h.ctrl.Facets().AgentWorking)
	assert.True(t, h.ctrl.Snapshot().Connected)
}

func TestSubmit_ImageTooLarge(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	img := make([]byte, message.MaxImageBytes)
	copy(img, pngHeader)
	err := h.ctrl.Submit(context.Background(), Input{Text: "caption", Image: img})
	assert.ErrorIs(t, err, perrors.ErrImageTooLarge)

	n := h.notices.next(t, NoticeError)
	assert.Equal(t, TextImageTooBig, n.Text)
	assert.Len(t, h.ctrl.History(), 1)
	assert.Equal(t, Idle, h.ctrl.State())
	assert.Equal(t, 0, h.srv.Accepted())
}

func TestSubmit_EmptyText(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))
	assert.ErrorIs(t, h.ctrl.Submit(context.Background(), Input{Text: "  \n"}), perrors.ErrEmptyInput)
	assert.ErrorIs(t, h.ctrl.Submit(context.Background(), Input{Image: pngHeader}), perrors.ErrEmptyInput)
}

func TestSubmit_CredentialFailureRestoresFacets(t *testing.T) {
	h := newHarness(t, auth.Static(""))

	err := h.ctrl.Submit(context.Background(), Input{Text: "hi"})
	assert.ErrorIs(t, err, perrors.ErrCredentialUnavailable)
	assert.Equal(t, Idle, h.ctrl.State())
	assert.Len(t, h.ctrl.History(), 2)
	assert.Equal(t, 0, h.srv.Accepted())
}

func TestClose_SessionNotFoundStartsNewChat(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "hi"}))
	conn := h.srv.Next(wait)
	conn.CloseWith(t, websocket.ClosePolicyViolation, "body:{'detail': {'message': 'Session not found'}}")

	n := h.notices.next(t, NoticeError)
	assert.Equal(t, closereason.SessionNotFound, n.Text)
	assert.Equal(t, closereason.ActionStartNewChat, n.Action)
	h.waitState(t, Disconnected)

	assert.ErrorIs(t, h.ctrl.Submit(context.Background(), Input{Text: "again"}), perrors.ErrDisconnected)

	res, err := h.ctrl.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, closereason.ActionStartNewChat, res.Action)
	assert.Equal(t, "new-1", res.NewSessionID)
	assert.Equal(t, []string{"multion"}, h.chats.created)
	assert.Equal(t, 1, h.srv.Accepted())
	assert.Equal(t, "new-1", h.ctrl.Snapshot().ReplacedBy)
}

func TestRecover_StartNewChatCreatesOnce(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "hi"}))
	conn := h.srv.Next(wait)
	conn.CloseWith(t, websocket.ClosePolicyViolation, "body:{'detail': {'message': 'Session not found'}}")
	h.waitState(t, Disconnected)

	first, err := h.ctrl.Recover(context.Background())
	require.NoError(t, err)
	second, err := h.ctrl.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "new-1", first.NewSessionID)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"multion"}, h.chats.created)
}

func TestClose_ReconnectResumesTask(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "do it", Image: pngHeader}))
	old := h.srv.Next(wait)
	old.CloseWith(t, websocket.CloseInternalServerErr, "")

	n := h.notices.next(t, NoticeError)
	assert.Equal(t, closereason.Fallback, n.Text)
	assert.Equal(t, closereason.ActionReconnect, n.Action)

	snap := h.ctrl.Snapshot()
	require.NotNil(t, snap.Disconnect)
	assert.Equal(t, websocket.CloseInternalServerErr, snap.Disconnect.Code)
	before := len(h.ctrl.History())

	res, err := h.ctrl.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, closereason.ActionReconnect, res.Action)
	assert.NotEmpty(t, res.HandleID)

	fresh := h.srv.Next(wait)
	assert.Equal(t, `"tok"`, fresh.Frame(t, wait))
	assert.JSONEq(t, `{"type":"text","role":"user","content":"Continue with the previous command"}`, fresh.Frame(t, wait))
	fresh.NoFrame(t, 50*time.Millisecond)

	entries := h.ctrl.History()
	require.Len(t, entries, before+1)
	assert.Equal(t, message.ResumeCommand, entries[before].Message.Content)
	assert.Equal(t, AwaitingAgent, h.ctrl.State())

	_, err = h.ctrl.Recover(context.Background())
	assert.ErrorIs(t, err, perrors.ErrNotDisconnected)
}

func TestRecover_NotDisconnected(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))
	_, err := h.ctrl.Recover(context.Background())
	assert.ErrorIs(t, err, perrors.ErrNotDisconnected)
}

func TestSnapshot_JSON(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	data, err := json.Marshal(h.ctrl)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"session_id": "chat-1",
		"model": "multion",
		"state": "idle",
		"facets": {"agent_working": false, "text_pending": false, "image_pending": false},
		"connected": false,
		"opened": false,
		"messages": 1
	}`, string(data))
}

func TestClose_StopsEvents(t *testing.T) {
	h := newHarness(t, auth.Static("tok"))

	require.NoError(t, h.ctrl.Submit(context.Background(), Input{Text: "hi"}))
	conn := h.srv.Next(wait)
	require.NoError(t, h.ctrl.Close())

	select {
	case <-conn.Closed():
	case <-time.After(wait):
		t.Fatal("socket not closed")
	}
	assert.ErrorIs(t, h.ctrl.Submit(context.Background(), Input{Text: "late"}), perrors.ErrClosed)
	assert.Equal(t, AwaitingTextResponse, h.ctrl.State())
}
