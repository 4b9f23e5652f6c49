// Package session is the chat session controller: it ties the connection
// manager, the state machine and the history buffer of one chat together and
// applies user actions and run channel events to them one at a time.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentchat/internal/chatapi"
	"github.com/p-blackswan/agentchat/internal/closereason"
	perrors "github.com/p-blackswan/agentchat/internal/errors"
	"github.com/p-blackswan/agentchat/internal/message"
	"github.com/p-blackswan/agentchat/internal/metrics"
	"github.com/p-blackswan/agentchat/internal/transcript"
	"github.com/p-blackswan/agentchat/internal/transport"
)

// DefaultCommitDelay holds back the facet clear after a file arrives.
const DefaultCommitDelay = 500 * time.Millisecond

// Chats is the part of the chat API the controller uses.
type Chats interface {
	Get(ctx context.Context, id string) (*chatapi.Session, error)
	Create(ctx context.Context, model string) (*chatapi.Session, error)
}

// Journal records frames. *transcript.Store implements it.
type Journal interface {
	Record(ctx context.Context, f transcript.Frame) error
}

// Options configures a Controller.
type Options struct {
	SessionID   string
	Model       string
	Conn        *transport.Manager
	Chats       Chats
	Notifier    Notifier
	Journal     Journal
	Metrics     *metrics.Metrics
	CommitDelay time.Duration
	Logger      zerolog.Logger
}

// Input is one user turn. Text is required; Image is optional raw bytes.
type Input struct {
	Text  string
	Image []byte
}

// RecoverResult reports what a recovery did.
type RecoverResult struct {
	Action       closereason.Action `json:"action"`
	NewSessionID string             `json:"new_session_id,omitempty"`
	HandleID     string             `json:"handle_id,omitempty"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID  string      `json:"session_id"`
	Model      string      `json:"model"`
	State      string      `json:"state"`
	Facets     Facets      `json:"facets"`
	Disconnect *Disconnect `json:"disconnect,omitempty"`
	Connected  bool        `json:"connected"`
	Opened     bool        `json:"opened"`
	Messages   int         `json:"messages"`
	ReplacedBy string      `json:"replaced_by,omitempty"`
}

// Controller drives one chat session.
type Controller struct {
	conn     *transport.Manager
	chats    Chats
	notifier Notifier
	journal  Journal
	metrics  *metrics.Metrics
	delay    time.Duration
	logger   zerolog.Logger
	schedule func(time.Duration, func())

	mu      sync.Mutex
	id      string
	model   string
	machine Machine
	history *History
	turn    uint64
	closed  bool

	// replacedBy is the chat created by a "Start new chat" recovery.
	replacedBy string
}

// New creates a controller and subscribes it to the connection manager.
func New(opts Options) *Controller {
	if opts.CommitDelay == 0 {
		opts.CommitDelay = DefaultCommitDelay
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(Notice) {})
	}

	c := &Controller{
		conn:     opts.Conn,
		chats:    opts.Chats,
		notifier: opts.Notifier,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		delay:    opts.CommitDelay,
		logger:   opts.Logger.With().Str("component", "session").Str("session", opts.SessionID).Logger(),
		schedule: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		id:       opts.SessionID,
		model:    opts.Model,
		history:  NewHistory(),
	}
	c.conn.Subscribe(c.handleEvent)
	return c
}

// SessionID returns the chat id.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Model returns the agent model of the chat.
func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// State returns the derived session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Facets returns the current loading facets.
func (c *Controller) Facets() Facets {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Facets()
}

// History returns a copy of the history entries.
func (c *Controller) History() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Entries()
}

// Load fetches the chat and seeds the history with its persisted messages.
func (c *Controller) Load(ctx context.Context) error {
	s, err := c.chats.Get(ctx, c.SessionID())
	if err != nil {
		return fmt.Errorf("loading chat: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Seed(s.Messages)
	if s.Model != "" {
		c.model = s.Model
	}
	c.logger.Debug().Int("messages", len(s.Messages)).Str("model", c.model).Msg("chat loaded")
	return nil
}

// Submit sends one user turn: the image (if any) then the text. Both are
// added to history before the network is touched.
func (c *Controller) Submit(ctx context.Context, in Input) error {
	notices, err := c.submit(ctx, in)
	c.emit(notices)
	return err
}

func (c *Controller) submit(ctx context.Context, in Input) ([]Notice, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, perrors.ErrEmptyInput
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, perrors.ErrClosed
	}
	if err := c.machine.CanSubmit(); err != nil {
		return nil, err
	}

	var file *message.Message
	if in.Image != nil {
		if err := message.ValidateImageSize(len(in.Image)); err != nil {
			c.metrics.RecordImageReject()
			c.logger.Info().Int("bytes", len(in.Image)).Msg("image rejected")
			return []Notice{{Kind: NoticeError, Text: TextImageTooBig, SessionID: c.id}}, err
		}
		m, err := message.NewImage(in.Image)
		if err != nil {
			return nil, err
		}
		file = &m
	}
	text := message.Text(in.Text)

	prev := c.machine.Submit(file != nil)
	c.turn++
	if file != nil {
		c.history.AppendOptimistic(*file)
	}
	c.history.AppendOptimistic(text)

	h, err := c.conn.EnsureConnected(ctx, c.id)
	if err != nil {
		c.machine.Restore(prev)
		return nil, fmt.Errorf("connecting session %s: %w", c.id, err)
	}
	if file != nil {
		if err := c.send(ctx, h, *file); err != nil {
			c.machine.Restore(prev)
			return nil, err
		}
	}
	if err := c.send(ctx, h, text); err != nil {
		c.machine.Restore(prev)
		return nil, err
	}
	return nil, nil
}

// Recover runs the recovery action offered for the current disconnect.
// "Start new chat" creates a chat with the same model and returns its id; the
// caller switches to it. Later calls return the same id without creating
// another chat. "Reconnect" opens a new handle and resumes the
// agent's paused task.
func (c *Controller) Recover(ctx context.Context) (RecoverResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return RecoverResult{}, perrors.ErrClosed
	}
	d, ok := c.machine.Disconnected()
	if !ok {
		return RecoverResult{}, perrors.ErrNotDisconnected
	}
	res := RecoverResult{Action: d.Action}

	if d.Action == closereason.ActionStartNewChat {
		if c.replacedBy != "" {
			res.NewSessionID = c.replacedBy
			return res, nil
		}
		if c.chats == nil {
			return res, fmt.Errorf("starting new chat: no chat API configured")
		}
		s, err := c.chats.Create(ctx, c.model)
		if err != nil {
			return res, fmt.Errorf("starting new chat: %w", err)
		}
		c.logger.Info().Str("new_session", s.ID).Msg("session replaced by new chat")
		c.replacedBy = s.ID
		res.NewSessionID = s.ID
		return res, nil
	}

	h, err := c.conn.Reconnect(ctx, c.id)
	if err != nil {
		return res, fmt.Errorf("reconnecting session %s: %w", c.id, err)
	}
	res.HandleID = h.ID()

	resume := message.Resume()
	c.turn++
	c.history.AppendOptimistic(resume)
	c.machine.Reconnected()
	if err := c.send(ctx, h, resume); err != nil {
		return res, err
	}
	c.logger.Info().Str("handle", h.ID()).Msg("session reconnected")
	return res, nil
}

// Snapshot returns the current view of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		SessionID:  c.id,
		Model:      c.model,
		State:      c.machine.State().String(),
		Facets:     c.machine.Facets(),
		Connected:  c.conn.IsConnected(),
		Opened:     c.conn.Opened(),
		Messages:   c.history.Len(),
		ReplacedBy: c.replacedBy,
	}
	if d, ok := c.machine.Disconnected(); ok {
		s.Disconnect = &d
	}
	return s
}

// MarshalJSON renders the snapshot.
func (c *Controller) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// Close shuts the run channel down. Pending deferred commits are dropped.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Controller) handleEvent(ev transport.Event) {
	var notices []Notice

	c.mu.Lock()
	if c.closed || !c.conn.IsCurrent(ev.HandleID) {
		c.mu.Unlock()
		return
	}
	switch {
	case ev.Message != nil:
		notices = c.onMessage(*ev.Message)
	case ev.Close != nil:
		notices = c.onClose(*ev.Close)
	}
	c.mu.Unlock()

	c.emit(notices)
}

// onMessage applies one inbound frame. Caller holds c.mu.
func (c *Controller) onMessage(msg message.Message) []Notice {
	c.record(transcript.Inbound, msg)

	if msg.IsSystem() {
		if c.machine.System(msg) {
			c.logger.Debug().Str("content", msg.Content).Msg("agent released")
		}
		if msg.Content == message.Done {
			return []Notice{{Kind: NoticeSuccess, Text: TextRequestCompleted, SessionID: c.id}}
		}
		return nil
	}

	c.history.AppendConfirmed(msg)
	if msg.Kind == message.KindFile {
		turn := c.turn
		c.schedule(c.delay, func() { c.commitDeferred(turn) })
	} else {
		c.machine.CommitContent()
	}
	return []Notice{{Kind: NoticeHistory, SessionID: c.id}}
}

func (c *Controller) commitDeferred(turn uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.turn != turn {
		return
	}
	c.machine.CommitContent()
}

// onClose surfaces an abnormal close. Caller holds c.mu.
func (c *Controller) onClose(info transport.CloseInfo) []Notice {
	res := closereason.Decode(info.Reason)
	c.machine.Disconnect(Disconnect{Message: res.Message, Action: res.Action, Code: info.Code})
	c.metrics.RecordClose(string(res.Action))
	c.logger.Warn().
		Int("code", info.Code).
		Bool("structured", res.Structured).
		Str("action", string(res.Action)).
		Msg(res.Message)
	return []Notice{{Kind: NoticeError, Text: res.Message, Action: res.Action, SessionID: c.id}}
}

// send writes msg and journals it. Caller holds c.mu.
func (c *Controller) send(ctx context.Context, h *transport.Handle, msg message.Message) error {
	if err := c.conn.Send(h, msg); err != nil {
		return err
	}
	c.recordCtx(ctx, transcript.Outbound, msg)
	return nil
}

func (c *Controller) record(dir transcript.Direction, msg message.Message) {
	c.recordCtx(context.Background(), dir, msg)
}

func (c *Controller) recordCtx(ctx context.Context, dir transcript.Direction, msg message.Message) {
	if c.journal == nil {
		return
	}
	err := c.journal.Record(ctx, transcript.Frame{SessionID: c.id, Direction: dir, Message: msg})
	if err != nil {
		c.logger.Warn().Err(err).Msg("transcript write failed")
	}
}

func (c *Controller) emit(notices []Notice) {
	for _, n := range notices {
		c.notifier.Notify(n)
	}
}
