package session

import (
	"github.com/p-blackswan/agentchat/internal/closereason"
	perrors "github.com/p-blackswan/agentchat/internal/errors"
	"github.com/p-blackswan/agentchat/internal/message"
)

// State is the composite session state derived from the facets.
type State int

const (
	Idle State = iota
	AwaitingAgent
	AwaitingTextResponse
	AwaitingImageResponse
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingAgent:
		return "awaiting_agent"
	case AwaitingTextResponse:
		return "awaiting_text_response"
	case AwaitingImageResponse:
		return "awaiting_image_response"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Facets are the independent loading flags.
type Facets struct {
	AgentWorking bool `json:"agent_working"`
	TextPending  bool `json:"text_pending"`
	ImagePending bool `json:"image_pending"`
}

// Disconnect describes a surfaced close and the recovery offered for it.
type Disconnect struct {
	Message string             `json:"message"`
	Action  closereason.Action `json:"action"`
	Code    int                `json:"code"`
}

// Machine tracks facets and the disconnect. It is not safe for concurrent
// use; the controller serializes access.
type Machine struct {
	facets     Facets
	disconnect *Disconnect
}

// State derives the composite state. Precedence: Disconnected,
// AwaitingAgent, AwaitingImageResponse, AwaitingTextResponse, Idle.
func (m *Machine) State() State {
	switch {
	case m.disconnect != nil:
		return Disconnected
	case m.facets.AgentWorking:
		return AwaitingAgent
	case m.facets.ImagePending:
		return AwaitingImageResponse
	case m.facets.TextPending:
		return AwaitingTextResponse
	default:
		return Idle
	}
}

// Facets returns the current facets.
func (m *Machine) Facets() Facets { return m.facets }

// Disconnected returns the pending disconnect, if any.
func (m *Machine) Disconnected() (Disconnect, bool) {
	if m.disconnect == nil {
		return Disconnect{}, false
	}
	return *m.disconnect, true
}

// CanSubmit reports whether a user turn may start.
func (m *Machine) CanSubmit() error {
	if m.disconnect != nil {
		return perrors.ErrDisconnected
	}
	if m.facets.AgentWorking || m.facets.TextPending {
		return perrors.ErrBusy
	}
	return nil
}

// Submit records a user turn and returns the facets from before it, for
// Restore. A turn with an image sets agent-working and image-pending; a text
// turn sets text-pending.
func (m *Machine) Submit(withImage bool) Facets {
	prev := m.facets
	if withImage {
		m.facets.AgentWorking = true
		m.facets.ImagePending = true
	} else {
		m.facets.TextPending = true
	}
	return prev
}

// Restore resets the facets, used when a turn never reached the wire.
func (m *Machine) Restore(f Facets) { m.facets = f }

// System applies an inbound system frame. "Awaiting input" and "Done" release
// the agent; other contents are progress and change nothing.
func (m *Machine) System(msg message.Message) bool {
	if !msg.IsControl() {
		return false
	}
	m.facets.AgentWorking = false
	return true
}

// CommitContent clears the response facets once a content frame is committed.
func (m *Machine) CommitContent() {
	m.facets.TextPending = false
	m.facets.ImagePending = false
}

// Disconnect enters the Disconnected state.
func (m *Machine) Disconnect(d Disconnect) {
	m.disconnect = &d
}

// Reconnected leaves Disconnected after a manual reconnect and marks the
// agent as working on the resumed task.
func (m *Machine) Reconnected() {
	m.disconnect = nil
	m.facets.AgentWorking = true
}
