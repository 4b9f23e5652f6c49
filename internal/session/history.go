package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/p-blackswan/agentchat/internal/message"
)

// Entry is one history record. ID is local to this client and never sent.
type Entry struct {
	ID        string          `json:"id"`
	Message   message.Message `json:"message"`
	Confirmed bool            `json:"confirmed"`
	At        time.Time       `json:"at"`
}

// History is the append-only message buffer of one session. Entries keep
// insertion order; nothing is reordered or deduplicated.
type History struct {
	entries []Entry
	now     func() time.Time
}

// NewHistory creates an empty buffer.
func NewHistory() *History {
	return &History{now: time.Now}
}

// AppendOptimistic records a user-authored message before it is sent.
func (h *History) AppendOptimistic(m message.Message) Entry {
	return h.append(m, false)
}

// AppendConfirmed records an inbound content message.
func (h *History) AppendConfirmed(m message.Message) Entry {
	return h.append(m, true)
}

// Seed replaces the buffer with persisted messages, discarding any optimistic
// entries added before the load resolved.
func (h *History) Seed(msgs []message.Message) {
	h.entries = make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		h.append(m, true)
	}
}

// Messages returns the messages in order.
func (h *History) Messages() []message.Message {
	out := make([]message.Message, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Message
	}
	return out
}

// Entries returns a copy of the entries in order.
func (h *History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int { return len(h.entries) }

func (h *History) append(m message.Message, confirmed bool) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		Message:   m,
		Confirmed: confirmed,
		At:        h.now(),
	}
	h.entries = append(h.entries, e)
	return e
}
