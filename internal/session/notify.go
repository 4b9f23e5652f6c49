package session

import "github.com/p-blackswan/agentchat/internal/closereason"

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
	// NoticeHistory tells the UI that the persisted chat list is stale.
	NoticeHistory NoticeKind = "history"
)

// User-facing notice texts.
const (
	TextRequestCompleted = "Request completed"
	TextImageTooBig      = "Image is too big!"
)

// Notice is a transient message for the presentation layer. Error notices for
// a disconnect carry the recovery action.
type Notice struct {
	Kind      NoticeKind         `json:"kind"`
	Text      string             `json:"text,omitempty"`
	Action    closereason.Action `json:"action,omitempty"`
	SessionID string             `json:"session_id"`
}

// Notifier receives notices. It is called without controller locks held.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notice) { f(n) }
