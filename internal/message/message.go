// Package message defines the chat message record exchanged with the agent
// run channel and its JSON wire codec.
package message

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	perrors "github.com/p-blackswan/agentchat/internal/errors"
)

// Kind is the payload kind of a message.
type Kind string

const (
	KindText   Kind = "text"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Control contents carried by system-role frames. Any other system content
// is generic progress.
const (
	AwaitingInput = "Awaiting input"
	Done          = "Done"
)

// ResumeCommand is sent after a manual reconnect to resume the agent's task.
const ResumeCommand = "Continue with the previous command"

// MaxImageBytes is the exclusive upper bound for an outbound image payload.
const MaxImageBytes = 10 * 1024 * 1024

// Message is one unit of conversation. The kind travels as "type" on the wire.
type Message struct {
	Kind    Kind   `json:"type"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Text builds a user text message.
func Text(content string) Message {
	return Message{Kind: KindText, Role: RoleUser, Content: content}
}

// Resume builds the synthetic message that resumes a paused agent task.
func Resume() Message {
	return Text(ResumeCommand)
}

// IsSystem reports whether m is a control frame.
func (m Message) IsSystem() bool {
	return m.Role == RoleSystem
}

// IsControl reports whether m is a system frame that releases the agent:
// "Awaiting input" or "Done".
func (m Message) IsControl() bool {
	return m.IsSystem() && (m.Content == AwaitingInput || m.Content == Done)
}

// Encode serializes m as a single wire frame.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return b, nil
}

// wireMessage is the lenient inbound shape; pointers distinguish absent fields.
type wireMessage struct {
	Kind    *string `json:"type"`
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

// Decode parses an inbound frame. Anything that is not an object with a known
// string role and a string content fails with ErrMalformedFrame; callers drop
// such frames. System frames may omit the type.
func Decode(frame []byte) (Message, error) {
	var w wireMessage
	dec := json.NewDecoder(bytes.NewReader(frame))
	if err := dec.Decode(&w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", perrors.ErrMalformedFrame, err)
	}
	if dec.More() {
		return Message{}, fmt.Errorf("%w: trailing data", perrors.ErrMalformedFrame)
	}
	if w.Role == nil || w.Content == nil {
		return Message{}, fmt.Errorf("%w: missing role or content", perrors.ErrMalformedFrame)
	}

	m := Message{Role: Role(*w.Role), Content: *w.Content}
	switch m.Role {
	case RoleUser, RoleAssistant:
		if w.Kind == nil {
			return Message{}, fmt.Errorf("%w: missing type", perrors.ErrMalformedFrame)
		}
	case RoleSystem:
		if w.Kind == nil {
			m.Kind = KindSystem
			return m, nil
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown role %q", perrors.ErrMalformedFrame, *w.Role)
	}

	m.Kind = Kind(*w.Kind)
	switch m.Kind {
	case KindText, KindFile, KindSystem:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", perrors.ErrMalformedFrame, *w.Kind)
	}
	return m, nil
}

// EncodeToken builds the credential frame: the bearer token as a JSON string.
func EncodeToken(token string) ([]byte, error) {
	b, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("encoding token: %w", err)
	}
	return b, nil
}

// ValidateImageSize rejects payloads of MaxImageBytes or more.
func ValidateImageSize(n int) error {
	if n >= MaxImageBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", perrors.ErrImageTooLarge, n, MaxImageBytes-1)
	}
	return nil
}

// NewImage builds a user file message carrying data as a data URI.
func NewImage(data []byte) (Message, error) {
	if err := ValidateImageSize(len(data)); err != nil {
		return Message{}, err
	}
	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		return Message{}, fmt.Errorf("%w: detected %s", perrors.ErrNotImage, mediaType)
	}
	uri := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return Message{Kind: KindFile, Role: RoleUser, Content: uri}, nil
}
