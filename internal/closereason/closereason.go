// Package closereason turns the free-text reason of an abnormal run channel
// close into a user-facing error and a recovery action.
//
// The server embeds a Python-repr style object in the reason, e.g.
//
//	body:{'detail': {'message': 'Session not found'}}
//
// The rewrite below (quotes first, then bare keys) is kept exactly as the web
// client does it so both clients agree on which reasons decode.
package closereason

import (
	"encoding/json"
	"regexp"
	"strings"
)

const (
	// Prefix marks a reason that carries a structured body.
	Prefix = "body:"

	// Fallback is the message used when a reason does not decode.
	Fallback = "Websocket disconnected"

	// SessionNotFound means the server has no record of the chat.
	SessionNotFound = "Session not found"
)

// Action is the recovery offered to the user for a disconnect.
type Action string

const (
	ActionReconnect    Action = "Reconnect"
	ActionStartNewChat Action = "Start new chat"
)

// Result is a decoded close reason.
type Result struct {
	Message    string
	Structured bool
	Action     Action
}

var bareKey = regexp.MustCompile(`(\w+):`)

// Decode never fails; undecodable reasons yield Fallback.
func Decode(reason string) Result {
	msg, ok := parse(reason)
	if !ok {
		msg = Fallback
	}
	return Result{Message: msg, Structured: ok, Action: ActionFor(msg)}
}

// ActionFor picks the recovery action for a decoded message.
func ActionFor(msg string) Action {
	if msg == SessionNotFound {
		return ActionStartNewChat
	}
	return ActionReconnect
}

type body struct {
	Body struct {
		Detail struct {
			Message *string `json:"message"`
		} `json:"detail"`
	} `json:"body"`
}

func parse(reason string) (string, bool) {
	if !strings.HasPrefix(reason, Prefix) {
		return "", false
	}
	rewritten := strings.ReplaceAll(reason, "'", `"`)
	rewritten = bareKey.ReplaceAllString(rewritten, `"${1}":`)

	var b body
	if err := json.Unmarshal([]byte("{"+rewritten+"}"), &b); err != nil {
		return "", false
	}
	if b.Body.Detail.Message == nil {
		return "", false
	}
	return *b.Body.Detail.Message, true
}
