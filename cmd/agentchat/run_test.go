package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-blackswan/agentchat/internal/closereason"
	"github.com/p-blackswan/agentchat/internal/message"
	"github.com/p-blackswan/agentchat/internal/session"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line, cmd, rest string
	}{
		{"", "", ""},
		{"   ", "", ""},
		{"hello there", "text", "hello there"},
		{"/state", "/state", ""},
		{"/image cat.png what is this?", "/image", "cat.png what is this?"},
		{"  /quit  ", "/quit", ""},
	}
	for _, tt := range tests {
		cmd, rest := parseLine(tt.line)
		assert.Equal(t, tt.cmd, cmd, tt.line)
		assert.Equal(t, tt.rest, rest, tt.line)
	}
}

func TestFormatMessage(t *testing.T) {
	assert.Equal(t, "assistant> hi", formatMessage(message.Message{Kind: message.KindText, Role: message.RoleAssistant, Content: "hi"}))
	assert.Equal(t, "user> [image image/png;base64]", formatMessage(message.Message{
		Kind:    message.KindFile,
		Role:    message.RoleUser,
		Content: "data:image/png;base64,AAAA",
	}))
}

func TestNotify_IgnoredWithoutCurrentChat(t *testing.T) {
	var out bytes.Buffer
	r := newREPL(&out)
	r.notify(session.Notice{Kind: session.NoticeError, Text: "Session not found", Action: closereason.ActionStartNewChat, SessionID: "chat-1"})
	assert.Empty(t, out.String())
}
