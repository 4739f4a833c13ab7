package tui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pocketcmd/pocketcmd/internal/event"
)

func TestRenderer_Message(t *testing.T) {
	tests := []struct {
		role event.Role
		text string
		want string
	}{
		{event.RoleAssistant, "hi\n", "assistant › hi\n"},
		{event.RoleUser, "hello", "you › hello\n"},
		{event.RoleSystem, "Goodbye!", "Goodbye!\n"},
		{event.RoleTool, "line1\nline2", "  line1\n  line2\n"},
		{event.RoleDeveloper, "note", "developer › note\n"},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			var out bytes.Buffer
			r := NewRenderer(&out, &bytes.Buffer{}, RendererOptions{NoColor: true})
			r.Message(tt.role, tt.text)
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestRenderer_ErrorDetailOnlyWhenVerbose(t *testing.T) {
	var quiet, verbose bytes.Buffer
	NewRenderer(&bytes.Buffer{}, &quiet, RendererOptions{NoColor: true}).Error("agent_error", "boom", "stack")
	NewRenderer(&bytes.Buffer{}, &verbose, RendererOptions{NoColor: true, Verbose: true}).Error("agent_error", "boom", "stack")

	assert.Equal(t, "error: boom [agent_error]\n", quiet.String())
	assert.Equal(t, "error: boom [agent_error]\n  stack\n", verbose.String())
}

func TestRenderer_TraceIsVerboseOnly(t *testing.T) {
	var errOut bytes.Buffer
	r := NewRenderer(&bytes.Buffer{}, &errOut, RendererOptions{NoColor: true})
	r.Trace("run started", nil)
	assert.Empty(t, errOut.String())

	r = NewRenderer(&bytes.Buffer{}, &errOut, RendererOptions{NoColor: true, Verbose: true})
	r.Trace("run started", map[string]any{"run": "r1"})
	assert.Equal(t, "[trace] run started map[run:r1]\n", errOut.String())
}

func TestRenderer_Prompt(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, &bytes.Buffer{}, RendererOptions{NoColor: true})
	r.Prompt("Password?", true)
	assert.Equal(t, "? Password? (input is sensitive)\n", out.String())
}
