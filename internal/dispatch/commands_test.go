package dispatch

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/config"
	"github.com/pocketcmd/pocketcmd/internal/event"
)

func TestExpandTemplate(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		args []string
		want string
	}{
		{"arguments", "Review: $ARGUMENTS", []string{"a", "b c"}, "Review: a b c"},
		{"positional", "$2 then $1", []string{"x", "y"}, "y then x"},
		{"missing positional", "[$1][$3]", []string{"x"}, "[x][]"},
		{"no args", "plain text", nil, "plain text"},
		{"other dollars kept", "$HOME and $10", []string{"a"}, "$HOME and a0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandTemplate(tt.tmpl, tt.args))
		})
	}
}

func TestCommandSet_Add(t *testing.T) {
	s := newCommandSet()
	noop := func(context.Context, *Core, []string) error { return nil }

	require.NoError(t, s.add(&Command{Name: "one", Aliases: []string{"1"}, Run: noop}))

	assert.Error(t, s.add(&Command{Name: "one", Run: noop}), "duplicate name")
	assert.Error(t, s.add(&Command{Name: "two", Aliases: []string{"1"}, Run: noop}), "duplicate alias")
	assert.Error(t, s.add(&Command{Name: "three"}), "missing run")
	assert.Error(t, s.add(&Command{Name: "a b", Run: noop}), "space in name")

	cmd, ok := s.get("1")
	require.True(t, ok)
	assert.Equal(t, "one", cmd.Name)

	_, ok = s.get("two")
	assert.False(t, ok, "failed add must not register aliases")
	assert.Len(t, s.list(), 1)
}

func TestCommandSet_Suggest(t *testing.T) {
	c := New(Options{Bus: event.NewBus(), Registry: agent.NewRegistry(), Log: zerolog.Nop()})

	tests := []struct {
		word string
		want string
		ok   bool
	}{
		{"hlep", "help", true},
		{"agnet", "agent", true},
		{"agentss", "agents", true},
		{"exti", "exit", true},
		{"completely-different", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			got, ok := c.commands.suggest(tt.word)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNew_RegistersCommands(t *testing.T) {
	c := New(Options{
		Bus:      event.NewBus(),
		Registry: agent.NewRegistry(),
		Log:      zerolog.Nop(),
		Commands: map[string]config.CommandConfig{
			"help":   {Description: "Custom help text"},
			"review": {Description: "Review something", Template: "Review $1"},
			"exit":   {Template: "shadowed"},
			"bare":   {Description: "No template, no command"},
		},
	})

	var names []string
	for _, cmd := range c.Commands() {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, []string{"help", "agents", "agent", "exit", "review"}, names)

	help, ok := c.commands.get("?")
	require.True(t, ok)
	assert.Equal(t, "Custom help text", help.Description)

	exit, ok := c.commands.get("q")
	require.True(t, ok)
	assert.Empty(t, exit.Template, "template seeds never replace a global command")
}

func TestCore_RegisterCustomCommand(t *testing.T) {
	c := New(Options{Bus: event.NewBus(), Registry: agent.NewRegistry(), Log: zerolog.Nop()})

	err := c.Register(&Command{
		Name: "ping",
		Run: func(ctx context.Context, c *Core, _ []string) error {
			c.Say(ctx, "pong")
			return nil
		},
	})
	require.NoError(t, err)
	assert.Error(t, c.Register(&Command{Name: "help", Run: func(context.Context, *Core, []string) error { return nil }}))
}
