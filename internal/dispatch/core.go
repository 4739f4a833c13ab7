// Package dispatch routes user input to global commands or to the active
// agent, and owns the switch between agents.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"mvdan.cc/sh/v3/shell"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/config"
	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/prompt"
	"github.com/pocketcmd/pocketcmd/internal/stream"
)

// Error codes published in RunErrorEvent by the core.
const (
	CodeUnknownCommand  = "unknown_command"
	CodeInvalidCommand  = "invalid_command"
	CodeCommandFailed   = "command_failed"
	CodeNoActiveAgent   = "no_active_agent"
	CodeAgentResolution = "agent_resolution"
	CodeAgentActivation = "agent_activation"
)

// ErrResolution wraps every failure to switch to an agent.
var ErrResolution = errors.New("agent resolution failed")

// Options configures a Core.
type Options struct {
	Bus      event.PubSub
	Registry *agent.Registry
	// Prompt is handed to agents through their Env. It may be nil.
	Prompt       *prompt.Requester
	DefaultAgent string
	// Commands seeds descriptions of the global commands and defines
	// template commands.
	Commands map[string]config.CommandConfig
	// OnExit is called by /exit after the goodbye message was published.
	OnExit func()
	Log    zerolog.Logger
}

// Core is the dispatcher. In the NoAgentActive state free-form input is
// rejected; in the AgentActive state it is routed to the active slot.
type Core struct {
	bus      event.PubSub
	registry *agent.Registry
	prompt   *prompt.Requester
	log      zerolog.Logger
	onExit   func()
	initial  string

	commands *commandSet

	// switchMu serializes agent switches; mu guards the fields below it.
	switchMu sync.Mutex
	mu       sync.RWMutex
	active   *agent.Slot
	sub      *event.Subscription
}

// New creates a core with the global commands and the configured template
// commands registered.
func New(opts Options) *Core {
	c := &Core{
		bus:      opts.Bus,
		registry: opts.Registry,
		prompt:   opts.Prompt,
		log:      opts.Log.With().Str("component", "dispatch").Logger(),
		onExit:   opts.OnExit,
		initial:  opts.DefaultAgent,
		commands: newCommandSet(),
	}
	c.registerBuiltins(opts.Commands)
	c.registerTemplates(opts.Commands)
	return c
}

// Register adds a global command. Names and aliases must be unique.
func (c *Core) Register(cmd *Command) error {
	return c.commands.add(cmd)
}

// Commands returns the registered commands in registration order.
func (c *Core) Commands() []*Command {
	return c.commands.list()
}

// Start activates the default agent, if one is configured, and then starts
// handling AppInputEvents. A default agent that cannot be resolved leaves
// the core in the NoAgentActive state.
func (c *Core) Start(ctx context.Context) error {
	if c.initial != "" {
		if err := c.SwitchAgent(ctx, c.initial); err != nil {
			c.log.Warn().Err(err).Str("agent", c.initial).Msg("Default agent unavailable")
		}
	}

	sub, err := c.bus.Subscribe(event.TopicAppInput, c.handleInput, event.WithName("dispatch"))
	if err != nil {
		return fmt.Errorf("subscribe input: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Stop stops handling input and uninstalls the active agent.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		c.bus.Unsubscribe(sub)
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	old := c.active
	c.active = nil
	c.mu.Unlock()
	if old == nil {
		return nil
	}
	return c.uninstall(ctx, old)
}

// ActiveAgent returns the name of the active agent, or "" when none is.
func (c *Core) ActiveAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.Name()
}

// ThreadID returns the thread of the active agent, or "" when none is.
func (c *Core) ThreadID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.ThreadID()
}

// SwitchAgent makes name the active agent. Resolution happens before the
// old agent is touched: on failure a RunErrorEvent is published, the old
// agent stays active and the returned error wraps ErrResolution.
func (c *Core) SwitchAgent(ctx context.Context, name string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	ag, env, err := c.registry.Resolve(ctx, name, agent.Env{
		Bus:    c.bus,
		Prompt: c.prompt,
		Log:    c.log,
	})
	if err == nil {
		var slot *agent.Slot
		if slot, err = agent.Install(ag, env); err == nil {
			c.replace(ctx, slot)
			return nil
		}
	}

	c.log.Warn().Err(err).Str("agent", name).Msg("Agent switch failed")
	c.publishError(ctx, CodeAgentResolution, fmt.Sprintf("Could not switch to agent '%s'.", name), err)
	return fmt.Errorf("%w: %s: %w", ErrResolution, name, err)
}

// replace retires the active slot and activates slot. The new slot is
// already subscribed, but nothing is routed to it before it becomes active.
func (c *Core) replace(ctx context.Context, slot *agent.Slot) {
	c.mu.RLock()
	old := c.active
	c.mu.RUnlock()

	if old != nil {
		if err := c.uninstall(ctx, old); err != nil {
			c.log.Warn().Err(err).Str("agent", old.Name()).Msg("Deactivate failed")
		}
	}

	c.mu.Lock()
	c.active = slot
	c.mu.Unlock()

	if err := slot.Activate(ctx); err != nil {
		c.log.Error().Err(err).Str("agent", slot.Name()).Msg("Activate failed")
		c.publishError(ctx, CodeAgentActivation, fmt.Sprintf("Agent '%s' failed to activate.", slot.Name()), err)
	}
	c.publish(ctx, event.AgentLifecycleEvent{AgentName: slot.Name(), Phase: event.PhaseActivating})
	c.log.Info().Str("agent", slot.Name()).Str("thread_id", slot.ThreadID()).Msg("Agent active")
}

func (c *Core) uninstall(ctx context.Context, slot *agent.Slot) error {
	c.publish(ctx, event.AgentLifecycleEvent{AgentName: slot.Name(), Phase: event.PhaseDeactivating})
	return slot.Uninstall(ctx)
}

func (c *Core) handleInput(ctx context.Context, e event.Event) (event.Result, error) {
	in, ok := e.(event.AppInputEvent)
	if !ok {
		return event.Continue, nil
	}
	text := strings.TrimSpace(in.InputText)
	if text == "" {
		return event.Continue, nil
	}

	log := c.log.With().Str("client_id", in.SourceClientID).Logger()
	if strings.HasPrefix(text, "/") {
		log.Debug().Str("input", text).Msg("Command")
		c.runCommand(ctx, text)
	} else {
		c.route(ctx, text)
	}
	return event.Continue, nil
}

// runCommand tokenizes a "/cmd args" line and runs the matching command.
func (c *Core) runCommand(ctx context.Context, text string) {
	fields, err := shell.Fields(text, literalEnv)
	if err != nil {
		c.publishError(ctx, CodeInvalidCommand, "Invalid command: "+err.Error(), nil)
		return
	}
	word := ""
	if len(fields) > 0 {
		word = strings.TrimPrefix(fields[0], "/")
	}
	if word == "" {
		c.publishError(ctx, CodeInvalidCommand, "Empty command. Type /help for a list of commands.", nil)
		return
	}

	cmd, ok := c.commands.get(word)
	if !ok {
		c.publishError(ctx, CodeUnknownCommand, c.unknownCommand(word), nil)
		return
	}
	if err := cmd.Run(ctx, c, fields[1:]); err != nil {
		c.log.Warn().Err(err).Str("command", cmd.Name).Msg("Command failed")
		c.publishError(ctx, CodeCommandFailed, fmt.Sprintf("Command '/%s' failed.", cmd.Name), err)
	}
}

// route sends free-form text to the active agent as a new run.
func (c *Core) route(ctx context.Context, text string) {
	c.mu.RLock()
	slot := c.active
	c.mu.RUnlock()

	if slot == nil {
		c.publishError(ctx, CodeNoActiveAgent, "No active agent. Use /agent <name> to select one.", nil)
		return
	}

	runID := event.NewRunID()
	c.publish(ctx, event.RunStartedEvent{
		ThreadID:  slot.ThreadID(),
		RunID:     runID,
		AgentName: slot.Name(),
	})
	c.publish(ctx, event.MessagesSnapshotEvent{
		Base:  event.Base{TopicName: agent.RunTopic(slot.Name())},
		RunID: runID,
		Messages: []event.Message{{
			ID:      event.NewMessageID(),
			Role:    event.RoleUser,
			Content: text,
		}},
	})
}

// Say publishes text as a system message. ctx is the context of the
// handler or command calling it.
func (c *Core) Say(ctx context.Context, text string) {
	if _, err := stream.SendText(event.Bind(ctx, c.bus), event.RoleSystem, text); err != nil {
		c.log.Warn().Err(err).Msg("Publish system message failed")
	}
}

func (c *Core) publish(ctx context.Context, e event.Event) {
	if err := event.Bind(ctx, c.bus).Publish(e); err != nil {
		c.log.Warn().Err(err).Str("kind", string(e.Kind())).Msg("Publish failed")
	}
}

func (c *Core) publishError(ctx context.Context, code, message string, cause error) {
	e := event.RunErrorEvent{Code: code, Message: message}
	if cause != nil {
		e.Detail = cause.Error()
	}
	c.publish(ctx, e)
}

// literalEnv leaves $VAR references as typed.
func literalEnv(name string) string { return "$" + name }
