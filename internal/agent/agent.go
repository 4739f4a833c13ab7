// Package agent defines the agent contract, the registry of named agent
// factories and the slot that connects an agent instance to the event bus.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pocketcmd/pocketcmd/internal/config"
	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/prompt"
	"github.com/pocketcmd/pocketcmd/internal/stream"
)

// Agent handles free-form input routed to it by the dispatcher.
type Agent interface {
	HandleRun(ctx context.Context, run *Run) error
}

// Activator is implemented by agents that need setup when they become active.
type Activator interface {
	Activate(ctx context.Context) error
}

// Deactivator is implemented by agents that release resources when replaced.
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// Env is what an agent instance gets to talk to the rest of the system.
type Env struct {
	Name   string
	Config config.AgentConfig
	Bus    event.PubSub
	Prompt *prompt.Requester
	Log    zerolog.Logger
}

// Factory constructs an agent instance.
type Factory func(ctx context.Context, env *Env) (Agent, error)

// Constructor turns an agent definition from configuration into a factory.
// It rejects invalid configuration before any instance is built.
type Constructor func(cfg config.AgentConfig) (Factory, error)

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, run *Run) error

// HandleRun calls f.
func (f AgentFunc) HandleRun(ctx context.Context, run *Run) error { return f(ctx, run) }

// ErrNoPrompt is returned by Run.Ask when the environment has no prompt requester.
var ErrNoPrompt = errors.New("prompts are not available")

// Run is one invocation of an agent.
type Run struct {
	ID       string
	ThreadID string
	Messages []event.Message

	env *Env
}

// NewRun builds a run for env. Slots create runs; tests may build their own.
func NewRun(env *Env, id, threadID string, messages []event.Message) *Run {
	return &Run{ID: id, ThreadID: threadID, Messages: messages, env: env}
}

// Input returns the latest user text of the run.
func (r *Run) Input() string {
	return event.MessagesSnapshotEvent{Messages: r.Messages}.LastUserText()
}

// Agent returns the name of the agent handling the run.
func (r *Run) Agent() string { return r.env.Name }

// Bus returns the bus the run publishes to.
func (r *Run) Bus() event.PubSub { return r.env.Bus }

// Log returns the agent's logger.
func (r *Run) Log() *zerolog.Logger { return &r.env.Log }

// Reply publishes text as a complete assistant message.
func (r *Run) Reply(text string) error {
	return r.Say(event.RoleAssistant, text)
}

// Say publishes text as a complete message with the given role.
func (r *Run) Say(role event.Role, text string) error {
	_, err := stream.SendText(r.env.Bus, role, text)
	return err
}

// StartMessage opens a streamed assistant message.
func (r *Run) StartMessage() (*stream.Message, error) {
	return stream.StartMessage(r.env.Bus, event.RoleAssistant)
}

// Ask requests one line of input from the user.
func (r *Run) Ask(ctx context.Context, message string, opts ...prompt.AskOption) (string, error) {
	if r.env.Prompt == nil {
		return "", ErrNoPrompt
	}
	return r.env.Prompt.Ask(ctx, message, opts...)
}

// Step brackets fn with StepStarted and StepFinished events. The finished
// event is published even when fn fails.
func (r *Run) Step(name string, fn func() error) error {
	if err := r.env.Bus.Publish(event.StepStartedEvent{RunID: r.ID, StepName: name}); err != nil {
		return fmt.Errorf("start step %s: %w", name, err)
	}
	err := fn()
	if perr := r.env.Bus.Publish(event.StepFinishedEvent{RunID: r.ID, StepName: name}); perr != nil && err == nil {
		err = fmt.Errorf("finish step %s: %w", name, perr)
	}
	return err
}
