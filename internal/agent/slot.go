package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pocketcmd/pocketcmd/internal/event"
)

// Error codes published in RunErrorEvent by a slot.
const (
	CodeAgentError = "agent_error"
)

// RunTopic returns the topic an agent receives its runs on.
func RunTopic(name string) string {
	return "agent." + name + ".run"
}

// Slot is an agent instance installed on the bus. It holds exactly one
// subscription on the agent's run topic.
type Slot struct {
	agent    Agent
	env      *Env
	threadID string
	sub      *event.Subscription
	log      zerolog.Logger

	mu          sync.Mutex
	uninstalled bool
}

// Install subscribes ag to its run topic. Runs start arriving once the
// dispatcher publishes them.
func Install(ag Agent, env *Env) (*Slot, error) {
	s := &Slot{
		agent:    ag,
		env:      env,
		threadID: event.NewThreadID(),
		log:      env.Log,
	}

	sub, err := env.Bus.Subscribe(RunTopic(env.Name), s.handle,
		event.WithName("agent:"+env.Name),
		event.WithFilter(func(e event.Event) bool {
			return e.Kind() == event.KindMessagesSnapshot
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("install agent %s: %w", env.Name, err)
	}
	s.sub = sub
	return s, nil
}

// Name returns the agent name.
func (s *Slot) Name() string { return s.env.Name }

// ThreadID returns the conversation thread of this installation.
func (s *Slot) ThreadID() string { return s.threadID }

// Agent returns the installed instance.
func (s *Slot) Agent() Agent { return s.agent }

// Activate runs the agent's Activate hook, if it has one.
func (s *Slot) Activate(ctx context.Context) error {
	a, ok := s.agent.(Activator)
	if !ok {
		return nil
	}
	if err := a.Activate(ctx); err != nil {
		return fmt.Errorf("activate agent %s: %w", s.env.Name, err)
	}
	return nil
}

// Uninstall removes the subscription and runs the Deactivate hook. Runs
// already scheduled for this slot still complete. Calling it twice is a no-op.
func (s *Slot) Uninstall(ctx context.Context) error {
	s.mu.Lock()
	if s.uninstalled {
		s.mu.Unlock()
		return nil
	}
	s.uninstalled = true
	s.mu.Unlock()

	s.env.Bus.Unsubscribe(s.sub)

	if d, ok := s.agent.(Deactivator); ok {
		if err := d.Deactivate(ctx); err != nil {
			return fmt.Errorf("deactivate agent %s: %w", s.env.Name, err)
		}
	}
	return nil
}

func (s *Slot) handle(ctx context.Context, e event.Event) (event.Result, error) {
	snapshot, ok := e.(event.MessagesSnapshotEvent)
	if !ok {
		return event.Continue, nil
	}

	// The run publishes on this handler's lane.
	env := *s.env
	env.Bus = event.Bind(ctx, s.env.Bus)

	run := NewRun(&env, snapshot.RunID, s.threadID, snapshot.Messages)
	log := s.log.With().Str("run_id", run.ID).Logger()
	log.Debug().Msg("Run started")

	if err := s.execute(ctx, run); err != nil {
		log.Warn().Err(err).Msg("Run failed")
		perr := env.Bus.Publish(event.RunErrorEvent{
			RunID:   run.ID,
			Code:    CodeAgentError,
			Message: err.Error(),
		})
		return event.Consumed, perr
	}

	log.Debug().Msg("Run finished")
	return event.Consumed, env.Bus.Publish(event.RunFinishedEvent{ThreadID: s.threadID, RunID: run.ID})
}

// execute runs the agent, turning a panic into an error.
func (s *Slot) execute(ctx context.Context, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("run_id", run.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Agent panicked")
			err = fmt.Errorf("agent %s panicked: %v", s.env.Name, r)
		}
	}()
	return s.agent.HandleRun(ctx, run)
}
