package commands

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/agent/builtin"
	"github.com/pocketcmd/pocketcmd/internal/config"
	"github.com/pocketcmd/pocketcmd/internal/dispatch"
	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/logging"
	"github.com/pocketcmd/pocketcmd/internal/prompt"
	"github.com/pocketcmd/pocketcmd/internal/tool"
)

const (
	fetchTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// session is one running bus with its dispatcher and agents. UI clients
// attach to it.
type session struct {
	cfg     *config.Config
	bus     *event.Bus
	prompts *prompt.Requester
	agents  *agent.Registry
	core    *dispatch.Core
	log     zerolog.Logger

	// done is closed by /exit.
	done chan struct{}
}

// newSession builds the event bus, the tool and agent registries and the
// dispatch core. Start activates the default agent.
func newSession(cfg *config.Config) (*session, error) {
	log := logging.Component("session")
	s := &session{
		cfg:  cfg,
		bus:  event.NewBus(event.WithLogger(logging.Component("bus"))),
		log:  log,
		done: make(chan struct{}),
	}
	s.prompts = prompt.NewRequester(s.bus, cfg.PromptTimeoutDuration())

	tools := tool.DefaultRegistry(&http.Client{Timeout: fetchTimeout})
	s.agents = agent.NewRegistry()
	if err := s.agents.LoadFromConfig(cfg.Agents, builtin.Types(tools, nil)); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	var exitOnce sync.Once
	s.core = dispatch.New(dispatch.Options{
		Bus:          s.bus,
		Registry:     s.agents,
		Prompt:       s.prompts,
		DefaultAgent: cfg.DefaultAgent,
		Commands:     cfg.Commands,
		OnExit: func() {
			exitOnce.Do(func() { close(s.done) })
		},
		Log: logging.Logger,
	})
	return s, nil
}

// Start subscribes the prompt watcher and starts the dispatcher.
func (s *session) Start(ctx context.Context) error {
	if _, err := s.prompts.Watch(); err != nil {
		return err
	}
	if err := s.core.Start(ctx); err != nil {
		return err
	}
	s.log.Info().
		Int("agents", s.agents.Count()).
		Str("active", s.core.ActiveAgent()).
		Msg("Session started")
	return nil
}

// Done is closed when the user asks to exit.
func (s *session) Done() <-chan struct{} { return s.done }

// Close lets queued input and runs finish, stops the dispatcher and closes
// the bus.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.bus.Drain(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Drain bus")
	}
	if err := s.core.Stop(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Stop dispatcher")
	}
	if err := s.bus.Drain(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Drain bus")
	}
	if err := s.bus.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Close bus")
	}
	s.log.Info().Msg("Session closed")
}
