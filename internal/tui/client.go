// Package tui is the terminal client of the event bus. It is one UI client
// among others: it publishes input and renders ui.* events.
package tui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/stream"
)

// ExitCommand is published when the input reaches EOF.
const ExitCommand = "/exit"

// Options configures a Client.
type Options struct {
	Bus      event.PubSub
	In       io.Reader
	Renderer *Renderer
	// ClientID identifies published input. A random id is used when empty.
	ClientID string
	Log      zerolog.Logger
}

// Client reads lines from its input and renders bus events. A line typed
// while an agent waits for a dedicated prompt answers the oldest pending
// prompt instead of becoming input.
type Client struct {
	bus      event.PubSub
	in       io.Reader
	render   *Renderer
	tracker  *stream.Tracker
	clientID string
	log      zerolog.Logger

	mu      sync.Mutex
	agent   string
	pending []event.RequestPromptEvent
	subs    []*event.Subscription
}

// New creates a client. Call Start before Run.
func New(opts Options) *Client {
	id := opts.ClientID
	if id == "" {
		id = "tui-" + uuid.NewString()[:8]
	}
	return &Client{
		bus:      opts.Bus,
		in:       opts.In,
		render:   opts.Renderer,
		tracker:  stream.NewTracker(),
		clientID: id,
		log:      opts.Log.With().Str("component", "tui").Str("client_id", id).Logger(),
	}
}

// ID returns the client id stamped on published input.
func (c *Client) ID() string { return c.clientID }

// Start subscribes the client to ui.*, lifecycle and prompt events.
func (c *Client) Start() error {
	subs := []struct {
		pattern string
		h       event.Handler
	}{
		{event.PatternUI, c.onUI},
		{event.TopicAgentLifecycle, c.onLifecycle},
		{event.TopicRequestPrompt, c.onPrompt},
	}
	for _, s := range subs {
		sub, err := c.bus.Subscribe(s.pattern, s.h,
			event.WithPriority(event.PriorityObserver),
			event.WithName("tui:"+s.pattern),
		)
		if err != nil {
			c.Stop()
			return fmt.Errorf("subscribe %s: %w", s.pattern, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

// Stop removes the client's subscriptions.
func (c *Client) Stop() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		c.bus.Unsubscribe(s)
	}
}

// Run reads lines until ctx is done or the input ends. On EOF it publishes
// /exit so that the session shuts down like after a typed /exit.
func (c *Client) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		c.render.Label(c.Label())
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			c.Submit(line)
		case err := <-readErr:
			if err != nil && !errors.Is(err, io.EOF) {
				c.log.Warn().Err(err).Msg("Read input failed")
			}
			c.Submit(ExitCommand)
			return nil
		}
	}
}

// Label returns the input prompt for the current state.
func (c *Client) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		return "(answer)> "
	}
	if c.agent == "" {
		return "> "
	}
	return "(" + c.agent + ")> "
}

// Submit publishes one line, as a prompt answer if a prompt is pending.
func (c *Client) Submit(line string) {
	c.mu.Lock()
	var req *event.RequestPromptEvent
	if len(c.pending) > 0 {
		first := c.pending[0]
		req = &first
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	var err error
	if req != nil {
		err = c.bus.Publish(event.PromptResponseEvent{CorrelationID: req.CorrelationID, ResponseText: line})
	} else {
		if strings.TrimSpace(line) == "" {
			return
		}
		err = c.bus.Publish(event.AppInputEvent{InputText: line, SourceClientID: c.clientID})
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("Publish input failed")
	}
}

func (c *Client) onUI(_ context.Context, e event.Event) (event.Result, error) {
	done, err := c.tracker.Observe(e)
	if err != nil {
		c.render.Warn(err.Error())
		return event.Continue, nil
	}
	if done != nil {
		if done.Tool {
			c.render.ToolCall(done.ToolName, done.Summary)
		} else {
			c.render.Message(done.Role, done.Text)
		}
		return event.Continue, nil
	}

	switch ev := e.(type) {
	case event.RunErrorEvent:
		if ev.RunID != "" {
			c.dropPrompts()
		}
		c.render.Error(ev.Code, ev.Message, ev.Detail)
	case event.RunStartedEvent:
		c.render.Trace("run started", map[string]any{"run": ev.RunID, "agent": ev.AgentName})
	case event.RunFinishedEvent:
		c.dropPrompts()
		c.render.Trace("run finished", map[string]any{"run": ev.RunID})
	case event.StepStartedEvent:
		c.render.Trace("step", map[string]any{"name": ev.StepName})
	}
	return event.Continue, nil
}

// dropPrompts forgets prompts left unanswered by a run that ended, for
// example after a timeout or an answer from another client.
func (c *Client) dropPrompts() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

func (c *Client) onLifecycle(_ context.Context, e event.Event) (event.Result, error) {
	ev, ok := e.(event.AgentLifecycleEvent)
	if !ok {
		return event.Continue, nil
	}
	c.mu.Lock()
	switch ev.Phase {
	case event.PhaseActivating:
		c.agent = ev.AgentName
	case event.PhaseDeactivating:
		if c.agent == ev.AgentName {
			c.agent = ""
		}
	}
	c.mu.Unlock()
	c.render.Trace("agent "+string(ev.Phase), map[string]any{"agent": ev.AgentName})
	return event.Continue, nil
}

func (c *Client) onPrompt(_ context.Context, e event.Event) (event.Result, error) {
	ev, ok := e.(event.RequestPromptEvent)
	if !ok {
		return event.Continue, nil
	}
	c.mu.Lock()
	c.pending = append(c.pending, ev)
	c.mu.Unlock()
	c.render.Prompt(ev.PromptMessage, ev.IsSensitive)
	return event.Continue, nil
}
