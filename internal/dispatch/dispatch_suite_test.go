package dispatch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/stream"
)

func TestDispatchSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dispatch Suite")
}

// recorder observes everything a UI client would see.
type recorder struct {
	tracker *stream.Tracker

	mu       sync.Mutex
	events   []event.Event
	messages []string
}

func record(bus *event.Bus) *recorder {
	r := &recorder{tracker: stream.NewTracker()}
	observe := func(_ context.Context, e event.Event) (event.Result, error) {
		done, err := r.tracker.Observe(e)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
		if err == nil && done != nil && !done.Tool {
			r.messages = append(r.messages, fmt.Sprintf("%s: %s", done.Role, done.Text))
		}
		return event.Continue, nil
	}
	for _, pattern := range []string{event.PatternUI, event.TopicAgentLifecycle} {
		_, err := bus.Subscribe(pattern, observe, event.WithPriority(event.PriorityObserver))
		Expect(err).NotTo(HaveOccurred())
	}
	return r
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recorder) Errors() []event.RunErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.RunErrorEvent
	for _, e := range r.events {
		if re, ok := e.(event.RunErrorEvent); ok {
			out = append(out, re)
		}
	}
	return out
}

func (r *recorder) ErrorCodes() []string {
	var codes []string
	for _, e := range r.Errors() {
		codes = append(codes, e.Code)
	}
	return codes
}

// Lifecycle returns "phase:agent" entries in publication order.
func (r *recorder) Lifecycle() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if le, ok := e.(event.AgentLifecycleEvent); ok {
			out = append(out, string(le.Phase)+":"+le.AgentName)
		}
	}
	return out
}

func (r *recorder) RunsStarted() []event.RunStartedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.RunStartedEvent
	for _, e := range r.events {
		if rs, ok := e.(event.RunStartedEvent); ok {
			out = append(out, rs)
		}
	}
	return out
}

func (r *recorder) Count(k event.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

func (r *recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.messages = nil
	r.mu.Unlock()
}

// echoAgent replies "<name> got: <input>" and logs its hooks.
type echoAgent struct {
	name        string
	hooks       *[]string
	mu          *sync.Mutex
	activateErr error
	block       <-chan struct{}
	started     chan<- string
}

func (a *echoAgent) Activate(context.Context) error {
	a.mu.Lock()
	*a.hooks = append(*a.hooks, "activate:"+a.name)
	a.mu.Unlock()
	return a.activateErr
}

func (a *echoAgent) Deactivate(context.Context) error {
	a.mu.Lock()
	*a.hooks = append(*a.hooks, "deactivate:"+a.name)
	a.mu.Unlock()
	return nil
}

func (a *echoAgent) HandleRun(_ context.Context, run *agent.Run) error {
	if a.started != nil {
		a.started <- run.Input()
	}
	if a.block != nil {
		<-a.block
	}
	return run.Reply(fmt.Sprintf("%s got: %s", a.name, run.Input()))
}

func drain(bus *event.Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(bus.Drain(ctx)).To(Succeed())
}

func input(bus *event.Bus, text string) {
	Expect(bus.Publish(event.AppInputEvent{InputText: text, SourceClientID: "test"})).To(Succeed())
}

var nop = zerolog.Nop()
