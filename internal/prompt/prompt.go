// Package prompt implements dedicated prompts: a request for one line of
// user input correlated with its answer over the event bus.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/logging"
)

// ErrTimeout is returned by Ask when no answer arrived in time.
var ErrTimeout = errors.New("prompt timed out")

// Requester publishes RequestPromptEvents and waits for the matching
// PromptResponseEvent.
type Requester struct {
	bus     event.PubSub
	timeout time.Duration
	waiting atomic.Int32
	log     zerolog.Logger
}

// NewRequester returns a requester. A zero timeout waits until the caller's
// context is done.
func NewRequester(bus event.PubSub, timeout time.Duration) *Requester {
	return &Requester{
		bus:     bus,
		timeout: timeout,
		log:     logging.Component("prompt"),
	}
}

type askOptions struct {
	sensitive bool
	timeout   time.Duration
}

// AskOption configures a single Ask.
type AskOption func(*askOptions)

// Sensitive marks the prompt so the UI does not echo or log the answer.
func Sensitive() AskOption {
	return func(o *askOptions) { o.sensitive = true }
}

// WithTimeout overrides the requester's default timeout.
func WithTimeout(d time.Duration) AskOption {
	return func(o *askOptions) { o.timeout = d }
}

// Ask publishes a prompt and returns the first answer carrying its
// correlation id. Later answers with the same id are ignored.
func (r *Requester) Ask(ctx context.Context, message string, opts ...AskOption) (string, error) {
	o := askOptions{timeout: r.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.timeout, ErrTimeout)
		defer cancel()
	}

	correlationID := event.NewID()
	answer := make(chan string, 1)

	var (
		once sync.Once
		self atomic.Pointer[event.Subscription]
	)
	handler := func(_ context.Context, e event.Event) (event.Result, error) {
		resp, ok := e.(event.PromptResponseEvent)
		if !ok {
			return event.Continue, nil
		}
		first := false
		once.Do(func() {
			first = true
			answer <- resp.ResponseText
		})
		if !first {
			return event.Continue, nil
		}
		r.bus.Unsubscribe(self.Load())
		return event.Consumed, nil
	}

	sub, err := r.bus.Subscribe(event.TopicPromptResponse, handler,
		event.WithPriority(event.PriorityFirst),
		event.WithName("prompt:"+correlationID),
		event.WithFilter(func(e event.Event) bool {
			resp, ok := e.(event.PromptResponseEvent)
			return ok && resp.CorrelationID == correlationID
		}),
	)
	if err != nil {
		return "", fmt.Errorf("subscribe prompt response: %w", err)
	}
	self.Store(sub)
	defer r.bus.Unsubscribe(sub)

	r.waiting.Add(1)
	defer r.waiting.Add(-1)

	// Published on the caller's lane when Ask runs inside a handler.
	err = event.Bind(ctx, r.bus).Publish(event.RequestPromptEvent{
		PromptMessage: message,
		IsSensitive:   o.sensitive,
		CorrelationID: correlationID,
	})
	if err != nil {
		return "", fmt.Errorf("publish prompt request: %w", err)
	}

	r.log.Debug().Str("correlation_id", correlationID).Bool("sensitive", o.sensitive).Msg("Waiting for prompt response")

	select {
	case text := <-answer:
		return text, nil
	case <-ctx.Done():
		if cause := context.Cause(ctx); errors.Is(cause, ErrTimeout) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}

// Waiting returns the number of Ask calls currently waiting for an answer.
func (r *Requester) Waiting() int {
	return int(r.waiting.Load())
}

// Watch subscribes an observer that logs prompt responses nobody consumed.
func (r *Requester) Watch() (*event.Subscription, error) {
	return r.bus.Subscribe(event.TopicPromptResponse, func(_ context.Context, e event.Event) (event.Result, error) {
		if resp, ok := e.(event.PromptResponseEvent); ok {
			r.log.Debug().Str("correlation_id", resp.CorrelationID).Msg("Prompt response without a waiter")
		}
		return event.Continue, nil
	}, event.WithPriority(event.PriorityObserver), event.WithName("prompt:unclaimed"))
}
