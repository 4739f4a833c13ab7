package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pocketcmd/pocketcmd/internal/event"
)

// rememberEnded bounds how many finished ids are kept to detect double Ends.
const rememberEnded = 1024

// Completed is a message or tool call whose End has been observed.
type Completed struct {
	ID string
	// Tool is set for tool calls.
	Tool     bool
	Role     event.Role
	ToolName string
	// Text is the message text, or the concatenated arguments of a tool call.
	Text    string
	Summary string
}

type open struct {
	tool     bool
	role     event.Role
	toolName string
	text     strings.Builder
}

// Tracker reassembles streams on the consumer side and reports protocol
// violations. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	open  map[string]*open
	ended map[string]struct{}
	order []string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		open:  make(map[string]*open),
		ended: make(map[string]struct{}),
	}
}

// Observe feeds one event to the tracker. It returns the completed stream
// when e is an End event, and an error for out-of-protocol events. Events of
// other kinds are ignored.
func (t *Tracker) Observe(e event.Event) (*Completed, error) {
	switch ev := e.(type) {
	case event.TextMessageStartEvent:
		return nil, t.start(ev.MessageID, &open{role: ev.Role})
	case event.TextMessageContentEvent:
		return nil, t.append(ev.MessageID, ev.Delta)
	case event.TextMessageEndEvent:
		return t.finish(ev.MessageID, "")
	case event.ToolCallStartEvent:
		return nil, t.start(ev.ToolCallID, &open{tool: true, toolName: ev.ToolName})
	case event.ToolCallArgsEvent:
		return nil, t.append(ev.ToolCallID, ev.Delta)
	case event.ToolCallEndEvent:
		return t.finish(ev.ToolCallID, ev.ResultSummary)
	}
	return nil, nil
}

// Open returns the number of streams that started but did not end.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

func (t *Tracker) start(id string, o *open) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStart, id)
	}
	if _, ok := t.ended[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStart, id)
	}
	t.open[id] = o
	return nil
}

func (t *Tracker) append(id, delta string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.open[id]
	if !ok {
		if _, done := t.ended[id]; done {
			return fmt.Errorf("%w: content for %s", ErrEnded, id)
		}
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	o.text.WriteString(delta)
	return nil
}

func (t *Tracker) finish(id, summary string) (*Completed, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.open[id]
	if !ok {
		if _, done := t.ended[id]; done {
			return nil, fmt.Errorf("%w: %s", ErrEnded, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	delete(t.open, id)

	t.ended[id] = struct{}{}
	t.order = append(t.order, id)
	if len(t.order) > rememberEnded {
		delete(t.ended, t.order[0])
		t.order = t.order[1:]
	}

	return &Completed{
		ID:       id,
		Tool:     o.tool,
		Role:     o.role,
		ToolName: o.toolName,
		Text:     o.text.String(),
		Summary:  summary,
	}, nil
}
