// Package stream frames text messages and tool calls as Start, Content*/Args*,
// End event sequences, and tracks such sequences on the consuming side.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pocketcmd/pocketcmd/internal/event"
)

var (
	// ErrEnded is returned when writing to or ending a stream that already ended.
	ErrEnded = errors.New("stream already ended")
	// ErrUnknownStream is returned for Content/Args/End events without a Start.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrDuplicateStart is returned for a second Start with the same id.
	ErrDuplicateStart = errors.New("stream already started")
)

// Message publishes one text message. The Start event is published by
// StartMessage; every non-empty Write becomes one Content event.
type Message struct {
	pub  event.Publisher
	id   string
	role event.Role

	mu    sync.Mutex
	ended bool
}

// StartMessage publishes a TextMessageStartEvent and returns the open message.
func StartMessage(pub event.Publisher, role event.Role) (*Message, error) {
	m := &Message{pub: pub, id: event.NewMessageID(), role: role}
	if err := pub.Publish(event.TextMessageStartEvent{MessageID: m.id, Role: role}); err != nil {
		return nil, fmt.Errorf("start message: %w", err)
	}
	return m, nil
}

// ID returns the message id.
func (m *Message) ID() string { return m.id }

// Role returns the message role.
func (m *Message) Role() event.Role { return m.role }

// Write publishes p as one content delta. Empty writes publish nothing.
func (m *Message) Write(p []byte) (int, error) {
	if err := m.WriteDelta(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteDelta publishes delta as one content event.
func (m *Message) WriteDelta(delta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return ErrEnded
	}
	if delta == "" {
		return nil
	}
	return m.pub.Publish(event.TextMessageContentEvent{MessageID: m.id, Delta: delta})
}

// End publishes the TextMessageEndEvent. A second call returns ErrEnded.
func (m *Message) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return ErrEnded
	}
	m.ended = true
	return m.pub.Publish(event.TextMessageEndEvent{MessageID: m.id})
}

// SendText publishes a complete message with one content event per line,
// blank lines included, and returns the message id.
func SendText(pub event.Publisher, role event.Role, text string) (string, error) {
	m, err := StartMessage(pub, role)
	if err != nil {
		return "", err
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		if err := m.WriteDelta(line); err != nil {
			return m.id, err
		}
	}
	return m.id, m.End()
}

// ToolCall publishes one tool call.
type ToolCall struct {
	pub  event.Publisher
	id   string
	name string

	mu    sync.Mutex
	ended bool
}

// StartToolCall publishes a ToolCallStartEvent and returns the open call.
func StartToolCall(pub event.Publisher, name, parentMessageID string) (*ToolCall, error) {
	c := &ToolCall{pub: pub, id: event.NewToolCallID(), name: name}
	err := pub.Publish(event.ToolCallStartEvent{
		ToolCallID:      c.id,
		ToolName:        name,
		ParentMessageID: parentMessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("start tool call: %w", err)
	}
	return c, nil
}

// ID returns the tool call id.
func (c *ToolCall) ID() string { return c.id }

// Name returns the tool name.
func (c *ToolCall) Name() string { return c.name }

// Args publishes one chunk of serialized arguments. Empty chunks publish nothing.
func (c *ToolCall) Args(delta string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return ErrEnded
	}
	if delta == "" {
		return nil
	}
	return c.pub.Publish(event.ToolCallArgsEvent{ToolCallID: c.id, Delta: delta})
}

// End publishes the ToolCallEndEvent. A second call returns ErrEnded.
func (c *ToolCall) End(summary string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return ErrEnded
	}
	c.ended = true
	return c.pub.Publish(event.ToolCallEndEvent{ToolCallID: c.id, ResultSummary: summary})
}
