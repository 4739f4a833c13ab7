package event

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a fresh event or correlation id (UUIDv4).
func NewID() string {
	return uuid.NewString()
}

// NewMessageID returns a fresh, time-ordered message id.
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}

// NewToolCallID returns a fresh, time-ordered tool call id.
func NewToolCallID() string {
	return "call_" + ulid.Make().String()
}

// NewRunID returns a fresh, time-ordered run id.
func NewRunID() string {
	return "run_" + ulid.Make().String()
}

// NewThreadID returns a fresh, time-ordered thread id.
func NewThreadID() string {
	return "thread_" + ulid.Make().String()
}
