package event

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Kind is the closed variant tag of an event.
type Kind string

// Control events.
const (
	KindAppInput       Kind = "APP_INPUT"
	KindRequestPrompt  Kind = "REQUEST_PROMPT"
	KindPromptResponse Kind = "PROMPT_RESPONSE"
	KindAgentLifecycle Kind = "AGENT_LIFECYCLE"
)

// Streaming UI events.
const (
	KindRunStarted         Kind = "RUN_STARTED"
	KindRunFinished        Kind = "RUN_FINISHED"
	KindRunError           Kind = "RUN_ERROR"
	KindStepStarted        Kind = "STEP_STARTED"
	KindStepFinished       Kind = "STEP_FINISHED"
	KindTextMessageStart   Kind = "TEXT_MESSAGE_START"
	KindTextMessageContent Kind = "TEXT_MESSAGE_CONTENT"
	KindTextMessageEnd     Kind = "TEXT_MESSAGE_END"
	KindToolCallStart      Kind = "TOOL_CALL_START"
	KindToolCallArgs       Kind = "TOOL_CALL_ARGS"
	KindToolCallEnd        Kind = "TOOL_CALL_END"
	KindMessagesSnapshot   Kind = "MESSAGES_SNAPSHOT"
	KindCustom             Kind = "CUSTOM"
)

// Topics of control events. These are the Go type names of the events.
const (
	TopicAppInput       = "AppInputEvent"
	TopicRequestPrompt  = "RequestPromptEvent"
	TopicPromptResponse = "PromptResponseEvent"
	TopicAgentLifecycle = "AgentLifecycleEvent"
)

// PatternUI matches every streaming UI event.
const PatternUI = "ui.*"

// UITopic returns the derived topic of a streaming UI event kind.
func UITopic(k Kind) string {
	return "ui." + strings.ToLower(string(k))
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleDeveloper Role = "developer"
)

// Phase is an agent lifecycle transition.
type Phase string

const (
	PhaseActivating   Phase = "activating"
	PhaseDeactivating Phase = "deactivating"
)

// Event is an immutable bus record. The set of implementations is closed:
// every variant lives in this package and is known to the codec.
type Event interface {
	Kind() Kind
	Topic() string
	ID() string
	Timestamp() time.Time
}

// validator is implemented by events with payload constraints.
type validator interface {
	Validate() error
}

// Base carries the envelope fields shared by all events. Zero values are
// filled in when the event is published; the values a subscriber sees are
// the published ones.
type Base struct {
	EventID   string    `json:"-"`
	Time      time.Time `json:"-"`
	TopicName string    `json:"-"`
}

// ID returns the event id.
func (b Base) ID() string { return b.EventID }

// Timestamp returns the publication time.
func (b Base) Timestamp() time.Time { return b.Time }

func (b Base) topicOr(derived string) string {
	if b.TopicName != "" {
		return b.TopicName
	}
	return derived
}

func (b *Base) setBase(nb Base) { *b = nb }

// AppInputEvent is one submitted line of user input.
type AppInputEvent struct {
	Base
	InputText      string `json:"inputText"`
	SourceClientID string `json:"sourceClientId,omitempty"`
}

func (AppInputEvent) Kind() Kind { return KindAppInput }
func (e AppInputEvent) Topic() string { return e.topicOr(TopicAppInput) }

// RequestPromptEvent asks the UI for a dedicated single-line answer.
type RequestPromptEvent struct {
	Base
	PromptMessage string `json:"promptMessage"`
	IsSensitive   bool   `json:"isSensitive"`
	CorrelationID string `json:"correlationId"`
}

func (RequestPromptEvent) Kind() Kind { return KindRequestPrompt }
func (e RequestPromptEvent) Topic() string { return e.topicOr(TopicRequestPrompt) }

func (e RequestPromptEvent) Validate() error {
	if e.CorrelationID == "" {
		return errors.New("request prompt: empty correlation id")
	}
	return nil
}

// PromptResponseEvent answers a RequestPromptEvent with the same correlation id.
type PromptResponseEvent struct {
	Base
	CorrelationID string `json:"correlationId"`
	ResponseText  string `json:"responseText"`
}

func (PromptResponseEvent) Kind() Kind { return KindPromptResponse }
func (e PromptResponseEvent) Topic() string { return e.topicOr(TopicPromptResponse) }

func (e PromptResponseEvent) Validate() error {
	if e.CorrelationID == "" {
		return errors.New("prompt response: empty correlation id")
	}
	return nil
}

// AgentLifecycleEvent reports an agent being activated or deactivated.
type AgentLifecycleEvent struct {
	Base
	AgentName string `json:"agentName"`
	Phase     Phase  `json:"phase"`
}

func (AgentLifecycleEvent) Kind() Kind { return KindAgentLifecycle }
func (e AgentLifecycleEvent) Topic() string { return e.topicOr(TopicAgentLifecycle) }

// RunStartedEvent opens an agent run.
type RunStartedEvent struct {
	Base
	ThreadID  string `json:"threadId"`
	RunID     string `json:"runId"`
	AgentName string `json:"agentName,omitempty"`
}

func (RunStartedEvent) Kind() Kind { return KindRunStarted }
func (e RunStartedEvent) Topic() string { return e.topicOr(UITopic(KindRunStarted)) }

// RunFinishedEvent closes an agent run.
type RunFinishedEvent struct {
	Base
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
}

func (RunFinishedEvent) Kind() Kind { return KindRunFinished }
func (e RunFinishedEvent) Topic() string { return e.topicOr(UITopic(KindRunFinished)) }

// RunErrorEvent is a user-visible error. RunID is empty for errors raised
// outside of a run, such as routing errors.
type RunErrorEvent struct {
	Base
	RunID   string `json:"runId,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (RunErrorEvent) Kind() Kind { return KindRunError }
func (e RunErrorEvent) Topic() string { return e.topicOr(UITopic(KindRunError)) }

// StepStartedEvent opens a named step inside a run.
type StepStartedEvent struct {
	Base
	RunID    string `json:"runId,omitempty"`
	StepName string `json:"stepName"`
}

func (StepStartedEvent) Kind() Kind { return KindStepStarted }
func (e StepStartedEvent) Topic() string { return e.topicOr(UITopic(KindStepStarted)) }

// StepFinishedEvent closes a named step.
type StepFinishedEvent struct {
	Base
	RunID    string `json:"runId,omitempty"`
	StepName string `json:"stepName"`
}

func (StepFinishedEvent) Kind() Kind { return KindStepFinished }
func (e StepFinishedEvent) Topic() string { return e.topicOr(UITopic(KindStepFinished)) }

// TextMessageStartEvent opens a message stream.
type TextMessageStartEvent struct {
	Base
	MessageID string `json:"messageId"`
	Role      Role   `json:"role"`
}

func (TextMessageStartEvent) Kind() Kind { return KindTextMessageStart }

// Topic is extended with the role, e.g. "ui.text_message_start.user".
func (e TextMessageStartEvent) Topic() string {
	derived := UITopic(KindTextMessageStart)
	if e.Role != "" {
		derived += "." + string(e.Role)
	}
	return e.topicOr(derived)
}

func (e TextMessageStartEvent) Validate() error {
	if e.MessageID == "" {
		return errors.New("text message start: empty message id")
	}
	return nil
}

// TextMessageContentEvent carries one non-empty chunk of a message.
type TextMessageContentEvent struct {
	Base
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

func (TextMessageContentEvent) Kind() Kind { return KindTextMessageContent }
func (e TextMessageContentEvent) Topic() string { return e.topicOr(UITopic(KindTextMessageContent)) }

func (e TextMessageContentEvent) Validate() error {
	if e.MessageID == "" {
		return errors.New("text message content: empty message id")
	}
	if e.Delta == "" {
		return errors.New("text message content: empty delta")
	}
	return nil
}

// TextMessageEndEvent closes a message stream.
type TextMessageEndEvent struct {
	Base
	MessageID string `json:"messageId"`
}

func (TextMessageEndEvent) Kind() Kind { return KindTextMessageEnd }
func (e TextMessageEndEvent) Topic() string { return e.topicOr(UITopic(KindTextMessageEnd)) }

func (e TextMessageEndEvent) Validate() error {
	if e.MessageID == "" {
		return errors.New("text message end: empty message id")
	}
	return nil
}

// ToolCallStartEvent opens a tool call stream.
type ToolCallStartEvent struct {
	Base
	ToolCallID      string `json:"toolCallId"`
	ToolName        string `json:"toolCallName"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

func (ToolCallStartEvent) Kind() Kind { return KindToolCallStart }
func (e ToolCallStartEvent) Topic() string { return e.topicOr(UITopic(KindToolCallStart)) }

func (e ToolCallStartEvent) Validate() error {
	if e.ToolCallID == "" {
		return errors.New("tool call start: empty tool call id")
	}
	return nil
}

// ToolCallArgsEvent carries one non-empty chunk of serialized arguments.
type ToolCallArgsEvent struct {
	Base
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

func (ToolCallArgsEvent) Kind() Kind { return KindToolCallArgs }
func (e ToolCallArgsEvent) Topic() string { return e.topicOr(UITopic(KindToolCallArgs)) }

func (e ToolCallArgsEvent) Validate() error {
	if e.ToolCallID == "" {
		return errors.New("tool call args: empty tool call id")
	}
	if e.Delta == "" {
		return errors.New("tool call args: empty delta")
	}
	return nil
}

// ToolCallEndEvent closes a tool call stream.
type ToolCallEndEvent struct {
	Base
	ToolCallID    string `json:"toolCallId"`
	ResultSummary string `json:"resultSummary,omitempty"`
}

func (ToolCallEndEvent) Kind() Kind { return KindToolCallEnd }
func (e ToolCallEndEvent) Topic() string { return e.topicOr(UITopic(KindToolCallEnd)) }

func (e ToolCallEndEvent) Validate() error {
	if e.ToolCallID == "" {
		return errors.New("tool call end: empty tool call id")
	}
	return nil
}

// Message is one entry of a conversation snapshot.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// MessagesSnapshotEvent carries a full conversation snapshot. The dispatch
// core uses it to hand user input to the active agent.
type MessagesSnapshotEvent struct {
	Base
	RunID    string    `json:"runId,omitempty"`
	Messages []Message `json:"messages"`
}

func (MessagesSnapshotEvent) Kind() Kind { return KindMessagesSnapshot }
func (e MessagesSnapshotEvent) Topic() string { return e.topicOr(UITopic(KindMessagesSnapshot)) }

// LastUserText returns the content of the last user message, or "".
func (e MessagesSnapshotEvent) LastUserText() string {
	for i := len(e.Messages) - 1; i >= 0; i-- {
		if e.Messages[i].Role == RoleUser {
			return e.Messages[i].Content
		}
	}
	return ""
}

// CustomEvent is an application-defined extension event.
type CustomEvent struct {
	Base
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (CustomEvent) Kind() Kind { return KindCustom }
func (e CustomEvent) Topic() string { return e.topicOr(UITopic(KindCustom)) }
