package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Watermill metadata keys of the wire envelope.
const (
	metadataKind  = "kind"
	metadataTopic = "topic"
	metadataTime  = "timestamp"
	metadataLane  = "lane"
)

type decodeFunc func(payload []byte, b Base) (Event, error)

var decoders = map[Kind]decodeFunc{
	KindAppInput:           decodeAs[AppInputEvent],
	KindRequestPrompt:      decodeAs[RequestPromptEvent],
	KindPromptResponse:     decodeAs[PromptResponseEvent],
	KindAgentLifecycle:     decodeAs[AgentLifecycleEvent],
	KindRunStarted:         decodeAs[RunStartedEvent],
	KindRunFinished:        decodeAs[RunFinishedEvent],
	KindRunError:           decodeAs[RunErrorEvent],
	KindStepStarted:        decodeAs[StepStartedEvent],
	KindStepFinished:       decodeAs[StepFinishedEvent],
	KindTextMessageStart:   decodeAs[TextMessageStartEvent],
	KindTextMessageContent: decodeAs[TextMessageContentEvent],
	KindTextMessageEnd:     decodeAs[TextMessageEndEvent],
	KindToolCallStart:      decodeAs[ToolCallStartEvent],
	KindToolCallArgs:       decodeAs[ToolCallArgsEvent],
	KindToolCallEnd:        decodeAs[ToolCallEndEvent],
	KindMessagesSnapshot:   decodeAs[MessagesSnapshotEvent],
	KindCustom:             decodeAs[CustomEvent],
}

func decodeAs[T Event](payload []byte, b Base) (Event, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	any(&v).(interface{ setBase(Base) }).setBase(b)
	return v, nil
}

// encode turns an event into a watermill message. The resolved topic is
// stamped into the metadata so it cannot change after publication.
func encode(e Event, id string, ts time.Time) (*message.Message, error) {
	if _, ok := decoders[e.Kind()]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind())
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}

	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(metadataKind, string(e.Kind()))
	msg.Metadata.Set(metadataTopic, e.Topic())
	msg.Metadata.Set(metadataTime, ts.UTC().Format(time.RFC3339Nano))
	return msg, nil
}

func decode(msg *message.Message) (Event, error) {
	kind := Kind(msg.Metadata.Get(metadataKind))
	dec, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(metadataTime))
	if err != nil {
		return nil, fmt.Errorf("decode %s timestamp: %w", kind, err)
	}
	e, err := dec(msg.Payload, Base{
		EventID:   msg.UUID,
		Time:      ts,
		TopicName: msg.Metadata.Get(metadataTopic),
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return e, nil
}

// Envelope is the JSON form of a published event used by external clients.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Marshal returns the envelope JSON of a published event.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{
		ID:        e.ID(),
		Kind:      e.Kind(),
		Topic:     e.Topic(),
		Timestamp: e.Timestamp(),
		Data:      data,
	})
}

// Unmarshal parses envelope JSON produced by Marshal.
func Unmarshal(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	dec, ok := decoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return dec(env.Data, Base{EventID: env.ID, Time: env.Timestamp, TopicName: env.Topic})
}
