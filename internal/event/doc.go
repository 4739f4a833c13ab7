/*
Package event provides the typed event model and the in-process pub/sub bus
that connects UI clients, the dispatch core and agents.

# Event Types

Events are a closed set of structs, one per Kind. Control events use their Go
type name as topic; streaming UI events derive "ui.<kind>".

Control Events:
  - AppInputEvent: one submitted line of user input
  - RequestPromptEvent: request for a dedicated single-line answer
  - PromptResponseEvent: answer correlated by CorrelationID
  - AgentLifecycleEvent: agent activating / deactivating

Run Events:
  - ui.run_started, ui.run_finished, ui.run_error
  - ui.step_started, ui.step_finished

Message Events:
  - ui.text_message_start.<role>: opens a message stream
  - ui.text_message_content: non-empty delta
  - ui.text_message_end: closes a message stream

Tool Call Events:
  - ui.tool_call_start, ui.tool_call_args, ui.tool_call_end

Snapshot Events:
  - ui.messages_snapshot: full conversation; also used to hand input to an agent
  - ui.custom: application-defined

A publisher may set Base.TopicName to publish on an explicit topic. Empty
ids and timestamps are filled in on publish.

# Topic Patterns

Subscriptions use glob patterns matched against the whole topic:

	"ui.*"                    every UI event
	"ui.text_message_*"       message stream events of any role
	"ui.tool_call_{start,end}" tool call boundaries
	"agent.?ain.run"          single character wildcard

'*' crosses dots. A pattern without wildcards matches only itself.

# Delivery

For every published event the bus takes a snapshot of the matching
subscriptions ordered by priority (lower first) and subscription order.
Handlers for one event run one after another; a handler returning Consumed
ends delivery of that event instance. Errors and panics are logged and
count as Continue.

	sub, err := bus.Subscribe("ui.*", func(ctx context.Context, e event.Event) (event.Result, error) {
		switch ev := e.(type) {
		case event.TextMessageContentEvent:
			fmt.Print(ev.Delta)
		}
		return event.Continue, nil
	}, event.WithPriority(event.PriorityObserver))
	if err != nil {
		return err
	}
	defer bus.Unsubscribe(sub)

	err = bus.Publish(event.AppInputEvent{InputText: "/help"})

Each subscription has its own worker and FIFO mailbox, so events published
by one goroutine reach every handler in publish order, and different events
are handled concurrently. Mailboxes are unbounded; Publish never drops an
event and only blocks while the event is being scheduled.

# Handler Guidelines

A handler may block (for example on an LLM call or a prompt answer); doing
so delays its own later events and the lower priority handlers of the
current event. A handler that waits for a later event must make sure the
awaited responder runs before any handler sharing its mailbox; prompt
waiters therefore subscribe with PriorityFirst and observers with
PriorityObserver. Never call PublishSync for an event your own handler
matches.

# Transport

Events are JSON-encoded into watermill messages (kind, topic and timestamp in
metadata) and pass through a gochannel configured to block publishers until
the intake has acknowledged them. The watermill message boundary is the seam
for a future network transport.
*/
package event
