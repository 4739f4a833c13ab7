package event

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/pocketcmd/pocketcmd/internal/logging"
)

var (
	// ErrClosed is returned when using a bus after Close.
	ErrClosed = errors.New("event bus closed")
	// ErrInvalidEvent is returned by Publish for events violating their payload constraints.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidPattern is returned by Subscribe for malformed patterns.
	ErrInvalidPattern = errors.New("invalid topic pattern")
	// ErrUnknownKind is returned for events the codec does not know.
	ErrUnknownKind = errors.New("unknown event kind")

	errPending = errors.New("deliveries pending")
)

// intakeTopic is the single watermill topic every event travels through.
const intakeTopic = "pocketcmd.events"

// Handler priorities. Lower values run first.
const (
	PriorityFirst    = -1 << 20
	PriorityDefault  = 0
	PriorityObserver = 1 << 20
)

// Result tells the bus whether later handlers may see the event.
type Result int

const (
	// Continue passes the event on to the next matching handler.
	Continue Result = iota
	// Consumed stops delivery of this event instance to later handlers.
	Consumed
)

func (r Result) String() string {
	if r == Consumed {
		return "consumed"
	}
	return "continue"
}

// Handler handles one event. A returned error is logged and treated as Continue.
type Handler func(ctx context.Context, e Event) (Result, error)

// Publisher publishes events.
type Publisher interface {
	Publish(e Event) error
}

// ContextPublisher publishes on behalf of the handler whose context is ctx.
type ContextPublisher interface {
	PublishContext(ctx context.Context, e Event) error
}

// Subscriber manages subscriptions.
type Subscriber interface {
	Subscribe(pattern string, h Handler, opts ...SubscribeOption) (*Subscription, error)
	Unsubscribe(sub *Subscription) bool
}

// PubSub is the full bus surface used by components.
type PubSub interface {
	Publisher
	Subscriber
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id       uint64
	pattern  string
	priority int
	name     string
	filter   func(Event) bool
	handler  Handler
	box      *mailbox
}

// ID returns the subscription sequence number.
func (s *Subscription) ID() uint64 { return s.id }

// Pattern returns the subscribed topic pattern.
func (s *Subscription) Pattern() string { return s.pattern }

// Priority returns the handler priority.
func (s *Subscription) Priority() int { return s.priority }

// Name returns the name used for logging.
func (s *Subscription) Name() string { return s.name }

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithPriority sets the handler priority. Lower values run first.
func WithPriority(p int) SubscribeOption {
	return func(s *Subscription) { s.priority = p }
}

// WithName sets the handler name reported in logs.
func WithName(name string) SubscribeOption {
	return func(s *Subscription) { s.name = name }
}

// WithFilter restricts the subscription to events for which fn returns true.
// The filter runs on the bus intake goroutine and must not block.
func WithFilter(fn func(Event) bool) SubscribeOption {
	return func(s *Subscription) { s.filter = fn }
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(log zerolog.Logger) BusOption {
	return func(b *Bus) { b.log = log }
}

// WithIntakeBuffer sets the size of the watermill output channel.
func WithIntakeBuffer(n int64) BusOption {
	return func(b *Bus) { b.intakeBuffer = n }
}

// Bus is an in-process publish/subscribe bus with glob topic patterns,
// priority-ordered sequential delivery and consume semantics.
//
// Events travel through a watermill gochannel that blocks publishers until
// the intake goroutine has scheduled the event. Scheduling reserves a slot
// in the mailbox of every matching subscription. Every subscription has its
// own worker.
//
// Each event belongs to the lane of its publisher: events published with
// PublishContext from inside a handler belong to that handler's
// subscription, and everything else to one external lane. A handler sees
// the events of one lane in publish order. An event still waiting on a
// suspended earlier handler holds back only later events of its own lane,
// so a handler blocked on an answer never starves the observers that must
// deliver its question.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription

	pubsub       *gochannel.GoChannel
	intakeBuffer int64
	intakeDone   chan struct{}

	nextID  atomic.Uint64
	pending atomic.Int64
	waiters sync.Map // event id -> chan *fanout
	workers sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once

	log zerolog.Logger
}

// NewBus creates a bus and starts its intake goroutine.
func NewBus(opts ...BusOption) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:         make(map[string][]*Subscription),
		intakeBuffer: 64,
		intakeDone:   make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		log:          logging.Component("event"),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.pubsub = gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            b.intakeBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		},
		newWatermillLogger(b.log),
	)

	msgs, err := b.pubsub.Subscribe(ctx, intakeTopic)
	if err != nil {
		// Only possible on a closed gochannel.
		b.log.Error().Err(err).Msg("Failed to start event intake")
		b.closed.Store(true)
		close(b.intakeDone)
		return b
	}
	go b.intake(msgs)
	return b
}

// Subscribe registers h for every topic matching pattern.
func (b *Bus) Subscribe(pattern string, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("subscribe: nil handler")
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	s := &Subscription{
		id:      b.nextID.Add(1),
		pattern: pattern,
		handler: h,
		box:     newMailbox(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = fmt.Sprintf("%s#%d", pattern, s.id)
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	// Keep each pattern's list sorted by priority, FIFO within equal priority.
	list := b.subs[pattern]
	at, _ := slices.BinarySearchFunc(list, s, compareSubscriptions)
	b.subs[pattern] = slices.Insert(list, at, s)
	b.workers.Add(1)
	b.mu.Unlock()

	go b.work(s)
	return s, nil
}

// Unsubscribe removes a subscription. It reports whether the subscription
// was registered. Deliveries already scheduled for it still run.
func (b *Bus) Unsubscribe(s *Subscription) bool {
	if s == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.pattern]
	i := slices.Index(list, s)
	if i < 0 {
		return false
	}
	if len(list) == 1 {
		delete(b.subs, s.pattern)
	} else {
		b.subs[s.pattern] = slices.Delete(slices.Clone(list), i, i+1)
	}
	s.box.close()
	return true
}

// Subscriptions returns the number of live subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	return n
}

// Publish schedules delivery of e to every matching handler. It returns once
// the event is queued in the handlers' mailboxes, without waiting for them.
func (b *Bus) Publish(e Event) error {
	return b.publish(e, 0, nil)
}

// PublishContext is Publish for code running inside a handler: ctx is the
// context the bus handed that handler, and e joins the handler's lane.
// Any other ctx publishes on the external lane.
func (b *Bus) PublishContext(ctx context.Context, e Event) error {
	return b.publish(e, laneOf(ctx), nil)
}

// PublishSync publishes e and waits until every matched handler has run or
// been skipped. It reports whether a handler consumed the event.
//
// Calling PublishSync from a handler that itself matches e deadlocks.
func (b *Bus) PublishSync(ctx context.Context, e Event) (bool, error) {
	wait := make(chan *fanout, 1)
	if err := b.publish(e, laneOf(ctx), wait); err != nil {
		return false, err
	}

	var f *fanout
	select {
	case f = <-wait:
	default:
		// Intake acked without scheduling, which only happens on shutdown.
		return false, ErrClosed
	}

	select {
	case <-f.done:
		return f.consumed.Load(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (b *Bus) publish(e Event, lane uint64, wait chan *fanout) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if v, ok := e.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}

	id := e.ID()
	if id == "" {
		id = NewID()
	}
	ts := e.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
	}

	msg, err := encode(e, id, ts)
	if err != nil {
		return err
	}
	if lane != 0 {
		msg.Metadata.Set(metadataLane, strconv.FormatUint(lane, 10))
	}

	if wait != nil {
		b.waiters.Store(id, wait)
		defer b.waiters.Delete(id)
	}

	if err := b.pubsub.Publish(intakeTopic, msg); err != nil {
		if b.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", e.Kind(), err)
	}
	return nil
}

// intake decodes events in publish order and schedules their fan-out.
func (b *Bus) intake(msgs <-chan *message.Message) {
	defer close(b.intakeDone)
	for msg := range msgs {
		b.route(msg)
		msg.Ack()
	}
}

func (b *Bus) route(msg *message.Message) {
	e, err := decode(msg)
	if err != nil {
		b.log.Error().Err(err).Str("event_id", msg.UUID).Msg("Dropping undecodable event")
		return
	}

	var lane uint64
	if v := msg.Metadata.Get(metadataLane); v != "" {
		lane, _ = strconv.ParseUint(v, 10, 64)
	}

	f := b.schedule(e, lane)
	if w, ok := b.waiters.Load(msg.UUID); ok {
		select {
		case w.(chan *fanout) <- f:
		default:
		}
	}
}

// schedule snapshots the matching subscriptions and reserves a delivery in
// each of their mailboxes.
func (b *Bus) schedule(e Event, lane uint64) *fanout {
	topic := e.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []*Subscription
	for pattern, list := range b.subs {
		if !Match(pattern, topic) {
			continue
		}
		for _, s := range list {
			if s.filter != nil && !b.accepts(s, e) {
				continue
			}
			matched = append(matched, s)
		}
	}
	slices.SortFunc(matched, compareSubscriptions)

	f := newFanout(e, matched, lane)
	b.pending.Add(int64(len(matched)))
	for i, s := range matched {
		s.box.push(f.steps[i])
	}
	f.release()

	if len(matched) == 0 {
		b.log.Trace().Str("topic", topic).Str("kind", string(e.Kind())).Msg("No subscribers")
	}
	return f
}

func (b *Bus) accepts(s *Subscription, e Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("pattern", s.pattern).
				Str("subscription", s.name).
				Interface("panic", r).
				Msg("Subscription filter panicked")
			ok = false
		}
	}()
	return s.filter(e)
}

// work runs the deliveries of one subscription, one at a time.
func (b *Bus) work(s *Subscription) {
	defer b.workers.Done()
	ctx := context.WithValue(b.ctx, laneKey{}, s.id)
	for {
		d, ok := s.box.next()
		if !ok {
			return
		}
		invoke := d.state.Load() == stepInvoke
		res := Continue
		if invoke {
			res = b.invoke(ctx, s, d.f.event)
		}
		d.f.advance(d.index, invoke, res)
		b.pending.Add(-1)
	}
}

// invoke calls the handler, converting errors and panics into Continue.
func (b *Bus) invoke(ctx context.Context, s *Subscription, e Event) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("pattern", s.pattern).
				Str("subscription", s.name).
				Str("topic", e.Topic()).
				Str("event_id", e.ID()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Event handler panicked")
			res = Continue
		}
	}()

	res, err := s.handler(ctx, e)
	if err != nil {
		b.log.Error().
			Err(err).
			Str("pattern", s.pattern).
			Str("subscription", s.name).
			Str("topic", e.Topic()).
			Str("event_id", e.ID()).
			Msg("Event handler failed")
		return Continue
	}
	return res
}

// Pending returns the number of scheduled deliveries that have not finished.
func (b *Bus) Pending() int64 {
	return b.pending.Load()
}

// Drain waits until no scheduled delivery remains or ctx is done.
func (b *Bus) Drain(ctx context.Context) error {
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = time.Millisecond
	poll.MaxInterval = 50 * time.Millisecond
	poll.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		if b.pending.Load() > 0 {
			return errPending
		}
		return nil
	}, backoff.WithContext(poll, ctx))
}

// Close stops accepting events, flushes pending deliveries until ctx is
// done and stops all workers. Handlers observe cancellation of their
// context once Close returns.
func (b *Bus) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if err = b.Drain(ctx); err != nil {
			b.log.Warn().Int64("pending", b.pending.Load()).Msg("Closing event bus with pending deliveries")
		}

		if cerr := b.pubsub.Close(); cerr != nil {
			b.log.Debug().Err(cerr).Msg("Closing watermill gochannel")
		}
		<-b.intakeDone

		b.mu.Lock()
		for _, list := range b.subs {
			for _, s := range list {
				s.box.close()
			}
		}
		b.subs = make(map[string][]*Subscription)
		b.mu.Unlock()

		b.cancel()
		if err == nil {
			b.workers.Wait()
		}
	})
	return err
}

func compareSubscriptions(a, b *Subscription) int {
	if c := cmp.Compare(a.priority, b.priority); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// laneKey carries the id of the subscription whose handler runs in a context.
type laneKey struct{}

func laneOf(ctx context.Context) uint64 {
	if ctx == nil {
		return 0
	}
	id, _ := ctx.Value(laneKey{}).(uint64)
	return id
}

// Bind returns ps with Publish routed through PublishContext(ctx, e), so
// helpers that only take a Publisher publish on the lane of the handler
// running in ctx. ps is returned as is when it has no PublishContext.
func Bind(ctx context.Context, ps PubSub) PubSub {
	cp, ok := ps.(ContextPublisher)
	if !ok {
		return ps
	}
	return boundPubSub{PubSub: ps, cp: cp, ctx: ctx}
}

type boundPubSub struct {
	PubSub
	cp  ContextPublisher
	ctx context.Context
}

func (p boundPubSub) Publish(e Event) error { return p.cp.PublishContext(p.ctx, e) }

func (p boundPubSub) PublishContext(ctx context.Context, e Event) error {
	return p.cp.PublishContext(ctx, e)
}
