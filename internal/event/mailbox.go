package event

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Delivery states. A step starts waiting and is resolved exactly once.
const (
	stepWaiting int32 = iota
	stepInvoke
	stepSkip
)

// fanout is the delivery of one event instance to its matched handlers.
// Steps run strictly one after another in snapshot order.
type fanout struct {
	event     Event
	steps     []*delivery
	remaining atomic.Int32
	consumed  atomic.Bool
	done      chan struct{}
}

// delivery is the reservation of one fanout step in a subscription's
// mailbox. lane is the publisher the event came from.
type delivery struct {
	f     *fanout
	index int
	lane  uint64
	box   *mailbox
	state atomic.Int32
}

// resolve marks the step ready to be invoked or skipped and wakes its worker.
func (d *delivery) resolve(invoke bool) {
	st := stepSkip
	if invoke {
		st = stepInvoke
	}
	d.state.Store(st)
	d.box.signal()
}

func newFanout(e Event, subs []*Subscription, lane uint64) *fanout {
	f := &fanout{
		event: e,
		steps: make([]*delivery, len(subs)),
		done:  make(chan struct{}),
	}
	f.remaining.Store(int32(len(subs)))
	for i, s := range subs {
		f.steps[i] = &delivery{f: f, index: i, lane: lane, box: s.box}
	}
	if len(subs) == 0 {
		close(f.done)
	}
	return f
}

// release lets the first handler run.
func (f *fanout) release() {
	if len(f.steps) > 0 {
		f.steps[0].resolve(true)
	}
}

// advance resolves the step after index i once that step has finished.
func (f *fanout) advance(i int, invoked bool, res Result) {
	if invoked {
		switch {
		case res == Consumed:
			f.consumed.Store(true)
			for _, next := range f.steps[i+1:] {
				next.resolve(false)
			}
		case i+1 < len(f.steps):
			f.steps[i+1].resolve(true)
		}
	}
	if f.remaining.Add(-1) == 0 {
		close(f.done)
	}
}

// mailbox is an unbounded queue of deliveries for one subscription. It is
// FIFO per lane: a delivery still waiting on earlier handlers of its event
// holds back later deliveries of its own lane only.
type mailbox struct {
	mu     sync.Mutex
	queue  []*delivery
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(d *delivery) {
	m.mu.Lock()
	m.queue = append(m.queue, d)
	m.mu.Unlock()
	m.signal()
}

// close stops the mailbox from accepting work. Queued deliveries are still
// handed out by next.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// next blocks until a resolved delivery is at the head of its lane. It
// returns false once the mailbox is closed and empty.
func (m *mailbox) next() (*delivery, bool) {
	for {
		m.mu.Lock()
		if d := m.take(); d != nil {
			m.mu.Unlock()
			return d, true
		}
		if m.closed && len(m.queue) == 0 {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()
		<-m.notify
	}
}

// take removes the oldest resolved delivery that no waiting delivery of
// the same lane precedes. Callers hold m.mu.
func (m *mailbox) take() *delivery {
	var blocked map[uint64]bool
	for i, d := range m.queue {
		if blocked[d.lane] {
			continue
		}
		if d.state.Load() == stepWaiting {
			if blocked == nil {
				blocked = make(map[uint64]bool)
			}
			blocked[d.lane] = true
			continue
		}
		m.queue = slices.Delete(m.queue, i, i+1)
		return d
	}
	return nil
}

func (m *mailbox) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
