package events

import (
	"sync"

	"github.com/seantiz/flextest/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans run events out to subscribers keyed by run ID. It is safe for
// concurrent use and implements Sink.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

var _ Sink = (*Broker)(nil)

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Open registers a topic for runID so that Publish delivers to subscribers
// that arrive before the first event. Opening an existing topic is a no-op.
func (b *Broker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[runID]; !ok {
		b.topics[runID] = &topic{subs: make(map[int]chan model.Event)}
	}
}

// Subscribe returns a channel that receives events for the given run and an
// unsubscribe function. If the run has already finished (Close was called),
// the returned channel is immediately closed.
func (b *Broker) Subscribe(runID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Event)}
		b.topics[runID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Emit publishes ev to the subscribers of ev.RunID.
func (b *Broker) Emit(ev model.Event) {
	b.Publish(ev.RunID, ev)
}

// Publish sends an event to all subscribers of the given run.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(runID string, ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers so the run is never blocked.
		}
	}
}

// Close signals that no more events will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		b.topics[runID] = &topic{subs: make(map[int]chan model.Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
