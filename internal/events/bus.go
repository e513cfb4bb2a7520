package events

import (
	"sync"
	"sync/atomic"
)

// Publisher is the write side of the bus. The runner, monitor, queue and
// breaker registry only ever publish, so they depend on this alone.
type Publisher interface {
	Publish(topic string, event Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, Event) {}

// anyTopic keys the subscribers that want every topic.
const anyTopic = "*"

const defaultBuffer = 256

// EventBus fans engine events out to the dashboard and other in-process
// watchers. Delivery never blocks the engine: a subscriber whose buffer is
// full misses the event and the miss is counted.
type EventBus struct {
	mu      sync.RWMutex
	byTopic map[string][]chan Event
	closed  bool
	dropped atomic.Int64
}

// NewEventBus returns an open bus.
func NewEventBus() *EventBus {
	return &EventBus{byTopic: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events published on topic. A
// non-positive size uses the default buffer.
func (b *EventBus) Subscribe(topic string, size int) <-chan Event {
	return b.attach(topic, size)
}

// SubscribeAll returns a channel receiving every published event, the way
// the dashboard watches task, request, breaker and queue topics at once.
func (b *EventBus) SubscribeAll(size int) <-chan Event {
	return b.attach(anyTopic, size)
}

func (b *EventBus) attach(topic string, size int) <-chan Event {
	if size <= 0 {
		size = defaultBuffer
	}
	ch := make(chan Event, size)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Late subscribers see a drained bus
		close(ch)
		return ch
	}
	b.byTopic[topic] = append(b.byTopic[topic], ch)
	return ch
}

// Publish delivers event to the topic's subscribers and the catch-all ones.
// Publishing after Close is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.deliver(b.byTopic[topic], event)
	if topic != anyTopic {
		b.deliver(b.byTopic[anyTopic], event)
	}
}

func (b *EventBus) deliver(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports deliveries missed by full subscribers since the bus opened.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription. Calling it again does nothing.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.byTopic {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.byTopic, topic)
	}
}
