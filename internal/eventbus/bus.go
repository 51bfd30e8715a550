// Package eventbus routes plugin:{id}:{action} and system:{action} events
// to subscribed plugins, generalizing the teacher's SSEBroker (bounded,
// non-blocking fan-out) beyond HTTP/SSE into an in-process pub/sub used by
// both the emit() capability and the core's own lifecycle/health events.
package eventbus

import (
	"sync"
)

// Event is one routed message. Topic is either "plugin:{id}:{action}" or
// "system:{action}"; Data is the JSON-serializable payload.
type Event struct {
	Topic    string
	PluginID string // source plugin, "" for system events
	Data     any
}

const subscriberChannelDepth = 32

// Bus is the bounded-fan-out event router (§4.7). Slow subscribers have
// their oldest buffered event dropped rather than blocking the publisher,
// exactly as the teacher's SSEBroker never lets a client slow the producer
// down — generalized here from one outbound channel type to any topic.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]string // channel -> topic filter ("" = all)
	dropped     map[chan Event]*int64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan Event]string),
		dropped:     make(map[chan Event]*int64),
	}
}

// Subscribe registers a new listener filtered to topicFilter ("" receives
// everything) and returns its receive channel plus an unsubscribe func.
func (b *Bus) Subscribe(topicFilter string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberChannelDepth)
	var n int64

	b.mu.Lock()
	b.subscribers[ch] = topicFilter
	b.dropped[ch] = &n
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			delete(b.dropped, ch)
			close(ch)
		}
	}
	return ch, unsub
}

// Publish fans event out to every matching subscriber without blocking: a
// full subscriber channel has its oldest pending event dropped to make room,
// and a diagnostic drop counter is incremented. The caller must never hold
// an internal lock while calling Publish (§5's lock-then-emit rule) — this
// bus only takes its own lock internally and releases it before returning.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != "" && filter != event.Topic {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop the oldest buffered event to make room, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
			if n := b.dropped[ch]; n != nil {
				*n++
			}
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
