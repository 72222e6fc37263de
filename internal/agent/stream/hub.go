package stream

import (
	"sync"
)

// Hub is the publish-subscribe fan-out a Turn Driver writes into. Each
// subscriber gets its own bounded channel; a slow subscriber is dropped on
// overflow rather than blocking the turn, per spec.md §4.9's "a slow
// subscriber must not block the turn" guarantee. Subscribers that join
// mid-turn receive only events published from their join point forward.
type Hub struct {
	mu          sync.Mutex
	bufferSize  int
	subscribers map[int]subscriberChan
	nextID      int
}

type subscriberChan struct {
	ch      chan Event
	dropped *int64counter
}

// NewHub builds a Hub whose subscriber channels hold bufferSize events
// before a slow subscriber is dropped (its channel closed and removed).
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{bufferSize: bufferSize, subscribers: make(map[int]subscriberChan)}
}

// Subscription is a handle a caller uses to drain events and eventually
// unsubscribe.
type Subscription struct {
	id     int
	hub    *Hub
	Events <-chan Event
	// Dropped counts events this subscriber missed due to a full buffer.
	dropped *int64counter
}

type int64counter struct {
	mu sync.Mutex
	n  int64
}

func (c *int64counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

// Dropped returns how many events this subscription has missed so far.
func (s *Subscription) Dropped() int64 {
	s.dropped.mu.Lock()
	defer s.dropped.mu.Unlock()
	return s.dropped.n
}

// Subscribe registers a new subscriber and returns a Subscription whose
// Events channel yields events published from this point forward.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	entry := subscriberChan{ch: make(chan Event, h.bufferSize), dropped: &int64counter{}}
	h.subscribers[id] = entry
	return &Subscription{id: id, hub: h, Events: entry.ch, dropped: entry.dropped}
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	entry, ok := h.subscribers[sub.id]
	if ok {
		delete(h.subscribers, sub.id)
	}
	h.mu.Unlock()
	if ok {
		close(entry.ch)
	}
}

// Publish fans event out to every current subscriber. A subscriber whose
// buffer is full is dropped — its channel is closed and it is removed from
// the subscriber set, with its final Dropped() count standing as the
// diagnostic — rather than silently discarding events for it, per spec.md
// §4.9's "a slow subscriber must not block the turn". The publish call
// itself never blocks.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.subscribers {
		select {
		case entry.ch <- event:
		default:
			entry.dropped.inc()
			delete(h.subscribers, id)
			close(entry.ch)
		}
	}
}

// Close unsubscribes and closes every current subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.subscribers {
		delete(h.subscribers, id)
		close(entry.ch)
	}
}
