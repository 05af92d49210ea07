package main

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is how many mutations a slow SSE client may fall behind
// before new ones are dropped for it
const subscriberBuffer = 16

// Bus fans mutations out to SSE subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and can resync with a full refresh.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]chan Mutation
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Mutation)}
}

// Subscribe registers a subscriber under id. Call Unsubscribe when done.
// After Close the returned channel is already closed.
func (b *Bus) Subscribe(id string) <-chan Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Mutation, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[id] = ch
	sseSubscribers.Set(float64(len(b.subs)))
	return ch
}

// Unsubscribe removes the subscriber and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	sseSubscribers.Set(float64(len(b.subs)))
}

// Close ends every subscription by closing its channel. The server calls it
// on shutdown: an open change feed otherwise keeps its request running, and
// http.Server.Shutdown waits for running requests until its deadline.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	sseSubscribers.Set(0)
}

func (b *Bus) Publish(m Mutation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- m:
		default:
			sseDroppedTotal.Inc()
			slog.Debug("dropping mutation for lagging subscriber", "subscriber", id, "id", m.ID)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
