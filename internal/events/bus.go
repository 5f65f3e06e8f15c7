package events

import (
	"sync"

	"github.com/agentmux-dev/agentmux/internal/logger"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, in subscription order; a panicking handler is
// isolated and does not affect siblings or the publisher.
type Handler func(Event)

// Bus is a process-local pub/sub for Event values.
//
// Ordering: for a given subscriber, events arrive in publish order. The
// subscriber list is safe under concurrent Subscribe/Unsubscribe/Publish.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	entries []busEntry
}

type busEntry struct {
	id      int
	handler Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler and returns a function that removes it.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.entries = append(b.entries, busEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.entries {
			if e.id == id {
				b.entries = append(b.entries[:i], b.entries[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every current subscriber in subscription
// order. Handler panics are logged and discarded.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	entries := make([]busEntry, len(b.entries))
	copy(entries, b.entries)
	b.mu.RUnlock()

	for _, e := range entries {
		b.invoke(e.handler, event)
	}
}

func (b *Bus) invoke(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Bus().Error().
				Str("event", string(event.Type)).
				Interface("panic", r).
				Msg("Subscriber panicked")
		}
	}()
	h(event)
}

// SubscriberCount returns the number of registered handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
