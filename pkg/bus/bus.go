// Package bus provides the in-process pub/sub backbone of the runtime.
// Events are named; each name has zero or more subscribers. Publishing
// never blocks on handler completion and handler failures are isolated.
package bus

import (
	"sync"

	"github.com/viktorstiskala/marie/pkg/logger"
)

// Handler processes one published payload. Handlers run concurrently and
// must not assume any completion ordering relative to other handlers.
type Handler func(payload interface{})

// Bus is an in-process event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string][]Handler
	supervisor *Supervisor
	closed     bool
}

// New creates a bus whose handler invocations are spawned through sup.
func New(sup *Supervisor) *Bus {
	return &Bus{
		handlers:   make(map[string][]Handler),
		supervisor: sup,
	}
}

// Subscribe registers a handler for an event name. Unknown names are legal;
// they simply have no subscribers until one is added.
func (b *Bus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Publish dispatches payload to every handler registered for event, each in
// its own supervised goroutine, in registration order at dispatch time.
// Publish returns without waiting for any handler.
func (b *Bus) Publish(event string, payload interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := b.handlers[event]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		logger.DebugCF("bus", "Event with no subscribers", map[string]interface{}{
			"event": event,
		})
		return
	}

	for _, h := range handlers {
		h := h
		b.supervisor.Go("event:"+event, func() {
			h(payload)
		})
	}
}

// SubscriberCount returns how many handlers are registered for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Close stops dispatching. Already-spawned handlers keep running; wait for
// them through the supervisor.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
