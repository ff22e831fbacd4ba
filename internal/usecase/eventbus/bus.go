// Package eventbus carries relay lifecycle events (message sent,
// approved, expired; agent seen; bridge presence) between subsystems
// that must not call each other directly. The mailbox publishes, the
// Flight Recorder and future observers subscribe.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"quackrelay/internal/domain"
)

// wildcard is the internal registry key for SubscribeAll handlers.
const wildcard domain.EventType = "*"

// Bus is an in-process publish/subscribe fan-out. Handlers run on
// their own goroutines so a slow Flight Recorder write can never stall
// a mailbox mutation; Close waits for all of them before returning.
type Bus struct {
	mu       sync.Mutex
	handlers map[domain.EventType]map[uint64]domain.EventHandler
	seq      uint64
	closed   bool

	inflight sync.WaitGroup
	logger   *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[domain.EventType]map[uint64]domain.EventHandler),
		logger:   logger,
	}
}

// Publish delivers event to every handler subscribed to its type and to
// every SubscribeAll handler. Delivery is asynchronous; publish order
// is not preserved across handlers. A handler that panics is logged and
// does not take the bus down with it.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]domain.EventHandler, 0, len(b.handlers[event.Type])+len(b.handlers[wildcard]))
	for _, h := range b.handlers[event.Type] {
		targets = append(targets, h)
	}
	for _, h := range b.handlers[wildcard] {
		targets = append(targets, h)
	}
	b.inflight.Add(len(targets))
	b.mu.Unlock()

	for _, h := range targets {
		go b.run(ctx, event, h)
	}
}

func (b *Bus) run(ctx context.Context, event domain.Event, h domain.EventHandler) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", string(event.Type), "panic", r)
		}
	}()
	h(ctx, event)
}

// Subscribe registers handler for one event type and returns its
// unsubscribe function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(wildcard, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	if b.handlers[key] == nil {
		b.handlers[key] = make(map[uint64]domain.EventHandler)
	}
	b.handlers[key][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[key], id)
	}
}

// Close stops accepting publishes and blocks until every in-flight
// handler has returned. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.inflight.Wait()
}
