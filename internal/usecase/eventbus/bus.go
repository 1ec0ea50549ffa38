// Package eventbus provides the in-process pub/sub fabric orchestration
// events flow through: plan transitions, routing decisions, thoughts, tool
// calls, and agent lifecycle.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ensemble-ai/internal/domain"
)

// Bus is a goroutine-safe in-process event bus. Handlers run in their own
// goroutines; a panicking handler is recovered and logged, and Close waits
// for every in-flight handler before returning.
type Bus struct {
	logger *slog.Logger

	mu    sync.RWMutex
	typed map[domain.EventType]map[uint64]domain.EventHandler
	all   map[uint64]domain.EventHandler

	nextID atomic.Uint64
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		typed:  make(map[domain.EventType]map[uint64]domain.EventHandler),
		all:    make(map[uint64]domain.EventHandler),
	}
}

// Publish fans an event out to typed and all-event subscribers. A zero
// timestamp is filled in at publish time. Publishing on a closed bus is a
// silent no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]domain.EventHandler, 0, len(b.typed[event.Type])+len(b.all))
	for _, h := range b.typed[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, event, h)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, handler domain.EventHandler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"invocation_id", event.InvocationID,
					"panic", r,
				)
			}
		}()
		handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.typed[eventType] == nil {
		b.typed[eventType] = make(map[uint64]domain.EventHandler)
	}
	b.typed[eventType][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.typed[eventType], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers a handler for every event and returns its
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.all[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}
}

// SubscribeInvocation registers an all-event handler that only sees events
// belonging to one leader invocation. Useful for streaming a single run's
// thoughts and steps to a UI.
func (b *Bus) SubscribeInvocation(invocationID string, handler domain.EventHandler) func() {
	return b.SubscribeAll(func(ctx context.Context, event domain.Event) {
		if event.InvocationID == invocationID {
			handler(ctx, event)
		}
	})
}

// Close stops accepting publishes and drains in-flight handlers. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
