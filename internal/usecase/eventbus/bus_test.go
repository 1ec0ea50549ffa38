package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ensemble-ai/internal/domain"
)

// collector gathers events concurrently.
type collector struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collector) handler(ctx context.Context, e domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitForCount(t *testing.T, c *collector, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.len() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("events = %d, want %d", c.len(), want)
}

func TestBusTypedAndAllSubscriptions(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	typed := &collector{}
	all := &collector{}
	bus.Subscribe(domain.EventStepStarted, typed.handler)
	bus.SubscribeAll(all.handler)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventStepStarted})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventAnswerFinal})

	waitForCount(t, typed, 1)
	waitForCount(t, all, 2)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	c := &collector{}
	unsubscribe := bus.Subscribe(domain.EventStepStarted, c.handler)
	bus.Publish(context.Background(), domain.Event{Type: domain.EventStepStarted})
	waitForCount(t, c, 1)

	unsubscribe()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventStepStarted})
	time.Sleep(20 * time.Millisecond)
	if c.len() != 1 {
		t.Errorf("events after unsubscribe = %d, want 1", c.len())
	}
}

func TestBusRecoversPanickingHandler(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	c := &collector{}
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) { panic("handler bug") })
	bus.SubscribeAll(c.handler)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPlanStarted})
	waitForCount(t, c, 1)
}

func TestBusFillsTimestamp(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	c := &collector{}
	bus.SubscribeAll(c.handler)
	bus.Publish(context.Background(), domain.Event{Type: domain.EventPlanStarted})
	waitForCount(t, c, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events[0].Timestamp.IsZero() {
		t.Error("publish must stamp a zero timestamp")
	}
}

func TestBusSubscribeInvocation(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	c := &collector{}
	bus.SubscribeInvocation("inv-1", c.handler)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventStepStarted, InvocationID: "inv-1"})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventStepStarted, InvocationID: "inv-2"})
	waitForCount(t, c, 1)

	time.Sleep(20 * time.Millisecond)
	if c.len() != 1 {
		t.Errorf("events = %d, want only inv-1's", c.len())
	}
}

func TestBusCloseDrainsAndStops(t *testing.T) {
	bus := New(slog.Default())

	c := &collector{}
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) {
		time.Sleep(10 * time.Millisecond)
		c.handler(ctx, e)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPlanStarted})
	bus.Close()

	if c.len() != 1 {
		t.Errorf("Close must wait for in-flight handlers, events = %d", c.len())
	}

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPlanStarted})
	time.Sleep(20 * time.Millisecond)
	if c.len() != 1 {
		t.Error("publish after Close must be dropped")
	}
	bus.Close()
}
