package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Leader lifecycle.
	EventPlanStarted      EventType = "plan.started"
	EventPlanDecided      EventType = "plan.decided"
	EventStepStarted      EventType = "step.started"
	EventStepCompleted    EventType = "step.completed"
	EventExpertRouted     EventType = "expert.routed"
	EventTieBreakResolved EventType = "tiebreak.resolved"
	EventThoughtEmitted   EventType = "thought.emitted"
	EventAnswerFinal      EventType = "answer.final"

	// Tool execution.
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventToolRefresh       EventType = "tool.refresh"

	// Agent lifecycle.
	EventAgentStarted EventType = "agent.started"
	EventAgentStopped EventType = "agent.stopped"
	EventAgentError   EventType = "agent.error"
	EventExpertsWired EventType = "experts.wired"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type         EventType       `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	InvocationID string          `json:"invocation_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for orchestration events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
