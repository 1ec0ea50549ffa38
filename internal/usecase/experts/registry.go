// Package experts maintains the set of registered agents, their
// initialization state, and the wiring of routable experts into leaders.
package experts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ensemble-ai/internal/domain"
)

// ExpertSink is implemented by leader agents that accept an injected expert
// set. SetExperts must replace the whole set atomically.
type ExpertSink interface {
	Name() string
	SetExperts(map[string]domain.ExpertBinding)
}

// Entry is one registered agent.
type Entry struct {
	Agent   domain.Agent
	Kind    domain.AgentKind
	Profile domain.ExpertProfile
}

// Registry tracks registered agents and their compiled graphs. Agents whose
// Init failed stay registered as pending and can be retried later; Inject
// always wires the currently-ready experts into every leader.
type Registry struct {
	logger *slog.Logger
	bus    domain.EventBus

	mu      sync.RWMutex
	entries map[string]Entry
	graphs  map[string]domain.CompiledGraph
}

// NewRegistry creates an empty registry. bus is optional.
func NewRegistry(bus domain.EventBus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		bus:     bus,
		entries: map[string]Entry{},
		graphs:  map[string]domain.CompiledGraph{},
	}
}

// Register adds an agent. The profile name defaults to the agent name.
func (r *Registry) Register(e Entry) error {
	if e.Agent == nil || e.Agent.Name() == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "agent with empty name")
	}
	if e.Profile.Name == "" {
		e.Profile.Name = e.Agent.Name()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Agent.Name()]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, e.Agent.Name())
	}
	r.entries[e.Agent.Name()] = e
	return nil
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the entry for an agent name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Graph returns the compiled graph of an initialized agent.
func (r *Registry) Graph(name string) (domain.CompiledGraph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[name]
	return g, ok
}

// InitAgent initializes a single registered agent, storing its graph on
// success. Re-initializing an already-ready agent is a no-op.
func (r *Registry) InitAgent(ctx context.Context, name string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	_, ready := r.graphs[name]
	r.mu.RUnlock()

	if !ok {
		return domain.NewDomainError("Registry.InitAgent", domain.ErrNotFound, name)
	}
	if ready {
		return nil
	}

	graph, err := e.Agent.Init(ctx)
	if err != nil {
		return domain.WrapOp("Registry.InitAgent "+name, err)
	}

	r.mu.Lock()
	r.graphs[name] = graph
	r.mu.Unlock()
	return nil
}

// InitAll initializes every registered agent and returns the names that
// failed, with their errors. Failures do not abort the rest.
func (r *Registry) InitAll(ctx context.Context) map[string]error {
	failed := map[string]error{}
	for _, name := range r.Names() {
		if err := r.InitAgent(ctx, name); err != nil {
			r.logger.Error("agent init failed", "agent", name, "error", err)
			failed[name] = err
		}
	}
	return failed
}

// Pending returns agents registered but not yet successfully initialized.
func (r *Registry) Pending() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var pending []string
	for n := range r.entries {
		if _, ok := r.graphs[n]; !ok {
			pending = append(pending, n)
		}
	}
	sort.Strings(pending)
	return pending
}

// Inject wires the currently-ready experts into every leader that accepts
// them. Each leader receives the full set minus itself, as one atomic swap.
// Inject is idempotent: repeated calls with the same ready set are harmless.
func (r *Registry) Inject(ctx context.Context) {
	r.mu.RLock()
	bindings := map[string]domain.ExpertBinding{}
	var sinks []ExpertSink
	for name, e := range r.entries {
		graph, ready := r.graphs[name]
		if e.Kind == domain.KindExpert && ready {
			bindings[name] = domain.ExpertBinding{Profile: e.Profile, Graph: graph}
		}
		if sink, ok := e.Agent.(ExpertSink); ok {
			sinks = append(sinks, sink)
		}
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		set := make(map[string]domain.ExpertBinding, len(bindings))
		for name, b := range bindings {
			if name == sink.Name() {
				continue
			}
			set[name] = b
		}
		sink.SetExperts(set)
		r.logger.Info("experts wired", "leader", sink.Name(), "experts", len(set))
	}

	if r.bus != nil {
		payload, _ := json.Marshal(map[string]any{"experts": len(bindings), "leaders": len(sinks)})
		r.bus.Publish(ctx, domain.Event{
			Type:      domain.EventExpertsWired,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
}

// Close calls the Close hook of every agent that has one, best effort.
func (r *Registry) Close(ctx context.Context) {
	for _, name := range r.Names() {
		e, _ := r.Get(name)
		closer, ok := e.Agent.(domain.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(ctx); err != nil {
			r.logger.Warn("agent close failed", "agent", name, "error", err)
		}
	}
}
