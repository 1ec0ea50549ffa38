package domain

import "context"

// State is the per-invocation conversation state threaded through a graph:
// an ordered, append-only message history. Leader-internal bookkeeping
// (current plan, step index, accumulated outcomes) lives inside a single
// invocation and never crosses the graph boundary.
type State struct {
	Messages []Message `json:"messages"`
}

// StateDelta is the partial update a graph invocation returns. Deltas are
// merged into State by append only; a graph must never return the full
// rewritten history, or the append-reducer would duplicate it.
type StateDelta struct {
	Messages []Message `json:"messages"`
}

// Merge appends the delta to the state and returns the updated state.
func (s State) Merge(d StateDelta) State {
	s.Messages = append(s.Messages, d.Messages...)
	return s
}

// CompiledGraph is a runnable representation of an agent's internal
// node/edge flow. Invoke runs the graph against the given state with an
// optional task objective and returns the delta to append.
type CompiledGraph interface {
	Invoke(ctx context.Context, state State, task string) (StateDelta, error)
}

// GraphFunc adapts a plain function to the CompiledGraph interface.
type GraphFunc func(ctx context.Context, state State, task string) (StateDelta, error)

func (f GraphFunc) Invoke(ctx context.Context, state State, task string) (StateDelta, error) {
	return f(ctx, state, task)
}
