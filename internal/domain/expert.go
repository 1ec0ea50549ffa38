package domain

import "context"

// AgentKind distinguishes orchestrating leaders from routable experts.
type AgentKind string

const (
	KindLeader AgentKind = "leader"
	KindExpert AgentKind = "expert"
)

// ExpertProfile is the static, immutable description of a routable expert.
// Profiles are built once at registration time and never mutated; cost and
// latency hints (1=cheap/fast .. 3=expensive/slow) are used only to break
// ties between equally scored candidates.
type ExpertProfile struct {
	Name        string   `json:"name"         yaml:"name"`
	Categories  []string `json:"categories"   yaml:"categories"`
	Keywords    []string `json:"keywords"     yaml:"keywords"`
	LiveOK      bool     `json:"live_ok"      yaml:"live_ok"`
	CostHint    int      `json:"cost_hint"    yaml:"cost_hint"`
	LatencyHint int      `json:"latency_hint" yaml:"latency_hint"`
}

// ExpertBinding pairs a routable expert's profile with its ready-to-invoke
// compiled graph. Bindings exist only for successfully initialized experts.
type ExpertBinding struct {
	Profile ExpertProfile
	Graph   CompiledGraph
}

// Agent is the capability every orchestrated agent must provide: a stable
// name and an async initialization step that yields a ready-to-invoke
// compiled graph.
type Agent interface {
	Name() string
	Init(ctx context.Context) (CompiledGraph, error)
}

// Starter is the optional long-running background hook of an agent.
// Start blocks until the work is done or the supervisor's scope is cancelled.
type Starter interface {
	Start(ctx context.Context) error
}

// Closer is the optional async shutdown hook of an agent.
type Closer interface {
	Close(ctx context.Context) error
}
