package usecase

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ensemble-ai/internal/domain"
	"ensemble-ai/internal/infra/tracer"
)

// defaultExpertIterations bounds the model/tool loop of one expert task.
const defaultExpertIterations = 6

// ToolExecutor runs a batch of model tool calls and returns one tool-result
// message per call. The resilient executor in the tool adapter satisfies
// this.
type ToolExecutor interface {
	Execute(ctx context.Context, calls []domain.ToolCall) ([]domain.Message, error)
}

// ExpertAgent is a routable specialist: a model, an optional tool set, and a
// system prompt. Its graph loops model calls and tool executions until the
// model produces a plain answer for the delegated objective.
type ExpertAgent struct {
	profile       domain.ExpertProfile
	model         domain.Model
	tools         domain.ToolSource
	executor      ToolExecutor
	guard         *ContextGuard
	logger        *slog.Logger
	systemPrompt  string
	maxIterations int
}

// ExpertOption customizes an expert agent.
type ExpertOption func(*ExpertAgent)

// WithExpertTools attaches a tool source and executor.
func WithExpertTools(source domain.ToolSource, executor ToolExecutor) ExpertOption {
	return func(a *ExpertAgent) {
		a.tools = source
		a.executor = executor
	}
}

// WithExpertGuard attaches a context guard.
func WithExpertGuard(guard *ContextGuard) ExpertOption {
	return func(a *ExpertAgent) { a.guard = guard }
}

// WithExpertIterations overrides the model/tool loop bound.
func WithExpertIterations(n int) ExpertOption {
	return func(a *ExpertAgent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// NewExpertAgent creates an expert. The profile name is the agent name.
func NewExpertAgent(profile domain.ExpertProfile, model domain.Model, systemPrompt string, logger *slog.Logger, opts ...ExpertOption) *ExpertAgent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &ExpertAgent{
		profile:       profile,
		model:         model,
		logger:        logger.With("agent", profile.Name),
		systemPrompt:  systemPrompt,
		maxIterations: defaultExpertIterations,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ExpertAgent) Name() string { return a.profile.Name }

// Profile returns the expert's routing profile.
func (a *ExpertAgent) Profile() domain.ExpertProfile { return a.profile }

// Init compiles the expert's model/tool loop graph.
func (a *ExpertAgent) Init(ctx context.Context) (domain.CompiledGraph, error) {
	return &expertGraph{agent: a}, nil
}

type expertGraph struct {
	agent *ExpertAgent
}

// Invoke runs the delegated objective to completion: the model is called
// with fresh tool schemas each round, requested tool calls are executed, and
// the loop ends on the first reply without tool calls.
func (g *expertGraph) Invoke(ctx context.Context, state domain.State, task string) (domain.StateDelta, error) {
	a := g.agent
	ctx, span := tracer.StartSpan(ctx, "expert.invoke",
		trace.WithAttributes(tracer.StringAttr("agent.name", a.profile.Name)))
	defer span.End()

	var delta domain.StateDelta
	msgs := a.promptMessages(state, task)

	for i := 0; i < a.maxIterations; i++ {
		// Fetch schemas per round so a mid-task client refresh is picked up.
		var schemas []domain.ToolSchema
		if a.tools != nil {
			for _, t := range a.tools() {
				schemas = append(schemas, t.Schema())
			}
		}

		resp, err := a.model.Chat(ctx, domain.ChatRequest{Messages: msgs, Tools: schemas})
		if err != nil {
			tracer.RecordError(span, err)
			return delta, domain.WrapOp("ExpertAgent.Invoke "+a.profile.Name, err)
		}

		reply := resp.Message
		reply.Role = domain.RoleAssistant
		reply.Name = a.profile.Name
		if reply.Timestamp.IsZero() {
			reply.Timestamp = time.Now()
		}
		delta.Messages = append(delta.Messages, reply)
		msgs = append(msgs, reply)

		if len(reply.ToolCalls) == 0 {
			tracer.SetOK(span)
			return delta, nil
		}
		if a.executor == nil {
			a.logger.Warn("model requested tools but no executor is wired",
				"calls", len(reply.ToolCalls))
			tracer.SetOK(span)
			return delta, nil
		}

		results, err := a.executor.Execute(ctx, reply.ToolCalls)
		delta.Messages = append(delta.Messages, results...)
		msgs = append(msgs, results...)
		if err != nil {
			tracer.RecordError(span, err)
			return delta, domain.WrapOp("ExpertAgent.Invoke "+a.profile.Name, err)
		}
	}

	a.logger.Warn("tool loop bound reached", "iterations", a.maxIterations)
	delta.Messages = append(delta.Messages, domain.Message{
		Role:      domain.RoleAssistant,
		Name:      a.profile.Name,
		Content:   "Stopping: tool loop limit reached before the objective completed.",
		Timestamp: time.Now(),
	})
	tracer.SetOK(span)
	return delta, nil
}

func (a *ExpertAgent) promptMessages(state domain.State, task string) []domain.Message {
	msgs := make([]domain.Message, 0, len(state.Messages)+2)
	if a.systemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: a.systemPrompt})
	}
	for _, m := range state.Messages {
		if m.IsThought() {
			continue
		}
		msgs = append(msgs, m)
	}
	if task != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: task, Timestamp: time.Now()})
	}
	if a.guard != nil {
		msgs = a.guard.Fit(msgs)
	}
	return msgs
}
