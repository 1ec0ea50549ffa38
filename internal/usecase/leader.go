package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"ensemble-ai/internal/domain"
	"ensemble-ai/internal/infra/tracer"
)

// Leader node names surfaced in thought metadata and events.
const (
	nodePlan     = "plan"
	nodeRoute    = "route"
	nodeExecute  = "execute"
	nodeValidate = "validate"
	nodeAnswer   = "answer"
)

const planSystemPrompt = `You are the lead coordinator of a team of expert agents.
Given the conversation, either answer directly or produce a short ordered plan.
Reply with JSON only: {"answer": "..."} for a direct answer, or {"steps": ["...", "..."]} for a plan.
Keep plans to the fewest steps that solve the task.`

const validateSystemPrompt = `You review the outcome of one plan step.
Reply with JSON only: {"action": "continue"|"complete"|"replan", "reason": "..."}.
Use "complete" when the overall task is already solved, "replan" when the current plan cannot succeed.`

// LeaderConfig tunes the leader's planning loop.
type LeaderConfig struct {
	// MaxSteps bounds expert executions per invocation. When the budget is
	// exhausted the leader finishes with a partial answer rather than an error.
	MaxSteps int
	// TieBreakTopK is how many top-ranked candidates may enter a tie-break.
	TieBreakTopK int
	// ClosenessThreshold is the relative score gap under which two candidates
	// count as tied: second is tied when second >= top*(1-threshold).
	ClosenessThreshold float64
	RankPolicy         RankPolicy
	SystemPrompt       string
}

func (c *LeaderConfig) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 8
	}
	if c.TieBreakTopK <= 0 {
		c.TieBreakTopK = 3
	}
	if c.ClosenessThreshold <= 0 {
		c.ClosenessThreshold = 0.25
	}
	if c.RankPolicy == (RankPolicy{}) {
		c.RankPolicy = DefaultRankPolicy()
	}
}

// Leader orchestrates a team of expert agents: it plans, routes each step to
// the best expert, validates outcomes, and composes the final answer. The
// expert set is injected after construction and may be swapped atomically at
// any time via SetExperts.
type Leader struct {
	name       string
	model      domain.Model
	tieBreaker *TieBreaker
	guard      *ContextGuard
	bus        domain.EventBus
	logger     *slog.Logger
	cfg        LeaderConfig

	mu      sync.RWMutex
	experts map[string]domain.ExpertBinding
}

// NewLeader constructs a leader agent. tieBreaker, guard and bus are optional.
func NewLeader(
	name string,
	model domain.Model,
	tieBreaker *TieBreaker,
	guard *ContextGuard,
	bus domain.EventBus,
	cfg LeaderConfig,
	logger *slog.Logger,
) *Leader {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Leader{
		name:       name,
		model:      model,
		tieBreaker: tieBreaker,
		guard:      guard,
		bus:        bus,
		logger:     logger.With("agent", name),
		cfg:        cfg,
		experts:    map[string]domain.ExpertBinding{},
	}
}

func (l *Leader) Name() string { return l.name }

// Init compiles the leader's plan/execute graph.
func (l *Leader) Init(ctx context.Context) (domain.CompiledGraph, error) {
	return &leaderGraph{leader: l}, nil
}

// SetExperts replaces the leader's routable expert set in one atomic swap.
// In-flight invocations keep the snapshot they started with per route call.
func (l *Leader) SetExperts(experts map[string]domain.ExpertBinding) {
	cp := make(map[string]domain.ExpertBinding, len(experts))
	for k, v := range experts {
		cp[k] = v
	}
	l.mu.Lock()
	l.experts = cp
	l.mu.Unlock()
	l.logger.Info("expert set updated", "count", len(cp))
}

// Experts returns the current expert profiles.
func (l *Leader) Experts() []domain.ExpertProfile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.ExpertProfile, 0, len(l.experts))
	for _, b := range l.experts {
		out = append(out, b.Profile)
	}
	return out
}

func (l *Leader) binding(name string) (domain.ExpertBinding, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.experts[name]
	return b, ok
}

func newInvocationID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// leaderGraph runs one invocation of the plan/execute loop.
type leaderGraph struct {
	leader *Leader
}

// Invoke executes the leader's state machine: plan, then for each step route
// to an expert, execute it, and validate the outcome. The returned delta
// contains only the messages added by this invocation.
func (g *leaderGraph) Invoke(ctx context.Context, state domain.State, task string) (domain.StateDelta, error) {
	l := g.leader
	invID := newInvocationID()

	ctx, span := tracer.StartSpan(ctx, "leader.invoke",
		trace.WithAttributes(
			tracer.StringAttr("agent.name", l.name),
			tracer.StringAttr("invocation.id", invID),
		))
	defer span.End()

	run := &invocation{leader: l, id: invID, state: state}
	if task != "" {
		run.append(domain.Message{Role: domain.RoleUser, Content: task, Timestamp: time.Now()})
	}

	run.publish(ctx, domain.EventPlanStarted, map[string]any{"task": task})
	run.thought(ctx, "Planning", nodePlan, task, "deciding whether to answer directly or delegate")

	plan, answer, err := run.plan(ctx, task)
	if err != nil {
		tracer.RecordError(span, err)
		return run.delta, err
	}
	if answer != "" {
		run.finish(ctx, answer, "direct answer, no delegation needed")
		tracer.SetOK(span)
		return run.delta, nil
	}

	var (
		outcomes  []domain.StepOutcome
		stepsUsed int
		idx       int
	)
	for {
		if idx >= len(plan.Steps) {
			run.finish(ctx, run.compose(ctx, task, outcomes), "all plan steps completed")
			tracer.SetOK(span)
			return run.delta, nil
		}
		if stepsUsed >= l.cfg.MaxSteps {
			l.logger.Warn("step budget exhausted, returning partial answer",
				"invocation_id", invID, "steps_used", stepsUsed)
			run.thought(ctx, "Stopping", nodeAnswer, task, "step budget exhausted, composing partial answer")
			run.finish(ctx, partialAnswer(outcomes), "step budget exhausted")
			tracer.SetOK(span)
			return run.delta, nil
		}
		stepsUsed++

		step := plan.Steps[idx]
		outcome := run.executeStep(ctx, idx, step)
		outcomes = append(outcomes, outcome)

		decision := run.validate(ctx, step, outcome)
		run.publish(ctx, domain.EventStepCompleted, map[string]any{
			"step": idx, "objective": step.Objective, "failed": outcome.Failed, "action": decision.Action,
		})

		switch decision.Action {
		case domain.ActionComplete:
			run.finish(ctx, run.compose(ctx, task, outcomes), decision.Reason)
			tracer.SetOK(span)
			return run.delta, nil
		case domain.ActionReplan:
			run.thought(ctx, "Replanning", nodePlan, task, decision.Reason)
			run.publish(ctx, domain.EventPlanStarted, map[string]any{"task": task, "replan": true})
			plan, answer, err = run.plan(ctx, task)
			if err != nil {
				tracer.RecordError(span, err)
				return run.delta, err
			}
			if answer != "" {
				run.finish(ctx, answer, "replanning produced a direct answer")
				tracer.SetOK(span)
				return run.delta, nil
			}
			idx = 0
		default:
			idx++
		}
	}
}

// invocation carries the per-run accumulator: the base state plus the delta
// built so far. Nothing here survives the invocation.
type invocation struct {
	leader *Leader
	id     string
	state  domain.State
	delta  domain.StateDelta
}

func (r *invocation) append(m domain.Message) {
	r.delta.Messages = append(r.delta.Messages, m)
}

// history returns the full conversation including this run's delta.
func (r *invocation) history() []domain.Message {
	return r.state.Merge(r.delta).Messages
}

// promptMessages builds the model-facing view of the conversation: thought
// messages are filtered by role, a system prompt is prepended when absent,
// and the context guard trims overflow.
func (r *invocation) promptMessages(system string) []domain.Message {
	msgs := make([]domain.Message, 0, len(r.history())+1)
	if system != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: system})
	}
	for _, m := range r.history() {
		if m.IsThought() {
			continue
		}
		msgs = append(msgs, m)
	}
	if r.leader.guard != nil {
		msgs = r.leader.guard.Fit(msgs)
	}
	return msgs
}

// thought appends a zero-content observability message and publishes it.
func (r *invocation) thought(ctx context.Context, label, node, task, text string) {
	t := &domain.Thought{Label: label, Node: node, Task: task, Text: text}
	r.append(domain.Message{
		Role:      domain.RoleThought,
		Name:      r.leader.name,
		Thought:   t,
		Timestamp: time.Now(),
	})
	r.publish(ctx, domain.EventThoughtEmitted, t)
}

func (r *invocation) publish(ctx context.Context, typ domain.EventType, payload any) {
	if r.leader.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		r.leader.logger.Warn("event payload marshal failed", "type", typ, "error", err)
		raw = nil
	}
	r.leader.bus.Publish(ctx, domain.Event{
		Type:         typ,
		Timestamp:    time.Now(),
		InvocationID: r.id,
		Payload:      raw,
	})
}

func (r *invocation) finish(ctx context.Context, answer, reason string) {
	r.thought(ctx, "Answering", nodeAnswer, "", reason)
	r.append(domain.Message{
		Role:      domain.RoleAssistant,
		Content:   answer,
		Name:      r.leader.name,
		Timestamp: time.Now(),
	})
	r.publish(ctx, domain.EventAnswerFinal, map[string]any{"answer": answer, "reason": reason})
}

// plan asks the model for a plan or a direct answer. A reply that fails
// structured decoding is degraded to a prose answer rather than an error.
func (r *invocation) plan(ctx context.Context, task string) (domain.Plan, string, error) {
	system := r.leader.cfg.SystemPrompt
	if system == "" {
		system = planSystemPrompt
	}
	resp, err := r.leader.model.Chat(ctx, domain.ChatRequest{Messages: r.promptMessages(system)})
	if err != nil {
		return domain.Plan{}, "", domain.WrapOp("Leader.plan", err)
	}

	dec, decErr := decodePlanDecision(resp.Message.Content)
	if decErr != nil {
		r.leader.logger.Warn("plan decision not parseable, treating reply as answer",
			"invocation_id", r.id, "error", decErr)
		return domain.Plan{}, stripCodeFences(resp.Message.Content), nil
	}
	r.publish(ctx, domain.EventPlanDecided, dec)
	if dec.Answer != "" {
		return domain.Plan{}, dec.Answer, nil
	}

	plan := domain.Plan{Steps: make([]domain.PlanStep, 0, len(dec.Steps))}
	for _, s := range dec.Steps {
		plan.Steps = append(plan.Steps, domain.PlanStep{Objective: s})
	}
	r.thought(ctx, "Planned", nodePlan, task, fmt.Sprintf("%d step(s)", len(plan.Steps)))
	return plan, "", nil
}

// executeStep routes one step to an expert and runs its graph. Expert
// failures are captured in the outcome, not propagated: the validation stage
// decides how to proceed.
func (r *invocation) executeStep(ctx context.Context, idx int, step domain.PlanStep) domain.StepOutcome {
	outcome := domain.StepOutcome{Step: idx, Objective: step.Objective}
	r.publish(ctx, domain.EventStepStarted, map[string]any{"step": idx, "objective": step.Objective})

	name, err := r.route(ctx, step.Objective)
	if err != nil {
		r.leader.logger.Warn("no expert for step", "invocation_id", r.id, "objective", step.Objective)
		r.thought(ctx, "Routing", nodeRoute, step.Objective, "no expert available")
		outcome.Failed = true
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Expert = name
	r.thought(ctx, "Delegating", nodeExecute, step.Objective, "handing off to "+name)

	binding, ok := r.leader.binding(name)
	if !ok {
		outcome.Failed = true
		outcome.Error = domain.NewDomainError("Leader.executeStep", domain.ErrExpertNotFound, name).Error()
		return outcome
	}

	expertDelta, err := invokeExpert(ctx, binding.Graph, r.state.Merge(r.delta), step.Objective)
	if err != nil {
		r.leader.logger.Error("expert invocation failed",
			"invocation_id", r.id, "expert", name, "error", err)
		outcome.Failed = true
		outcome.Error = err.Error()
		return outcome
	}
	for _, m := range expertDelta.Messages {
		if m.Name == "" && (m.Role == domain.RoleAssistant || m.IsThought()) {
			m.Name = name
		}
		r.append(m)
		if !m.IsThought() && m.Role == domain.RoleAssistant {
			outcome.Output = m.Content
		}
	}
	return outcome
}

// invokeExpert runs an expert graph with panic isolation. A panicking expert
// becomes a failed outcome, not a crashed invocation.
func invokeExpert(ctx context.Context, graph domain.CompiledGraph, state domain.State, objective string) (delta domain.StateDelta, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("expert panic: %v", rec)
		}
	}()
	return graph.Invoke(ctx, state, objective)
}

// route picks an expert for a step: deterministic ranking first, then a
// model tie-break only when the top candidates score within the closeness
// threshold of each other.
func (r *invocation) route(ctx context.Context, objective string) (string, error) {
	l := r.leader
	ranked := Rank(objective, l.Experts(), l.cfg.RankPolicy)
	if len(ranked) == 0 {
		return "", domain.NewDomainError("Leader.route", domain.ErrNoExperts, objective)
	}

	top := ranked[0]
	candidates := []string{top.Profile.Name}
	for _, s := range ranked[1:] {
		if len(candidates) >= l.cfg.TieBreakTopK {
			break
		}
		if s.Score < top.Score*(1-l.cfg.ClosenessThreshold) {
			break
		}
		candidates = append(candidates, s.Profile.Name)
	}

	chosen := top.Profile.Name
	if len(candidates) > 1 && l.tieBreaker != nil {
		res := l.tieBreaker.Resolve(ctx, objective, candidates)
		if res.Expert != "" {
			chosen = res.Expert
		}
		r.publish(ctx, domain.EventTieBreakResolved, map[string]any{
			"objective": objective, "candidates": candidates,
			"expert": chosen, "model_used": res.ModelUsed, "reason": res.Reason,
		})
	}
	r.publish(ctx, domain.EventExpertRouted, map[string]any{
		"objective": objective, "expert": chosen, "score": top.Score,
	})
	return chosen, nil
}

// validate asks the model whether to continue, complete, or replan. Any
// failure degrades to continue.
func (r *invocation) validate(ctx context.Context, step domain.PlanStep, outcome domain.StepOutcome) domain.ExecuteDecision {
	r.thought(ctx, "Validating", nodeValidate, step.Objective, "")

	summary, _ := json.Marshal(outcome)
	msgs := r.promptMessages(validateSystemPrompt)
	msgs = append(msgs, domain.Message{
		Role:    domain.RoleUser,
		Content: "Step outcome: " + string(summary),
	})

	resp, err := r.leader.model.Chat(ctx, domain.ChatRequest{Messages: msgs})
	if err != nil {
		r.leader.logger.Warn("validation call failed, continuing",
			"invocation_id", r.id, "error", err)
		return domain.ExecuteDecision{Action: domain.ActionContinue, Reason: "validation unavailable"}
	}
	dec, decErr := decodeExecuteDecision(resp.Message.Content)
	if decErr != nil {
		r.leader.logger.Warn("validation decision not parseable, continuing",
			"invocation_id", r.id, "error", decErr)
		return domain.ExecuteDecision{Action: domain.ActionContinue, Reason: "decision unparseable"}
	}
	return dec
}

// compose asks the model to write the final answer from the step outcomes,
// falling back to the raw outcome digest on failure.
func (r *invocation) compose(ctx context.Context, task string, outcomes []domain.StepOutcome) string {
	digest, _ := json.Marshal(outcomes)
	msgs := r.promptMessages("Compose the final answer to the user's task from the step results. Reply with the answer text only.")
	msgs = append(msgs, domain.Message{
		Role:    domain.RoleUser,
		Content: fmt.Sprintf("Task: %s\nStep results: %s", task, digest),
	})

	resp, err := r.leader.model.Chat(ctx, domain.ChatRequest{Messages: msgs})
	if err != nil {
		r.leader.logger.Warn("answer composition failed, using outcome digest",
			"invocation_id", r.id, "error", err)
		return partialAnswer(outcomes)
	}
	return strings.TrimSpace(resp.Message.Content)
}

// partialAnswer builds a best-effort answer from whatever outcomes exist.
func partialAnswer(outcomes []domain.StepOutcome) string {
	var b strings.Builder
	b.WriteString("Partial result; not all steps could be completed.")
	for _, o := range outcomes {
		b.WriteString("\n- ")
		b.WriteString(o.Objective)
		b.WriteString(": ")
		switch {
		case o.Failed:
			b.WriteString("failed (" + o.Error + ")")
		case o.Output != "":
			b.WriteString(o.Output)
		default:
			b.WriteString("done")
		}
	}
	return b.String()
}
