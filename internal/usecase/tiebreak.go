package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agnivade/levenshtein"

	"ensemble-ai/internal/domain"
)

// defaultFuzzyCutoff is the minimum normalized similarity for a model reply
// to be accepted as one of the candidate names.
const defaultFuzzyCutoff = 0.6

// CallLimiter gates tie-break model calls. Implementations decide whether a
// call may proceed right now; the resolver falls back to the deterministic
// winner when the limiter refuses.
type CallLimiter interface {
	Allow() bool
}

// TieBreaker resolves near-ties between top-ranked experts by asking a model
// to choose. It never fails: every error path degrades to the deterministic
// first candidate.
type TieBreaker struct {
	model   domain.Model
	limiter CallLimiter
	cutoff  float64
	logger  *slog.Logger
}

// TieBreakOption customizes a TieBreaker.
type TieBreakOption func(*TieBreaker)

// WithFuzzyCutoff overrides the minimum similarity for fuzzy reply matching.
// Values outside (0, 1] keep the default.
func WithFuzzyCutoff(cutoff float64) TieBreakOption {
	return func(t *TieBreaker) {
		if cutoff > 0 && cutoff <= 1 {
			t.cutoff = cutoff
		}
	}
}

// NewTieBreaker creates a tie-break resolver. limiter may be nil, in which
// case calls are never throttled.
func NewTieBreaker(model domain.Model, limiter CallLimiter, logger *slog.Logger, opts ...TieBreakOption) *TieBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TieBreaker{model: model, limiter: limiter, cutoff: defaultFuzzyCutoff, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TieBreakResult reports which expert was selected and whether a model call
// was actually made.
type TieBreakResult struct {
	Expert    string
	ModelUsed bool
	Reason    string
}

// Resolve picks one expert name from candidates for the given step. With
// zero or one candidate no model is consulted. The model's free-text reply
// is normalized back onto the candidate list: exact match, then
// case-insensitive trimmed match, then fuzzy match, then fallback to the
// first candidate. Resolve never returns an error.
func (t *TieBreaker) Resolve(ctx context.Context, step string, candidates []string) TieBreakResult {
	switch len(candidates) {
	case 0:
		return TieBreakResult{Reason: "no candidates"}
	case 1:
		return TieBreakResult{Expert: candidates[0], Reason: "single candidate"}
	}

	if t.model == nil {
		return TieBreakResult{Expert: candidates[0], Reason: "no model configured"}
	}
	if t.limiter != nil && !t.limiter.Allow() {
		t.logger.Warn("tie-break call throttled, using deterministic winner",
			"step", step, "winner", candidates[0])
		return TieBreakResult{Expert: candidates[0], Reason: "rate limited"}
	}

	reply, err := t.askModel(ctx, step, candidates)
	if err != nil {
		t.logger.Warn("tie-break model call failed, using deterministic winner",
			"error", err, "winner", candidates[0])
		return TieBreakResult{Expert: candidates[0], ModelUsed: true, Reason: "model error"}
	}

	if name, ok := normalizeChoice(reply, candidates, t.cutoff); ok {
		return TieBreakResult{Expert: name, ModelUsed: true, Reason: "model choice"}
	}

	t.logger.Warn("tie-break reply matched no candidate, using deterministic winner",
		"reply", reply, "winner", candidates[0])
	return TieBreakResult{Expert: candidates[0], ModelUsed: true, Reason: "unmatched reply"}
}

func (t *TieBreaker) askModel(ctx context.Context, step string, candidates []string) (string, error) {
	prompt := fmt.Sprintf(
		"Task: %s\n\nChoose the single best expert for this task. Reply with exactly one name from this list, nothing else:\n%s",
		step, strings.Join(candidates, "\n"))

	resp, err := t.model.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You select the most suitable expert for a task. Answer with the expert name only."},
			{Role: domain.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// normalizeChoice maps a model reply onto the candidate list. Matching is
// attempted in order of strictness: exact, case-insensitive trimmed, fuzzy.
func normalizeChoice(reply string, candidates []string, cutoff float64) (string, bool) {
	for _, c := range candidates {
		if reply == c {
			return c, true
		}
	}

	trimmed := strings.ToLower(strings.TrimSpace(reply))
	for _, c := range candidates {
		if trimmed == strings.ToLower(c) {
			return c, true
		}
	}

	best, bestScore := "", 0.0
	for _, c := range candidates {
		if score := similarity(trimmed, strings.ToLower(c)); score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore >= cutoff {
		return best, true
	}
	return "", false
}

// similarity returns 1 - normalized Levenshtein distance in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	if longer == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longer)
}
