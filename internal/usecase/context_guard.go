package usecase

import (
	"log/slog"

	"ensemble-ai/internal/domain"
)

// ContextGuard keeps prompt construction within a model's context window by
// dropping the oldest non-essential history when the token estimate exceeds
// the safe threshold. Thought messages are dropped first since they never
// reach the prompt anyway; then the oldest user/assistant/tool exchanges.
// The system message and the latest exchange are always kept.
type ContextGuard struct {
	maxTokens     int
	reserveTokens int
	safetyMargin  float64
	counter       domain.TokenCounter
	logger        *slog.Logger
}

// ContextGuardConfig holds settings for the context guard.
type ContextGuardConfig struct {
	MaxTokens     int
	ReserveTokens int
	SafetyMargin  float64
}

// NewContextGuard creates a context guard. counter may be nil, in which case
// Fit is a no-op.
func NewContextGuard(cfg ContextGuardConfig, counter domain.TokenCounter, logger *slog.Logger) *ContextGuard {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 0.15
	}
	if cfg.SafetyMargin > 0.5 {
		cfg.SafetyMargin = 0.5
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 1000
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 128000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextGuard{
		maxTokens:     cfg.MaxTokens,
		reserveTokens: cfg.ReserveTokens,
		safetyMargin:  cfg.SafetyMargin,
		counter:       counter,
		logger:        logger,
	}
}

// Fit returns a message list that fits within the guard's token budget.
// The input slice is never mutated.
func (g *ContextGuard) Fit(msgs []domain.Message) []domain.Message {
	if g.counter == nil || len(msgs) == 0 {
		return msgs
	}
	limit := int(float64(g.maxTokens)*(1-g.safetyMargin)) - g.reserveTokens
	if g.counter.CountMessages(msgs) <= limit {
		return msgs
	}

	kept := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsThought() {
			kept = append(kept, m)
		}
	}

	// Drop the oldest non-system messages until the budget fits, but never
	// the final two messages of the conversation.
	for g.counter.CountMessages(kept) > limit && len(kept) > 2 {
		dropped := false
		for i, m := range kept[:len(kept)-2] {
			if m.Role == domain.RoleSystem {
				continue
			}
			kept = append(kept[:i], kept[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}

	g.logger.Warn("context guard trimmed history",
		"before", len(msgs),
		"after", len(kept),
		"limit", limit,
	)
	return kept
}
