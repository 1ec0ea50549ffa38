package usecase

import (
	"log/slog"
	"testing"

	"ensemble-ai/internal/domain"
)

// runeCounter counts one token per rune, ignoring thoughts.
type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

func (c runeCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		if m.IsThought() {
			continue
		}
		total += c.Count(m.Content)
	}
	return total
}

func guardWithBudget(maxTokens int) *ContextGuard {
	return NewContextGuard(ContextGuardConfig{
		MaxTokens:     maxTokens,
		ReserveTokens: 1,
		SafetyMargin:  0.1,
	}, runeCounter{}, slog.Default())
}

func TestContextGuardNoopUnderBudget(t *testing.T) {
	guard := guardWithBudget(1000)
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "hello"},
	}
	got := guard.Fit(msgs)
	if len(got) != 2 {
		t.Errorf("len = %d, want 2 untouched", len(got))
	}
}

func TestContextGuardDropsOldestFirst(t *testing.T) {
	guard := guardWithBudget(30)
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "aaaaaaaaaa"},
		{Role: domain.RoleAssistant, Content: "bbbbbbbbbb"},
		{Role: domain.RoleUser, Content: "cccccccccc"},
		{Role: domain.RoleAssistant, Content: "dddddddddd"},
	}
	got := guard.Fit(msgs)

	if got[0].Role != domain.RoleSystem {
		t.Error("system message must survive trimming")
	}
	last := got[len(got)-1]
	if last.Content != "dddddddddd" {
		t.Errorf("latest message dropped, last = %q", last.Content)
	}
	for _, m := range got {
		if m.Content == "aaaaaaaaaa" {
			t.Error("oldest user message should be the first dropped")
		}
	}
}

func TestContextGuardDropsThoughts(t *testing.T) {
	guard := guardWithBudget(25)
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "aaaaaaaaaa"},
		{Role: domain.RoleThought, Thought: &domain.Thought{Label: "Planning"}},
		{Role: domain.RoleAssistant, Content: "bbbbbbbbbb"},
		{Role: domain.RoleUser, Content: "cccc"},
	}
	got := guard.Fit(msgs)
	for _, m := range got {
		if m.IsThought() {
			t.Error("trimming must drop thought messages")
		}
	}
}

func TestContextGuardNilCounter(t *testing.T) {
	guard := NewContextGuard(ContextGuardConfig{}, nil, slog.Default())
	msgs := []domain.Message{{Role: domain.RoleUser, Content: "x"}}
	if got := guard.Fit(msgs); len(got) != 1 {
		t.Errorf("nil counter must be a no-op, got %d messages", len(got))
	}
}
