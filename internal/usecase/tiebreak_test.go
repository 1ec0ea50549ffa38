package usecase

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"ensemble-ai/internal/domain"
)

// scriptedModel returns canned replies in order and records every request.
type scriptedModel struct {
	replies  []string
	err      error
	requests []domain.ChatRequest
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	reply := ""
	if len(m.replies) > 0 {
		reply = m.replies[0]
		m.replies = m.replies[1:]
	}
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: reply},
	}, nil
}

type fixedLimiter struct{ allow bool }

func (l fixedLimiter) Allow() bool { return l.allow }

func TestTieBreakSingleCandidateSkipsModel(t *testing.T) {
	model := &scriptedModel{}
	tb := NewTieBreaker(model, nil, slog.Default())

	res := tb.Resolve(context.Background(), "step", []string{"OnlyOne"})
	if res.Expert != "OnlyOne" {
		t.Errorf("expert = %q, want OnlyOne", res.Expert)
	}
	if res.ModelUsed {
		t.Error("single candidate must not consult the model")
	}
	if len(model.requests) != 0 {
		t.Errorf("model calls = %d, want 0", len(model.requests))
	}
}

func TestTieBreakNoCandidates(t *testing.T) {
	tb := NewTieBreaker(&scriptedModel{}, nil, slog.Default())
	res := tb.Resolve(context.Background(), "step", nil)
	if res.Expert != "" || res.ModelUsed {
		t.Errorf("res = %+v, want empty without model call", res)
	}
}

func TestTieBreakNormalization(t *testing.T) {
	candidates := []string{"JiraExpert", "GeneralistExpert"}
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"exact", "JiraExpert", "JiraExpert"},
		{"trimmed case-insensitive", "\n jiraexpert ", "JiraExpert"},
		{"fuzzy typo", "JiraExprt", "JiraExpert"},
		{"fuzzy with noise", "generalistexperts", "GeneralistExpert"},
		{"unmatched falls back to first", "CompletelyDifferent", "JiraExpert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := NewTieBreaker(&scriptedModel{replies: []string{tt.reply}}, nil, slog.Default())
			res := tb.Resolve(context.Background(), "step", candidates)
			if res.Expert != tt.want {
				t.Errorf("reply %q resolved to %q, want %q", tt.reply, res.Expert, tt.want)
			}
			if !res.ModelUsed {
				t.Error("two candidates should consult the model")
			}
		})
	}
}

func TestTieBreakModelErrorFallsBack(t *testing.T) {
	tb := NewTieBreaker(&scriptedModel{err: errors.New("backend down")}, nil, slog.Default())
	res := tb.Resolve(context.Background(), "step", []string{"First", "Second"})
	if res.Expert != "First" {
		t.Errorf("expert = %q, want deterministic First", res.Expert)
	}
}

func TestTieBreakRateLimited(t *testing.T) {
	model := &scriptedModel{replies: []string{"Second"}}
	tb := NewTieBreaker(model, fixedLimiter{allow: false}, slog.Default())

	res := tb.Resolve(context.Background(), "step", []string{"First", "Second"})
	if res.Expert != "First" {
		t.Errorf("expert = %q, want First under throttle", res.Expert)
	}
	if len(model.requests) != 0 {
		t.Errorf("model calls = %d, want 0 under throttle", len(model.requests))
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
	}{
		{"jiraexpert", "jiraexpert", 1},
		{"jiraexprt", "jiraexpert", 0.9},
		{"", "", 1},
	}
	for _, tt := range tests {
		if got := similarity(tt.a, tt.b); got < tt.min {
			t.Errorf("similarity(%q, %q) = %v, want >= %v", tt.a, tt.b, got, tt.min)
		}
	}
	if got := similarity("abc", "xyz"); got >= defaultFuzzyCutoff {
		t.Errorf("similarity(abc, xyz) = %v, want below cutoff", got)
	}
}

func TestTieBreakFuzzyCutoffConfigurable(t *testing.T) {
	candidates := []string{"JiraExpert", "GeneralistExpert"}

	// A strict cutoff rejects the typo the default accepts.
	strict := NewTieBreaker(&scriptedModel{replies: []string{"JiraExprt"}}, nil, slog.Default(),
		WithFuzzyCutoff(0.99))
	if res := strict.Resolve(context.Background(), "step", candidates); res.Expert != "JiraExpert" || res.Reason != "unmatched reply" {
		t.Errorf("strict res = %+v, want unmatched-reply fallback", res)
	}

	loose := NewTieBreaker(&scriptedModel{replies: []string{"JiraExprt"}}, nil, slog.Default(),
		WithFuzzyCutoff(0.5))
	if res := loose.Resolve(context.Background(), "step", candidates); res.Expert != "JiraExpert" || res.Reason != "model choice" {
		t.Errorf("loose res = %+v, want fuzzy model choice", res)
	}

	// Out-of-range values keep the default.
	kept := NewTieBreaker(nil, nil, slog.Default(), WithFuzzyCutoff(0), WithFuzzyCutoff(1.5))
	if kept.cutoff != defaultFuzzyCutoff {
		t.Errorf("cutoff = %v, want default", kept.cutoff)
	}
}
