package usecase

import (
	"errors"
	"testing"

	"ensemble-ai/internal/domain"
)

func TestDecodePlanDecision(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantSteps int
		wantAns   string
		wantErr   bool
	}{
		{
			name:      "steps",
			raw:       `{"steps": ["look up tickets", "summarize them"]}`,
			wantSteps: 2,
		},
		{
			name:    "answer",
			raw:     `{"answer": "42"}`,
			wantAns: "42",
		},
		{
			name:      "fenced json",
			raw:       "```json\n{\"steps\": [\"one\"]}\n```",
			wantSteps: 1,
		},
		{
			name:    "prose is invalid",
			raw:     "I think we should do this in two steps.",
			wantErr: true,
		},
		{
			name:    "empty object",
			raw:     `{}`,
			wantErr: true,
		},
		{
			name:    "empty step rejected by schema",
			raw:     `{"steps": [""]}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := decodePlanDecision(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", dec)
				}
				if !errors.Is(err, domain.ErrDecisionInvalid) {
					t.Errorf("error = %v, want ErrDecisionInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(dec.Steps) != tt.wantSteps {
				t.Errorf("steps = %d, want %d", len(dec.Steps), tt.wantSteps)
			}
			if dec.Answer != tt.wantAns {
				t.Errorf("answer = %q, want %q", dec.Answer, tt.wantAns)
			}
		})
	}
}

func TestDecodeExecuteDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"continue", `{"action": "continue"}`, domain.ActionContinue, false},
		{"complete with reason", `{"action": "complete", "reason": "done"}`, domain.ActionComplete, false},
		{"replan", "```\n{\"action\": \"replan\"}\n```", domain.ActionReplan, false},
		{"unknown action", `{"action": "retry"}`, "", true},
		{"missing action", `{"reason": "hm"}`, "", true},
		{"not json", "continue", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := decodeExecuteDecision(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", dec)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if dec.Action != tt.want {
				t.Errorf("action = %q, want %q", dec.Action, tt.want)
			}
		})
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{`{"a": 1}`, `{"a": 1}`},
		{"  plain  ", "plain"},
	}
	for _, tt := range tests {
		if got := stripCodeFences(tt.in); got != tt.want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
