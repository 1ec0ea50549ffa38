package usecase

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"ensemble-ai/internal/domain"
)

// Schemas the leader validates model decisions against before trusting them.
const (
	planDecisionSchema = `{
		"type": "object",
		"properties": {
			"answer": {"type": "string"},
			"steps": {"type": "array", "items": {"type": "string", "minLength": 1}}
		}
	}`

	executeDecisionSchema = `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["continue", "complete", "replan"]},
			"reason": {"type": "string"}
		},
		"required": ["action"]
	}`
)

var (
	planSchema    = mustCompileSchema(planDecisionSchema)
	executeSchema = mustCompileSchema(executeDecisionSchema)
)

func mustCompileSchema(src string) *jsonschema.Schema {
	s, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("compile decision schema: %v", err))
	}
	return s
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// stripCodeFences removes markdown code fences if the model wrapped its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// decodePlanDecision parses a model reply into a PlanDecision. The reply must
// be valid JSON (optionally fenced) and satisfy the plan schema.
func decodePlanDecision(raw string) (domain.PlanDecision, error) {
	var dec domain.PlanDecision
	cleaned := stripCodeFences(raw)

	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return dec, domain.NewDomainError("decodePlanDecision", domain.ErrDecisionInvalid, err.Error())
	}
	if result := planSchema.Validate(data); !result.IsValid() {
		return dec, domain.NewDomainError("decodePlanDecision", domain.ErrDecisionInvalid, result.Error())
	}
	if err := json.Unmarshal([]byte(cleaned), &dec); err != nil {
		return dec, domain.NewDomainError("decodePlanDecision", domain.ErrDecisionInvalid, err.Error())
	}
	if dec.Answer == "" && len(dec.Steps) == 0 {
		return dec, domain.NewDomainError("decodePlanDecision", domain.ErrDecisionInvalid, "neither answer nor steps present")
	}
	return dec, nil
}

// decodeExecuteDecision parses a model reply into an ExecuteDecision.
func decodeExecuteDecision(raw string) (domain.ExecuteDecision, error) {
	var dec domain.ExecuteDecision
	cleaned := stripCodeFences(raw)

	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return dec, domain.NewDomainError("decodeExecuteDecision", domain.ErrDecisionInvalid, err.Error())
	}
	if result := executeSchema.Validate(data); !result.IsValid() {
		return dec, domain.NewDomainError("decodeExecuteDecision", domain.ErrDecisionInvalid, result.Error())
	}
	if err := json.Unmarshal([]byte(cleaned), &dec); err != nil {
		return dec, domain.NewDomainError("decodeExecuteDecision", domain.ErrDecisionInvalid, err.Error())
	}
	return dec, nil
}
