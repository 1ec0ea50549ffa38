package domain

// PlanStep is a single step of a plan with a short natural-language objective.
type PlanStep struct {
	Objective string `json:"objective"`
}

// Plan is an ordered sequence of steps produced once per incoming task.
// A plan is immutable once execution begins; when execution proves a step
// invalid the leader builds a new Plan instead of editing this one.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// PlanDecision is the structured output of the leader's planning stage:
// either a short ordered plan or a direct final answer when no expert call
// is needed. Exactly one of the two fields is meaningful.
type PlanDecision struct {
	Answer string   `json:"answer,omitempty"`
	Steps  []string `json:"steps,omitempty"`
}

// Execute decision actions.
const (
	ActionContinue = "continue"
	ActionComplete = "complete"
	ActionReplan   = "replan"
)

// ExecuteDecision is the structured output of the leader's validation stage
// for the current step.
type ExecuteDecision struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// StepOutcome records the result of executing one plan step. Failed
// outcomes feed the validation stage as a signal to re-plan or degrade.
type StepOutcome struct {
	Step      int    `json:"step"`
	Objective string `json:"objective"`
	Expert    string `json:"expert,omitempty"`
	Output    string `json:"output,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}
