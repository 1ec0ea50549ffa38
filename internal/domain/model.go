package domain

import "context"

// Model is the interface for any language-model backend. Implementations
// live outside the orchestration core; the leader and tie-break resolver
// depend only on this contract.
type Model interface {
	// Chat sends an ordered message list and returns one response message.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the model's identifier (e.g. "gpt-4o", "bedrock/sonnet").
	Name() string
}

// ToolBinder is implemented by models that support tool calling. BindTools
// replaces the model's bound tool set; a refresh of the underlying tool
// client rebinds through this.
type ToolBinder interface {
	BindTools(schemas []ToolSchema)
}

// TokenCounter estimates token usage for context budgeting.
type TokenCounter interface {
	Count(text string) int
	CountMessages(msgs []Message) int
}
