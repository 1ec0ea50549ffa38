package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	// RoleThought marks a zero-visible-content observability message emitted
	// by the leader at state transitions. Thought messages carry structured
	// metadata for UIs and are filtered out of every model prompt by role.
	RoleThought = "thought"
)

// Thought is the structured metadata carried by a RoleThought message.
// The visible Content of a thought message is always empty; the free-text
// narration lives here so it can never leak into a prompt.
type Thought struct {
	Label string `json:"label"`
	Node  string `json:"node"`
	Task  string `json:"task,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Message represents a single message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
	// ToolCallID links a tool-role message back to the assistant tool call
	// it answers.
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Thought   *Thought   `json:"thought,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// IsThought reports whether the message is a leader observability thought.
func (m Message) IsThought() bool { return m.Role == RoleThought }

// ChatRequest is sent to a model.
type ChatRequest struct {
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

// ChatResponse is returned from a model.
type ChatResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
