package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"ensemble-ai/internal/domain"
	"ensemble-ai/internal/infra/config"
)

func newServerModel(t *testing.T, handler http.HandlerFunc) (*OpenAIModel, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	model := NewOpenAIModel(config.ModelConfig{
		Name:    "test-model",
		BaseURL: srv.URL,
		APIKey:  "sk-test",
	}, slog.Default())
	return model, srv
}

func completionJSON(content string) string {
	return `{
		"id": "chatcmpl-1",
		"model": "test-model",
		"choices": [{"message": {"role": "assistant", "content": ` + jsonString(content) + `}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestOpenAIChatRoundTrip(t *testing.T) {
	var gotAuth string
	model, _ := newServerModel(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, completionJSON("hello"))
	})

	resp, err := model.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.Usage.TotalTokens)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestOpenAIChatFiltersThoughtMessages(t *testing.T) {
	var wire wireRequest
	model, _ := newServerModel(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &wire)
		io.WriteString(w, completionJSON("ok"))
	})

	_, err := model.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "question"},
			{Role: domain.RoleThought, Thought: &domain.Thought{Label: "Planning"}},
			{Role: domain.RoleAssistant, Content: "partial"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(wire.Messages) != 2 {
		t.Fatalf("wire messages = %d, want thoughts filtered", len(wire.Messages))
	}
	for _, m := range wire.Messages {
		if m.Role == domain.RoleThought {
			t.Errorf("thought message leaked to the wire: %+v", m)
		}
	}
}

func TestOpenAIChatSendsBoundToolsByDefault(t *testing.T) {
	var wire wireRequest
	model, _ := newServerModel(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &wire)
		io.WriteString(w, completionJSON("ok"))
	})

	model.BindTools([]domain.ToolSchema{{Name: "search", Description: "find things"}})
	_, err := model.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "q"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(wire.Tools) != 1 || wire.Tools[0].Function.Name != "search" {
		t.Errorf("wire tools = %+v, want bound search tool", wire.Tools)
	}
}

func TestOpenAIChatWiresToolResultCorrelation(t *testing.T) {
	var wire wireRequest
	model, _ := newServerModel(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &wire)
		io.WriteString(w, completionJSON("ok"))
	})

	_, err := model.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "search for go"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "call-7", Name: "search", Arguments: json.RawMessage(`{"q": "go"}`)},
			}},
			{Role: domain.RoleTool, Name: "search", ToolCallID: "call-7", Content: "results"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(wire.Messages) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(wire.Messages))
	}
	assistant := wire.Messages[1]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call-7" {
		t.Errorf("assistant tool calls = %+v, want id call-7", assistant.ToolCalls)
	}
	result := wire.Messages[2]
	if result.Role != domain.RoleTool || result.ToolCallID != "call-7" {
		t.Errorf("tool message = %+v, want tool_call_id call-7", result)
	}
	if result.Name != "search" {
		t.Errorf("tool message name = %q, want search", result.Name)
	}
}

func TestOpenAIChatRateLimited(t *testing.T) {
	model, _ := newServerModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error": "rate limited"}`)
	})

	_, err := model.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "q"}},
	})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("err = %v, want ErrRateLimit", err)
	}
}

func TestOpenAIChatParsesToolCalls(t *testing.T) {
	model, _ := newServerModel(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"id": "chatcmpl-2",
			"choices": [{"message": {
				"role": "assistant",
				"tool_calls": [{
					"id": "call-1", "type": "function",
					"function": {"name": "search", "arguments": "{\"q\": \"go\"}"}
				}]
			}}]
		}`)
	})

	resp, err := model.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "q"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.Name != "search" || string(call.Arguments) != `{"q": "go"}` {
		t.Errorf("call = %+v", call)
	}
}
