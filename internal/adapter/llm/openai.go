package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ensemble-ai/internal/domain"
	"ensemble-ai/internal/infra/config"
	"ensemble-ai/internal/infra/tracer"
)

const defaultChatTimeout = 120 * time.Second

// OpenAIModel implements domain.Model against any OpenAI-compatible chat
// completions endpoint. It also implements domain.ToolBinder: bound schemas
// are sent when a request carries none of its own.
type OpenAIModel struct {
	model   string
	apiKey  string
	baseURL string
	temp    float64
	maxTok  int
	client  *http.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	bound []domain.ToolSchema
}

// NewOpenAIModel creates a model client from configuration.
func NewOpenAIModel(cfg config.ModelConfig, logger *slog.Logger) *OpenAIModel {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIModel{
		model:   cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		temp:    cfg.Temperature,
		maxTok:  cfg.MaxTokens,
		client:  &http.Client{Timeout: defaultChatTimeout},
		logger:  logger,
	}
}

func (m *OpenAIModel) Name() string { return m.model }

// BindTools replaces the default tool set sent with requests.
func (m *OpenAIModel) BindTools(schemas []domain.ToolSchema) {
	m.mu.Lock()
	m.bound = schemas
	m.mu.Unlock()
	m.logger.Debug("tools bound", "model", m.model, "count", len(schemas))
}

// Chat implements domain.Model.
func (m *OpenAIModel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "model.chat",
		trace.WithAttributes(tracer.StringAttr("model.name", m.model)))
	defer span.End()

	if len(req.Tools) == 0 {
		m.mu.RLock()
		req.Tools = m.bound
		m.mu.RUnlock()
	}
	if req.Temperature == 0 {
		req.Temperature = m.temp
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = m.maxTok
	}

	body, err := json.Marshal(m.toWire(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode == http.StatusTooManyRequests {
		err := domain.NewDomainError("OpenAIModel.Chat", domain.ErrRateLimit, truncateBody(respBody))
		tracer.RecordError(span, err)
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		err := fmt.Errorf("chat request: status %d: %s", httpResp.StatusCode, truncateBody(respBody))
		tracer.RecordError(span, err)
		return nil, err
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	resp := fromWire(wire)

	span.SetAttributes(
		tracer.IntAttr("model.tokens.prompt", resp.Usage.PromptTokens),
		tracer.IntAttr("model.tokens.completion", resp.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	m.logger.Debug("chat completed",
		"model", m.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp, nil
}

// --- wire types ---

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireCallFunction `json:"function"`
}

type wireCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
	Created int64        `json:"created"`
}

type wireChoice struct {
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (m *OpenAIModel) toWire(req domain.ChatRequest) wireRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		// Thought messages never reach the wire.
		if msg.IsThought() {
			continue
		}
		wm := wireMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == domain.RoleTool {
			wm.Name = msg.Name
			wm.ToolCallID = msg.ToolCallID
		}
		for _, call := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   call.ID,
				Type: "function",
				Function: wireCallFunction{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		msgs = append(msgs, wm)
	}

	out := wireRequest{
		Model:     m.model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for _, schema := range req.Tools {
		params := schema.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type": "object"}`)
		}
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromWire(resp wireResponse) *domain.ChatResponse {
	out := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		CreatedAt: time.Unix(resp.Created, 0),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0].Message
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   choice.Content,
		Timestamp: time.Now(),
	}
	for _, call := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	out.Message = msg
	return out
}

func truncateBody(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
