package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"ensemble-ai/internal/domain"
)

// Refresher re-establishes tool client sessions and rebinds models.
// *MCPRuntime satisfies this.
type Refresher interface {
	RefreshAndBind(ctx context.Context) error
}

// ResilientExecutor runs a batch of model tool calls with one bounded
// recovery path: the first transient failure in a batch triggers a single
// client refresh and exactly one retry of the failing call. The budget is
// per batch, not per call, so a dead backend cannot trigger a reconnect
// storm; once spent, every further transient failure in the batch becomes an
// error tool-result message so the model can react. Non-transient execution
// errors propagate to the caller immediately.
//
// Tools are fetched from the source on every attempt, never cached, so a
// retry runs against the post-refresh client.
type ResilientExecutor struct {
	source    domain.ToolSource
	refresher Refresher
	bus       domain.EventBus
	logger    *slog.Logger
}

// NewResilientExecutor wires the executor. refresher and bus are optional;
// without a refresher, transient failures skip recovery and fail as errors.
func NewResilientExecutor(source domain.ToolSource, refresher Refresher, bus domain.EventBus, logger *slog.Logger) *ResilientExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientExecutor{
		source:    source,
		refresher: refresher,
		bus:       bus,
		logger:    logger,
	}
}

// Execute runs every call in order and returns one tool-result message per
// call. A fatal (non-transient) error aborts the batch.
func (e *ResilientExecutor) Execute(ctx context.Context, calls []domain.ToolCall) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(calls))
	refreshed := false
	for _, call := range calls {
		msg, err := e.executeOne(ctx, call, &refreshed)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// executeOne runs a single call. refreshed is the batch-wide recovery budget:
// it flips to true on the first refresh-and-retry cycle and stays spent for
// the rest of the batch.
func (e *ResilientExecutor) executeOne(ctx context.Context, call domain.ToolCall, refreshed *bool) (domain.Message, error) {
	e.publish(ctx, domain.EventToolCallStarted, call, "")

	result, err := e.attempt(ctx, call)
	if err != nil && isTransient(err) && e.refresher != nil && !*refreshed {
		*refreshed = true
		e.logger.Warn("transient tool failure, refreshing clients",
			"tool", call.Name, "error", err)
		if refreshErr := e.refresher.RefreshAndBind(ctx); refreshErr != nil {
			e.logger.Error("tool client refresh failed", "error", refreshErr)
		}
		result, err = e.attempt(ctx, call)
	}

	if err != nil {
		if isTransient(err) {
			// Recovery budget spent. Surface as a tool error the model can see.
			e.logger.Error("tool call failed, recovery budget spent", "tool", call.Name, "error", err)
			e.publish(ctx, domain.EventToolCallCompleted, call, err.Error())
			return errorResultMessage(call, err), nil
		}
		e.publish(ctx, domain.EventToolCallCompleted, call, err.Error())
		return domain.Message{}, domain.WrapOp("ResilientExecutor.Execute "+call.Name, err)
	}

	e.publish(ctx, domain.EventToolCallCompleted, call, "")
	return resultMessage(call, result), nil
}

// attempt executes the call once against a freshly fetched tool set.
// A retryable error result is converted to an error so the transient path
// can classify it.
func (e *ResilientExecutor) attempt(ctx context.Context, call domain.ToolCall) (*domain.ToolResult, error) {
	tool := e.lookup(call.Name)
	if tool == nil {
		return &domain.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %q not found", call.Name),
			IsError:    true,
		}, nil
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return nil, err
	}
	if result.IsError && result.IsRetryable {
		return nil, domain.NewDomainError("tool "+call.Name, domain.ErrStreamClosed, result.Content)
	}
	return result, nil
}

func (e *ResilientExecutor) lookup(name string) domain.Tool {
	for _, t := range e.source() {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func (e *ResilientExecutor) publish(ctx context.Context, typ domain.EventType, call domain.ToolCall, errText string) {
	if e.bus == nil {
		return
	}
	body := map[string]string{"tool": call.Name, "call_id": call.ID}
	if errText != "" {
		body["error"] = errText
	}
	payload, _ := json.Marshal(body)
	e.bus.Publish(ctx, domain.Event{Type: typ, Timestamp: time.Now(), Payload: payload})
}

func resultMessage(call domain.ToolCall, result *domain.ToolResult) domain.Message {
	return domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    result.Content,
		Timestamp:  time.Now(),
	}
}

func errorResultMessage(call domain.ToolCall, err error) domain.Message {
	return domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    fmt.Sprintf("tool %q failed: %v", call.Name, err),
		Timestamp:  time.Now(),
	}
}
