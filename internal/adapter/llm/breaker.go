// Package llm contains model-side adapters: resilience wrappers and token
// accounting for any domain.Model backend.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"ensemble-ai/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures model circuit breaking.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the closed-state cycle for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// BreakerModel wraps a domain.Model with a circuit breaker. After repeated
// failures the circuit opens and calls fail fast without reaching the
// backend, preventing retry storms against a degraded model endpoint.
type BreakerModel struct {
	inner   domain.Model
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
	logger  *slog.Logger
}

// NewBreakerModel wraps inner with a circuit breaker. Zero-valued config
// fields fall back to defaults.
func NewBreakerModel(inner domain.Model, cfg BreakerConfig, logger *slog.Logger) *BreakerModel {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "model:" + inner.Name(),
		MaxRequests: 1, // one probe in half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("model circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &BreakerModel{inner: inner, breaker: cb, logger: logger}
}

func (m *BreakerModel) Name() string { return m.inner.Name() }

// Chat routes the call through the circuit breaker.
func (m *BreakerModel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := m.breaker.Execute(func() (*domain.ChatResponse, error) {
		return m.inner.Chat(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("model %q circuit open: %w", m.inner.Name(), err)
		}
		return nil, err
	}
	return resp, nil
}

// BindTools forwards to the inner model when it supports tool binding.
func (m *BreakerModel) BindTools(schemas []domain.ToolSchema) {
	if b, ok := m.inner.(domain.ToolBinder); ok {
		b.BindTools(schemas)
	}
}
