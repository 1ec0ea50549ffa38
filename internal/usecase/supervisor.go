package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"ensemble-ai/internal/domain"
	"ensemble-ai/internal/usecase/experts"
)

// SupervisorConfig tunes agent lifecycle management.
type SupervisorConfig struct {
	// RetryInterval is how often failed agent initializations are retried.
	RetryInterval time.Duration
	// CloseTimeout bounds the best-effort shutdown of agent Close hooks.
	CloseTimeout time.Duration
}

// Supervisor owns the agent lifecycle: it initializes every registered
// agent, wires experts into leaders, runs background Start hooks in a shared
// scope, and retries failed initializations on a fixed schedule. A Start
// hook failing or panicking is isolated and logged; it never takes down the
// supervisor or sibling agents.
type Supervisor struct {
	registry *experts.Registry
	bus      domain.EventBus
	logger   *slog.Logger
	cfg      SupervisorConfig

	mu        sync.Mutex
	started   bool
	cron      *cron.Cron
	retryID   cron.EntryID
	retryOn   bool
	group     *errgroup.Group
	cancelBkg context.CancelFunc
}

// NewSupervisor creates a supervisor over the given registry.
func NewSupervisor(registry *experts.Registry, bus domain.EventBus, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		registry: registry,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		cron:     cron.New(),
	}
}

// Start initializes all agents, wires experts, and launches Start hooks.
// Idempotent: a second call is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	failed := s.registry.InitAll(ctx)
	s.registry.Inject(ctx)

	bkgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(bkgCtx)
	s.mu.Lock()
	s.group = group
	s.cancelBkg = cancel
	s.mu.Unlock()

	for _, name := range s.registry.Names() {
		entry, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		starter, ok := entry.Agent.(domain.Starter)
		if !ok {
			continue
		}
		name := name
		group.Go(func() error {
			s.runStarter(groupCtx, name, starter)
			return nil
		})
	}
	s.cron.Start()

	if len(failed) > 0 {
		s.logger.Warn("supervisor started with pending agents", "pending", len(failed))
	}
	return nil
}

// runStarter runs one agent's Start hook with panic isolation.
func (s *Supervisor) runStarter(ctx context.Context, name string, starter domain.Starter) {
	defer func() {
		if r := recover(); r != nil {
			s.reportAgentError(ctx, name, fmt.Errorf("start hook panic: %v", r))
		}
	}()

	s.publishLifecycle(ctx, domain.EventAgentStarted, name, "")
	s.logger.Info("agent started", "agent", name)

	if err := starter.Start(ctx); err != nil && ctx.Err() == nil {
		s.reportAgentError(ctx, name, err)
		return
	}
	s.publishLifecycle(ctx, domain.EventAgentStopped, name, "")
	s.logger.Info("agent stopped", "agent", name)
}

func (s *Supervisor) reportAgentError(ctx context.Context, name string, err error) {
	s.logger.Error("agent failed", "agent", name, "error", err,
		"code", domain.ErrorCodeOf(err))
	s.publishLifecycle(ctx, domain.EventAgentError, name, err.Error())
}

func (s *Supervisor) publishLifecycle(ctx context.Context, typ domain.EventType, agent, detail string) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"agent": agent, "detail": detail})
	s.bus.Publish(ctx, domain.Event{Type: typ, Timestamp: time.Now(), Payload: payload})
}

// StartRetryLoop schedules periodic retries of failed agent initializations.
// Each successful retry re-wires the expert set. Idempotent.
func (s *Supervisor) StartRetryLoop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryOn {
		return nil
	}

	spec := fmt.Sprintf("@every %s", s.cfg.RetryInterval)
	id, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("init retry panicked", "panic", r)
			}
		}()
		s.retryPending(ctx)
	})
	if err != nil {
		return domain.WrapOp("Supervisor.StartRetryLoop", err)
	}
	s.retryID = id
	s.retryOn = true
	s.logger.Info("init retry loop started", "interval", s.cfg.RetryInterval)
	return nil
}

// StopRetryLoop cancels the retry schedule. Idempotent.
func (s *Supervisor) StopRetryLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.retryOn {
		return
	}
	s.cron.Remove(s.retryID)
	s.retryOn = false
	s.logger.Info("init retry loop stopped")
}

func (s *Supervisor) retryPending(ctx context.Context) {
	pending := s.registry.Pending()
	if len(pending) == 0 {
		return
	}

	recovered := 0
	for _, name := range pending {
		if err := s.registry.InitAgent(ctx, name); err != nil {
			s.logger.Warn("agent init retry failed", "agent", name, "error", err)
			continue
		}
		s.logger.Info("agent init retry succeeded", "agent", name)
		recovered++
	}
	if recovered > 0 {
		s.registry.Inject(ctx)
	}
}

// Close shuts the supervisor down: retry loop first, then background Start
// hooks, then agent Close hooks under the close timeout. Close never fails;
// individual agent close errors are logged.
func (s *Supervisor) Close(ctx context.Context) {
	s.StopRetryLoop()

	s.mu.Lock()
	cronStop := s.cron.Stop()
	cancel := s.cancelBkg
	group := s.group
	s.started = false
	s.mu.Unlock()

	<-cronStop.Done()
	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}

	closeCtx, done := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CloseTimeout)
	defer done()
	s.registry.Close(closeCtx)
}
