// Command ensemblectl runs and inspects the expert-ensemble orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ensemble-ai/internal/adapter/llm"
	"ensemble-ai/internal/adapter/tool"
	"ensemble-ai/internal/domain"
	"ensemble-ai/internal/infra/config"
	"ensemble-ai/internal/infra/logger"
	"ensemble-ai/internal/infra/tracer"
	"ensemble-ai/internal/usecase"
	"ensemble-ai/internal/usecase/eventbus"
	"ensemble-ai/internal/usecase/experts"
)

const defaultConfigPath = "ensemble.yaml"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runTask(os.Args[2:])
	case "check":
		err = checkConfig(os.Args[2:])
	case "route":
		err = routeStep(os.Args[2:])
	case "encrypt":
		err = encryptSecret(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		showUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Print(`ensemblectl - leader/expert agent orchestrator

Usage:
  ensemblectl run "task..."      run one task through the leader
  ensemblectl check [config]     validate a config file
  ensemblectl route "step..."    show deterministic expert ranking for a step
  ensemblectl encrypt <value>    encrypt a secret for config use
  ensemblectl help               show this help

Environment:
  ENSEMBLE_CONFIG       config path (default ensemble.yaml)
  ENSEMBLE_CONFIG_KEY   passphrase for enc: secrets
`)
}

func configPath() string {
	if p := os.Getenv("ENSEMBLE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// runTask wires the full stack and runs one leader invocation.
func runTask(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ensemblectl run \"task...\"")
	}
	task := strings.Join(args, " ")

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()

	base := llm.NewOpenAIModel(cfg.Model, log)
	model := llm.NewBreakerModel(base, llm.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		Interval:    cfg.Breaker.Interval,
	}, log)

	counter, err := llm.NewTiktokenCounter(cfg.Model.Encoding, log)
	if err != nil {
		return err
	}
	guard := usecase.NewContextGuard(usecase.ContextGuardConfig{
		MaxTokens:     cfg.ContextGuard.MaxTokens,
		ReserveTokens: cfg.ContextGuard.ReserveTokens,
		SafetyMargin:  cfg.ContextGuard.SafetyMargin,
	}, counter, log)

	// Tooling is optional: without MCP servers, experts run model-only.
	var (
		source   domain.ToolSource
		executor usecase.ToolExecutor
	)
	if len(cfg.MCPServers) > 0 {
		runtime, err := tool.NewMCPRuntime(ctx, cfg.MCPServers, bus, log)
		if err != nil {
			return err
		}
		defer runtime.Close()
		runtime.RegisterBinder(model)
		source = runtime.Tools
		executor = tool.NewResilientExecutor(runtime.Tools, runtime, bus, log)
	}

	limiter := tool.NewRateLimiter(cfg.TieBreak.RateLimit, cfg.TieBreak.RateWindow)
	tieBreaker := usecase.NewTieBreaker(model, limiter, log,
		usecase.WithFuzzyCutoff(cfg.TieBreak.FuzzyCutoff))

	policy := usecase.DefaultRankPolicy()
	policy.AllowUnverifiedFallback = cfg.Orchestrator.AllowUnverifiedFallback

	leader := usecase.NewLeader("leader", model, tieBreaker, guard, bus, usecase.LeaderConfig{
		MaxSteps:           cfg.Orchestrator.MaxSteps,
		TieBreakTopK:       cfg.Orchestrator.TieBreakTopK,
		ClosenessThreshold: cfg.Orchestrator.ClosenessThreshold,
		RankPolicy:         policy,
		SystemPrompt:       cfg.Orchestrator.SystemPrompt,
	}, log)

	registry := experts.NewRegistry(bus, log)
	if err := registry.Register(experts.Entry{Agent: leader, Kind: domain.KindLeader}); err != nil {
		return err
	}
	for _, ec := range cfg.Experts {
		profile := domain.ExpertProfile{
			Name:        ec.Name,
			Categories:  ec.Categories,
			Keywords:    ec.Keywords,
			LiveOK:      ec.LiveOK,
			CostHint:    ec.CostHint,
			LatencyHint: ec.LatencyHint,
		}
		opts := []usecase.ExpertOption{usecase.WithExpertGuard(guard)}
		if source != nil {
			opts = append(opts, usecase.WithExpertTools(source, executor))
		}
		agent := usecase.NewExpertAgent(profile, model, ec.SystemPrompt, log, opts...)
		if err := registry.Register(experts.Entry{Agent: agent, Kind: domain.KindExpert, Profile: profile}); err != nil {
			return err
		}
	}

	supervisor := usecase.NewSupervisor(registry, bus, usecase.SupervisorConfig{
		RetryInterval: cfg.Supervisor.RetryInterval,
		CloseTimeout:  cfg.Supervisor.CloseTimeout,
	}, log)
	if err := supervisor.Start(ctx); err != nil {
		return err
	}
	if err := supervisor.StartRetryLoop(ctx); err != nil {
		return err
	}
	defer supervisor.Close(context.Background())

	unsubscribe := bus.Subscribe(domain.EventThoughtEmitted, func(_ context.Context, ev domain.Event) {
		fmt.Fprintf(os.Stderr, "· %s\n", ev.Payload)
	})
	defer unsubscribe()

	graph, ok := registry.Graph(leader.Name())
	if !ok {
		return fmt.Errorf("leader failed to initialize")
	}
	delta, err := graph.Invoke(ctx, domain.State{}, task)
	if err != nil {
		return err
	}

	for i := len(delta.Messages) - 1; i >= 0; i-- {
		m := delta.Messages[i]
		if m.Role == domain.RoleAssistant && m.Content != "" {
			fmt.Println(m.Content)
			return nil
		}
	}
	return fmt.Errorf("no answer produced")
}

// checkConfig loads and validates a config file.
func checkConfig(args []string) error {
	path := configPath()
	if len(args) > 0 {
		path = args[0]
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("ok: %d expert(s), %d mcp server(s)\n", len(cfg.Experts), len(cfg.MCPServers))
	return nil
}

// routeStep prints the deterministic ranking for a step, without any model
// call. Useful for tuning expert categories and keywords.
func routeStep(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ensemblectl route \"step...\"")
	}
	step := strings.Join(args, " ")

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	profiles := make([]domain.ExpertProfile, 0, len(cfg.Experts))
	for _, ec := range cfg.Experts {
		profiles = append(profiles, domain.ExpertProfile{
			Name:        ec.Name,
			Categories:  ec.Categories,
			Keywords:    ec.Keywords,
			LiveOK:      ec.LiveOK,
			CostHint:    ec.CostHint,
			LatencyHint: ec.LatencyHint,
		})
	}

	policy := usecase.DefaultRankPolicy()
	policy.AllowUnverifiedFallback = cfg.Orchestrator.AllowUnverifiedFallback
	ranked := usecase.Rank(step, profiles, policy)
	if len(ranked) == 0 {
		fmt.Println("no candidates")
		return nil
	}
	for i, s := range ranked {
		live := "live"
		if !s.Profile.LiveOK {
			live = "unverified"
		}
		fmt.Printf("%2d. %-24s score=%.1f cost=%d latency=%d %s\n",
			i+1, s.Profile.Name, s.Score, s.Profile.CostHint, s.Profile.LatencyHint, live)
	}
	return nil
}

// encryptSecret emits an enc: value for use in config files.
func encryptSecret(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ensemblectl encrypt <value>")
	}
	passphrase := os.Getenv("ENSEMBLE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("ENSEMBLE_CONFIG_KEY is not set")
	}
	encrypted, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + encrypted)
	return nil
}
