package config

import (
	"fmt"
	"strings"
)

// Validate checks cross-field consistency of a loaded config.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Logger.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logger.level: unknown level %q", cfg.Logger.Level))
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logger.format: unknown format %q", cfg.Logger.Format))
	}

	if cfg.Orchestrator.MaxSteps < 1 {
		errs = append(errs, "orchestrator.max_steps: must be at least 1")
	}
	if cfg.Orchestrator.TieBreakTopK < 1 {
		errs = append(errs, "orchestrator.tie_break_top_k: must be at least 1")
	}
	if cfg.Orchestrator.ClosenessThreshold < 0 || cfg.Orchestrator.ClosenessThreshold >= 1 {
		errs = append(errs, "orchestrator.closeness_threshold: must be in [0, 1)")
	}
	if cfg.ContextGuard.SafetyMargin < 0 || cfg.ContextGuard.SafetyMargin > 0.5 {
		errs = append(errs, "context_guard.safety_margin: must be in [0, 0.5]")
	}
	if cfg.TieBreak.RateLimit < 0 {
		errs = append(errs, "tie_break.rate_limit: must not be negative")
	}
	if cfg.TieBreak.FuzzyCutoff <= 0 || cfg.TieBreak.FuzzyCutoff > 1 {
		errs = append(errs, "tie_break.fuzzy_cutoff: must be in (0, 1]")
	}

	seen := map[string]bool{}
	for i, e := range cfg.Experts {
		if e.Name == "" {
			errs = append(errs, fmt.Sprintf("experts[%d]: name is required", i))
			continue
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Sprintf("experts[%d]: duplicate name %q", i, e.Name))
		}
		seen[e.Name] = true
		if e.CostHint < 0 || e.CostHint > 3 {
			errs = append(errs, fmt.Sprintf("experts[%d] %s: cost_hint must be 0-3", i, e.Name))
		}
		if e.LatencyHint < 0 || e.LatencyHint > 3 {
			errs = append(errs, fmt.Sprintf("experts[%d] %s: latency_hint must be 0-3", i, e.Name))
		}
	}

	for i, srv := range cfg.MCPServers {
		if srv.Name == "" {
			errs = append(errs, fmt.Sprintf("mcp_servers[%d]: name is required", i))
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Sprintf("mcp_servers[%d] %s: command is required for stdio", i, srv.Name))
			}
		case "http":
			if srv.URL == "" {
				errs = append(errs, fmt.Sprintf("mcp_servers[%d] %s: url is required for http", i, srv.Name))
			}
		default:
			errs = append(errs, fmt.Sprintf("mcp_servers[%d] %s: unsupported transport %q", i, srv.Name, srv.Transport))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
