// Package config loads and validates the orchestrator's YAML configuration,
// including environment overrides and encrypted secret handling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Includes []string `yaml:"includes,omitempty"`

	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Model        ModelConfig        `yaml:"model"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	TieBreak     TieBreakConfig     `yaml:"tie_break"`
	ContextGuard ContextGuardConfig `yaml:"context_guard"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Experts      []ExpertConfig     `yaml:"experts"`
	MCPServers   []MCPServer        `yaml:"mcp_servers"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// ModelConfig describes the leader's backing model.
type ModelConfig struct {
	Name        string  `yaml:"name"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"` // may carry an "enc:" prefix
	Encoding    string  `yaml:"encoding,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
}

// OrchestratorConfig tunes the leader's planning loop.
type OrchestratorConfig struct {
	MaxSteps                int     `yaml:"max_steps"`
	TieBreakTopK            int     `yaml:"tie_break_top_k"`
	ClosenessThreshold      float64 `yaml:"closeness_threshold"`
	AllowUnverifiedFallback bool    `yaml:"allow_unverified_fallback"`
	SystemPrompt            string  `yaml:"system_prompt,omitempty"`
}

// TieBreakConfig caps tie-break model calls and tunes reply matching.
type TieBreakConfig struct {
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
	// FuzzyCutoff is the minimum similarity for a model reply to match a
	// candidate name.
	FuzzyCutoff float64 `yaml:"fuzzy_cutoff"`
}

// ContextGuardConfig bounds prompt size.
type ContextGuardConfig struct {
	MaxTokens     int     `yaml:"max_tokens"`
	ReserveTokens int     `yaml:"reserve_tokens"`
	SafetyMargin  float64 `yaml:"safety_margin"`
}

// BreakerConfig configures model circuit breaking.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// SupervisorConfig tunes agent lifecycle management.
type SupervisorConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	CloseTimeout  time.Duration `yaml:"close_timeout"`
}

// ExpertConfig declares one routable expert.
type ExpertConfig struct {
	Name         string   `yaml:"name"`
	Categories   []string `yaml:"categories"`
	Keywords     []string `yaml:"keywords"`
	LiveOK       bool     `yaml:"live_ok"`
	CostHint     int      `yaml:"cost_hint"`
	LatencyHint  int      `yaml:"latency_hint"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Model: ModelConfig{
			Encoding:  "cl100k_base",
			MaxTokens: 4096,
		},
		Orchestrator: OrchestratorConfig{
			MaxSteps:                8,
			TieBreakTopK:            3,
			ClosenessThreshold:      0.25,
			AllowUnverifiedFallback: true,
		},
		TieBreak: TieBreakConfig{
			RateLimit:   30,
			RateWindow:  time.Minute,
			FuzzyCutoff: 0.6,
		},
		ContextGuard: ContextGuardConfig{
			MaxTokens:     128000,
			ReserveTokens: 1000,
			SafetyMargin:  0.15,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Supervisor: SupervisorConfig{
			RetryInterval: time.Minute,
			CloseTimeout:  10 * time.Second,
		},
	}
}

// Load reads, merges, and validates the config at path. A missing file
// yields defaults plus environment overrides. Secrets carrying an "enc:"
// prefix are decrypted with the ENSEMBLE_CONFIG_KEY passphrase.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Includes merge first; the main file then re-applies so it wins.
	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("ENSEMBLE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ENSEMBLE_* env vars onto config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENSEMBLE_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ENSEMBLE_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ENSEMBLE_MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("ENSEMBLE_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("ENSEMBLE_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("ENSEMBLE_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.MaxSteps = n
		}
	}
	if v := os.Getenv("ENSEMBLE_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true" || v == "1"
	}
}

// decryptSecrets resolves every "enc:" value in the config.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Model.APIKey, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Model.APIKey, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("model api_key: %w", err)
		}
		cfg.Model.APIKey = decrypted
	}
	for i := range cfg.MCPServers {
		for k, v := range cfg.MCPServers[i].Env {
			if strings.HasPrefix(v, "enc:") {
				decrypted, err := DecryptValue(strings.TrimPrefix(v, "enc:"), passphrase)
				if err != nil {
					return fmt.Errorf("mcp server %s env %s: %w", cfg.MCPServers[i].Name, k, err)
				}
				cfg.MCPServers[i].Env[k] = decrypted
			}
		}
	}
	return nil
}
