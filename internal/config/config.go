// Package config loads the engine's configuration surface (spec §6): the
// branching factor, model selections, semaphore/retry limits, and the
// ambient logging/storage paths cmd/cotaudit needs to wire everything
// together. Grounded on core/internal/config/config.go (viper + yaml.v3,
// env-var override convention, default-file bootstrap via writeConfigFile)
// but scoped down to exactly the fields this engine's components consume —
// the teacher's config carries dozens of unrelated product surfaces
// (voice, vision, sync, sleep cycle) that have no SPEC_FULL.md home.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// AdapterConfig configures one named model back end (§6: "judge_model,
// solver_model: names understood by the adapter factory").
type AdapterConfig struct {
	// Kind selects the adapter family: "hosted-remote", "self-hosted", or
	// "in-process".
	Kind        string  `mapstructure:"kind" yaml:"kind"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model       string  `mapstructure:"model" yaml:"model,omitempty"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
}

// EngineConfig is the full configuration surface of §6.
type EngineConfig struct {
	// BranchingFactor is C4's k: integer >= 1 (default 3).
	BranchingFactor int `mapstructure:"branching_factor" yaml:"branching_factor"`

	// SolverModel / JudgeModel name entries in Adapters.
	SolverModel string `mapstructure:"solver_model" yaml:"solver_model"`
	JudgeModel  string `mapstructure:"judge_model" yaml:"judge_model"`

	// Adapters maps a model name (as referenced by SolverModel/JudgeModel
	// and the CLI's --solver-model/--judge-model flags) to its adapter
	// configuration.
	Adapters map[string]AdapterConfig `mapstructure:"adapters" yaml:"adapters"`

	// SemaphoreLimitRemote / SemaphoreLimitLocal cap concurrent in-flight
	// requests per §5 (defaults: 20 remote, 1 local).
	SemaphoreLimitRemote int `mapstructure:"semaphore_limit_remote" yaml:"semaphore_limit_remote"`
	SemaphoreLimitLocal  int `mapstructure:"semaphore_limit_local" yaml:"semaphore_limit_local"`

	// MaxRetries is the retry budget for RateLimited/Transport errors
	// (default 5). It is validated here but not passed to the adapters,
	// which do not retry their calls (see providers.WithRetry).
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// JudgeCacheSize bounds C3's equivalence-evaluation LRU cache.
	JudgeCacheSize int `mapstructure:"judge_cache_size" yaml:"judge_cache_size"`

	// StorePath is the SQLite database path for persisted runs
	// (internal/store), outside the engine core proper but part of the
	// CLI's ambient wiring.
	StorePath string `mapstructure:"store_path" yaml:"store_path"`

	// LogLevel / LogFile configure internal/logging.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`
}

// Default returns the engine's default configuration: an Anthropic-shaped
// hosted-remote solver and judge model, each with its own adapter entry
// (claude-solver, claude-judge), plus a self-hosted local-llama entry, with
// the spec's default limits.
func Default() *EngineConfig {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".cotaudit")

	return &EngineConfig{
		BranchingFactor: 3,
		SolverModel:     "claude-solver",
		JudgeModel:      "claude-judge",
		Adapters: map[string]AdapterConfig{
			"claude-solver": {
				Kind:        "hosted-remote",
				Model:       "claude-3-5-haiku-20241022",
				MaxTokens:   2048,
				Temperature: 0.7,
			},
			"claude-judge": {
				Kind:        "hosted-remote",
				Model:       "claude-3-5-sonnet-20241022",
				MaxTokens:   2048,
				Temperature: 0.0,
			},
			"local-llama": {
				Kind:        "self-hosted",
				Endpoint:    "http://127.0.0.1:11434",
				Model:       "llama3",
				MaxTokens:   2048,
				Temperature: 0.7,
			},
		},
		SemaphoreLimitRemote: 20,
		SemaphoreLimitLocal:  1,
		MaxRetries:           5,
		JudgeCacheSize:       256,
		StorePath:            filepath.Join(dataDir, "runs.db"),
		LogLevel:             "info",
		LogFile:              filepath.Join(dataDir, "logs", "cotaudit.log"),
	}
}

// Load reads configuration from the default location (~/.cotaudit/config.yaml),
// creating it with defaults if absent, and merges in environment variable
// overrides.
func Load() (*EngineConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("config: resolve home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(home, ".cotaudit", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path, creating it
// with defaults if it doesn't exist yet, and merges in environment
// variable overrides (COTAUDIT_BRANCHING_FACTOR, COTAUDIT_SOLVER_MODEL,
// etc.).
func LoadFromPath(path string) (*EngineConfig, error) {
	path = expandPath(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("config: write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("COTAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal config: %w", err)
	}

	cfg.StorePath = expandPath(cfg.StorePath)
	cfg.LogFile = expandPath(cfg.LogFile)

	return cfg, nil
}

// Save writes cfg to path as YAML.
func (c *EngineConfig) Save(path string) error {
	return writeConfigFile(expandPath(path), c)
}

// Validate checks the configuration for obvious misconfiguration,
// surfaced as a ConfigError by cmd/cotaudit (spec §7: ConfigError is
// surfaced immediately, no retries).
func (c *EngineConfig) Validate() error {
	if c.BranchingFactor < 1 {
		return fmt.Errorf("branching_factor must be >= 1, got %d", c.BranchingFactor)
	}
	if c.SolverModel == "" {
		return fmt.Errorf("solver_model must be set")
	}
	if c.JudgeModel == "" {
		return fmt.Errorf("judge_model must be set")
	}
	if _, ok := c.Adapters[c.SolverModel]; !ok {
		return fmt.Errorf("solver_model %q has no adapters entry", c.SolverModel)
	}
	if _, ok := c.Adapters[c.JudgeModel]; !ok {
		return fmt.Errorf("judge_model %q has no adapters entry", c.JudgeModel)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	return nil
}

func writeConfigFile(path string, cfg *EngineConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
