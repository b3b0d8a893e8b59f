// Package config holds daemon configuration: pool sizing, enforcement
// limits, and the external agent command line.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PoolConfig holds configuration for the worker server pool
type PoolConfig struct {
	// MinIdle is the target number of pre-warmed idle workers
	MinIdle int `yaml:"min_idle" mapstructure:"min_idle"`
	// MaxTotal is the hard cap on concurrent worker processes.
	// Always clamped to be >= MinIdle.
	MaxTotal int `yaml:"max_total" mapstructure:"max_total"`
	// ColdStartFallback makes Acquire return no lease instead of an error
	// when the pool is at capacity, signalling the caller to launch the
	// agent process directly
	ColdStartFallback bool `yaml:"cold_start_fallback" mapstructure:"cold_start_fallback"`
	// StartupTimeout bounds the readiness wait for a spawned worker
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout"`
	// Enabled turns the pool off entirely when false
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// EnforcerConfig holds configuration for the completion enforcer
type EnforcerConfig struct {
	// MaxContinuationAttempts is the circuit breaker limit on
	// continuation prompts per task
	MaxContinuationAttempts int `yaml:"max_continuation_attempts" mapstructure:"max_continuation_attempts"`
}

// AgentConfig describes how to launch the external agent CLI in server mode
type AgentConfig struct {
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`
}

// Config is the root daemon configuration
type Config struct {
	Pool     PoolConfig     `yaml:"pool" mapstructure:"pool"`
	Enforcer EnforcerConfig `yaml:"enforcer" mapstructure:"enforcer"`
	Agent    AgentConfig    `yaml:"agent" mapstructure:"agent"`
}

// DefaultPoolConfig returns default configuration for the server pool
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinIdle:           DefaultMinIdle,
		MaxTotal:          DefaultMaxTotal,
		ColdStartFallback: true,
		StartupTimeout:    DefaultStartupTimeout,
		Enabled:           true,
	}
}

// DefaultEnforcerConfig returns default configuration for the enforcer
func DefaultEnforcerConfig() EnforcerConfig {
	return EnforcerConfig{
		MaxContinuationAttempts: DefaultMaxContinuationAttempts,
	}
}

// DefaultConfig returns the root configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Pool:     DefaultPoolConfig(),
		Enforcer: DefaultEnforcerConfig(),
	}
}

// Normalize clamps inconsistent pool settings instead of rejecting them.
// MaxTotal is raised to MinIdle, negative counts become zero, and a
// missing startup timeout falls back to the default.
func (pc *PoolConfig) Normalize() {
	if pc.MinIdle < 0 {
		pc.MinIdle = 0
	}
	if pc.MaxTotal < pc.MinIdle {
		pc.MaxTotal = pc.MinIdle
	}
	if pc.StartupTimeout <= 0 {
		pc.StartupTimeout = DefaultStartupTimeout
	}
}

// Validate checks settings that cannot be repaired by Normalize
func (c *Config) Validate() error {
	if c.Enforcer.MaxContinuationAttempts < 0 {
		return errors.New("enforcer.max_continuation_attempts must be non-negative")
	}
	if c.Agent.Command == "" {
		return errors.New("agent.command is required")
	}
	return nil
}

// Load reads configuration from agentd.yaml (working directory or
// $XDG_CONFIG_HOME/agentd), layered over defaults, with AGENTD_* env
// variable overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("agentd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(filepath.Join(xdg, "agentd"))
	}
	home, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(home, ".config", "agentd"))

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; defaults plus env are fine.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Pool.Normalize()
	return cfg, nil
}

// LoadFile reads configuration from an explicit path, layered over defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config %s: %w", path, err)
	}

	cfg.Pool.Normalize()
	return cfg, nil
}
