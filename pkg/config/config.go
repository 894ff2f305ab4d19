// Package config loads Marcus server configuration from an optional YAML
// file overlaid by MARCUS_-prefixed environment variables, so deployments
// can layer env vars over a committed base file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs a Marcus deployment may set. YAML tags
// drive file parsing; env tags (prefix MARCUS_) drive the overlay.
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Kanban   KanbanConfig   `yaml:"kanban" envPrefix:"KANBAN_"`
	Lease    LeaseConfig    `yaml:"lease" envPrefix:"LEASE_"`
	Breaker  BreakerConfig  `yaml:"breaker" envPrefix:"BREAKER_"`
	AI       AIConfig       `yaml:"ai" envPrefix:"AI_"`
	DataDir  string         `yaml:"data_dir" env:"DATA_DIR"`
}

// ServerConfig controls the MCP-surface listener.
type ServerConfig struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR"`
}

// KanbanConfig selects the active KanbanProvider and its credentials.
// Credentials are a flat map so each provider's Factory (pkg/kanban/registry.go)
// can pull whatever keys it needs without Config knowing provider internals.
type KanbanConfig struct {
	Provider string            `yaml:"provider" env:"PROVIDER"`
	Config   map[string]string `yaml:"config"`
}

// LeaseConfig overrides AssignmentStore/LeaseMonitor defaults.
type LeaseConfig struct {
	MinDuration   time.Duration `yaml:"min_duration" env:"MIN_DURATION"`
	MaxDuration   time.Duration `yaml:"max_duration" env:"MAX_DURATION"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	StaleAfter    time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
}

// BreakerConfig overrides the per-endpoint circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" env:"CONSECUTIVE_FAILURES"`
	OpenDuration        time.Duration `yaml:"open_duration" env:"OPEN_DURATION"`
}

// AIConfig selects the AIClient implementation and its API key. Only used to
// construct the AIClient value handed to ProjectBuilder — the provider's own
// wire semantics are out of scope.
type AIConfig struct {
	Provider string `yaml:"provider" env:"PROVIDER"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	Model    string `yaml:"model" env:"MODEL"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL"`
}

// Defaults returns a Config with every documented default filled in: 30s
// lease sweep, 5min stale-after, 5 consecutive failures / 60s breaker open.
func Defaults() Config {
	return Config{
		Server: ServerConfig{BindAddr: ":8585"},
		Kanban: KanbanConfig{Provider: "local", Config: map[string]string{}},
		Lease: LeaseConfig{
			MinDuration:   30 * time.Minute,
			MaxDuration:   24 * time.Hour,
			SweepInterval: 30 * time.Second,
			StaleAfter:    5 * time.Minute,
		},
		Breaker: BreakerConfig{ConsecutiveFailures: 5, OpenDuration: 60 * time.Second},
		AI:      AIConfig{Provider: "anthropic", Model: "claude-sonnet-4"},
		DataDir: "./data",
	}
}

// Load builds a Config starting from Defaults, unmarshaling yamlPath over it
// if non-empty, then overlaying MARCUS_-prefixed environment variables.
// A missing yamlPath is not an error — env-only deployments are supported.
func Load(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", yamlPath, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "MARCUS_"}); err != nil {
		return nil, fmt.Errorf("parse environment overlay: %w", err)
	}

	return &cfg, nil
}
