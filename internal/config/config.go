// Package config loads the YAML configuration of the dynamics engine and applies
// environment overrides on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psychesim/dynamics/internal/analysis"
	"github.com/psychesim/dynamics/internal/audit"
	"github.com/psychesim/dynamics/internal/broadcast"
	"github.com/psychesim/dynamics/internal/engine"
	"github.com/psychesim/dynamics/internal/graph"
	"github.com/psychesim/dynamics/internal/journal"
	"github.com/psychesim/dynamics/internal/models"
	"github.com/psychesim/dynamics/internal/prompt"
	"github.com/psychesim/dynamics/internal/store"
	"github.com/psychesim/dynamics/internal/topology"
)

// LoggingConfig selects the zap logger
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// JournalConfig enables the Badger journal
type JournalConfig struct {
	Enabled        bool `yaml:"enabled"`
	journal.Config `yaml:",inline"`
}

// AuditConfig enables the SQLite round ledger
type AuditConfig struct {
	Enabled      bool `yaml:"enabled"`
	audit.Config `yaml:",inline"`
}

// GraphConfig enables the Dgraph topology mirror
type GraphConfig struct {
	Enabled      bool `yaml:"enabled"`
	graph.Config `yaml:",inline"`
}

// RetentionConfig controls periodic pruning of the adaptation history kept in memory
// and in the journal
type RetentionConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables pruning
	MaxAge   time.Duration `yaml:"max_age"`
}

// Config is the complete engine configuration
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Store     store.Config     `yaml:"store"`
	Analysis  analysis.Config  `yaml:"analysis"`
	Prompt    prompt.Config    `yaml:"prompt"`
	Topology  topology.Config  `yaml:"topology"`
	Broadcast broadcast.Config `yaml:"broadcast"`
	Session   engine.Config    `yaml:"session"`
	Journal   JournalConfig    `yaml:"journal"`
	Audit     AuditConfig      `yaml:"audit"`
	Graph     GraphConfig      `yaml:"graph"`
	Retention RetentionConfig  `yaml:"retention"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info"},
		Store:     *store.DefaultConfig(),
		Analysis:  *analysis.DefaultConfig(),
		Prompt:    *prompt.DefaultConfig(),
		Topology:  *topology.DefaultConfig(),
		Broadcast: *broadcast.DefaultConfig(),
		Session:   *engine.DefaultConfig(),
		Journal:   JournalConfig{Enabled: true, Config: *journal.DefaultConfig()},
		Audit:     AuditConfig{Enabled: true, Config: *audit.DefaultConfig()},
		Graph:     GraphConfig{Config: *graph.DefaultConfig()},
		Retention: RetentionConfig{Interval: 10 * time.Minute, MaxAge: 24 * time.Hour},
	}
}

// DefaultPath returns ~/.psyche/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".psyche", "config.yaml")
	}
	return filepath.Join(home, ".psyche", "config.yaml")
}

// Load reads path over the defaults, applies PSYCHE_* environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, models.NewConfigurationError("file", "failed to parse %s: %v", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating the directory if needed
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Analysis.Validate(); err != nil {
		return err
	}
	if err := c.Prompt.Validate(); err != nil {
		return err
	}
	if err := c.Topology.Validate(); err != nil {
		return err
	}
	if err := c.Broadcast.Validate(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if c.Journal.Enabled {
		if err := c.Journal.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Audit.Enabled {
		if err := c.Audit.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Graph.Enabled {
		if err := c.Graph.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Retention.Interval < 0 {
		return models.NewConfigurationError("retention.interval", "must not be negative")
	}
	if c.Retention.Interval > 0 && c.Retention.MaxAge <= 0 {
		return models.NewConfigurationError("retention.max_age", "must be positive when pruning is enabled")
	}
	return nil
}

func parseLevel(level string) (string, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "", "debug", "info", "warn", "warning", "error":
		return l, nil
	}
	return "", models.NewConfigurationError("logging.level", "unknown level %q", level)
}

// applyEnvOverrides applies PSYCHE_* environment variables
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("PSYCHE_REDIS_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("PSYCHE_PREFIX"); v != "" {
		c.Store.Prefix = v
	}
	if v := os.Getenv("PSYCHE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PSYCHE_DGRAPH_ALPHA"); v != "" {
		c.Graph.AlphaURL = v
		c.Graph.Enabled = true
	}
	if v := os.Getenv("PSYCHE_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("PSYCHE_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}

	ints := []struct {
		env    string
		target *int
	}{
		{"PSYCHE_POOL_SIZE", &c.Store.PoolSize},
		{"PSYCHE_HISTORY_WINDOW", &c.Analysis.HistoryWindow},
		{"PSYCHE_MAX_QUEUE_SIZE", &c.Topology.MaxQueueSize},
		{"PSYCHE_PATH_SWITCH_DELAY", &c.Topology.PathSwitchDelay},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return models.NewConfigurationError(o.env, "not an integer: %q", v)
		}
		*o.target = n
	}

	floats := []struct {
		env    string
		target *float64
	}{
		{"PSYCHE_EMERGENCY_THRESHOLD", &c.Topology.EmergencyThreshold},
		{"PSYCHE_CRITICAL_THRESHOLD", &c.Topology.CriticalThreshold},
	}
	for _, o := range floats {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return models.NewConfigurationError(o.env, "not a number: %q", v)
		}
		*o.target = f
	}
	return nil
}
