// Package config loads the engine's configuration from a YAML file
// with environment-variable overrides. One process, one deployment
// target: a single YAML file plus env overrides, no per-environment
// config layering.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's full configuration surface: the backfill
// knobs (backoff base, history and archive page sizes) plus the
// ambient ones a runnable process needs. The executor's queue capacity
// is fixed in internal/executor and is not configured here.
type Config struct {
	// Database is the path to the sqlite file the store opens.
	Database string `yaml:"database"`

	// Backfill controls the planner/worker's page sizes and backoff.
	Backfill BackfillConfig `yaml:"backfill"`

	// Control is the optional operator status surface.
	Control ControlConfig `yaml:"control"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// BackfillConfig mirrors the configuration surface named in the
// external interfaces section.
type BackfillConfig struct {
	BackoffBase     time.Duration `yaml:"backoff_base"`
	HistoryPageSize int           `yaml:"history_page_size"`
	ArchivePageSize int           `yaml:"archive_page_size"`
}

// ControlConfig configures the optional HTTP+WebSocket status surface.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token"`
}

// Default returns the configuration named throughout SPEC_FULL's
// external-interfaces section.
func Default() Config {
	return Config{
		Database: "tracker.db",
		Backfill: BackfillConfig{
			BackoffBase:     10 * time.Second,
			HistoryPageSize: 1000,
			ArchivePageSize: 50,
		},
		Control: ControlConfig{
			Enabled: false,
			Addr:    ":8089",
		},
		LogLevel: "info",
	}
}

// Load reads path (if it exists) over the defaults, then applies
// TRACKER_-prefixed environment variable overrides against this
// engine's small, fixed key set.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRACKER_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("TRACKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TRACKER_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backfill.BackoffBase = d
		}
	}
	if v := os.Getenv("TRACKER_HISTORY_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backfill.HistoryPageSize = n
		}
	}
	if v := os.Getenv("TRACKER_ARCHIVE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backfill.ArchivePageSize = n
		}
	}
	if v := os.Getenv("TRACKER_CONTROL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Control.Enabled = b
		}
	}
	if v := os.Getenv("TRACKER_CONTROL_ADDR"); v != "" {
		cfg.Control.Addr = v
	}
	if v := os.Getenv("TRACKER_CONTROL_ADMIN_TOKEN"); v != "" {
		cfg.Control.AdminToken = v
	}
}

func (c Config) validate() error {
	if c.Database == "" {
		return fmt.Errorf("config: database path must not be empty")
	}
	if c.Backfill.HistoryPageSize <= 0 {
		return fmt.Errorf("config: backfill.history_page_size must be positive")
	}
	if c.Backfill.ArchivePageSize <= 0 {
		return fmt.Errorf("config: backfill.archive_page_size must be positive")
	}
	if c.Backfill.BackoffBase <= 0 {
		return fmt.Errorf("config: backfill.backoff_base must be positive")
	}
	if c.Control.Enabled && c.Control.AdminToken == "" {
		return fmt.Errorf("config: control.admin_token is required when control.enabled is true")
	}
	return nil
}
