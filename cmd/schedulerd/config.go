package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydb/relaydb/internal/config"
	"github.com/relaydb/relaydb/internal/dbkit"
)

// Config holds all configuration for the scheduler daemon.
type Config struct {
	Store            dbkit.StoreConfig
	MaterializeEvery time.Duration
	CleanupEvery     time.Duration
	LogLevel         slog.Level
}

// LoadConfig loads configuration from environment variables with sensible
// defaults.
func LoadConfig() (*Config, error) {
	store := dbkit.LoadStoreConfigFromEnv("SCHEDULER")

	cfg := &Config{
		Store:            store,
		MaterializeEvery: config.GetEnvDuration("SCHEDULER_MATERIALIZE_INTERVAL", 30*time.Second),
		CleanupEvery:     config.GetEnvDuration("SCHEDULER_CLEANUP_INTERVAL", store.CleanupInterval),
		LogLevel:         config.GetEnvLogLevel("SCHEDULER_LOG_LEVEL", slog.LevelInfo),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}

	return cfg, nil
}

// Validate checks the embedded store config and scheduler-specific
// durations.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}

	if c.MaterializeEvery <= 0 {
		return fmt.Errorf("SCHEDULER_MATERIALIZE_INTERVAL must be positive")
	}

	return nil
}
