package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydb/relaydb/internal/config"
)

// Config holds all configuration for the dispatcher daemon.
type Config struct {
	// StoreConfigPath points at the YAML file listing every tenant store
	// the Configured provider connects to at startup (internal/multistore).
	StoreConfigPath string

	DispatchInterval time.Duration
	CleanupInterval  time.Duration
	FanoutInterval   time.Duration

	BatchSize    int
	MaxAttempts  int
	LeaseRouting bool

	// MaxDispatchesPerSecond caps how often RunOnce fires across the whole
	// store fleet, independent of DispatchInterval, so a large fleet can't
	// overrun the database with claim statements; 0 disables the limiter.
	MaxDispatchesPerSecond float64

	LogLevel slog.Level
}

// LoadConfig loads configuration from environment variables with sensible
// defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		StoreConfigPath:        config.GetEnvStr("DISPATCHER_STORE_CONFIG", "./config/stores.yaml"),
		DispatchInterval:       config.GetEnvDuration("DISPATCHER_DISPATCH_INTERVAL", 2*time.Second),
		CleanupInterval:        config.GetEnvDuration("DISPATCHER_CLEANUP_INTERVAL", time.Hour),
		FanoutInterval:         config.GetEnvDuration("DISPATCHER_FANOUT_INTERVAL", 30*time.Second),
		BatchSize:              config.GetEnvInt("DISPATCHER_BATCH_SIZE", 50),
		MaxAttempts:            config.GetEnvInt("DISPATCHER_MAX_ATTEMPTS", 5),
		LeaseRouting:           config.GetEnvBool("DISPATCHER_LEASE_ROUTING", true),
		MaxDispatchesPerSecond: float64(config.GetEnvInt("DISPATCHER_MAX_PER_SECOND", 20)),
		LogLevel:               config.GetEnvLogLevel("DISPATCHER_LOG_LEVEL", slog.LevelInfo),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher config: %w", err)
	}

	return cfg, nil
}

// Validate checks dispatcher-specific settings. MaxAttempts=0 is rejected
// rather than treated as "unlimited".
func (c *Config) Validate() error {
	if c.StoreConfigPath == "" {
		return fmt.Errorf("DISPATCHER_STORE_CONFIG must be set")
	}

	if c.DispatchInterval <= 0 {
		return fmt.Errorf("DISPATCHER_DISPATCH_INTERVAL must be positive")
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("DISPATCHER_BATCH_SIZE must be positive")
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("DISPATCHER_MAX_ATTEMPTS must be positive (0 is rejected, not treated as unlimited)")
	}

	return nil
}
