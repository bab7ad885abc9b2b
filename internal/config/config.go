// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds process-wide settings. CLI flags override these values.
type Config struct {
	// DSN selects the durable adapter; see durable.Open.
	DSN           string        `env:"GRAPHCACHE_DSN" envDefault:"memory:"`
	FlushInterval time.Duration `env:"GRAPHCACHE_FLUSH_INTERVAL" envDefault:"2s"`
	BatchSize     int           `env:"GRAPHCACHE_BATCH_SIZE" envDefault:"200"`
	LogLevel      string        `env:"GRAPHCACHE_LOG_LEVEL" envDefault:"info"`
	// OTelEndpoint is an OTLP/HTTP URL. Empty disables tracing.
	OTelEndpoint string `env:"GRAPHCACHE_OTEL_ENDPOINT"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("GRAPHCACHE_BATCH_SIZE must be positive, got %d", c.BatchSize))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("GRAPHCACHE_FLUSH_INTERVAL must be positive, got %s", c.FlushInterval))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel. Accepts the slog names (debug, info, warn, error)
// in any case, with optional offsets such as "debug-2".
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("GRAPHCACHE_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
