package broadcast

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go-simpler.org/env"
)

// Config is the environment-driven client configuration.
type Config struct {
	URL          string        `env:"BROADCAST_URL"`
	InitialDelay time.Duration `env:"BROADCAST_RECONNECT_INITIAL_DELAY" default:"1s"`
	MaxDelay     time.Duration `env:"BROADCAST_RECONNECT_MAX_DELAY" default:"30s"`
	Multiplier   float64       `env:"BROADCAST_RECONNECT_MULTIPLIER" default:"2"`
	MaxAttempts  int           `env:"BROADCAST_MAX_ATTEMPTS" default:"0"`
	EmitQueue    int           `env:"BROADCAST_EMIT_QUEUE" default:"0"`
	LogLevel     string        `env:"LOG_LEVEL" default:"info"`
	LogFormat    string        `env:"LOG_FORMAT" default:"text"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("BROADCAST_URL is required")
	}
	if c.InitialDelay <= 0 {
		return errors.New("BROADCAST_RECONNECT_INITIAL_DELAY must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return errors.New("BROADCAST_RECONNECT_MAX_DELAY must not be less than the initial delay")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("BROADCAST_RECONNECT_MULTIPLIER must be at least 1, got %v", c.Multiplier)
	}
	if c.MaxAttempts < 0 || c.EmitQueue < 0 {
		return errors.New("BROADCAST_MAX_ATTEMPTS and BROADCAST_EMIT_QUEUE must not be negative")
	}
	return nil
}

// ReconnectPolicy returns the configured backoff schedule.
func (c *Config) ReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
		MaxAttempts:  c.MaxAttempts,
	}
}

// Options converts the configuration to client options. The logger is
// built from LogLevel and LogFormat and writes to w.
func (c *Config) Options(w io.Writer) []ClientOption {
	opts := []ClientOption{
		WithLogger(NewLogger(w, c.LogLevel, c.LogFormat)),
		WithReconnectPolicy(c.ReconnectPolicy()),
	}
	if c.EmitQueue > 0 {
		opts = append(opts, WithEmitQueue(c.EmitQueue))
	}
	return opts
}

// NewLogger builds a slog logger.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
