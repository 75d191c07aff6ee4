// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrFilterDirRequired is returned when CONVOFS_FILTER_DIR is not set.
	ErrFilterDirRequired = errors.New("config: CONVOFS_FILTER_DIR is required")
	// ErrFilterDirNotDir is returned when CONVOFS_FILTER_DIR is not a
	// directory.
	ErrFilterDirNotDir = errors.New("config: CONVOFS_FILTER_DIR is not a directory")
)

// Config holds all configuration for the filesystem daemon. The source
// directory and mountpoint come from the command line; everything else is
// environment-driven.
type Config struct {
	// FilterDir is the directory holding filter-<rate>-<bits>-<channels>.conf
	// files and their impulse responses.
	FilterDir string `env:"CONVOFS_FILTER_DIR, required" json:"filter_dir" validate:"required"`

	// StatusPort is the TCP port of the HTTP status endpoint. 0 disables it.
	StatusPort int `env:"CONVOFS_STATUS_PORT, default=8080" json:"status_port" validate:"min=0,max=65535"`

	// AllowOther permits other users to access the mount.
	AllowOther bool `env:"CONVOFS_ALLOW_OTHER, default=false" json:"allow_other"`

	// PoolSize is how many idle sound processors are kept per filter config.
	PoolSize int `env:"CONVOFS_POOL_SIZE, default=3" json:"pool_size" validate:"min=1,max=64"`

	// Logging settings
	LogFormat string `env:"CONVOFS_LOG_FORMAT, default=text" json:"log_format" validate:"oneof=text json"` // "json" or "text"
	LogLevel  string `env:"CONVOFS_LOG_LEVEL, default=info" json:"log_level"`                              // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		if strings.Contains(err.Error(), "CONVOFS_FILTER_DIR") {
			return nil, ErrFilterDirRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable: struct constraints
// hold and the filter directory exists.
func (c *Config) Validate() error {
	if c.FilterDir == "" {
		return ErrFilterDirRequired
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	st, err := os.Stat(c.FilterDir)
	if err != nil {
		return fmt.Errorf("config: filter dir: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %s", ErrFilterDirNotDir, c.FilterDir)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{FilterDir: %s, StatusPort: %d, AllowOther: %t, PoolSize: %d, LogFormat: %s, LogLevel: %s}",
		c.FilterDir,
		c.StatusPort,
		c.AllowOther,
		c.PoolSize,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
