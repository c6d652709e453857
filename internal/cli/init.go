// Package cli holds the start-up steps shared by cmd/budgetflow and
// cmd/flowctl.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"budgetflow/internal/config"
	"budgetflow/internal/log"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadConfig loads and validates the configuration.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetupLogger builds the logger described by cfg, writing to out, and makes
// it the process default. An unknown level falls back to info.
func SetupLogger(cfg *config.Config, out io.Writer) *log.Logger {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.DefaultConfig().Level
	}
	logger := log.New(log.Config{Level: level, Format: cfg.LogFormat, Output: out})
	log.SetDefault(logger)
	return logger
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// BootstrapLogger is used before the configuration is known.
func BootstrapLogger() *log.Logger {
	return log.New(log.Config{Level: log.DefaultConfig().Level, Output: os.Stderr})
}
