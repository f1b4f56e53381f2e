// Package app holds the bootstrap shared by every service binary: config
// loading, logger construction, and signal-driven shutdown.
package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bitvavo-trader/internal/config"
)

// LoadConfig reads the config file, honoring the TRADER_CONFIG override.
func LoadConfig() (*config.Config, error) {
	path := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		path = p
	}
	return config.Load(path)
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
