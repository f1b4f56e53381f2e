// Core — consumes signals through a consumer group, applies the guard
// rails, and appends accepted intents to the order outbox.
package main

import (
	"context"
	"log/slog"
	"os"

	"bitvavo-trader/internal/app"
	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/core"
	"bitvavo-trader/internal/metrics"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.Logging)
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — outbox orders will be marked dry_run")
	}

	ctx, stop := app.SignalContext()
	defer stop()

	b, err := bus.Connect(ctx, cfg.Redis.URL, cfg.Redis.StreamCap)
	if err != nil {
		logger.Error("failed to connect bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	m := metrics.NewServer(logger)
	svc := core.New(cfg.Core, cfg.DryRun, b, m, logger)
	m.Start(cfg.Core.MetricsPort)
	defer m.Stop()

	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("trading core stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("trading core shut down")
}
