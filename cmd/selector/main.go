// Selector — ranks markets by recent signal activity and publishes the
// active-market universe for the reconciler.
package main

import (
	"context"
	"log/slog"
	"os"

	"bitvavo-trader/internal/app"
	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/metrics"
	"bitvavo-trader/internal/selector"
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

	ctx, stop := app.SignalContext()
	defer stop()

	b, err := bus.Connect(ctx, cfg.Redis.URL, cfg.Redis.StreamCap)
	if err != nil {
		logger.Error("failed to connect bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	m := metrics.NewServer(logger)
	svc := selector.New(cfg.Selector, b, m, logger)
	m.Start(cfg.Selector.MetricsPort)
	defer m.Stop()

	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("selector stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("selector shut down")
}
