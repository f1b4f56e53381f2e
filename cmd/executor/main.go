// Executor — consumes the order outbox and places orders on Bitvavo with
// decimal-precision fallback, honoring dry-run records.
package main

import (
	"context"
	"log/slog"
	"os"

	"bitvavo-trader/internal/app"
	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/exchange"
	"bitvavo-trader/internal/executor"
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

	ctx, stop := app.SignalContext()
	defer stop()

	b, err := bus.Connect(ctx, cfg.Redis.URL, cfg.Redis.StreamCap)
	if err != nil {
		logger.Error("failed to connect bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	exch := exchange.NewClient(cfg.Exchange, logger)
	cache := executor.LoadPrecisionCache(ctx, cfg.Executor.PrecisionCache, b, logger)

	m := metrics.NewServer(logger)
	svc := executor.New(cfg.Executor, b, exch, cache, m, logger)
	m.Start(cfg.Executor.MetricsPort)
	defer m.Stop()

	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("executor stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("executor shut down")
}
