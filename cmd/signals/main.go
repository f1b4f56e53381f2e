// Signals — tails top-of-book, ticker, and candle topics, runs the baseline
// filter bank per closed candle, and appends scored signals.
package main

import (
	"context"
	"log/slog"
	"os"

	"bitvavo-trader/internal/app"
	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/metrics"
	"bitvavo-trader/internal/signals"
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
	svc := signals.New(cfg.Signals, cfg.Ingest.CandleInterval, b, m, logger)
	m.Start(cfg.Signals.MetricsPort)
	defer m.Stop()

	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("signal engine stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("signal engine shut down")
}
