// Reconciler — supervises the per-market guards: derives the desired set
// from the published selection, assigns metrics ports, starts and stops
// guard processes, and serves the aggregated metrics mux.
package main

import (
	"context"
	"log/slog"
	"os"

	"bitvavo-trader/internal/app"
	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/metrics"
	"bitvavo-trader/internal/reconciler"
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

	runner := reconciler.NewExecRunner(cfg.Reconciler.GuardBinary, logger)

	m := metrics.NewServer(logger)
	svc := reconciler.New(cfg.Reconciler, b, runner, reconciler.ProbePort, m, logger)
	mux := reconciler.NewMux(cfg.Reconciler, m, logger)
	m.Start(cfg.Reconciler.PromPort)
	defer m.Stop()

	go func() {
		if err := mux.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("metrics mux stopped", "error", err)
		}
	}()

	err = svc.Run(ctx)

	// Stop every child guard before exiting so leases release cleanly.
	for market := range runner.Running() {
		if stopErr := runner.Stop(market); stopErr != nil {
			logger.Error("stop guard on shutdown", "market", market, "error", stopErr)
		}
	}

	if err != nil && err != context.Canceled {
		logger.Error("reconciler stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("reconciler shut down")
}
