// Guard — watches one market's virtual position under a Redis lease,
// keeps a take-profit order resting, and fires trailing/hard stops.
// The market arrives via the MARKET env var written by the reconciler.
package main

import (
	"context"
	"log/slog"
	"os"

	"bitvavo-trader/internal/app"
	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/exchange"
	"bitvavo-trader/internal/executor"
	"bitvavo-trader/internal/guard"
	"bitvavo-trader/internal/metrics"
)

// defaultPriceDecimals applies when the market metadata fetch fails; 5 is
// the most common pricePrecision on Bitvavo EUR markets.
const defaultPriceDecimals = 5

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateGuard(); err != nil {
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

	decimals := priceDecimals(ctx, exch, cfg.Guard.Market, logger)

	m := metrics.NewServer(logger)
	g := guard.New(cfg.Guard, decimals, b, exch, cache, m, logger)
	m.Start(cfg.Guard.PromPort)
	defer m.Stop()

	if err := g.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("guard stopped", "market", cfg.Guard.Market, "error", err)
		os.Exit(1)
	}
	logger.Info("guard shut down", "market", cfg.Guard.Market)
}

func priceDecimals(ctx context.Context, exch *exchange.Client, market string, logger *slog.Logger) int {
	all, err := exch.Markets(ctx)
	if err != nil {
		logger.Warn("market metadata fetch failed, using default price precision",
			"market", market, "error", err)
		return defaultPriceDecimals
	}
	for _, m := range all {
		if m.Market == market {
			return m.PriceDecimals
		}
	}
	logger.Warn("market not in metadata, using default price precision", "market", market)
	return defaultPriceDecimals
}
