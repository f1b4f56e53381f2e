// Ingest — subscribes the Bitvavo WebSocket feed, maintains local order
// books with snapshot resync, archives raw events to streams and Parquet,
// and emits deduplicated top-of-book records.
package main

import (
	"context"
	"log/slog"
	"os"

	"bitvavo-trader/internal/app"
	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/exchange"
	"bitvavo-trader/internal/ingest"
	"bitvavo-trader/internal/metrics"
	"bitvavo-trader/internal/storage"
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
	feed := exchange.NewFeed(cfg.Exchange.WSURL, cfg.Ingest.CandleInterval, logger)
	sink := storage.NewSink(cfg.Storage.ParquetDir, cfg.Ingest.BatchLimit, logger)

	m := metrics.NewServer(logger)
	svc := ingest.New(cfg.Ingest, cfg.Exchange.RateMin, exch, feed, b, sink, m, logger)
	m.Start(cfg.Ingest.MetricsPort)
	defer m.Stop()

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("websocket feed stopped", "error", err)
		}
	}()

	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("ingest stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("ingest shut down")
}
