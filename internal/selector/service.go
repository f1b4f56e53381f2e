package selector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/config"
	"bitvavo-trader/internal/metrics"
)

// scanDepth bounds how many recent signal records one selection pass reads.
// At the default window the stream never holds more relevant records.
const scanDepth = 5000

// Service runs the selection loop.
type Service struct {
	cfg config.SelectorConfig
	bus *bus.Bus

	activeMarkets prometheus.Gauge
	candidates    prometheus.Gauge
	signalCount   *prometheus.GaugeVec
	runsTotal     prometheus.Counter
	errorsTotal   prometheus.Counter

	logger *slog.Logger
}

func New(cfg config.SelectorConfig, b *bus.Bus, m *metrics.Server, logger *slog.Logger) *Service {
	s := &Service{
		cfg: cfg,
		bus: b,
		activeMarkets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "selector_active_markets",
			Help: "Markets in the published selection.",
		}),
		candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "selector_candidates",
			Help: "Markets that qualified before hysteresis and truncation.",
		}),
		signalCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "selector_market_signal_count",
			Help: "Signals counted per qualifying market in the last window.",
		}, []string{"market"}),
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "selector_runs_total",
			Help: "Selection passes completed.",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "selector_errors_total",
			Help: "Selection passes that failed.",
		}),
		logger: logger.With("component", "selector"),
	}
	m.Registry.MustRegister(s.activeMarkets, s.candidates, s.signalCount, s.runsTotal, s.errorsTotal)
	return s
}

// Run reselects the universe every cfg.Sleep until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("selector starting",
		"stream", s.cfg.SignalStream,
		"window", s.cfg.Window,
		"min_count", s.cfg.MinCount,
	)
	for {
		if err := s.selectOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.errorsTotal.Inc()
			s.logger.Error("selection pass", "error", err)
		} else {
			s.runsTotal.Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Sleep):
		}
	}
}

func (s *Service) selectOnce(ctx context.Context) error {
	msgs, err := s.bus.RevRangeN(ctx, s.cfg.SignalStream, scanDepth)
	if err != nil {
		return fmt.Errorf("read signals: %w", err)
	}

	cutoff := time.Now().Add(-s.cfg.Window)
	counts := CountRecentSignals(msgs, cutoff)
	ranked := Rank(counts, s.cfg.MinCount, s.cfg.DenyBases)
	s.candidates.Set(float64(len(ranked)))
	s.signalCount.Reset()
	for _, market := range ranked {
		s.signalCount.WithLabelValues(market).Set(float64(counts[market]))
	}

	current, err := s.bus.LRange(ctx, bus.KeyActiveList, 0, -1)
	if err != nil {
		return fmt.Errorf("read active list: %w", err)
	}
	selection := MergeWithActive(ranked, current, s.cfg.MaxConcurrency)

	// An empty selection is never published: a quiet window must not tear
	// down guards that may still hold positions.
	if len(selection) == 0 {
		s.logger.Debug("no qualifying markets, keeping current selection")
		return nil
	}

	version := fmt.Sprintf("%d", time.Now().UnixMilli())
	if err := s.bus.ReplaceListAndSet(ctx, bus.KeyActiveSet, bus.KeyActiveList, bus.KeyActiveVersion, selection, version); err != nil {
		return fmt.Errorf("publish selection: %w", err)
	}
	s.activeMarkets.Set(float64(len(selection)))
	s.logger.Info("selection published", "markets", selection, "version", version)
	return nil
}
