package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/config"
	"bitvavo-trader/internal/metrics"
	"bitvavo-trader/pkg/types"
)

// Service tails the market-data topics, feeds the engine, and publishes
// scored signals.
type Service struct {
	cfg      config.SignalsConfig
	interval string
	bus      *bus.Bus
	engine   *Engine

	candlesTotal prometheus.Counter
	emittedTotal prometheus.Counter

	logger *slog.Logger
}

// New wires a service; candle interval must match the ingest's.
func New(cfg config.SignalsConfig, candleInterval string, b *bus.Bus, m *metrics.Server, logger *slog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		interval: candleInterval,
		bus:      b,
		engine:   NewEngine(cfg),
		candlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signals_candles_scored_total",
			Help: "Candles run through the filter bank.",
		}),
		emittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signals_emitted_total",
			Help: "Signals published to the baseline stream.",
		}),
		logger: logger.With("component", "signals"),
	}
	m.Registry.MustRegister(s.candlesTotal, s.emittedTotal)
	return s
}

// Run tails the book, ticker, and candle topics from their current tails
// until ctx is cancelled. Signals only ever describe live market state, so
// there is nothing to gain from replaying backlog.
func (s *Service) Run(ctx context.Context) error {
	cursor := map[string]string{
		bus.TopicBookAggregate:       "$",
		bus.TopicTicker24h:           "$",
		bus.TopicCandles(s.interval): "$",
	}
	s.logger.Info("signal engine starting", "stream", s.cfg.Stream)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batches, err := s.bus.Read(ctx, cursor, 200, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("bus read", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range batches[bus.TopicBookAggregate] {
			s.handleTop(msg.Fields)
		}
		for _, msg := range batches[bus.TopicTicker24h] {
			s.handleTicker(msg.Fields)
		}
		for _, msg := range batches[bus.TopicCandles(s.interval)] {
			s.handleCandle(ctx, msg.Fields)
		}
	}
}

func (s *Service) handleTop(fields map[string]string) {
	market := fields["market"]
	if market == "" {
		return
	}
	bid := parseFloat(fields["bestBid"])
	ask := parseFloat(fields["bestAsk"])
	s.engine.OnTop(market, bid, ask)
}

func (s *Service) handleTicker(fields map[string]string) {
	market := fields["market"]
	if market == "" {
		return
	}
	// Ticker batches carry a best bid/ask too; on sparse markets they may be
	// the only spread source between book emissions.
	if bid, ask := parseFloat(fields["bid"]), parseFloat(fields["ask"]); bid > 0 && ask > 0 {
		s.engine.OnTop(market, bid, ask)
	}
	s.engine.OnTicker(market, parseFloat(fields["last"]))
}

func (s *Service) handleCandle(ctx context.Context, fields map[string]string) {
	c := types.Candle{
		Market:   fields["market"],
		Interval: fields["interval"],
		Ts:       int64(parseFloat(fields["ts"])),
		Open:     parseFloat(fields["open"]),
		High:     parseFloat(fields["high"]),
		Low:      parseFloat(fields["low"]),
		Close:    parseFloat(fields["close"]),
		Volume:   parseFloat(fields["volume"]),
	}
	if c.Market == "" || c.Close <= 0 {
		return
	}
	s.candlesTotal.Inc()

	sig, ok := s.engine.OnCandle(c, time.Now())
	if !ok {
		return
	}
	if err := s.publish(ctx, sig); err != nil {
		s.logger.Error("publish signal", "market", sig.Market, "error", err)
		return
	}
	s.emittedTotal.Inc()
	s.logger.Info("signal emitted", "market", sig.Market, "score", sig.Score, "reasons", sig.Reasons)
}

func (s *Service) publish(ctx context.Context, sig types.Signal) error {
	reasons, err := json.Marshal(sig.Reasons)
	if err != nil {
		return err
	}
	details, err := json.Marshal(sig.Details)
	if err != nil {
		return err
	}
	_, err = s.bus.Append(ctx, s.cfg.Stream, map[string]any{
		"market":  sig.Market,
		"score":   fmt.Sprintf("%g", sig.Score),
		"reasons": string(reasons),
		"details": string(details),
		"t":       sig.T,
	})
	return err
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
