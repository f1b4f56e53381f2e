// Package ingest runs the market-data side of the pipeline: it subscribes
// the WebSocket feed, maintains a local order book per market, archives raw
// events to per-channel streams and Parquet, and emits deduplicated
// top-of-book records on the aggregate book topic.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bitvavo-trader/internal/book"
	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/config"
	"bitvavo-trader/internal/exchange"
	"bitvavo-trader/internal/metrics"
	"bitvavo-trader/internal/storage"
	"bitvavo-trader/pkg/types"
)

// Service owns the feed, the local books, and the archive sink.
type Service struct {
	cfg     config.IngestConfig
	rateMin int

	exch *exchange.Client
	feed *exchange.Feed
	bus  *bus.Bus
	sink *storage.Sink

	books map[string]*book.Book

	eventsTotal  *prometheus.CounterVec
	resyncsTotal prometheus.Counter
	emitsTotal   prometheus.Counter

	logger *slog.Logger
}

// New wires a service. Metrics are registered on the given server's registry.
func New(cfg config.IngestConfig, rateMin int, exch *exchange.Client, feed *exchange.Feed, b *bus.Bus, sink *storage.Sink, m *metrics.Server, logger *slog.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		rateMin: rateMin,
		exch:    exch,
		feed:    feed,
		bus:     b,
		sink:    sink,
		books:   make(map[string]*book.Book),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Raw WebSocket events received, by channel.",
		}, []string{"channel"}),
		resyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_book_resyncs_total",
			Help: "Order book snapshot reseeds after a nonce gap.",
		}),
		emitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_top_emits_total",
			Help: "Deduplicated top-of-book records emitted.",
		}),
		logger: logger.With("component", "ingest"),
	}
	m.Registry.MustRegister(s.eventsTotal, s.resyncsTotal, s.emitsTotal)
	return s
}

// Run subscribes, seeds the books, and processes events until ctx is
// cancelled. The WebSocket feed must already be running.
func (s *Service) Run(ctx context.Context) error {
	markets, err := s.resolveMarkets(ctx)
	if err != nil {
		return fmt.Errorf("resolve markets: %w", err)
	}
	if len(markets) == 0 {
		return fmt.Errorf("no markets to ingest")
	}
	s.logger.Info("ingest starting", "markets", len(markets))

	for _, m := range markets {
		s.books[m] = book.New(m, s.cfg.Depth, s.cfg.DrainGrace)
	}

	if err := s.subscribeAll(ctx, markets); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Seed every book after subscribing, so deltas that raced ahead of the
	// snapshot sit in the buffer and drain once the snapshot lands.
	for _, m := range markets {
		if err := s.resync(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("initial snapshot failed, will retry on first delta", "market", m, "error", err)
		}
	}

	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()
	gaps := time.NewTicker(gapCheckPeriod(s.cfg.DrainGrace))
	defer gaps.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.sink.Flush(); err != nil {
				s.logger.Warn("final parquet flush failed", "error", err)
			}
			return ctx.Err()
		case u := <-s.feed.BookUpdates():
			s.handleBookUpdate(ctx, u)
		case c := <-s.feed.Candles():
			s.handleCandle(ctx, c)
		case tr := <-s.feed.Trades():
			s.handleTrade(ctx, tr)
		case tk := <-s.feed.Tickers():
			s.handleTicker(ctx, tk)
		case <-gaps.C:
			s.checkGaps(ctx)
		case <-flush.C:
			if err := s.sink.Flush(); err != nil {
				s.logger.Warn("parquet flush failed", "error", err)
			}
		}
	}
}

// checkGaps resnapshots books whose gap clock expired with a quiet feed;
// without this sweep a gap followed by silence would leave a stale top
// standing indefinitely.
func (s *Service) checkGaps(ctx context.Context) {
	now := time.Now()
	for market, b := range s.books {
		if !b.Expired(now) {
			continue
		}
		s.logger.Warn("book gap outlived grace on a quiet feed, resnapshotting", "market", market)
		if err := s.resync(ctx, market); err != nil {
			s.logger.Error("resync failed", "market", market, "error", err)
		}
	}
}

func gapCheckPeriod(grace time.Duration) time.Duration {
	if grace <= 0 {
		return 250 * time.Millisecond
	}
	return grace
}

// resolveMarkets returns the configured list, or every trading *-EUR market
// when none is configured.
func (s *Service) resolveMarkets(ctx context.Context) ([]string, error) {
	if len(s.cfg.Markets) > 0 {
		return s.cfg.Markets, nil
	}
	all, err := s.exch.Markets(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range all {
		if m.Status == "trading" && types.IsEURMarket(m.Market) {
			out = append(out, m.Market)
		}
	}
	return out, nil
}

// subscribeAll subscribes the four channels in market chunks, pacing the
// requests so a large universe does not trip the connection.
func (s *Service) subscribeAll(ctx context.Context, markets []string) error {
	chunk := s.cfg.SubChunk
	if chunk <= 0 {
		chunk = len(markets)
	}
	channels := []string{exchange.ChannelBook, exchange.ChannelCandles, exchange.ChannelTrades, exchange.ChannelTicker24h}

	for start := 0; start < len(markets); start += chunk {
		end := start + chunk
		if end > len(markets) {
			end = len(markets)
		}
		for _, ch := range channels {
			if err := s.feed.Subscribe(ch, markets[start:end]); err != nil {
				return err
			}
			if err := sleepCtx(ctx, s.cfg.SleepBetweenSubs); err != nil {
				return err
			}
		}
		if err := sleepCtx(ctx, s.cfg.SleepBetweenChunks); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleBookUpdate(ctx context.Context, u types.BookUpdate) {
	s.eventsTotal.WithLabelValues(exchange.ChannelBook).Inc()
	b, ok := s.books[u.Market]
	if !ok {
		return
	}

	s.archive(ctx, "book", u.Market, bus.TopicBookMarket(u.Market), u)

	switch b.ApplyUpdate(u, time.Now()) {
	case book.OutOfSync:
		s.logger.Warn("book out of sync, resnapshotting", "market", u.Market, "nonce", u.Nonce)
		if err := s.resync(ctx, u.Market); err != nil {
			s.logger.Error("resync failed", "market", u.Market, "error", err)
		}
	case book.Applied:
		s.emitTop(ctx, b, types.SourceRealtime)
	}
}

func (s *Service) handleCandle(ctx context.Context, c types.Candle) {
	s.eventsTotal.WithLabelValues(exchange.ChannelCandles).Inc()
	if raw, err := json.Marshal(c); err == nil {
		s.sinkRaw("candle", c.Market, raw)
	}

	_, err := s.bus.Append(ctx, bus.TopicCandles(c.Interval), map[string]any{
		"market":   c.Market,
		"interval": c.Interval,
		"ts":       c.Ts,
		"open":     c.Open,
		"high":     c.High,
		"low":      c.Low,
		"close":    c.Close,
		"volume":   c.Volume,
	})
	if err != nil {
		s.logger.Error("append candle", "market", c.Market, "error", err)
	}
}

func (s *Service) handleTrade(ctx context.Context, tr exchange.Trade) {
	s.eventsTotal.WithLabelValues(exchange.ChannelTrades).Inc()
	s.sinkRaw("trade", tr.Market, tr.Raw)

	_, err := s.bus.Append(ctx, bus.TopicTrades, map[string]any{
		"market":    tr.Market,
		"id":        tr.ID,
		"side":      tr.Side,
		"amount":    tr.Amount,
		"price":     tr.Price,
		"timestamp": tr.Timestamp,
	})
	if err != nil {
		s.logger.Error("append trade", "market", tr.Market, "error", err)
	}
}

func (s *Service) handleTicker(ctx context.Context, tk exchange.Ticker24h) {
	s.eventsTotal.WithLabelValues(exchange.ChannelTicker24h).Inc()
	s.sinkRaw("ticker24h", tk.Market, tk.Raw)

	_, err := s.bus.Append(ctx, bus.TopicTicker24h, map[string]any{
		"market":    tk.Market,
		"last":      tk.Last,
		"bid":       tk.Bid,
		"ask":       tk.Ask,
		"volume":    tk.Volume,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error("append ticker", "market", tk.Market, "error", err)
	}
}

// resync reseeds one book from a REST snapshot, respecting the weight
// budget, and emits the post-snapshot top.
func (s *Service) resync(ctx context.Context, market string) error {
	if err := s.exch.Budget().WaitBudget(ctx, s.rateMin); err != nil {
		return err
	}
	snap, err := s.exch.Book(ctx, market, s.cfg.Depth)
	if err != nil {
		return err
	}
	s.resyncsTotal.Inc()

	b := s.books[market]
	if res := b.ApplySnapshot(snap, time.Now()); res == book.OutOfSync {
		// A second gap already outlived the grace window; the next delta
		// triggers another snapshot.
		s.logger.Warn("book still out of sync after snapshot", "market", market)
	}
	s.emitTop(ctx, b, types.SourceSnapshot)
	return nil
}

// emitTop publishes the book's top-of-book iff it changed since the last
// emission for that market.
func (s *Service) emitTop(ctx context.Context, b *book.Book, source types.BookSource) {
	top, changed := b.Top(source, time.Now())
	if !changed {
		return
	}
	_, err := s.bus.Append(ctx, bus.TopicBookAggregate, map[string]any{
		"market":      top.Market,
		"bestBid":     top.BidPx,
		"bestBidSize": top.BidSz,
		"bestAsk":     top.AskPx,
		"bestAskSize": top.AskSz,
		"nonce":       top.Nonce,
		"source":      string(top.Source),
		"timestamp":   top.EmitTs,
	})
	if err != nil {
		s.logger.Error("append top of book", "market", top.Market, "error", err)
		return
	}
	s.emitsTotal.Inc()
}

// archive appends the raw event to its per-market stream and buffers it for
// Parquet.
func (s *Service) archive(ctx context.Context, event, market, topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := s.bus.Append(ctx, topic, map[string]any{
		"event":     event,
		"payload":   string(raw),
		"timestamp": time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Error("append archive event", "topic", topic, "error", err)
	}
	s.sinkRaw(event, market, raw)
}

func (s *Service) sinkRaw(event, market string, raw []byte) {
	if len(raw) == 0 {
		return
	}
	if err := s.sink.Add(storage.Record{
		IngestedAt: time.Now().UTC(),
		Event:      event,
		Market:     market,
		Payload:    string(raw),
	}); err != nil {
		s.logger.Warn("parquet buffer flush failed", "event", event, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
