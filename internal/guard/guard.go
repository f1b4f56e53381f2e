package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/config"
	"bitvavo-trader/internal/executor"
	"bitvavo-trader/internal/metrics"
	"bitvavo-trader/pkg/types"
)

const virtposTTL = 7 * 24 * time.Hour

// store is the KV surface the guard uses.
type store interface {
	leaseStore
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Exchange is the slice of the exchange client the guard needs.
type Exchange interface {
	executor.Placer
	TickerPrice(ctx context.Context, market string) (float64, error)
	CancelOrder(ctx context.Context, market, orderID string) error
}

// Guard watches one market's virtual position. Inventory changes (fills) are
// written by others; the guard only maintains peak, the TP order, and the
// exit triggers. It never sells more than the tracked qty and never shorts.
type Guard struct {
	cfg           config.GuardConfig
	market        string
	priceDecimals int

	store store
	exch  Exchange
	cache *executor.PrecisionCache
	lease *Lease

	lastPrice prometheus.Gauge
	peakPrice prometheus.Gauge
	posQty    prometheus.Gauge
	tpPrice   prometheus.Gauge
	slPrice   prometheus.Gauge
	triggers  prometheus.Counter
	tpOrders  prometheus.Counter

	logger *slog.Logger
}

// New wires a guard for one market. priceDecimals comes from the market
// metadata and bounds the TP limit price.
func New(cfg config.GuardConfig, priceDecimals int, st store, exch Exchange, cache *executor.PrecisionCache, m *metrics.Server, logger *slog.Logger) *Guard {
	g := &Guard{
		cfg:           cfg,
		market:        cfg.Market,
		priceDecimals: priceDecimals,
		store:         st,
		exch:          exch,
		cache:         cache,
		lease:         NewLease(st, bus.KeyGuardLock(cfg.Market)),
		// Every metric carries the market as a const label so the mux can
		// merge guard pages without series collisions.
		lastPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_last_price", Help: "Last observed price.",
			ConstLabels: prometheus.Labels{"market": cfg.Market},
		}),
		peakPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_peak_price", Help: "Peak price since entry.",
			ConstLabels: prometheus.Labels{"market": cfg.Market},
		}),
		posQty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_position_qty", Help: "Tracked position quantity.",
			ConstLabels: prometheus.Labels{"market": cfg.Market},
		}),
		tpPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_tp_price", Help: "Current take-profit price.",
			ConstLabels: prometheus.Labels{"market": cfg.Market},
		}),
		slPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_sl_price", Help: "Current effective stop price.",
			ConstLabels: prometheus.Labels{"market": cfg.Market},
		}),
		triggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_triggers_total", Help: "Stop-loss triggers fired.",
			ConstLabels: prometheus.Labels{"market": cfg.Market},
		}),
		tpOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_tp_orders_total", Help: "Take-profit limit orders placed.",
			ConstLabels: prometheus.Labels{"market": cfg.Market},
		}),
		logger: logger.With("component", "guard", "market", cfg.Market),
	}
	m.Registry.MustRegister(g.lastPrice, g.peakPrice, g.posQty, g.tpPrice, g.slPrice, g.triggers, g.tpOrders)
	return g
}

// Run acquires the market lease and loops until ctx is cancelled. A second
// guard on the same market fails fast instead of double-managing the
// position.
func (g *Guard) Run(ctx context.Context) error {
	ok, err := g.lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return fmt.Errorf("market %s already guarded", g.market)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.lease.Release(relCtx); err != nil {
			g.logger.Warn("lease release failed", "error", err)
		}
	}()

	g.logger.Info("guard starting", "poll", g.cfg.Poll, "allow_live", g.cfg.AllowLive)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.cfg.Poll):
		}

		if err := g.lease.Renew(ctx); err != nil {
			g.logger.Warn("lease renew failed", "error", err)
		}

		px, err := g.exch.TickerPrice(ctx, g.market)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Warn("ticker fetch failed", "error", err)
			continue
		}

		triggered, err := g.Tick(ctx, px)
		if err != nil {
			g.logger.Error("guard tick", "error", err)
			continue
		}
		if triggered {
			// Cool down at least one extra poll so the reset position is not
			// immediately re-evaluated against the same stale price.
			if err := sleepCtx(ctx, g.cfg.Poll); err != nil {
				return err
			}
		}
	}
}

// Tick processes one observed price: update the peak, keep the TP resting,
// and fire the stop when breached. Returns whether the stop fired.
func (g *Guard) Tick(ctx context.Context, px float64) (bool, error) {
	g.lastPrice.Set(px)

	pos, err := g.loadPosition(ctx)
	if err != nil {
		return false, err
	}
	pos.LastPx = px
	g.posQty.Set(pos.Qty)

	if !pos.Open() {
		return false, g.savePosition(ctx, pos)
	}

	if px > pos.Peak {
		pos.Peak = px
	}
	g.peakPrice.Set(pos.Peak)

	lv := ComputeLevels(pos.Avg, pos.Peak, g.cfg.TpPct, g.cfg.SlPct, g.cfg.TrailPct, g.priceDecimals)
	g.tpPrice.Set(lv.TpPx)
	g.slPrice.Set(lv.SlPx)

	if err := g.ensureTP(ctx, &pos, lv.TpPx); err != nil {
		g.logger.Warn("take-profit placement failed", "error", err)
	}

	if px <= lv.SlPx {
		g.triggers.Inc()
		g.logger.Warn("stop triggered",
			"px", px, "sl_px", lv.SlPx, "hard_sl", lv.HardSL, "trail_sl", lv.TrailSL)
		if err := g.fireStop(ctx, &pos); err != nil {
			// Persist what we know even when the sell failed; the next tick
			// retries against the unchanged position.
			_ = g.savePosition(ctx, pos)
			return false, err
		}
		return true, g.savePosition(ctx, pos)
	}

	return false, g.savePosition(ctx, pos)
}

// ensureTP keeps exactly one take-profit limit sell resting for the full
// quantity.
func (g *Guard) ensureTP(ctx context.Context, pos *types.VirtualPosition, tpPx float64) error {
	if pos.TpOrderID != "" {
		return nil
	}

	if !g.cfg.AllowLive {
		pos.TpOrderID = "dry-" + uuid.NewString()[:8]
		g.tpOrders.Inc()
		g.logger.Info("DRY-RUN: would place TP limit sell", "qty", pos.Qty, "tp_px", tpPx)
		return nil
	}

	body := map[string]string{
		"market":    g.market,
		"side":      string(types.Sell),
		"orderType": string(types.OrderLimit),
		"amount":    strconv.FormatFloat(pos.Qty, 'f', -1, 64),
		"price":     strconv.FormatFloat(tpPx, 'f', g.priceDecimals, 64),
	}
	res, err := executor.PlaceWithFallback(ctx, g.exch, g.cache, body, "amount", g.logger)
	if err != nil {
		return err
	}
	pos.TpOrderID = res.OrderID
	g.tpOrders.Inc()
	g.logger.Info("TP limit placed", "order_id", res.OrderID, "tp_px", tpPx, "qty", pos.Qty)
	return nil
}

// fireStop cancels the TP, sells the position at market, and resets the
// virtual position.
func (g *Guard) fireStop(ctx context.Context, pos *types.VirtualPosition) error {
	if pos.TpOrderID != "" {
		if g.cfg.AllowLive {
			if err := g.exch.CancelOrder(ctx, g.market, pos.TpOrderID); err != nil {
				// The TP may have just filled; the market sell below would
				// then fail on balance, which is the safer failure.
				g.logger.Warn("TP cancel failed", "order_id", pos.TpOrderID, "error", err)
			}
		}
		pos.TpOrderID = ""
	}

	if g.cfg.AllowLive {
		body := map[string]string{
			"market":    g.market,
			"side":      string(types.Sell),
			"orderType": string(types.OrderMarket),
			"amount":    strconv.FormatFloat(pos.Qty, 'f', -1, 64),
		}
		if _, err := executor.PlaceWithFallback(ctx, g.exch, g.cache, body, "amount", g.logger); err != nil {
			return fmt.Errorf("market sell: %w", err)
		}
	} else {
		g.logger.Info("DRY-RUN: would market sell", "qty", pos.Qty)
	}

	pos.Qty = 0
	pos.Avg = 0
	pos.Peak = 0
	return nil
}

func (g *Guard) loadPosition(ctx context.Context) (types.VirtualPosition, error) {
	var pos types.VirtualPosition
	raw, err := g.store.Get(ctx, bus.KeyVirtualPosition(g.market))
	if err != nil {
		return pos, err
	}
	if raw == "" {
		return pos, nil
	}
	if err := json.Unmarshal([]byte(raw), &pos); err != nil {
		return types.VirtualPosition{}, fmt.Errorf("decode virtpos: %w", err)
	}
	return pos, nil
}

func (g *Guard) savePosition(ctx context.Context, pos types.VirtualPosition) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, bus.KeyVirtualPosition(g.market), string(raw), virtposTTL)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
