package executor

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

// Service consumes the outbox as a consumer group and places orders.
// Delivery is at-least-once; every record is acknowledged whether it
// succeeded, failed, or was malformed, so one poison record cannot stall
// the group.
type Service struct {
	cfg   config.ExecutorConfig
	bus   *bus.Bus
	exch  Placer
	cache *PrecisionCache

	ordersTotal *prometheus.CounterVec
	roundTrip   prometheus.Histogram

	logger *slog.Logger
}

// New wires the executor.
func New(cfg config.ExecutorConfig, b *bus.Bus, exch Placer, cache *PrecisionCache, m *metrics.Server, logger *slog.Logger) *Service {
	s := &Service{
		cfg:   cfg,
		bus:   b,
		exch:  exch,
		cache: cache,
		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_orders_total",
			Help: "Outbox records processed, by result.",
		}, []string{"result"}),
		roundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "executor_order_roundtrip_seconds",
			Help:    "Wall time from outbox pickup to exchange response.",
			Buckets: prometheus.DefBuckets,
		}),
		logger: logger.With("component", "executor"),
	}
	m.Registry.MustRegister(s.ordersTotal, s.roundTrip)
	return s
}

// Run consumes the outbox until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.bus.EnsureGroup(ctx, s.cfg.OutboxStream, s.cfg.Group, "$"); err != nil {
		return err
	}
	s.logger.Info("executor starting", "outbox", s.cfg.OutboxStream, "group", s.cfg.Group)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := s.bus.ReadGroup(ctx, s.cfg.OutboxStream, s.cfg.Group, s.cfg.Consumer, 10, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("read outbox", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			s.handleOrder(ctx, msg)
		}
	}
}

func (s *Service) handleOrder(ctx context.Context, msg bus.Message) {
	defer func() {
		if err := s.bus.Ack(ctx, s.cfg.OutboxStream, s.cfg.Group, msg.ID); err != nil {
			s.logger.Error("ack outbox record", "id", msg.ID, "error", err)
		}
	}()

	order, err := parseOutbox(msg.Fields)
	if err != nil {
		s.ordersTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("malformed outbox record", "id", msg.ID, "error", err)
		s.emitError(ctx, msg.ID, fmt.Sprintf("malformed: %v", err))
		return
	}

	if order.DryRun == "true" {
		s.ordersTotal.WithLabelValues("dry_run").Inc()
		s.logger.Info("DRY-RUN: would place order",
			"market", order.Market, "side", order.Side, "size_eur", order.SizeEUR)
		s.emitExecuted(ctx, msg.ID, order, "", order.SizeEUR, map[string]any{"dryRun": true})
		return
	}

	body := buildOrderBody(order)
	amountKey := "amount"
	if _, ok := body["amountQuote"]; ok {
		amountKey = "amountQuote"
	}

	start := time.Now()
	res, err := PlaceWithFallback(ctx, s.exch, s.cache, body, amountKey, s.logger)
	s.roundTrip.Observe(time.Since(start).Seconds())
	if err != nil {
		s.ordersTotal.WithLabelValues("failed").Inc()
		s.logger.Error("order failed", "id", msg.ID, "market", order.Market, "error", err)
		s.emitError(ctx, msg.ID, err.Error())
		s.bus.LogEvent(ctx, s.cfg.EventStream, "error", "executor.place",
			fmt.Sprintf("%s %s: %v", order.Side, order.Market, err))
		return
	}

	s.ordersTotal.WithLabelValues("placed").Inc()
	s.logger.Info("order placed",
		"id", msg.ID, "market", order.Market, "side", order.Side, "order_id", res.OrderID)
	s.emitExecuted(ctx, msg.ID, order, res.Price, body[amountKey], res)
	s.bus.LogEvent(ctx, s.cfg.EventStream, "info", "executor.place",
		fmt.Sprintf("%s %s placed: %s", order.Side, order.Market, res.OrderID))
}

// buildOrderBody maps an outbox record to the exchange order schema. Market
// orders against the EUR quote express spend in quote (amountQuote); a set
// price makes it a limit order with the base amount derived from the spend.
func buildOrderBody(order *types.OutboxOrder) map[string]string {
	body := map[string]string{
		"market": order.Market,
		"side":   string(order.Side),
	}
	if order.Price != "" {
		body["orderType"] = string(types.OrderLimit)
		body["price"] = order.Price
		price, _ := strconv.ParseFloat(order.Price, 64)
		size, _ := strconv.ParseFloat(order.SizeEUR, 64)
		if price > 0 {
			body["amount"] = strconv.FormatFloat(size/price, 'f', 8, 64)
		}
		return body
	}

	body["orderType"] = string(types.OrderMarket)
	if types.IsEURMarket(order.Market) {
		body["amountQuote"] = order.SizeEUR
	} else {
		body["amount"] = order.SizeEUR
	}
	return body
}

func parseOutbox(fields map[string]string) (*types.OutboxOrder, error) {
	order := &types.OutboxOrder{
		Ts:       fields["ts"],
		Version:  fields["version"],
		DryRun:   fields["dry_run"],
		Action:   types.Action(fields["action"]),
		SignalID: fields["signal_id"],
		Market:   fields["market"],
		Side:     types.Side(fields["side"]),
		Price:    fields["price"],
		SizeEUR:  fields["size_eur"],
		Mode:     fields["mode"],
		TpPct:    fields["tp_pct"],
		SlPct:    fields["sl_pct"],
		TrailPct: fields["trail_pct"],
	}
	if order.Market == "" {
		return nil, fmt.Errorf("missing market")
	}
	if !order.Side.Valid() {
		return nil, fmt.Errorf("unknown side %q", order.Side)
	}
	if order.SizeEUR == "" {
		return nil, fmt.Errorf("missing size_eur")
	}
	return order, nil
}

func (s *Service) emitExecuted(ctx context.Context, id string, order *types.OutboxOrder, price, amount string, resp any) {
	if price == "" {
		price = order.Price
	}
	rawResp, _ := json.Marshal(resp)
	_, err := s.bus.Append(ctx, s.cfg.ExecStream, map[string]any{
		"id":     id,
		"market": order.Market,
		"side":   string(order.Side),
		"type":   orderTypeOf(order),
		"amount": amount,
		"price":  price,
		"ts":     types.NowISO(time.Now()),
		"resp":   string(rawResp),
	})
	if err != nil {
		s.logger.Error("append executed record", "id", id, "error", err)
	}
}

func orderTypeOf(order *types.OutboxOrder) string {
	if order.Price != "" {
		return string(types.OrderLimit)
	}
	return string(types.OrderMarket)
}

func (s *Service) emitError(ctx context.Context, id, msg string) {
	if _, err := s.bus.Append(ctx, s.cfg.ErrorStream, map[string]any{"id": id, "error": msg}); err != nil {
		s.logger.Error("append error record", "id", id, "error", err)
	}
}
