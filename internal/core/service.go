package core

import (
	"context"
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

const outboxVersion = "1"

// Service is the signal consumer. One consumer group owns the signal stream,
// so running two cores against the same group never double-processes a
// signal.
type Service struct {
	cfg    config.CoreConfig
	dryRun bool
	bus    *bus.Bus

	intentsTotal  *prometheus.CounterVec
	outboxAppends prometheus.Counter

	logger *slog.Logger
}

// New wires the trading core.
func New(cfg config.CoreConfig, dryRun bool, b *bus.Bus, m *metrics.Server, logger *slog.Logger) *Service {
	s := &Service{
		cfg:    cfg,
		dryRun: dryRun,
		bus:    b,
		intentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_intents_total",
			Help: "Signals processed, by outcome.",
		}, []string{"outcome"}),
		outboxAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "core_outbox_appends_total",
			Help: "Accepted intents appended to the outbox.",
		}),
		logger: logger.With("component", "trading_core"),
	}
	m.Registry.MustRegister(s.intentsTotal, s.outboxAppends)
	return s
}

// Run consumes the signal stream until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.bus.EnsureGroup(ctx, s.cfg.SignalStream, s.cfg.Group, "$"); err != nil {
		return err
	}
	s.logger.Info("trading core starting",
		"signal_stream", s.cfg.SignalStream,
		"outbox", s.cfg.OutboxStream,
		"dry_run", s.dryRun,
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := s.bus.ReadGroup(ctx, s.cfg.SignalStream, s.cfg.Group, s.cfg.Consumer, 50, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("read signals", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			s.handleSignal(ctx, msg)
		}
	}
}

// handleSignal processes one signal and always acknowledges it: blocks and
// malformed records are logged, never retried.
func (s *Service) handleSignal(ctx context.Context, msg bus.Message) {
	defer func() {
		if err := s.bus.Ack(ctx, s.cfg.SignalStream, s.cfg.Group, msg.ID); err != nil {
			s.logger.Error("ack signal", "id", msg.ID, "error", err)
		}
	}()

	intent, err := ParseIntent(msg.ID, msg.Fields, s.defaultSize(ctx))
	if err != nil {
		s.intentsTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("malformed signal", "id", msg.ID, "error", err)
		s.bus.LogEvent(ctx, s.cfg.EventStream, "warn", "core.parse", err.Error())
		return
	}

	st, err := s.gatherState(ctx, intent.Market)
	if err != nil {
		// KV trouble is transient; the signal is still acked (stale signals
		// are worthless on retry) but the failure is surfaced.
		s.intentsTotal.WithLabelValues("state_error").Inc()
		s.logger.Error("gather guard state", "market", intent.Market, "error", err)
		s.bus.LogEvent(ctx, s.cfg.EventStream, "error", "core.state", err.Error())
		return
	}

	if blocked := EvaluateGuards(s.cfg, st, intent.SizeEUR); blocked != nil {
		s.intentsTotal.WithLabelValues("blocked_" + blocked.Reason).Inc()
		s.logger.Info("intent blocked",
			"market", intent.Market,
			"reason", blocked.Reason,
			"detail", blocked.Msg,
		)
		s.bus.LogEvent(ctx, s.cfg.EventStream, "info", "core.guard",
			fmt.Sprintf("%s blocked: %s", intent.Market, blocked.Msg))
		return
	}

	if err := s.emit(ctx, intent); err != nil {
		s.intentsTotal.WithLabelValues("emit_error").Inc()
		s.logger.Error("outbox append", "market", intent.Market, "error", err)
		s.bus.LogEvent(ctx, s.cfg.EventStream, "error", "core.outbox", err.Error())
		return
	}

	if err := s.bumpExposure(ctx, intent.Market, intent.SizeEUR); err != nil {
		s.logger.Error("bump exposure", "market", intent.Market, "error", err)
		s.bus.LogEvent(ctx, s.cfg.EventStream, "error", "core.exposure", err.Error())
	}

	s.intentsTotal.WithLabelValues("accepted").Inc()
	s.outboxAppends.Inc()
	s.logger.Info("intent accepted",
		"market", intent.Market,
		"kind", intent.Kind,
		"size_eur", intent.SizeEUR,
		"score", intent.Score,
	)
	s.bus.LogEvent(ctx, s.cfg.EventStream, "info", "core.accept",
		fmt.Sprintf("%s %s %.2f EUR (%s)", intent.Side, intent.Market, intent.SizeEUR, intent.Kind))
}

// defaultSize is the per-entry EUR spend: the slot budget when set, the
// configured default otherwise.
func (s *Service) defaultSize(ctx context.Context) float64 {
	if raw, err := s.bus.Get(ctx, bus.KeySlotBudgetEUR); err == nil && raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			return v
		}
	}
	return s.cfg.DefaultSizeEUR
}

func (s *Service) gatherState(ctx context.Context, market string) (GuardState, error) {
	return readGuardState(ctx, s.bus, s.cfg.KillSwitchKey, market)
}

// stateStore is the slice of the bus the guard-state reads need; missing keys
// come back as empty strings, an error means the KV itself failed.
type stateStore interface {
	Get(ctx context.Context, key string) (string, error)
	HLen(ctx context.Context, key string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// readGuardState fetches every input the guards evaluate. Any read failing
// fails the whole state: a guard fed a zero from a broken KV would wave
// intents through caps it cannot see.
func readGuardState(ctx context.Context, kv stateStore, killKey, market string) (GuardState, error) {
	var st GuardState

	kill, err := kv.Get(ctx, killKey)
	if err != nil {
		return st, fmt.Errorf("kill switch: %w", err)
	}
	st.KillSwitch = kill == "1"

	st.PositionsCount, err = kv.HLen(ctx, bus.KeyPositions)
	if err != nil {
		return st, fmt.Errorf("positions count: %w", err)
	}

	exposure, err := kv.HGetAll(ctx, bus.KeyExposure)
	if err != nil {
		return st, fmt.Errorf("exposure: %w", err)
	}
	st.GlobalExposure = parseFloat(exposure[bus.GlobalExposureField])
	st.AssetExposure = parseFloat(exposure[market])

	eur, err := kv.Get(ctx, bus.KeyEURAvailable)
	if err != nil {
		return st, fmt.Errorf("eur available: %w", err)
	}
	st.EURAvailable = parseFloat(eur)

	budget, err := kv.Get(ctx, bus.KeySlotBudgetEUR)
	if err != nil {
		return st, fmt.Errorf("slot budget: %w", err)
	}
	st.SlotBudgetEUR = parseFloat(budget)
	return st, nil
}

// emit appends exactly one outbox record for the intent.
func (s *Service) emit(ctx context.Context, intent *Intent) error {
	price := ""
	if intent.Price > 0 {
		price = strconv.FormatFloat(intent.Price, 'f', -1, 64)
	}
	order := types.OutboxOrder{
		Ts:       types.NowISO(time.Now()),
		Version:  outboxVersion,
		DryRun:   strconv.FormatBool(s.dryRun),
		Action:   types.ActionOpen,
		SignalID: intent.SignalID,
		Market:   intent.Market,
		Side:     intent.Side,
		Price:    price,
		SizeEUR:  strconv.FormatFloat(intent.SizeEUR, 'f', 2, 64),
		Mode:     s.cfg.TpSlMode,
		TpPct:    strconv.FormatFloat(s.cfg.TpPct, 'f', -1, 64),
		SlPct:    strconv.FormatFloat(s.cfg.SlPct, 'f', -1, 64),
		TrailPct: strconv.FormatFloat(s.cfg.TrailingPct, 'f', -1, 64),
	}
	_, err := s.bus.Append(ctx, s.cfg.OutboxStream, map[string]any{
		"ts":        order.Ts,
		"version":   order.Version,
		"dry_run":   order.DryRun,
		"action":    string(order.Action),
		"signal_id": order.SignalID,
		"market":    order.Market,
		"side":      string(order.Side),
		"price":     order.Price,
		"size_eur":  order.SizeEUR,
		"mode":      order.Mode,
		"tp_pct":    order.TpPct,
		"sl_pct":    order.SlPct,
		"trail_pct": order.TrailPct,
	})
	return err
}

// bumpExposure adds the spend to the market's exposure, the global sum, and
// the positions map, keeping Σ exposure[market] == exposure[_global].
func (s *Service) bumpExposure(ctx context.Context, market string, sizeEUR float64) error {
	if _, err := s.bus.HIncrByFloat(ctx, bus.KeyExposure, market, sizeEUR); err != nil {
		return err
	}
	if _, err := s.bus.HIncrByFloat(ctx, bus.KeyExposure, bus.GlobalExposureField, sizeEUR); err != nil {
		return err
	}
	_, err := s.bus.HIncrByFloat(ctx, bus.KeyPositions, market, sizeEUR)
	return err
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
