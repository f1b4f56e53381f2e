package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bitvavo-trader/internal/bus"
	"bitvavo-trader/internal/config"
	"bitvavo-trader/internal/metrics"
)

// Service is the reconcile loop: desired set in, running guards out.
type Service struct {
	cfg    config.ReconcilerConfig
	bus    *bus.Bus
	runner Runner
	probe  PortProber

	ports map[string]int // market → assigned port, sticky across loops

	activeGuards prometheus.Gauge
	portGauge    *prometheus.GaugeVec
	runsTotal    prometheus.Counter
	errorsTotal  prometheus.Counter

	logger *slog.Logger
}

// New wires the reconciler. The port gauge doubles as the mux's service
// discovery, so its name and label are part of the contract.
func New(cfg config.ReconcilerConfig, b *bus.Bus, runner Runner, probe PortProber, m *metrics.Server, logger *slog.Logger) *Service {
	s := &Service{
		cfg:    cfg,
		bus:    b,
		runner: runner,
		probe:  probe,
		ports:  make(map[string]int),
		activeGuards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_active_count",
			Help: "Guards currently running.",
		}),
		portGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_port_assignment",
			Help: "Prometheus port assigned to each guarded market.",
		}, []string{"market"}),
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_runs_total",
			Help: "Reconcile passes completed.",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_errors_total",
			Help: "Reconcile passes that failed.",
		}),
		logger: logger.With("component", "reconciler"),
	}
	m.Registry.MustRegister(s.activeGuards, s.portGauge, s.runsTotal, s.errorsTotal)
	return s
}

// Run reconciles until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("reconciler starting",
		"max_concurrency", s.cfg.MaxConcurrency,
		"port_window", fmt.Sprintf("[%d, %d]", s.cfg.PromBase, s.cfg.PromBase+s.cfg.PromRange),
	)
	for {
		if err := s.reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.errorsTotal.Inc()
			s.logger.Error("reconcile", "error", err)
		} else {
			s.runsTotal.Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Loop):
		}
	}
}

func (s *Service) reconcile(ctx context.Context) error {
	desired, err := DesiredMarkets(ctx, s.bus, s.cfg.DenyBases, s.cfg.MaxConcurrency)
	if err != nil {
		return fmt.Errorf("desired markets: %w", err)
	}
	want := make(map[string]bool, len(desired))
	for _, m := range desired {
		want[m] = true
	}

	running := s.runner.Running()

	// Stop guards that fell out of the desired set. Their sticky port stays
	// reserved in s.ports so a flapping selection does not reshuffle ports.
	for market := range running {
		if want[market] {
			continue
		}
		s.logger.Info("stopping guard", "market", market)
		if err := s.runner.Stop(market); err != nil {
			s.logger.Error("stop guard", "market", market, "error", err)
		}
		s.portGauge.DeleteLabelValues(market)
	}

	assignments, err := AssignPorts(desired, s.ports, s.cfg.PromBase, s.cfg.PromRange, s.ownPortsProber(running))
	if err != nil {
		return fmt.Errorf("assign ports: %w", err)
	}

	running = s.runner.Running()
	for _, market := range desired {
		port := assignments[market]
		portChanged := s.ports[market] != 0 && s.ports[market] != port
		s.ports[market] = port

		if err := s.writeEnvFile(market, port); err != nil {
			s.logger.Error("write env file", "market", market, "error", err)
		}

		switch {
		case !running[market]:
			if err := s.runner.Start(ctx, market, port); err != nil {
				s.logger.Error("start guard", "market", market, "error", err)
				continue
			}
		case portChanged:
			s.logger.Info("restarting guard on new port", "market", market, "port", port)
			if err := s.runner.Stop(market); err != nil {
				s.logger.Error("stop guard for restart", "market", market, "error", err)
				continue
			}
			if err := s.runner.Start(ctx, market, port); err != nil {
				s.logger.Error("restart guard", "market", market, "error", err)
				continue
			}
		}
		s.portGauge.WithLabelValues(market).Set(float64(port))
	}

	// Publish the post-reconcile running set for operators and peers.
	running = s.runner.Running()
	s.activeGuards.Set(float64(len(running)))
	list := make([]string, 0, len(running))
	for _, m := range desired {
		if running[m] {
			list = append(list, m)
		}
	}
	if err := s.bus.ReplaceList(ctx, bus.KeyGuardRunning, list); err != nil {
		s.logger.Error("publish running list", "error", err)
	}
	return nil
}

// ownPortsProber treats ports bound by our own running guards as free, so
// sticky assignments survive the guard actually using its port.
func (s *Service) ownPortsProber(running map[string]bool) PortProber {
	own := make(map[int]bool)
	for market := range running {
		if p, ok := s.ports[market]; ok {
			own[p] = true
		}
	}
	return func(port int) bool {
		if own[port] {
			return true
		}
		return s.probe(port)
	}
}

// writeEnvFile persists the market's environment atomically: temp file in
// the same directory, then rename.
func (s *Service) writeEnvFile(market string, port int) error {
	if err := os.MkdirAll(s.cfg.EnvDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.cfg.EnvDir, market+".env")
	content := fmt.Sprintf("MARKET=%s\nPROM_PORT=%d\n", market, port)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
