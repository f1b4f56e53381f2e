// mux.go aggregates every guard's /metrics endpoint behind a single scrape
// target, so Prometheus config does not chase moving guard ports.
package reconciler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bitvavo-trader/internal/config"
	"bitvavo-trader/internal/metrics"
)

// scrapeBudget is the wall-clock allowance for one aggregated scrape,
// covering the reconciler's own page and all guard pages together.
const scrapeBudget = 2 * time.Second

var portAssignmentRe = regexp.MustCompile(`^guard_port_assignment\{market="([^"]+)"\}\s+(\S+)`)

// Mux serves the aggregated metrics endpoint. It discovers guard targets by
// scraping the reconciler's own registry and reading the
// guard_port_assignment gauge, so discovery and supervision can never drift
// apart.
type Mux struct {
	selfURL string
	port    int
	client  *http.Client
	srv     *http.Server
	logger  *slog.Logger

	scrapeErrors *prometheus.CounterVec
	targets      prometheus.Gauge
}

// NewMux wires the mux. Its own counters register on the reconciler's
// registry, so they flow into the aggregated output like any guard page.
func NewMux(cfg config.ReconcilerConfig, m *metrics.Server, logger *slog.Logger) *Mux {
	x := &Mux{
		selfURL: fmt.Sprintf("http://127.0.0.1:%d/metrics", cfg.PromPort),
		port:    cfg.MuxPort,
		client:  &http.Client{Timeout: scrapeBudget},
		logger:  logger.With("component", "guard_mux"),
		scrapeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_mux_scrape_errors_total",
			Help: "Failed guard metric scrapes per market.",
		}, []string{"market"}),
		targets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_mux_targets",
			Help: "Guard endpoints discovered on the last aggregated scrape.",
		}),
	}
	m.Registry.MustRegister(x.scrapeErrors, x.targets)
	return x
}

// Run serves the aggregated endpoint until ctx is cancelled.
func (x *Mux) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", x.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	x.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", x.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := x.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	x.logger.Info("mux listening", "port", x.port)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = x.srv.Shutdown(sctx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (x *Mux) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), scrapeBudget)
	defer cancel()

	// Discovery happens before the self page is fetched, so the targets
	// gauge on this response already reflects this scrape.
	ports, selfPage := x.discover(ctx)
	x.targets.Set(float64(len(ports)))

	markets := make([]string, 0, len(ports))
	for m := range ports {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	pages := make([]string, len(markets))
	var wg sync.WaitGroup
	for i, market := range markets {
		wg.Add(1)
		go func(i int, market string, port int) {
			defer wg.Done()
			page, err := x.fetch(ctx, fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
			if err != nil {
				x.scrapeErrors.WithLabelValues(market).Inc()
				x.logger.Warn("guard scrape failed", "market", market, "port", port, "error", err)
				return
			}
			pages[i] = page
		}(i, market, ports[market])
	}
	wg.Wait()

	all := make([]string, 0, len(pages)+1)
	if selfPage != "" {
		all = append(all, selfPage)
	}
	for _, p := range pages {
		if p != "" {
			all = append(all, p)
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	io.WriteString(w, MergeMetrics(all))
}

// discover scrapes the reconciler's own registry once, returning the guard
// port map and the raw page for reuse in the merged output.
func (x *Mux) discover(ctx context.Context) (map[string]int, string) {
	page, err := x.fetch(ctx, x.selfURL)
	if err != nil {
		x.logger.Warn("self scrape failed", "url", x.selfURL, "error", err)
		return nil, ""
	}
	return ParsePortAssignments(page), page
}

func (x *Mux) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := x.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ParsePortAssignments extracts market→port pairs from the
// guard_port_assignment gauge in a Prometheus text page.
func ParsePortAssignments(page string) map[string]int {
	out := make(map[string]int)
	for _, line := range strings.Split(page, "\n") {
		m := portAssignmentRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// Gauges render as floats ("9106" or "9.106e+03").
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		out[m[1]] = int(v)
	}
	return out
}

// MergeMetrics concatenates Prometheus text pages, keeping only the first
// # HELP and # TYPE line seen per metric family. Sample lines pass through
// untouched.
func MergeMetrics(pages []string) string {
	seen := make(map[string]bool)
	var b strings.Builder
	for _, page := range pages {
		for _, line := range strings.Split(page, "\n") {
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "# HELP ") || strings.HasPrefix(line, "# TYPE ") {
				if seen[line[:7]+family(line)] {
					continue
				}
				seen[line[:7]+family(line)] = true
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func family(commentLine string) string {
	rest := commentLine[7:]
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		return rest[:i]
	}
	return rest
}
