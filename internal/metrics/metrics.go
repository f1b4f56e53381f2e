// Package metrics serves per-process Prometheus endpoints.
//
// Every long-lived service gets its own registry and port. Binding is
// best-effort: a port conflict logs a warning and disables the endpoint
// instead of crashing the service.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes one registry on /metrics plus a /healthz probe.
type Server struct {
	Registry *prometheus.Registry
	srv      *http.Server
	logger   *slog.Logger
}

// NewServer builds a server with a fresh registry.
func NewServer(logger *slog.Logger) *Server {
	return &Server{
		Registry: prometheus.NewRegistry(),
		logger:   logger.With("component", "metrics"),
	}
}

// Start binds the endpoint on the given port. Best-effort: if the port is
// taken the endpoint is disabled and the service keeps running.
func (s *Server) Start(port int) {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Warn("metrics disabled, cannot bind port", "addr", addr, "error", err)
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	s.logger.Info("metrics listening", "addr", addr)
}

// Stop shuts the endpoint down, waiting briefly for in-flight scrapes.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
