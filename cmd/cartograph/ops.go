package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cartograph-io/cartograph/internal/config"
	"github.com/cartograph-io/cartograph/internal/health"
	"github.com/cartograph-io/cartograph/internal/metrics"
)

// opsServer is the optional operations listener: liveness, readiness, and
// Prometheus metrics. Disabled unless CARTOGRAPH_OPS_ADDR is set; a one-shot
// pipeline run on a laptop has no use for an open port.
type opsServer struct {
	srv    *http.Server
	logger *slog.Logger
}

func startOpsServer(m *metrics.Metrics, monitor *health.Monitor, logger *slog.Logger) *opsServer {
	addr := config.GetEnvStr("CARTOGRAPH_OPS_ADDR", "")
	if addr == "" {
		return &opsServer{}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := monitor.Snapshot()

		status := http.StatusOK
		if report.Overall == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !monitor.Healthy() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	s := &opsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}

	go func() {
		logger.Info("Ops listener started", slog.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Ops listener failed", slog.String("error", err.Error()))
		}
	}()

	return s
}

func (s *opsServer) close() {
	if s.srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("Ops listener shutdown", slog.String("error", err.Error()))
	}
}
