// Package metrics exposes Prometheus metrics for the failover
// controller.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
	"github.com/wirenboard/wb-connection-manager/pkg/telem"
)

// Server serves /metrics and is fed through the telemetry store's
// sample and event callbacks.
type Server struct {
	logger *logx.Logger
	server *http.Server

	activeRank     prometheus.Gauge
	probesTotal    *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	probeDurations prometheus.Histogram
}

// NewServer creates the metrics server and registers its collectors.
func NewServer(logger *logx.Logger) *Server {
	s := &Server{
		logger: logger,
		activeRank: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wbcm_active_connection_rank",
			Help: "Priority rank of the active connection (-1 when none is usable).",
		}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wbcm_probes_total",
			Help: "Connectivity probes by connection and verdict.",
		}, []string{"connection", "verdict"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wbcm_events_total",
			Help: "Controller state transitions by type.",
		}, []string{"type"}),
		probeDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wbcm_probe_duration_seconds",
			Help:    "Connectivity probe durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(s.activeRank, s.probesTotal, s.eventsTotal, s.probeDurations)
	s.activeRank.Set(-1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.server = &http.Server{Handler: mux}

	return s
}

// Start begins serving metrics on the given port.
func (s *Server) Start(port int) error {
	s.server.Addr = fmt.Sprintf(":%d", port)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
	s.logger.Info("Metrics server started", "port", port)
	return nil
}

// Stop shuts the metrics server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("Metrics server shutdown failed", "error", err)
	}
}

// ObserveSample records one probe result.
func (s *Server) ObserveSample(sample *telem.Sample) {
	s.probesTotal.WithLabelValues(sample.Connection, sample.Verdict.String()).Inc()
	s.probeDurations.Observe(sample.Duration.Seconds())
}

// ObserveEvent records one controller state transition.
func (s *Server) ObserveEvent(event *pkg.Event) {
	s.eventsTotal.WithLabelValues(string(event.Type)).Inc()
}

// SetActiveRank publishes the rank of the active connection; pass -1
// when no connection is usable.
func (s *Server) SetActiveRank(rank int) {
	s.activeRank.Set(float64(rank))
}
