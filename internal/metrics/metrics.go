// Package metrics exposes worker counters to Prometheus.
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Request outcomes, used as the "outcome" label.
const (
	OutcomeOK             = "ok"
	OutcomeSynthesisError = "synthesis_error"
	OutcomeEmptyText      = "empty_text"
	OutcomeBadJSON        = "bad_json"
	OutcomeQuit           = "quit"
)

const readHeaderTimeout = 5 * time.Second

// Recorder groups all Prometheus instruments used by the worker.
type Recorder struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	synthesisDuration prometheus.Histogram
	sinkErrors        prometheus.Counter
	engineReady       prometheus.Gauge
}

// NewRecorder registers the worker instruments on a private registry.
func NewRecorder(namespace string) *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Protocol lines handled, by outcome.",
		}, []string{"outcome"}),
		synthesisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Wall time of one engine synthesis call.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		sinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Audio hand-off failures.",
		}),
		engineReady: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_ready",
			Help:      "1 once the engine is loaded.",
		}),
	}
}

// Request counts one handled line.
func (r *Recorder) Request(outcome string) {
	if r == nil {
		return
	}

	r.requests.WithLabelValues(outcome).Inc()
}

// ObserveSynthesis records the duration of one engine call.
func (r *Recorder) ObserveSynthesis(d time.Duration) {
	if r == nil {
		return
	}

	r.synthesisDuration.Observe(d.Seconds())
}

// SinkError counts a failed hand-off.
func (r *Recorder) SinkError() {
	if r == nil {
		return
	}

	r.sinkErrors.Inc()
}

// SetEngineReady flips the readiness gauge.
func (r *Recorder) SetEngineReady(ready bool) {
	if r == nil {
		return
	}

	if ready {
		r.engineReady.Set(1)

		return
	}

	r.engineReady.Set(0)
}

// Gatherer exposes the private registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Router serves /metrics and /healthz.
func (r *Recorder) Router() http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	return router
}

// Server is the background metrics listener.
type Server struct {
	srv  *http.Server
	addr string
}

// Start binds addr and serves the recorder's router in the background.
// Bind errors are returned synchronously.
func Start(addr string, rec *Recorder, log zerolog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &Server{
		srv: &http.Server{
			Handler:           rec.Router(),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		addr: listener.Addr().String(),
	}

	go func() {
		serveErr := server.srv.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error().Err(serveErr).Msg("Metrics server stopped")
		}
	}()

	log.Info().Str("addr", server.addr).Msg("Metrics server listening")

	return server, nil
}

// Addr is the bound address, useful when addr had port 0.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}

	return nil
}
