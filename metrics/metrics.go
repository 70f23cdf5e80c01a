// Package metrics exposes Prometheus metrics for measurement sessions.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soocke/stbkpi-go/domain/timing"
)

// SessionMetrics records frame loop activity and measurement outcomes. It
// implements timing.Observer.
type SessionMetrics struct {
	Frames      *prometheus.CounterVec
	Hits        *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Results     *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Blackouts   *prometheus.HistogramVec
	LastValue   *prometheus.GaugeVec
}

var _ timing.Observer = (*SessionMetrics)(nil)

// NewSessionMetrics creates the collectors and registers them on registry.
func NewSessionMetrics(registry prometheus.Registerer) (*SessionMetrics, error) {
	m := &SessionMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register session metrics: %w", err)
	}
	return m, nil
}

func (m *SessionMetrics) initMetrics() {
	m.Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stbkpi_frames_total",
		Help: "Frames consumed by measurement sessions",
	}, []string{"plan"})
	m.Hits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stbkpi_detector_hits_total",
		Help: "Frames on which a detector binding fired",
	}, []string{"plan", "binding"})
	m.Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stbkpi_phase_transitions_total",
		Help: "Phase transitions by target phase",
	}, []string{"plan", "from", "to"})
	m.Results = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stbkpi_measurements_total",
		Help: "Finished measurements by status",
	}, []string{"plan", "status"})
	m.Duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stbkpi_measurement_seconds",
		Help:    "Measured durations from trigger to target signature",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 11),
	}, []string{"plan"})
	m.Blackouts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stbkpi_blackout_seconds",
		Help:    "Blackout interval lengths per source",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"plan", "source"})
	m.LastValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stbkpi_last_measurement_seconds",
		Help: "Most recent measured duration",
	}, []string{"plan"})
}

func (m *SessionMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Frames, m.Hits, m.Transitions, m.Results, m.Duration, m.Blackouts, m.LastValue}
}

// Describe implements prometheus.Collector.
func (m *SessionMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *SessionMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *SessionMetrics) ObserveFrame(plan string) { m.Frames.WithLabelValues(plan).Inc() }

func (m *SessionMetrics) ObserveHit(plan, binding string, _ float64) {
	m.Hits.WithLabelValues(plan, binding).Inc()
}

func (m *SessionMetrics) ObserveTransition(plan string, prev, next timing.Phase) {
	m.Transitions.WithLabelValues(plan, prev.String(), next.String()).Inc()
}

func (m *SessionMetrics) ObserveResult(res timing.Result) {
	m.Results.WithLabelValues(res.Plan, res.Status.String()).Inc()
	if v, ok := res.Value(); ok {
		m.Duration.WithLabelValues(res.Plan).Observe(v)
		m.LastValue.WithLabelValues(res.Plan).Set(v)
	}
	for _, iv := range res.Intervals() {
		m.Blackouts.WithLabelValues(res.Plan, iv.Source).Observe(iv.Duration(res.Ended).Seconds())
	}
}

// Serve exposes registry on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if logger != nil {
		logger.Info("metrics endpoint listening", "addr", addr)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
