package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes simulator metrics on a Prometheus scrape endpoint.
//
// Thread Safety: Safe for concurrent use.
type Exporter struct {
	mu sync.Mutex

	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	eventsTotal     *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	userPoolSize    prometheus.Gauge

	server  *http.Server
	ln      net.Listener
	running bool
}

// ExporterConfig configures the metrics endpoint.
type ExporterConfig struct {
	// Addr is the listen address (e.g. ":9090").
	Addr string

	// Path is the scrape path.
	// Default: /metrics
	Path string
}

// NewExporter creates an exporter with its own registry.
func NewExporter(cfg ExporterConfig) *Exporter {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsim_sessions_total",
				Help: "Total number of simulated sessions by scenario and outcome.",
			},
			[]string{"scenario", "success"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionsim_session_duration_seconds",
				Help:    "Duration of simulated sessions in seconds.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"scenario"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionsim_events_total",
				Help: "Total number of funnel events replayed.",
			},
			[]string{"event"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionsim_active_sessions",
				Help: "Number of sessions currently in flight.",
			},
		),
		userPoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionsim_user_pool_size",
				Help: "Number of users in the persisted pool.",
			},
		),
	}

	registry.MustRegister(
		e.sessionsTotal,
		e.sessionDuration,
		e.eventsTotal,
		e.activeSessions,
		e.userPoolSize,
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return e
}

// Start begins serving the scrape endpoint.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", e.server.Addr, err)
	}
	e.ln = ln
	e.running = true

	go func() {
		// http.ErrServerClosed is the normal shutdown path.
		_ = e.server.Serve(ln)
	}()

	return nil
}

// Stop shuts the endpoint down, waiting for in-flight scrapes.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	return e.server.Shutdown(ctx)
}

// Addr returns the bound listen address, or empty before Start.
func (e *Exporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

// Registry exposes the underlying registry, used by tests to gather.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// ObserveSession records one finished session.
func (e *Exporter) ObserveSession(scenario string, success bool, duration time.Duration) {
	e.sessionsTotal.WithLabelValues(scenario, fmt.Sprintf("%t", success)).Inc()
	e.sessionDuration.WithLabelValues(scenario).Observe(duration.Seconds())
}

// AddEvents records replayed funnel events.
func (e *Exporter) AddEvents(events []string) {
	for _, ev := range events {
		e.eventsTotal.WithLabelValues(ev).Inc()
	}
}

// SetActiveSessions updates the in-flight session gauge.
func (e *Exporter) SetActiveSessions(n int) {
	e.activeSessions.Set(float64(n))
}

// SetUserPoolSize updates the pool size gauge.
func (e *Exporter) SetUserPoolSize(n int) {
	e.userPoolSize.Set(float64(n))
}
