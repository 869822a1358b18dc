package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// PrometheusExporter exposes session metrics on an HTTP endpoint.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type PrometheusExporter struct {
	mu sync.RWMutex

	config   PrometheusExporterConfig
	registry *prometheus.Registry

	activeSessions   *prometheus.GaugeVec
	sessionCapacity  *prometheus.GaugeVec
	sessionsStarted  *prometheus.CounterVec
	sessionsEnded    *prometheus.CounterVec
	sessionSteps     *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	guardEvaluations *prometheus.CounterVec
	thinkTime        *prometheus.HistogramVec
	admissionWait    *prometheus.HistogramVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec

	server  *http.Server
	ln      net.Listener
	running bool

	lastError error
}

var _ Observer = (*PrometheusExporter)(nil)

// PrometheusExporterConfig configures the exporter.
type PrometheusExporterConfig struct {
	// Addr is the listen address. Default: ":9090"
	Addr string

	// Path of the metrics endpoint. Default: "/metrics"
	Path string

	// Namespace prefixes every metric. Default: "markov"
	Namespace string

	// HistogramBuckets are the buckets of the duration histograms in
	// seconds. Default: prometheus.DefBuckets
	HistogramBuckets []float64
}

// DefaultPrometheusExporterConfig returns the default configuration.
func DefaultPrometheusExporterConfig() PrometheusExporterConfig {
	return PrometheusExporterConfig{
		Addr:             ":9090",
		Path:             "/metrics",
		Namespace:        "markov",
		HistogramBuckets: prometheus.DefBuckets,
	}
}

// NewPrometheusExporter creates an exporter with its own registry.
func NewPrometheusExporter(config PrometheusExporterConfig) *PrometheusExporter {
	defaults := DefaultPrometheusExporterConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.Namespace == "" {
		config.Namespace = defaults.Namespace
	}
	if len(config.HistogramBuckets) == 0 {
		config.HistogramBuckets = defaults.HistogramBuckets
	}

	e := &PrometheusExporter{config: config, registry: prometheus.NewRegistry()}
	e.initMetrics()
	return e
}

func (e *PrometheusExporter) initMetrics() {
	ns := e.config.Namespace
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	e.activeSessions = gauge("active_sessions", "Sessions currently admitted by the arrival gate.", "workload")
	e.sessionCapacity = gauge("session_capacity", "Current admission capacity; -1 when unlimited.", "workload")
	e.sessionsStarted = counter("sessions_started_total", "Sessions that drew a behavior model.", "workload", "behavior")
	e.sessionsEnded = counter("sessions_ended_total", "Sessions that reached the exit state.", "workload", "behavior")
	e.sessionSteps = histogram("session_steps", "Transitions taken per session.",
		prometheus.ExponentialBuckets(1, 2, 12), "workload")
	e.transitions = counter("transitions_total", "Transitions taken between states.", "workload", "from", "to")
	e.guardEvaluations = counter("guard_evaluations_total", "Guard evaluations by result.",
		"workload", "from", "to", "result")
	e.thinkTime = histogram("think_time_seconds", "Think times applied before requests.",
		e.config.HistogramBuckets, "workload")
	e.admissionWait = histogram("admission_wait_seconds", "Time sessions waited at the arrival gate.",
		e.config.HistogramBuckets, "workload")
	e.requests = counter("requests_total", "Requests executed for states.", "workload", "state", "success")
	e.requestDuration = histogram("request_duration_seconds", "Duration of state requests.",
		e.config.HistogramBuckets, "workload", "state")

	e.registry.MustRegister(
		e.activeSessions,
		e.sessionCapacity,
		e.sessionsStarted,
		e.sessionsEnded,
		e.sessionSteps,
		e.transitions,
		e.guardEvaluations,
		e.thinkTime,
		e.admissionWait,
		e.requests,
		e.requestDuration,
	)
}

// Start serves the metrics and /health endpoints.
func (e *PrometheusExporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	ln, err := net.Listen("tcp", e.config.Addr)
	if err != nil {
		return fmt.Errorf("starting Prometheus exporter: %w", err)
	}
	e.ln = ln

	mux := http.NewServeMux()
	mux.Handle(e.config.Path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.mu.Lock()
			e.lastError = err
			e.mu.Unlock()
		}
	}()

	e.running = true
	return nil
}

// Stop shuts the HTTP server down.
func (e *PrometheusExporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	return e.server.Shutdown(ctx)
}

func (e *PrometheusExporter) SessionStarted(workload, behavior string) {
	e.sessionsStarted.WithLabelValues(workload, behavior).Inc()
}

func (e *PrometheusExporter) SessionEnded(workload, behavior string, steps int) {
	e.sessionsEnded.WithLabelValues(workload, behavior).Inc()
	e.sessionSteps.WithLabelValues(workload).Observe(float64(steps))
}

func (e *PrometheusExporter) Transition(workload, from, to string) {
	e.transitions.WithLabelValues(workload, from, to).Inc()
}

func (e *PrometheusExporter) GuardEvaluated(workload, from, to string, result bool) {
	e.guardEvaluations.WithLabelValues(workload, from, to, strconv.FormatBool(result)).Inc()
}

func (e *PrometheusExporter) ThinkTime(workload string, d time.Duration) {
	e.thinkTime.WithLabelValues(workload).Observe(d.Seconds())
}

func (e *PrometheusExporter) AdmissionWait(workload string, d time.Duration) {
	e.admissionWait.WithLabelValues(workload).Observe(d.Seconds())
}

// RecordRequest records a state request.
func (e *PrometheusExporter) RecordRequest(r Request) {
	e.requests.WithLabelValues(r.Workload, r.State, strconv.FormatBool(r.Success())).Inc()
	e.requestDuration.WithLabelValues(r.Workload, r.State).Observe(r.Latency.Seconds())
}

// UpdateGate sets the gate gauges of a workload.
func (e *PrometheusExporter) UpdateGate(workload string, active, capacity int) {
	e.activeSessions.WithLabelValues(workload).Set(float64(active))
	e.sessionCapacity.WithLabelValues(workload).Set(float64(capacity))
}

// Addr returns the address the exporter listens on, or the configured
// address before Start.
func (e *PrometheusExporter) Addr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ln != nil {
		return e.ln.Addr().String()
	}
	return e.config.Addr
}

// Path returns the metrics path.
func (e *PrometheusExporter) Path() string {
	return e.config.Path
}

// IsRunning returns whether the exporter is serving.
func (e *PrometheusExporter) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// LastError returns the last error of the HTTP server, if any.
func (e *PrometheusExporter) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Gather collects all metrics from the registry.
func (e *PrometheusExporter) Gather() ([]*dto.MetricFamily, error) {
	return e.registry.Gather()
}
