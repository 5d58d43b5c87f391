package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics for the control plane. Every method is safe on a
// nil receiver so collaborators can run without instrumentation in tests.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	gateDecisions     *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	loginAttempts     *prometheus.CounterVec
	auditWritten      prometheus.Counter
	auditDropped      *prometheus.CounterVec
	realtimeConns     prometheus.Gauge
	realtimeDelivered *prometheus.CounterVec
	jobsTotal         *prometheus.CounterVec
}

// NewMetrics initialises the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbcost_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fnbcost_http_request_duration_seconds",
			Help:    "HTTP request latency per route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbcost_gate_decisions_total",
			Help: "Authorization gate outcomes per route.",
		}, []string{"route", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbcost_rate_limited_total",
			Help: "Requests rejected by the per-route rate limiter.",
		}, []string{"route"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbcost_login_attempts_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		auditWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnbcost_audit_entries_written_total",
			Help: "Audit entries persisted.",
		}),
		auditDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbcost_audit_entries_dropped_total",
			Help: "Audit entries that could not be persisted.",
		}, []string{"reason"}),
		realtimeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fnbcost_realtime_connections",
			Help: "Open realtime push connections.",
		}),
		realtimeDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbcost_realtime_events_total",
			Help: "Realtime frames by type and delivery result.",
		}, []string{"type", "result"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbcost_jobs_total",
			Help: "Background job runs by task and status.",
		}, []string{"task", "status"}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.gateDecisions, m.rateLimited, m.loginAttempts,
		m.auditWritten, m.auditDropped,
		m.realtimeConns, m.realtimeDelivered,
		m.jobsTotal,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// GateDecision counts one gate outcome.
func (m *Metrics) GateDecision(route, outcome string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(route, outcome).Inc()
}

// RateLimited counts a 429 on route.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

// LoginAttempt counts a login by result: success, invalid, locked, inactive.
func (m *Metrics) LoginAttempt(result string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(result).Inc()
}

// AuditWritten counts persisted audit entries.
func (m *Metrics) AuditWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.auditWritten.Add(float64(n))
}

// AuditDropped counts audit entries lost for reason (buffer_full, closed, store_error).
func (m *Metrics) AuditDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.auditDropped.WithLabelValues(reason).Add(float64(n))
}

// RealtimeConnections sets the open connection gauge.
func (m *Metrics) RealtimeConnections(n int) {
	if m == nil {
		return
	}
	m.realtimeConns.Set(float64(n))
}

// RealtimeFrame counts one frame delivery attempt.
func (m *Metrics) RealtimeFrame(frameType string, delivered bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.realtimeDelivered.WithLabelValues(frameType, result).Inc()
}

// JobRun counts a background task execution.
func (m *Metrics) JobRun(task, status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(task, status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
