package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for tether.
// Uses a custom registry, no global state. All recording methods are
// nil-safe so callers need no feature checks.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Mediated execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Tool dispatch metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Access control metrics.
	AuthAttemptsTotal *prometheus.CounterVec
	RateLimitedTotal  prometheus.Counter

	// Audit and anomaly metrics.
	AuditFailuresTotal prometheus.Counter
	AnomaliesTotal     *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "security",
			Name:      "executions_total",
			Help:      "Mediated executions by operation, outcome and risk level.",
		}, []string{"operation", "outcome", "risk_level"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tether",
			Subsystem: "security",
			Name:      "execution_duration_seconds",
			Help:      "Mediated execution duration in seconds, validation to result.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 5, 10, 30},
		}, []string{"operation"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls.",
		}, []string{"tool", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tether",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"type", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tether",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 3, 5, 10, 30},
		}, []string{"type"}),

		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "access",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by method and result.",
		}, []string{"method", "result"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "access",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),

		AuditFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Audit entries that could not be written or queued.",
		}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "security",
			Name:      "anomalies_total",
			Help:      "Anomaly warnings raised by the detector.",
		}, []string{"kind"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tether",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.AuthAttemptsTotal,
		m.RateLimitedTotal,
		m.AuditFailuresTotal,
		m.AnomaliesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegisterSessionGauge exposes the number of live sessions, read at scrape time.
func (m *MetricsCollector) RegisterSessionGauge(active func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tether",
		Subsystem: "access",
		Name:      "active_sessions",
		Help:      "Sessions that are valid and not expired.",
	}, func() float64 { return float64(active()) }))
}

// RecordToolCall counts one dispatched tool call.
func (m *MetricsCollector) RecordToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordAuth counts one authentication attempt.
func (m *MetricsCollector) RecordAuth(method string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.AuthAttemptsTotal.WithLabelValues(method, result).Inc()
}

// RecordRateLimited counts one rate-limited request.
func (m *MetricsCollector) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// AuditFailure is the failure hook handed to the async audit logger.
func (m *MetricsCollector) AuditFailure(error) {
	if m == nil {
		return
	}
	m.AuditFailuresTotal.Inc()
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
