package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the scheduler.
type Metrics struct {
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	AuditPurged prometheus.Counter
	LastSuccess *prometheus.GaugeVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and result.",
		}, []string{"job", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tether",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each scheduled job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"job"}),
		AuditPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "scheduler",
			Name:      "audit_entries_purged_total",
			Help:      "Audit entries deleted by the retention job.",
		}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "scheduler",
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of each job.",
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.JobRuns,
		m.JobDuration,
		m.AuditPurged,
		m.LastSuccess,
	)

	return m
}

func (m *Metrics) observe(job string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	} else {
		m.LastSuccess.WithLabelValues(job).SetToCurrentTime()
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.AuditPurged.Add(float64(n))
}
