// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks, and block-rate anomaly detection for tether.
// Every component is optional and nil-safe: a disabled feature costs one
// nil check per recorded operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/tether/internal/config"
)

// Observability groups the components. Metrics, Tracer and Anomaly are nil
// when disabled; Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg enables only the
// health checker, which backs /healthz and /readyz.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if logger == nil {
		logger = slog.Default()
	}
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	logger.Info("observability configured",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly_detection", obs.Anomaly != nil),
	)
	return obs, nil
}

// Shutdown flushes the tracer. Safe on a nil receiver.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}
