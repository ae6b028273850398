package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tether/internal/sandbox"
	"github.com/jkaninda/tether/internal/security"
)

// --- InstrumentedExecutor ---

type secureExecutor interface {
	ExecuteSecurely(ctx context.Context, req security.CommandRequest) *security.ExecutionResult
}

// InstrumentedExecutor wraps the security manager with metrics, tracing and
// block-rate anomaly detection. It never alters the result.
type InstrumentedExecutor struct {
	inner   secureExecutor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps a security manager with observability.
func NewInstrumentedExecutor(inner secureExecutor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) ExecuteSecurely(ctx context.Context, req security.CommandRequest) *security.ExecutionResult {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "security.execute",
			trace.WithAttributes(
				attribute.String("security.operation", string(req.OperationType)),
			))
		defer span.End()
	}

	result := e.inner.ExecuteSecurely(ctx, req)

	outcome := "allowed"
	switch {
	case result.Blocked:
		outcome = "blocked"
	case !result.Success:
		outcome = "failed"
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("security.outcome", outcome),
			attribute.String("security.risk_level", result.RiskLevel.String()),
			attribute.String("security.session_id", result.SessionID.String()),
		)
		if outcome != "allowed" {
			span.SetStatus(codes.Error, result.Error)
		}
	}

	if e.metrics != nil {
		op := string(req.OperationType)
		e.metrics.ExecutionsTotal.WithLabelValues(op, outcome, result.RiskLevel.String()).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(op).Observe(result.ExecutionTime.Seconds())
	}

	if e.anomaly.RecordDecision(req.UserID, result.Blocked) && e.metrics != nil {
		e.metrics.AnomaliesTotal.WithLabelValues("block_rate").Inc()
	}

	return result
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string // "process" or "docker"
	metrics     *MetricsCollector
	tracer      trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.type", s.sandboxType),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, sandbox.ErrTimeout) {
			status = "timeout"
		}
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.sandboxType, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.sandboxType).Observe(duration)
	}

	return result, err
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
	_ secureExecutor  = (*InstrumentedExecutor)(nil)
)
