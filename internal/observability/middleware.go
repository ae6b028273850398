package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, latency and an http.request span
// for every route it wraps.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			path := metricPath(r.URL.Path)

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()

			err := next(c)

			duration := time.Since(start).Seconds()

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			}

			return err
		}
	}
}

// metricPath bounds label cardinality: only registered route shapes are
// kept, anything else collapses to "other".
func metricPath(p string) string {
	switch {
	case strings.HasPrefix(p, "/v1/tools/"):
		return "/v1/tools/{name}"
	case strings.HasPrefix(p, "/v1/"), p == "/healthz", p == "/readyz", p == "/metrics":
		return p
	default:
		return "other"
	}
}
