package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Readiness states. A failing optional check degrades readiness, a failing
// required check fails it.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker aggregates health from multiple subsystems.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Required bool
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`            // "ok" or "fail"
	Required bool   `json:"required"`          // A required failure fails readiness.
	Message  string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a required check, e.g. the store ping.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check, Required: true})
}

// AddOptionalCheck registers a check whose failure only degrades readiness,
// e.g. the debugging target, which may legitimately come and go.
func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check})
}

func (h *HealthChecker) add(c HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs all registered checks concurrently and returns aggregate
// readiness.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = CheckResult{Status: StatusOK, Required: c.Required}
			if err := c.Check(checkCtx); err != nil {
				results[i].Status = StatusFail
				results[i].Message = err.Error()
			}
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		r := results[i]
		status.Checks[c.Name] = r
		if r.Status == StatusOK {
			continue
		}
		if r.Required {
			status.Status = StatusFail
		} else if status.Status == StatusOK {
			status.Status = StatusDegraded
		}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.Bool("required", r.Required),
				slog.String("error", r.Message),
			)
		}
	}
	return status
}
