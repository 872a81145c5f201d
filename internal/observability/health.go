package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 3 * time.Second

// HealthChecker runs readiness checks against the broker's dependencies
// (storage, credential sources). Checks run concurrently, each under its
// own deadline, so one hung backend cannot mask the others.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	timeout time.Duration
	logger  *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for the readiness endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"` // "ok" or "degraded"
	CheckedAt time.Time              `json:"checked_at,omitzero"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string  `json:"status"`            // "ok" or "fail"
	Message   string  `json:"message,omitempty"` // Error message on failure.
	LatencyMS float64 `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger, timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-check deadline.
func (h *HealthChecker) WithTimeout(d time.Duration) *HealthChecker {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// AddCheck registers a named check. Safe to call while checks are running.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// Names returns the registered check names in registration order.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.checks))
	for i, c := range h.checks {
		out[i] = c.Name
	}
	return out
}

// CheckReady runs every registered check and returns aggregate readiness:
// "ok" only if all pass, "degraded" otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok", CheckedAt: time.Now().UTC()}
	if len(checks) == 0 {
		return status
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.run(ctx, c)
		}()
	}
	wg.Wait()

	status.Checks = make(map[string]CheckResult, len(checks))
	for i, c := range checks {
		status.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			status.Status = "degraded"
		}
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, c HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: "ok", LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
		if h.logger != nil {
			h.logger.WarnContext(ctx, "readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return res
}
