package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/repositories"
)

// HealthHandlers serves liveness and readiness checks.
type HealthHandlers struct {
	repo      repositories.HealthRepository
	now       func() time.Time
	startedAt time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthClock injects a clock for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// WithHealthStartedAt overrides the process start time reported as uptime.
func WithHealthStartedAt(t time.Time) HealthOption {
	return func(h *HealthHandlers) {
		h.startedAt = t
	}
}

// NewHealthHandlers builds health handlers. A nil repo makes readiness mirror liveness.
func NewHealthHandlers(repo repositories.HealthRepository, opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{repo: repo, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.startedAt.IsZero() {
		h.startedAt = h.now()
	}
	return h
}

type healthPayload struct {
	Status    string               `json:"status"`
	Uptime    string               `json:"uptime"`
	Timestamp string               `json:"timestamp"`
	Checks    []healthCheckPayload `json:"checks,omitempty"`
}

type healthCheckPayload struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Healthz reports that the process is serving.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthPayload{
		Status:    string(repositories.HealthStatusOK),
		Uptime:    now.Sub(h.startedAt).Truncate(time.Second).String(),
		Timestamp: now.Format(time.RFC3339),
	})
}

// Readyz checks dependencies. Any failing check answers 503; degraded checks still answer 200.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		h.Healthz(w, r)
		return
	}
	report, err := h.repo.Collect(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("unavailable", "health report unavailable", http.StatusServiceUnavailable))
		return
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]healthCheckPayload, 0, len(names))
	for _, name := range names {
		result := report.Checks[name]
		checks = append(checks, healthCheckPayload{
			Name:      name,
			Status:    string(result.Status),
			Detail:    result.Detail,
			LatencyMS: result.Latency.Milliseconds(),
		})
	}

	now := h.now().UTC()
	status := http.StatusOK
	if report.Status == repositories.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, healthPayload{
		Status:    string(report.Status),
		Uptime:    now.Sub(h.startedAt).Truncate(time.Second).String(),
		Timestamp: now.Format(time.RFC3339),
		Checks:    checks,
	})
}
