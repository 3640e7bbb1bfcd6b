package handlers

import (
	"net/http"
	"time"

	"github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/platform/httpx"
	"github.com/ledgerpos/api/internal/repositories"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	repo    repositories.HealthRepository
	version string
	started time.Time
	clock   func() time.Time
}

type HealthOption func(*HealthHandlers)

// WithHealthRepository enables dependency checks on /readyz.
func WithHealthRepository(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) { h.repo = repo }
}

func WithHealthVersion(version string) HealthOption {
	return func(h *HealthHandlers) { h.version = version }
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.clock()
	return h
}

// Healthz reports that the process is serving.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock()
	payload := map[string]any{
		"status":    domain.HealthStatusOK,
		"uptime":    now.Sub(h.started).Round(time.Second).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if h.version != "" {
		payload["version"] = h.version
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

// Readyz probes the store; any failing check answers 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": domain.HealthStatusOK})
		return
	}
	report, err := h.repo.Collect(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "unable to collect health report", http.StatusServiceUnavailable))
		return
	}

	checks := make(map[string]any, len(report.Checks))
	for name, check := range report.Checks {
		checks[name] = map[string]any{
			"status":    check.Status,
			"detail":    check.Detail,
			"latencyMs": check.Latency.Milliseconds(),
		}
	}
	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, map[string]any{
		"status":      report.Status,
		"checks":      checks,
		"generatedAt": report.GeneratedAt.UTC().Format(time.RFC3339),
	})
}
