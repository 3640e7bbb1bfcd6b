package domain

import "time"

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// HealthCheck captures the result of probing a single dependency.
type HealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency status for readiness endpoints.
type HealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}
