package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/ledgerpos/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// Probe is a named readiness check against one backing dependency.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type probeHealthRepository struct {
	probes []Probe
	now    func() time.Time
}

// NewProbeHealthRepository evaluates the probes concurrently on every Collect.
func NewProbeHealthRepository(probes []Probe, clock func() time.Time) (HealthRepository, error) {
	for _, p := range probes {
		if strings.TrimSpace(p.Name) == "" || p.Check == nil {
			return nil, errors.New("health repository: probe requires a name and a check")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &probeHealthRepository{probes: append([]Probe(nil), probes...), now: clock}, nil
}

func (r *probeHealthRepository) Collect(ctx context.Context) (domain.HealthReport, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]domain.HealthCheck, len(r.probes))
	)

	for _, probe := range r.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			timeout := p.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := r.now()
			err := p.Check(checkCtx)
			end := r.now()

			check := domain.HealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				check.Status = domain.HealthStatusError
				check.Detail = "timeout"
			default:
				check.Status = domain.HealthStatusDegraded
				check.Detail = err.Error()
			}

			mu.Lock()
			results[p.Name] = check
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, check := range results {
		if check.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if check.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}

	return domain.HealthReport{Status: status, Checks: results, GeneratedAt: r.now()}, nil
}
