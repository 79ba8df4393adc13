package health

import (
	"context"
	"sync"
	"time"
)

// Check probes one component. A nil error is healthy.
type Check struct {
	Name string
	// Critical checks mark the system critical on failure; others degrade it.
	Critical bool
	Probe    func(ctx context.Context) (map[string]any, error)
}

// Monitor aggregates health status from the registered checks.
type Monitor struct {
	checks   []Check
	cacheFor time.Duration
	timeout  time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a new health monitor.
func NewMonitor(checks ...Check) *Monitor {
	return &Monitor{
		checks:   checks,
		cacheFor: 10 * time.Second,
		timeout:  3 * time.Second,
	}
}

// Add registers another check.
func (m *Monitor) Add(c Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, c)
	m.lastReport = nil
}

// CheckHealth runs every check, caching the result briefly so health probes
// do not hammer the node.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	report := Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.checks)),
	}
	for _, c := range m.checks {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		detail, err := c.Probe(checkCtx)
		cancel()

		ch := ComponentHealth{Name: c.Name, Status: StatusHealthy, Detail: detail}
		if err != nil {
			ch.Error = err.Error()
			ch.Status = StatusDegraded
			if c.Critical {
				ch.Status = StatusCritical
			}
		}
		report.Components[c.Name] = ch
		report.SystemStatus = worse(report.SystemStatus, ch.Status)
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}
