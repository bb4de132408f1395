package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/selfstart/selfstart/internal/events"
)

// probeDue probes every backend whose per-target health check interval
// has elapsed. Maintenance and draining backends are left alone.
func (m *Manager) probeDue(ctx context.Context) {
	type job struct {
		t       *target
		b       *Backend
		path    string
		timeout time.Duration
	}

	now := m.clock.Now()
	m.mu.RLock()
	var jobs []job
	for _, t := range m.targets {
		interval := time.Duration(t.cfg.HealthCheckInterval) * time.Second
		for _, b := range t.backends {
			if b.status == BackendMaintenance || b.status == BackendDraining {
				continue
			}
			if b.lastProbe.IsZero() || now.Sub(b.lastProbe) >= interval {
				jobs = append(jobs, job{
					t:       t,
					b:       b,
					path:    t.cfg.HealthCheckPath,
					timeout: time.Duration(t.cfg.HealthCheckTimeout) * time.Second,
				})
			}
		}
	}
	m.mu.RUnlock()

	for _, j := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.probeBackend(ctx, j.t, j.b, j.path, j.timeout)
	}
}

func (m *Manager) probeBackend(ctx context.Context, t *target, b *Backend, path string, timeout time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	healthy := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.URL()+path, nil)
	if err == nil {
		resp, perr := m.probes.Do(req)
		if perr == nil {
			resp.Body.Close()
			healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
		}
	}

	m.mu.Lock()
	// An operator may have moved the backend while the probe was in
	// flight; that decision wins.
	if b.status == BackendMaintenance || b.status == BackendDraining {
		m.mu.Unlock()
		return
	}
	prev := b.status
	if healthy {
		b.status = BackendHealthy
	} else {
		b.status = BackendUnhealthy
	}
	cur := b.status
	b.lastProbe = m.clock.Now()
	m.mu.Unlock()

	if prev == cur {
		return
	}
	if cur == BackendHealthy {
		m.log.Info("backend recovered", "target", t.cfg.Name, "backend", b.Addr())
		return
	}
	m.log.Warn("backend unhealthy", "target", t.cfg.Name, "backend", b.Addr())
	m.bus.Publish(events.Event{
		Type: events.SystemWarning,
		Data: map[string]any{
			"message": "proxy backend unhealthy",
			"target":  t.cfg.Name,
			"backend": b.Addr(),
		},
	})
}
