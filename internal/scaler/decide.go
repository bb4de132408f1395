package scaler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/hooks"
	"github.com/selfstart/selfstart/internal/metrics"
	"github.com/selfstart/selfstart/internal/store"
)

const (
	predictionSamples = 10
	predictionBlend   = 0.3
	trendHorizon      = 3 // periods extrapolated ahead
)

// EvaluateOnce runs one decision pass over every enabled policy.
func (m *Manager) EvaluateOnce(ctx context.Context) {
	for _, p := range m.Policies() {
		if !p.Enabled || !m.dueForEval(p) {
			continue
		}
		dir, reason := m.decide(p)
		if dir == DirectionNone {
			continue
		}
		if err := m.execute(ctx, p, dir, reason); err != nil {
			m.log.Error("scaling action failed", "service", p.Service, "direction", string(dir), "error", err)
		}
	}
}

// dueForEval gates each policy on its own evaluation interval; the loop
// tick is only the floor.
func (m *Manager) dueForEval(p *store.ScalingPolicy) bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastEval[p.Service]; ok && now.Sub(last) < p.Interval() {
		return false
	}
	m.lastEval[p.Service] = now
	return true
}

func (m *Manager) decide(p *store.ScalingPolicy) (Direction, string) {
	now := m.clock.Now()

	m.mu.RLock()
	last, acted := m.lastAction[p.Service]
	window := m.recentLocked(p.Service, p.EvaluationPeriods)
	predWindow := m.recentLocked(p.Service, predictionSamples)
	m.mu.RUnlock()

	if acted && now.Sub(last) < minCooldown(p) {
		return DirectionNone, ""
	}
	if len(window) < p.EvaluationPeriods {
		return DirectionNone, ""
	}

	cpu := mean(window, axisCPU)
	mem := mean(window, axisMemory)
	net := mean(window, axisNetwork)
	if p.EnablePrediction {
		cpu = blend(cpu, predict(predWindow, axisCPU))
		mem = blend(mem, predict(predWindow, axisMemory))
		net = blend(net, predict(predWindow, axisNetwork))
	}

	replicas := m.currentReplicas(p.Service)
	switch {
	case (cpu > p.CPUUp || mem > p.MemoryUp || net > p.NetworkUp) && replicas < p.MaxReplicas:
		return DirectionUp, fmt.Sprintf("cpu=%.1f%% mem=%.1f%% net=%.1fMbps above up thresholds", cpu, mem, net)
	case cpu < p.CPUDown && mem < p.MemoryDown && net < p.NetworkDown && replicas > p.MinReplicas:
		return DirectionDown, fmt.Sprintf("cpu=%.1f%% mem=%.1f%% net=%.1fMbps below down thresholds", cpu, mem, net)
	}
	return DirectionNone, ""
}

func (m *Manager) execute(ctx context.Context, p *store.ScalingPolicy, dir Direction, reason string) error {
	current := m.currentReplicas(p.Service)
	target := current
	switch dir {
	case DirectionUp:
		target = current + 1
	case DirectionDown:
		target = current - 1
	}
	target = clampReplicas(target, p.MinReplicas, p.MaxReplicas)
	if target == current {
		return nil
	}
	return m.scaleTo(ctx, p.Service, dir, current, target, reason, TriggerAutomatic)
}

// ManualScale forces the replica count for a service. It bypasses
// thresholds, cooldown, and the policy replica range; only the audit
// trail and the cooldown stamp are shared with the automatic path.
func (m *Manager) ManualScale(ctx context.Context, service string, target int) error {
	if target < 0 {
		return fault.New(fault.Validation, "replicas must be >= 0, got %d", target)
	}
	current := m.currentReplicas(service)
	dir := DirectionDown
	if target > current {
		dir = DirectionUp
	}
	return m.scaleTo(ctx, service, dir, current, target, "manual scale request", TriggerManual)
}

// scaleTo actuates one replica change and records the outcome. The
// cooldown timer advances only on success so the next cycle retries a
// failed action.
func (m *Manager) scaleTo(ctx context.Context, service string, dir Direction, current, target int, reason, trigger string) error {
	err := m.act.Scale(ctx, service, target)

	ev := &store.ScalingEvent{
		ID:          uuid.NewString(),
		Service:     service,
		Direction:   string(dir),
		Trigger:     trigger,
		OldReplicas: current,
		NewReplicas: target,
		Reason:      reason,
		Success:     err == nil,
		Timestamp:   m.clock.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if rerr := m.reg.AppendScalingEvent(ctx, ev); rerr != nil {
		m.log.Warn("scaling event not recorded", "service", service, "error", rerr)
	}

	if err != nil {
		metrics.ScalingActions.WithLabelValues(string(dir), "failure").Inc()
		return err
	}
	metrics.ScalingActions.WithLabelValues(string(dir), "success").Inc()

	now := m.clock.Now()
	m.mu.Lock()
	m.replicas[service] = target
	m.lastAction[service] = now
	m.mu.Unlock()

	m.log.Info("service scaled", "service", service, "direction", string(dir), "from", current, "to", target, "trigger", trigger)

	typ := events.ScalingUp
	if dir == DirectionDown {
		typ = events.ScalingDown
	}
	m.bus.Publish(events.Event{
		Type: typ,
		Data: map[string]any{
			"service":      service,
			"old_replicas": current,
			"new_replicas": target,
			"trigger":      trigger,
		},
	})
	m.fireHook(ctx, hooks.OnScalingEvent, hooks.Payload{
		"service":      service,
		"direction":    string(dir),
		"old_replicas": current,
		"new_replicas": target,
		"trigger":      trigger,
	})
	return nil
}

// currentReplicas prefers the count stamped by the last scale action,
// then the actuator's live view, then one replica for any service the
// registry still reports running.
func (m *Manager) currentReplicas(service string) int {
	m.mu.RLock()
	cached, ok := m.replicas[service]
	m.mu.RUnlock()
	if ok {
		return cached
	}
	if n := m.act.CurrentReplicas(service); n > 0 {
		return n
	}
	if svc, err := m.view.Service(service); err == nil && svc.Status == "running" {
		return 1
	}
	return 0
}

// recentLocked returns the newest n samples, oldest first. Caller holds mu.
func (m *Manager) recentLocked(service string, n int) []store.MetricsPoint {
	h := m.history[service]
	if len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]store.MetricsPoint(nil), h...)
}

// minCooldown gates on the shorter of the two windows regardless of the
// last action's direction.
func minCooldown(p *store.ScalingPolicy) time.Duration {
	if d := p.DownCooldown(); d < p.UpCooldown() {
		return d
	}
	return p.UpCooldown()
}

type axis func(store.MetricsPoint) float64

func axisCPU(pt store.MetricsPoint) float64    { return pt.CPUPercent }
func axisMemory(pt store.MetricsPoint) float64 { return pt.MemoryPercent }
func axisNetwork(pt store.MetricsPoint) float64 {
	return math.Max(pt.NetworkInMbps, pt.NetworkOutMbps)
}

func mean(pts []store.MetricsPoint, ax axis) float64 {
	if len(pts) == 0 {
		return 0
	}
	var sum float64
	for _, pt := range pts {
		sum += ax(pt)
	}
	return sum / float64(len(pts))
}

// predict extrapolates an axis with a linearly weighted moving average
// plus trendHorizon periods of linear trend, bounded below by zero.
func predict(pts []store.MetricsPoint, ax axis) float64 {
	n := len(pts)
	if n == 0 {
		return 0
	}
	var weighted, weights float64
	for i, pt := range pts {
		w := float64(i + 1)
		weighted += w * ax(pt)
		weights += w
	}
	wma := weighted / weights
	trend := (ax(pts[n-1]) - ax(pts[0])) / float64(n)
	return math.Max(0, wma+trendHorizon*trend)
}

func blend(observed, predicted float64) float64 {
	return observed*(1-predictionBlend) + predicted*predictionBlend
}

func clampReplicas(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
