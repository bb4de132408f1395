// Package scaler adjusts service replica counts from container resource
// metrics, policy thresholds, and an optional short-horizon predictor.
package scaler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/config"
	"github.com/selfstart/selfstart/internal/docker"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/hooks"
	"github.com/selfstart/selfstart/internal/logging"
	"github.com/selfstart/selfstart/internal/store"
)

const (
	statsTimeout    = 10 * time.Second
	cleanupInterval = 5 * time.Minute
)

// Direction is a scaling decision outcome.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionNone Direction = "none"
)

// Triggers recorded on scaling events.
const (
	TriggerAutomatic = "automatic"
	TriggerManual    = "manual"
)

// Runtime is the container-runtime surface the collector needs.
type Runtime interface {
	ContainerStats(ctx context.Context, id string) (container.StatsResponse, error)
}

// Registry is the store surface the scaler needs.
type Registry interface {
	PushMetrics(ctx context.Context, service string, pt store.MetricsPoint, keep int, retention time.Duration) error
	SavePolicy(ctx context.Context, p *store.ScalingPolicy) error
	DeletePolicy(ctx context.Context, service string) error
	ListPolicies(ctx context.Context) ([]*store.ScalingPolicy, error)
	AppendScalingEvent(ctx context.Context, ev *store.ScalingEvent) error
	ListScalingEvents(ctx context.Context, service string, n int) ([]*store.ScalingEvent, error)
}

// ServiceView is the discovery surface the collector samples from.
type ServiceView interface {
	Services() []*store.Service
	Service(name string) (*store.Service, error)
}

// Actuator converges a service toward a replica count; the orchestrator
// implements it.
type Actuator interface {
	Scale(ctx context.Context, name string, replicas int) error
	CurrentReplicas(name string) int
}

// AppSampler supplies application-level metrics (request rate, response
// time, error rate) for a service. Without one the fields stay zero.
type AppSampler interface {
	Sample(ctx context.Context, service string) (requestRate, responseTimeMS, errorRate float64)
}

type netSample struct {
	rx, tx uint64
	at     time.Time
}

// Manager runs the collect, decide, and cleanup loops. The in-memory
// metrics history is authoritative; the store copy exists for restarts
// and external readers and expires by TTL.
type Manager struct {
	runtime Runtime
	reg     Registry
	view    ServiceView
	act     Actuator
	bus     *events.Bus
	hooks   *hooks.Bus
	log     *logging.Logger
	clock   clock.Clock
	cfg     *config.Config
	app     AppSampler

	mu         sync.RWMutex
	policies   map[string]*store.ScalingPolicy
	history    map[string][]store.MetricsPoint
	lastNet    map[string]netSample
	lastAction map[string]time.Time
	lastEval   map[string]time.Time
	replicas   map[string]int
	storeUp    bool
}

// NewManager creates a scaler Manager.
func NewManager(rt Runtime, reg Registry, view ServiceView, act Actuator, bus *events.Bus, hk *hooks.Bus, log *logging.Logger, clk clock.Clock, cfg *config.Config) *Manager {
	return &Manager{
		runtime:    rt,
		reg:        reg,
		view:       view,
		act:        act,
		bus:        bus,
		hooks:      hk,
		log:        log,
		clock:      clk,
		cfg:        cfg,
		policies:   make(map[string]*store.ScalingPolicy),
		history:    make(map[string][]store.MetricsPoint),
		lastNet:    make(map[string]netSample),
		lastAction: make(map[string]time.Time),
		lastEval:   make(map[string]time.Time),
		replicas:   make(map[string]int),
		storeUp:    true,
	}
}

// SetAppSampler installs the application-metrics source. Must be called
// before Run.
func (m *Manager) SetAppSampler(app AppSampler) {
	m.app = app
}

// Rehydrate loads persisted scaling policies into the cache. Called once
// at boot, before the loops start.
func (m *Manager) Rehydrate(ctx context.Context) error {
	saved, err := m.reg.ListPolicies(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range saved {
		m.policies[p.Service] = p
	}
	return nil
}

// Run starts the collect, decide, and cleanup loops and blocks until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		m.collectLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.decideLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.cleanupLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (m *Manager) collectLoop(ctx context.Context) {
	for {
		select {
		case <-m.clock.After(m.cfg.MetricsInterval):
			m.CollectOnce(ctx)
		case <-ctx.Done():
			m.log.Info("metrics collection loop stopped")
			return
		}
	}
}

func (m *Manager) decideLoop(ctx context.Context) {
	for {
		select {
		case <-m.clock.After(m.cfg.EvaluationInterval):
			m.EvaluateOnce(ctx)
		case <-ctx.Done():
			m.log.Info("scaling decision loop stopped")
			return
		}
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	for {
		select {
		case <-m.clock.After(cleanupInterval):
			m.CleanupOnce()
		case <-ctx.Done():
			m.log.Info("metrics cleanup loop stopped")
			return
		}
	}
}

// CollectOnce samples stats for every running auto-scale service and
// appends the derived point to its history.
func (m *Manager) CollectOnce(ctx context.Context) {
	for _, svc := range m.view.Services() {
		if !svc.AutoScaleEnabled || svc.Status != "running" || svc.ContainerID == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		pt, err := m.sample(ctx, svc)
		if err != nil {
			m.log.Warn("metrics sample failed", "service", svc.Name, "error", err)
			continue
		}
		m.recordSample(ctx, svc.Name, pt)
		m.fireHook(ctx, hooks.OnMetricsCollection, hooks.Payload{
			"service":        svc.Name,
			"cpu_percent":    pt.CPUPercent,
			"memory_percent": pt.MemoryPercent,
		})
	}
}

func (m *Manager) sample(ctx context.Context, svc *store.Service) (store.MetricsPoint, error) {
	statsCtx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	st, err := m.runtime.ContainerStats(statsCtx, svc.ContainerID)
	if err != nil {
		return store.MetricsPoint{}, fault.Wrap(err, fault.RuntimeError, "stats for %s", svc.Name)
	}

	now := m.clock.Now().UTC()
	pt := store.MetricsPoint{
		CPUPercent:    docker.CPUPercent(st),
		MemoryPercent: docker.MemoryPercent(st),
		Timestamp:     now,
	}
	rx, tx := docker.NetworkBytes(st)
	pt.NetworkInMbps, pt.NetworkOutMbps = m.networkRates(svc.Name, rx, tx, now)
	if m.app != nil {
		pt.RequestRate, pt.ResponseTimeMs, pt.ErrorRate = m.app.Sample(ctx, svc.Name)
	}
	return pt, nil
}

// networkRates converts cumulative interface counters into per-direction
// Mbps over the gap since the previous sample. The first sample and
// counter resets report zero.
func (m *Manager) networkRates(service string, rx, tx uint64, now time.Time) (in, out float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.lastNet[service]
	m.lastNet[service] = netSample{rx: rx, tx: tx, at: now}
	if !ok {
		return 0, 0
	}
	gap := now.Sub(prev.at).Seconds()
	if gap <= 0 || rx < prev.rx || tx < prev.tx {
		return 0, 0
	}
	return docker.Mbps(rx-prev.rx, gap), docker.Mbps(tx-prev.tx, gap)
}

func (m *Manager) recordSample(ctx context.Context, service string, pt store.MetricsPoint) {
	keep := m.keep()
	m.mu.Lock()
	h := append(m.history[service], pt)
	if len(h) > keep {
		h = h[len(h)-keep:]
	}
	m.history[service] = h
	m.mu.Unlock()

	m.noteStore(m.reg.PushMetrics(ctx, service, pt, keep, m.cfg.MetricsRetention))
}

// keep bounds the history to one retention window of samples.
func (m *Manager) keep() int {
	if m.cfg.MetricsInterval <= 0 {
		return 1
	}
	n := int(m.cfg.MetricsRetention / m.cfg.MetricsInterval)
	if n < 1 {
		n = 1
	}
	return n
}

func (m *Manager) noteStore(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err != nil && m.storeUp:
		m.storeUp = false
		m.log.Warn("registry store unreachable, metrics kept in-memory", "error", err)
	case err == nil && !m.storeUp:
		m.storeUp = true
		m.log.Info("registry store recovered")
	}
}

// CleanupOnce prunes history older than the retention window. The store
// copies age out through their own TTL.
func (m *Manager) CleanupOnce() {
	cutoff := m.clock.Now().UTC().Add(-m.cfg.MetricsRetention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for service, h := range m.history {
		i := 0
		for i < len(h) && !h[i].Timestamp.After(cutoff) {
			i++
		}
		switch {
		case i == len(h):
			delete(m.history, service)
			delete(m.lastNet, service)
		case i > 0:
			m.history[service] = append([]store.MetricsPoint(nil), h[i:]...)
		}
	}
}

// SetPolicy validates, caches, and persists a scaling policy.
func (m *Manager) SetPolicy(ctx context.Context, p *store.ScalingPolicy) error {
	if err := p.Validate(); err != nil {
		return fault.Wrap(err, fault.Validation, "scaling policy %q", p.Service)
	}
	m.mu.Lock()
	m.policies[p.Service] = p
	m.mu.Unlock()

	if err := m.reg.SavePolicy(ctx, p); err != nil {
		m.log.Warn("scaling policy not persisted", "service", p.Service, "error", err)
	}
	m.log.Info("scaling policy set", "service", p.Service, "enabled", p.Enabled, "min", p.MinReplicas, "max", p.MaxReplicas)
	return nil
}

// Policy returns a copy of the cached policy for a service.
func (m *Manager) Policy(service string) (*store.ScalingPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[service]
	if !ok {
		return nil, fault.New(fault.NotFound, "no scaling policy for %s", service)
	}
	cp := *p
	return &cp, nil
}

// Policies returns all cached policies, sorted by service name.
func (m *Manager) Policies() []*store.ScalingPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.ScalingPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// RemovePolicy drops a policy from the cache and the store.
func (m *Manager) RemovePolicy(ctx context.Context, service string) error {
	m.mu.Lock()
	_, ok := m.policies[service]
	delete(m.policies, service)
	m.mu.Unlock()
	if !ok {
		return fault.New(fault.NotFound, "no scaling policy for %s", service)
	}
	if err := m.reg.DeletePolicy(ctx, service); err != nil {
		m.log.Warn("scaling policy not removed from store", "service", service, "error", err)
	}
	m.log.Info("scaling policy removed", "service", service)
	return nil
}

// Events returns recent scaling events for a service, newest first.
func (m *Manager) Events(ctx context.Context, service string, n int) ([]*store.ScalingEvent, error) {
	return m.reg.ListScalingEvents(ctx, service, n)
}

// History returns up to n most recent samples for a service, oldest
// first. n <= 0 returns the whole window.
func (m *Manager) History(service string, n int) []store.MetricsPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[service]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]store.MetricsPoint(nil), h...)
}

func (m *Manager) fireHook(ctx context.Context, point hooks.Point, payload hooks.Payload) {
	for _, res := range m.hooks.Trigger(ctx, point, payload) {
		if res.Err != nil {
			m.log.Warn("hook subscriber failed", "point", string(point), "subscriber", res.Subscriber, "error", res.Err)
		}
	}
}
