// Package discovery reconciles the service registry from container labels
// and periodic health probes.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/config"
	"github.com/selfstart/selfstart/internal/deps"
	"github.com/selfstart/selfstart/internal/docker"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/hooks"
	"github.com/selfstart/selfstart/internal/logging"
	"github.com/selfstart/selfstart/internal/metrics"
	"github.com/selfstart/selfstart/internal/store"
)

const probeTimeout = 5 * time.Second

// Runtime is the container-runtime surface discovery needs.
type Runtime interface {
	ListAllContainers(ctx context.Context) ([]container.Summary, error)
}

// Registry is the store surface discovery needs.
type Registry interface {
	SaveService(ctx context.Context, svc *store.Service, ttl time.Duration) error
	DeleteService(ctx context.Context, name string) error
	ListServices(ctx context.Context) ([]*store.Service, error)
}

// Manager runs the three discovery loops and owns the live service view.
// The in-memory map stays authoritative when the store is unreachable;
// every cycle re-saves, so recovery republishes without extra machinery.
type Manager struct {
	runtime Runtime
	reg     Registry
	bus     *events.Bus
	hooks   *hooks.Bus
	log     *logging.Logger
	clock   clock.Clock
	cfg     *config.Config
	probes  *http.Client

	mu       sync.RWMutex
	services map[string]*store.Service
	storeUp  bool
}

// NewManager creates a discovery Manager.
func NewManager(rt Runtime, reg Registry, bus *events.Bus, hk *hooks.Bus, log *logging.Logger, clk clock.Clock, cfg *config.Config) *Manager {
	return &Manager{
		runtime:  rt,
		reg:      reg,
		bus:      bus,
		hooks:    hk,
		log:      log,
		clock:    clk,
		cfg:      cfg,
		probes:   &http.Client{Timeout: probeTimeout},
		services: make(map[string]*store.Service),
		storeUp:  true,
	}
}

// Rehydrate loads the persisted registry into the live view. Called once
// at boot, before the loops start.
func (m *Manager) Rehydrate(ctx context.Context) error {
	saved, err := m.reg.ListServices(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range saved {
		m.services[svc.Name] = svc
	}
	return nil
}

// Run starts the discovery, health, and cleanup loops and blocks until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		m.discoverLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.healthLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.cleanupLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (m *Manager) discoverLoop(ctx context.Context) {
	m.runDiscovery(ctx)
	for {
		select {
		case <-m.clock.After(m.cfg.DiscoveryInterval):
			m.runDiscovery(ctx)
		case <-ctx.Done():
			m.log.Info("discovery loop stopped")
			return
		}
	}
}

func (m *Manager) runDiscovery(ctx context.Context) {
	start := m.clock.Now()
	if err := m.DiscoverOnce(ctx); err != nil {
		m.log.Error("discovery cycle failed", "error", err)
	}
	metrics.DiscoveryDuration.Observe(m.clock.Since(start).Seconds())
}

// DiscoverOnce performs one reconcile: list containers, upsert labelled
// ones, mark vanished ones stopped.
func (m *Manager) DiscoverOnce(ctx context.Context) error {
	summaries, err := m.runtime.ListAllContainers(ctx)
	if err != nil {
		return fault.Wrap(err, fault.RuntimeError, "list containers")
	}

	now := m.clock.Now().UTC()
	observed := make(map[string]bool)

	for _, c := range summaries {
		if !docker.Enabled(c.Labels) {
			continue
		}
		name := containerName(c)
		observed[name] = true
		m.upsert(ctx, name, c, now)
	}

	m.markVanished(ctx, observed)
	m.updateGauges()
	return nil
}

func (m *Manager) upsert(ctx context.Context, name string, c container.Summary, now time.Time) {
	sl := docker.ParseServiceLabels(c.Labels)
	dependencies := deps.Merge(
		sl.Dependencies,
		deps.ParseComposeDependsOn(c.Labels),
		networkDeps(string(c.HostConfig.NetworkMode)),
	)

	host := m.resolveHost(c, name)
	svc := &store.Service{
		Name:        name,
		ContainerID: c.ID,
		Image:       c.Image,
		ServiceType: string(sl.Type),
		Status:      statusFromState(string(c.State)),
		HealthScore: 1,
		Endpoints: []store.Endpoint{{
			Protocol:   sl.Protocol,
			Host:       host,
			Port:       sl.Port,
			Path:       sl.Path,
			HealthPath: sl.HealthPath,
		}},
		Dependencies:     dependencies,
		Labels:           c.Labels,
		Environment:      map[string]string{},
		AutoScaleEnabled: sl.AutoScale,
		MinReplicas:      sl.MinReplicas,
		MaxReplicas:      sl.MaxReplicas,
		CreatedAt:        now,
		LastSeen:         now,
	}

	m.mu.Lock()
	prev, known := m.services[name]
	if known {
		svc.CreatedAt = prev.CreatedAt
		svc.HealthScore = prev.HealthScore
		if prev.Status == "unhealthy" && svc.Status == "running" {
			svc.Status = "unhealthy" // the health loop owns recovery
		}
	}
	m.services[name] = svc
	m.mu.Unlock()

	m.save(ctx, svc, m.cfg.ServiceTTL)

	if !known {
		m.log.Info("service discovered", "name", name, "type", svc.ServiceType, "host", host, "port", sl.Port)
		m.bus.Publish(events.Event{
			Type: events.ServiceDiscovered,
			Data: map[string]any{"service": name, "type": svc.ServiceType},
		})
		m.fireHook(ctx, hooks.OnServiceDiscovery, hooks.Payload{
			"service": name,
			"type":    svc.ServiceType,
			"status":  svc.Status,
		})
	}
}

// markVanished flags registered services missing from the runtime listing.
// They keep their remaining TTL and age out through cleanup.
func (m *Manager) markVanished(ctx context.Context, observed map[string]bool) {
	m.mu.Lock()
	var gone []*store.Service
	for name, svc := range m.services {
		if !observed[name] && svc.Status != "stopped" {
			svc.Status = "stopped"
			svc.ContainerID = ""
			gone = append(gone, svc)
		}
	}
	m.mu.Unlock()

	for _, svc := range gone {
		m.log.Info("service left runtime", "name", svc.Name)
		if ttl := m.remainingTTL(svc); ttl > 0 {
			m.save(ctx, svc, ttl)
		}
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	for {
		select {
		case <-m.clock.After(m.cfg.HealthCheckInterval):
			m.ProbeAll(ctx)
		case <-ctx.Done():
			m.log.Info("discovery health loop stopped")
			return
		}
	}
}

// ProbeAll probes every service's endpoints and applies the score
// transitions: a zero score marks a running service unhealthy, any
// successful probe restores it.
func (m *Manager) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	targets := make([]*store.Service, 0, len(m.services))
	for _, svc := range m.services {
		if svc.Status == "running" || svc.Status == "unhealthy" {
			targets = append(targets, svc)
		}
	}
	m.mu.RUnlock()

	for _, svc := range targets {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.probeService(ctx, svc)
	}
	m.updateGauges()
}

func (m *Manager) probeService(ctx context.Context, svc *store.Service) {
	probeable := 0
	healthy := 0
	for _, ep := range svc.Endpoints {
		if ep.Protocol != "http" && ep.Protocol != "https" {
			continue
		}
		probeable++
		if m.probe(ctx, ep) {
			healthy++
		}
	}
	if probeable == 0 {
		return
	}
	score := float64(healthy) / float64(probeable)

	m.mu.Lock()
	svc.HealthScore = score
	oldStatus := svc.Status
	switch {
	case score == 0 && svc.Status == "running":
		svc.Status = "unhealthy"
	case score > 0 && svc.Status == "unhealthy":
		svc.Status = "running"
	}
	newStatus := svc.Status
	m.mu.Unlock()

	if newStatus != oldStatus {
		m.log.Warn("service health changed", "name", svc.Name, "from", oldStatus, "to", newStatus, "score", score)
		m.bus.Publish(events.Event{
			Type: events.HealthChanged,
			Data: map[string]any{"service": svc.Name, "status": newStatus, "health_score": score},
		})
		if ttl := m.remainingTTL(svc); ttl > 0 {
			m.save(ctx, svc, ttl)
		}
	}
	m.fireHook(ctx, hooks.OnHealthCheck, hooks.Payload{
		"service":      svc.Name,
		"health_score": score,
		"status":       newStatus,
	})
}

func (m *Manager) probe(ctx context.Context, ep store.Endpoint) bool {
	url := fmt.Sprintf("%s://%s:%d%s", ep.Protocol, ep.Host, ep.Port, ep.HealthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.probes.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	for {
		select {
		case <-m.clock.After(m.cfg.ServiceTTL):
			m.CleanupOnce(ctx)
		case <-ctx.Done():
			m.log.Info("discovery cleanup loop stopped")
			return
		}
	}
}

// CleanupOnce evicts services whose last_seen is older than the TTL.
func (m *Manager) CleanupOnce(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	var evicted []string
	for name, svc := range m.services {
		if now.Sub(svc.LastSeen) > m.cfg.ServiceTTL {
			delete(m.services, name)
			evicted = append(evicted, name)
		}
	}
	m.mu.Unlock()

	for _, name := range evicted {
		m.log.Info("service evicted", "name", name)
		if err := m.reg.DeleteService(ctx, name); err != nil {
			m.log.Warn("evict from store failed", "name", name, "error", err)
		}
		m.bus.Publish(events.Event{
			Type: events.ServiceRemoved,
			Data: map[string]any{"service": name},
		})
	}
	if len(evicted) > 0 {
		m.updateGauges()
	}
}

// Services returns a snapshot of the live view, sorted by name.
func (m *Manager) Services() []*store.Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Service, 0, len(m.services))
	for _, svc := range m.services {
		cp := *svc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Service returns one service from the live view.
func (m *Manager) Service(name string) (*store.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return nil, fault.New(fault.NotFound, "service %s not found", name)
	}
	cp := *svc
	return &cp, nil
}

// Register adds or replaces a service definition outside the label-driven
// path, for workloads the runtime cannot describe.
func (m *Manager) Register(ctx context.Context, svc *store.Service) error {
	if svc.Name == "" {
		return fault.New(fault.Validation, "service name is required")
	}
	if svc.Status == "" {
		svc.Status = "unknown"
	}
	now := m.clock.Now().UTC()
	svc.LastSeen = now

	m.mu.Lock()
	if prev, ok := m.services[svc.Name]; ok {
		svc.CreatedAt = prev.CreatedAt
	} else {
		svc.CreatedAt = now
	}
	m.services[svc.Name] = svc
	m.mu.Unlock()

	m.save(ctx, svc, m.cfg.ServiceTTL)
	m.bus.Publish(events.Event{
		Type: events.ServiceDiscovered,
		Data: map[string]any{"service": svc.Name, "type": svc.ServiceType, "manual": true},
	})
	m.fireHook(ctx, hooks.OnServiceDiscovery, hooks.Payload{
		"service": svc.Name,
		"type":    svc.ServiceType,
		"status":  svc.Status,
		"manual":  true,
	})
	m.updateGauges()
	return nil
}

// Graph returns the dependency graph over the current live view.
func (m *Manager) Graph() *deps.Graph {
	m.mu.RLock()
	adj := make(map[string][]string, len(m.services))
	for name, svc := range m.services {
		adj[name] = svc.Dependencies
	}
	m.mu.RUnlock()
	return deps.Build(adj)
}

func (m *Manager) save(ctx context.Context, svc *store.Service, ttl time.Duration) {
	// Snapshot under the lock: the health loop mutates score and status
	// fields on the shared entry while the store write is in flight.
	m.mu.RLock()
	cp := *svc
	m.mu.RUnlock()

	err := m.reg.SaveService(ctx, &cp, ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err != nil && m.storeUp:
		m.storeUp = false
		m.log.Warn("registry store unreachable, continuing in-memory", "error", err)
	case err == nil && !m.storeUp:
		m.storeUp = true
		m.log.Info("registry store recovered, view republished")
	}
}

func (m *Manager) remainingTTL(svc *store.Service) time.Duration {
	m.mu.RLock()
	lastSeen := svc.LastSeen
	m.mu.RUnlock()
	return m.cfg.ServiceTTL - m.clock.Now().Sub(lastSeen)
}

func (m *Manager) resolveHost(c container.Summary, name string) string {
	if c.NetworkSettings != nil {
		for netName, ep := range c.NetworkSettings.Networks {
			if ep == nil || !ep.IPAddress.IsValid() {
				continue
			}
			if strings.Contains(netName, m.cfg.NetworkMarker) {
				return ep.IPAddress.String()
			}
		}
	}
	return name
}

func (m *Manager) updateGauges() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	healthy := 0
	for _, svc := range m.services {
		total++
		if svc.Status == "running" && svc.HealthScore > 0 {
			healthy++
		}
	}
	metrics.ServicesTotal.Set(float64(total))
	metrics.ServicesHealthy.Set(float64(healthy))
}

func (m *Manager) fireHook(ctx context.Context, point hooks.Point, payload hooks.Payload) {
	for _, res := range m.hooks.Trigger(ctx, point, payload) {
		if res.Err != nil {
			m.log.Warn("hook subscriber failed", "point", string(point), "subscriber", res.Subscriber, "error", res.Err)
		}
	}
}

func networkDeps(mode string) []string {
	if dep := deps.ParseNetworkDependency(mode); dep != "" {
		return []string{dep}
	}
	return nil
}

func statusFromState(state string) string {
	switch state {
	case "running":
		return "running"
	case "restarting":
		return "starting"
	case "created", "exited", "dead", "removing", "paused":
		return "stopped"
	default:
		return "unknown"
	}
}

// containerName extracts the container name, stripping the leading /.
func containerName(c container.Summary) string {
	if len(c.Names) > 0 {
		name := c.Names[0]
		if len(name) > 0 && name[0] == '/' {
			return name[1:]
		}
		return name
	}
	if len(c.ID) >= 12 {
		return c.ID[:12]
	}
	return c.ID
}
