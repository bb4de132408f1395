// Package proxy implements the reverse proxy and load balancer: named
// targets with backend pools, pluggable selection policies, per-backend
// circuit breakers, active health probes, and bounded retries.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/logging"
	"github.com/selfstart/selfstart/internal/metrics"
	"github.com/selfstart/selfstart/internal/store"
)

// Backend statuses. Only healthy backends are eligible for selection;
// maintenance and draining are operator-set and never changed by probes.
const (
	BackendHealthy     = "healthy"
	BackendUnhealthy   = "unhealthy"
	BackendDraining    = "draining"
	BackendMaintenance = "maintenance"
)

const (
	probeTick      = 10 * time.Second
	requestTimeout = 30 * time.Second
	emaWeight      = 0.2
)

// Registry is the store surface the proxy needs. The in-memory table is
// authoritative; the store adds persistence and the shared round-robin
// counter.
type Registry interface {
	SaveProxyTarget(ctx context.Context, t *store.ProxyTarget) error
	ListProxyTargets(ctx context.Context) ([]*store.ProxyTarget, error)
	DeleteProxyTarget(ctx context.Context, name string) error
	NextRoundRobin(ctx context.Context, target string) (int64, error)
}

// Backend is the live state of one pool member.
type Backend struct {
	Host           string
	Port           int
	Weight         int
	MaxConnections int

	connections atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64

	// Guarded by the owning Manager's mutex.
	status    string
	lastProbe time.Time
	emaMillis float64

	breaker *gobreaker.CircuitBreaker
}

// URL returns the backend's base URL.
func (b *Backend) URL() string {
	return fmt.Sprintf("http://%s", b.Addr())
}

// Addr returns host:port.
func (b *Backend) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// HealthRatio is the fraction of proxied requests this backend served
// without a transport failure. A backend with no traffic scores 1.
func (b *Backend) HealthRatio() float64 {
	ok := b.successes.Load()
	bad := b.failures.Load()
	if ok+bad == 0 {
		return 1
	}
	return float64(ok) / float64(ok+bad)
}

// availableFor reports whether the backend can take one more request.
// A backend at its connection cap is treated as unhealthy for the request.
func (b *Backend) availableFor() bool {
	return b.status == BackendHealthy && b.connections.Load() < int64(b.MaxConnections)
}

// target pairs the persisted config with its live backends.
type target struct {
	cfg      store.ProxyTarget
	backends []*Backend
	rrLocal  atomic.Int64 // fallback counter when the store is unreachable

	requests atomic.Int64
	errors   atomic.Int64
	millis   atomic.Int64

	sampleMu   sync.Mutex
	lastSample targetSample
}

// targetSample is the counter snapshot Sample rates are computed against.
type targetSample struct {
	at       time.Time
	requests int64
	errors   int64
	millis   int64
}

func (t *target) healthy() []*Backend {
	out := make([]*Backend, 0, len(t.backends))
	for _, b := range t.backends {
		if b.availableFor() {
			out = append(out, b)
		}
	}
	return out
}

// BackendStatus is the API view of one live backend.
type BackendStatus struct {
	URL                string    `json:"url"`
	Status             string    `json:"status"`
	CurrentConnections int64     `json:"current_connections"`
	ResponseTimeMS     float64   `json:"response_time_ms"`
	HealthRatio        float64   `json:"health_ratio"`
	LastHealthCheck    time.Time `json:"last_health_check,omitempty"`
}

// TargetStatus is the API view of one target.
type TargetStatus struct {
	Name            string          `json:"name"`
	Policy          string          `json:"policy"`
	Backends        []BackendStatus `json:"backends"`
	HealthyBackends int             `json:"healthy_backends"`
	TotalBackends   int             `json:"total_backends"`
}

// Stats aggregates data-plane counters across all targets.
type Stats struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	ErrorRate       float64 `json:"error_rate"`
	AvgResponseMS   float64 `json:"average_response_time_ms"`
	ActiveTargets   int     `json:"active_targets"`
	TotalBackends   int     `json:"total_backends"`
	HealthyBackends int     `json:"healthy_backends"`
}

// ActivityRecorder observes proxied traffic per target. The shutdown
// manager uses it to track last-activity times.
type ActivityRecorder interface {
	RecordActivity(name string)
}

// Manager owns the target table and serves the data plane.
type Manager struct {
	reg      Registry
	bus      *events.Bus
	log      *logging.Logger
	clock    clock.Clock
	activity ActivityRecorder

	client *http.Client
	probes *http.Client

	requests    atomic.Int64
	errors      atomic.Int64
	totalMillis atomic.Int64

	mu       sync.RWMutex
	targets  map[string]*target
	sessions map[string]string // session id -> backend URL
}

// NewManager creates a proxy Manager. Run must be called to start the
// health probe loop.
func NewManager(reg Registry, bus *events.Bus, log *logging.Logger, clk clock.Clock) *Manager {
	return &Manager{
		reg:   reg,
		bus:   bus,
		log:   log,
		clock: clk,
		client: &http.Client{
			// Covers the whole exchange including the body copy.
			Timeout: requestTimeout,
			// Redirects pass through to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		probes:   &http.Client{},
		targets:  make(map[string]*target),
		sessions: make(map[string]string),
	}
}

// SetActivityRecorder wires the observer notified on every proxied
// request. Set it before the manager serves traffic.
func (m *Manager) SetActivityRecorder(r ActivityRecorder) {
	m.activity = r
}

// Rehydrate loads persisted targets into the live table. Called once at
// boot, before the probe loop starts.
func (m *Manager) Rehydrate(ctx context.Context) error {
	saved, err := m.reg.ListProxyTargets(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range saved {
		m.targets[cfg.Name] = m.buildTarget(cfg)
	}
	if len(saved) > 0 {
		m.log.Info("proxy targets rehydrated", "count", len(saved))
	}
	return nil
}

// Run drives the active health probes until ctx is cancelled. Each tick
// re-probes the backends whose per-target interval has elapsed.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-m.clock.After(probeTick):
			m.probeDue(ctx)
		case <-ctx.Done():
			m.log.Info("proxy probe loop stopped")
			return nil
		}
	}
}

// RegisterTarget validates, defaults, and installs a target, replacing any
// previous definition of the same name. Live connection counters of an
// existing target are discarded.
func (m *Manager) RegisterTarget(ctx context.Context, cfg *store.ProxyTarget) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(err, fault.Validation, "proxy target %q", cfg.Name)
	}

	m.mu.Lock()
	m.targets[cfg.Name] = m.buildTarget(cfg)
	m.mu.Unlock()

	m.persist(ctx, cfg)
	m.log.Info("proxy target registered", "target", cfg.Name, "policy", cfg.Policy, "backends", len(cfg.Backends))
	return nil
}

// RemoveTarget drops a target from the table and the store.
func (m *Manager) RemoveTarget(ctx context.Context, name string) error {
	m.mu.Lock()
	_, ok := m.targets[name]
	delete(m.targets, name)
	m.mu.Unlock()
	if !ok {
		return fault.New(fault.NotFound, "proxy target %s not found", name)
	}
	if err := m.reg.DeleteProxyTarget(ctx, name); err != nil {
		m.log.Warn("proxy target delete not persisted", "target", name, "error", err)
	}
	m.log.Info("proxy target removed", "target", name)
	return nil
}

// AddBackend appends a backend to an existing target.
func (m *Manager) AddBackend(ctx context.Context, targetName string, spec store.BackendSpec) error {
	if spec.Weight <= 0 {
		spec.Weight = 1
	}
	if spec.MaxConnections <= 0 {
		spec.MaxConnections = 100
	}

	m.mu.Lock()
	t, ok := m.targets[targetName]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.NotFound, "proxy target %s not found", targetName)
	}
	t.cfg.Backends = append(t.cfg.Backends, spec)
	t.backends = append(t.backends, m.buildBackend(&t.cfg, spec))
	cfg := t.cfg
	m.mu.Unlock()

	m.persist(ctx, &cfg)
	m.log.Info("backend added", "target", targetName, "backend", net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port)))
	return nil
}

// RemoveBackend removes a backend by its URL or host:port address.
func (m *Manager) RemoveBackend(ctx context.Context, targetName, backend string) error {
	m.mu.Lock()
	t, ok := m.targets[targetName]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.NotFound, "proxy target %s not found", targetName)
	}
	idx := -1
	for i, b := range t.backends {
		if b.URL() == backend || b.Addr() == backend {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return fault.New(fault.NotFound, "backend %s not found in target %s", backend, targetName)
	}
	t.backends = append(t.backends[:idx], t.backends[idx+1:]...)
	t.cfg.Backends = append(t.cfg.Backends[:idx], t.cfg.Backends[idx+1:]...)
	cfg := t.cfg
	m.mu.Unlock()

	m.persist(ctx, &cfg)
	m.log.Info("backend removed", "target", targetName, "backend", backend)
	return nil
}

// SetMaintenance moves a backend into or out of maintenance. Leaving
// maintenance re-enters as healthy; the next probe corrects if needed.
func (m *Manager) SetMaintenance(targetName, backend string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[targetName]
	if !ok {
		return fault.New(fault.NotFound, "proxy target %s not found", targetName)
	}
	for _, b := range t.backends {
		if b.URL() == backend || b.Addr() == backend {
			if on {
				b.status = BackendMaintenance
			} else {
				b.status = BackendHealthy
			}
			m.log.Info("backend maintenance toggled", "target", targetName, "backend", b.Addr(), "maintenance", on)
			return nil
		}
	}
	return fault.New(fault.NotFound, "backend %s not found in target %s", backend, targetName)
}

// Targets returns the status of every registered target, sorted by name.
func (m *Manager) Targets() []TargetStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TargetStatus, 0, len(m.targets))
	for name := range m.targets {
		out = append(out, m.statusLocked(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Target returns the status of one target.
func (m *Manager) Target(name string) (TargetStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.targets[name]; !ok {
		return TargetStatus{}, fault.New(fault.NotFound, "proxy target %s not found", name)
	}
	return m.statusLocked(name), nil
}

// Stats reports aggregate data-plane counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		TotalRequests: m.requests.Load(),
		TotalErrors:   m.errors.Load(),
		ActiveTargets: len(m.targets),
	}
	for _, t := range m.targets {
		s.TotalBackends += len(t.backends)
		for _, b := range t.backends {
			if b.status == BackendHealthy {
				s.HealthyBackends++
			}
		}
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
		s.AvgResponseMS = float64(m.totalMillis.Load()) / float64(s.TotalRequests)
	}
	return s
}

// ConnectionCount reports the live connections currently held against a
// service's target, for the shutdown protection checks. Targets and
// services share names by convention.
func (m *Manager) ConnectionCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[name]
	if !ok {
		return 0
	}
	var n int64
	for _, b := range t.backends {
		n += b.connections.Load()
	}
	return int(n)
}

func (m *Manager) statusLocked(name string) TargetStatus {
	t := m.targets[name]
	st := TargetStatus{
		Name:          t.cfg.Name,
		Policy:        t.cfg.Policy,
		TotalBackends: len(t.backends),
		Backends:      make([]BackendStatus, 0, len(t.backends)),
	}
	for _, b := range t.backends {
		if b.status == BackendHealthy {
			st.HealthyBackends++
		}
		st.Backends = append(st.Backends, BackendStatus{
			URL:                b.URL(),
			Status:             b.status,
			CurrentConnections: b.connections.Load(),
			ResponseTimeMS:     b.emaMillis,
			HealthRatio:        b.HealthRatio(),
			LastHealthCheck:    b.lastProbe,
		})
	}
	return st
}

func (m *Manager) buildTarget(cfg *store.ProxyTarget) *target {
	t := &target{cfg: *cfg}
	for _, spec := range cfg.Backends {
		t.backends = append(t.backends, m.buildBackend(cfg, spec))
	}
	return t
}

func (m *Manager) buildBackend(cfg *store.ProxyTarget, spec store.BackendSpec) *Backend {
	b := &Backend{
		Host:           spec.Host,
		Port:           spec.Port,
		Weight:         spec.Weight,
		MaxConnections: spec.MaxConnections,
		status:         BackendHealthy,
	}
	targetName := cfg.Name
	addr := b.Addr()
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        targetName + ":" + addr,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.BreakerTimeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(targetName, addr).Set(float64(to))
			m.log.Warn("circuit breaker state changed", "target", targetName, "backend", addr, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// persist writes the target config through to the store. The in-memory
// table stays authoritative, so a store failure only costs durability.
func (m *Manager) persist(ctx context.Context, cfg *store.ProxyTarget) {
	if err := m.reg.SaveProxyTarget(ctx, cfg); err != nil {
		m.log.Warn("proxy target not persisted", "target", cfg.Name, "error", err)
	}
}

// observe folds one completed request into the backend's EMA and the
// per-target and global counters.
func (m *Manager) observe(t *target, b *Backend, took time.Duration) {
	millis := float64(took.Milliseconds())
	m.mu.Lock()
	if b.emaMillis == 0 {
		b.emaMillis = millis
	} else {
		b.emaMillis = (1-emaWeight)*b.emaMillis + emaWeight*millis
	}
	m.mu.Unlock()
	t.millis.Add(int64(millis))
	m.totalMillis.Add(int64(millis))
}

// Sample reports a target's request rate, mean response time, and error
// rate over the window since the previous call. The auto-scaler polls it
// once per metrics interval; the first call and unknown targets report
// zeros. Targets and services share names by convention.
func (m *Manager) Sample(_ context.Context, service string) (requestRate, responseTimeMS, errorRate float64) {
	m.mu.RLock()
	t, ok := m.targets[service]
	m.mu.RUnlock()
	if !ok {
		return 0, 0, 0
	}

	now := m.clock.Now()
	cur := targetSample{
		at:       now,
		requests: t.requests.Load(),
		errors:   t.errors.Load(),
		millis:   t.millis.Load(),
	}

	t.sampleMu.Lock()
	last := t.lastSample
	t.lastSample = cur
	t.sampleMu.Unlock()

	if last.at.IsZero() {
		return 0, 0, 0
	}
	elapsed := now.Sub(last.at).Seconds()
	dReq := cur.requests - last.requests
	if elapsed <= 0 || dReq <= 0 {
		return 0, 0, 0
	}
	dErr := cur.errors - last.errors
	if succ := dReq - dErr; succ > 0 {
		responseTimeMS = float64(cur.millis-last.millis) / float64(succ)
	}
	return float64(dReq) / elapsed, responseTimeMS, float64(dErr) / float64(dReq)
}
