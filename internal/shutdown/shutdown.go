// Package shutdown evaluates per-container shutdown rules: inactivity,
// schedule windows, low resource usage, and composite idle detection.
// Containers can be protected by uptime, live connections, in-flight
// uploads, or an explicit flag; matched containers are acted on after a
// grace period, with optional cron-scheduled automatic restarts.
package shutdown

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
	// statsTimeout bounds the per-container stats and inspect calls.
	statsTimeout = 10 * time.Second

	// logRetention is how long execution logs are kept before pruning.
	logRetention = 30 * 24 * time.Hour

	// pruneInterval is the cadence of the execution-log prune loop.
	pruneInterval = 24 * time.Hour
)

// Runtime is the container-runtime surface the shutdown engine drives.
type Runtime interface {
	ListAllContainers(ctx context.Context) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerStats(ctx context.Context, id string) (container.StatsResponse, error)
	StopContainer(ctx context.Context, id string, timeout int) error
	StartContainer(ctx context.Context, id string) error
	PauseContainer(ctx context.Context, id string) error
	UnpauseContainer(ctx context.Context, id string) error
}

// Rulebook is the persisted rule, audit-log, and restart-mark surface.
type Rulebook interface {
	SaveRule(r *store.ShutdownRule) error
	GetRule(id uint64) (*store.ShutdownRule, error)
	ListRules() ([]*store.ShutdownRule, error)
	DeleteRule(id uint64) error
	AppendShutdownLog(l *store.ShutdownLog) error
	ListShutdownLogs(limit int) ([]*store.ShutdownLog, error)
	ListShutdownLogsByRule(ruleID uint64, limit int) ([]*store.ShutdownLog, error)
	PruneShutdownLogs(cutoff time.Time) (int, error)
	SetRestartMark(mk *store.RestartMark) error
	DueRestartMarks(now time.Time) ([]*store.RestartMark, error)
	ClearRestartMark(containerName string) error
}

// Traffic reports live connection counts from the proxy data plane.
type Traffic interface {
	ConnectionCount(name string) int
}

// Orchestrator actuates managed containers for the scale_down action and
// scheduled restarts.
type Orchestrator interface {
	Start(ctx context.Context, name string, force bool) error
	Scale(ctx context.Context, name string, replicas int) error
	CurrentReplicas(name string) int
}

// Snapshot is the per-container observation the rule evaluator works from.
// Rates are derived from the previous sample and are zero until a
// container has been observed twice.
type Snapshot struct {
	Name          string            `json:"name"`
	ContainerID   string            `json:"container_id"`
	Labels        map[string]string `json:"labels,omitempty"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryMB      float64           `json:"memory_mb"`
	RxBytesPerSec float64           `json:"rx_bytes_per_sec"`
	TxBytesPerSec float64           `json:"tx_bytes_per_sec"`
	UptimeSeconds int               `json:"uptime_seconds"`
	Connections   int               `json:"connections"`
	LastActivity  time.Time         `json:"last_activity"`
	Protected     bool              `json:"protected"`

	hasRates bool
}

// netSample is the previous cumulative network counters for one container.
type netSample struct {
	rx, tx uint64
	at     time.Time
}

// Manager runs the rule evaluation loop, the restart scheduler, and the
// execution-log prune loop.
type Manager struct {
	runtime Runtime
	rules   Rulebook
	traffic Traffic
	orch    Orchestrator
	bus     *events.Bus
	hooks   *hooks.Bus
	log     *logging.Logger
	clock   clock.Clock
	cfg     *config.Config

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	activity  map[string]time.Time
	protected map[string]bool
	lastNet   map[string]netSample
}

// NewManager wires a shutdown manager. Call Run to start its loops.
func NewManager(rt Runtime, rules Rulebook, traffic Traffic, orch Orchestrator, bus *events.Bus, hk *hooks.Bus, log *logging.Logger, clk clock.Clock, cfg *config.Config) *Manager {
	return &Manager{
		runtime:   rt,
		rules:     rules,
		traffic:   traffic,
		orch:      orch,
		bus:       bus,
		hooks:     hk,
		log:       log.Named("shutdown"),
		clock:     clk,
		cfg:       cfg,
		snapshots: make(map[string]*Snapshot),
		activity:  make(map[string]time.Time),
		protected: make(map[string]bool),
		lastNet:   make(map[string]netSample),
	}
}

// Run starts the evaluation, restart-scheduler, and prune loops and
// blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		m.evalLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.restartLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.pruneLoop(ctx)
	}()
	wg.Wait()
	return nil
}

func (m *Manager) evalLoop(ctx context.Context) {
	for {
		select {
		case <-m.clock.After(m.cfg.ShutdownCheckInterval):
			m.EvaluateOnce(ctx)
		case <-ctx.Done():
			m.log.Info("shutdown evaluation loop stopped")
			return
		}
	}
}

func (m *Manager) pruneLoop(ctx context.Context) {
	for {
		select {
		case <-m.clock.After(pruneInterval):
			m.PruneOnce()
		case <-ctx.Done():
			m.log.Info("shutdown log prune loop stopped")
			return
		}
	}
}

// PruneOnce deletes execution logs older than the retention window.
func (m *Manager) PruneOnce() {
	cutoff := m.clock.Now().Add(-logRetention)
	n, err := m.rules.PruneShutdownLogs(cutoff)
	if err != nil {
		m.log.Warn("shutdown log prune failed", "error", err)
		return
	}
	if n > 0 {
		m.log.Info("shutdown logs pruned", "removed", n)
	}
}

// refreshSnapshots rebuilds the per-container observation table from the
// runtime. Only running containers are observed; rate and activity state
// for departed containers is dropped.
func (m *Manager) refreshSnapshots(ctx context.Context) error {
	list, err := m.runtime.ListAllContainers(ctx)
	if err != nil {
		return fault.Wrap(err, fault.RuntimeError, "list containers")
	}

	next := make(map[string]*Snapshot)
	for _, c := range list {
		if string(c.State) != "running" {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snap, err := m.snapshotContainer(ctx, c)
		if err != nil {
			m.log.Warn("container snapshot failed", "container", containerName(c), "error", err)
			continue
		}
		next[snap.Name] = snap
	}

	m.mu.Lock()
	m.snapshots = next
	for name := range m.lastNet {
		if _, ok := next[name]; !ok {
			delete(m.lastNet, name)
		}
	}
	for name := range m.activity {
		if _, ok := next[name]; !ok {
			delete(m.activity, name)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) snapshotContainer(ctx context.Context, c container.Summary) (*Snapshot, error) {
	name := containerName(c)
	sctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()

	st, err := m.runtime.ContainerStats(sctx, c.ID)
	if err != nil {
		return nil, fault.Wrap(err, fault.RuntimeError, "stats for %s", name)
	}

	now := m.clock.Now()
	snap := &Snapshot{
		Name:        name,
		ContainerID: c.ID,
		Labels:      c.Labels,
		CPUPercent:  docker.CPUPercent(st),
		MemoryMB:    float64(st.MemoryStats.Usage) / (1 << 20),
		Connections: m.traffic.ConnectionCount(name),
	}
	rx, tx := docker.NetworkBytes(st)
	snap.RxBytesPerSec, snap.TxBytesPerSec, snap.hasRates = m.netRates(name, rx, tx, now)

	var started time.Time
	if insp, err := m.runtime.InspectContainer(sctx, c.ID); err == nil {
		if t, ok := docker.StartedTime(insp); ok {
			started = t
			snap.UptimeSeconds = int(now.Sub(t) / time.Second)
		}
	}

	m.mu.RLock()
	last, seen := m.activity[name]
	snap.Protected = m.protected[name]
	m.mu.RUnlock()
	if !seen {
		// Never-touched containers count as active at their start time.
		last = started
	}
	snap.LastActivity = last
	return snap, nil
}

// netRates converts cumulative counters into bytes/s over the gap since
// the previous sample. The first sample, a zero gap, and counter resets
// all report no rate.
func (m *Manager) netRates(name string, rx, tx uint64, now time.Time) (rxRate, txRate float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, seen := m.lastNet[name]
	m.lastNet[name] = netSample{rx: rx, tx: tx, at: now}
	if !seen {
		return 0, 0, false
	}
	gap := now.Sub(prev.at).Seconds()
	if gap <= 0 || rx < prev.rx || tx < prev.tx {
		return 0, 0, false
	}
	return float64(rx-prev.rx) / gap, float64(tx-prev.tx) / gap, true
}

// RecordActivity stamps now as the container's last observed traffic.
// The proxy calls this on every forwarded request and the API layer on
// every start request.
func (m *Manager) RecordActivity(name string) {
	m.mu.Lock()
	m.activity[name] = m.clock.Now()
	m.mu.Unlock()
}

// Protect sets or clears the explicit shutdown protection flag for a
// container. Protected containers are never acted on by any rule.
func (m *Manager) Protect(name string, protected bool) {
	m.mu.Lock()
	if protected {
		m.protected[name] = true
	} else {
		delete(m.protected, name)
	}
	m.mu.Unlock()
	m.log.Info("shutdown protection changed", "container", name, "protected", protected)
}

// Snapshots returns the latest per-container observations, sorted by name.
func (m *Manager) Snapshots() []*Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SaveRule validates and persists a rule. New rules are assigned an id.
func (m *Manager) SaveRule(r *store.ShutdownRule) error {
	if err := m.rules.SaveRule(r); err != nil {
		return err
	}
	m.log.Info("shutdown rule saved", "rule", r.Name, "condition", r.Condition, "action", r.Action)
	return nil
}

// Rule fetches one rule by id.
func (m *Manager) Rule(id uint64) (*store.ShutdownRule, error) {
	return m.rules.GetRule(id)
}

// Rules lists all persisted rules.
func (m *Manager) Rules() ([]*store.ShutdownRule, error) {
	return m.rules.ListRules()
}

// RemoveRule deletes a rule. Its execution logs are kept for audit.
func (m *Manager) RemoveRule(id uint64) error {
	if err := m.rules.DeleteRule(id); err != nil {
		return err
	}
	m.log.Info("shutdown rule removed", "id", id)
	return nil
}

// Logs returns the most recent execution logs, newest first.
func (m *Manager) Logs(limit int) ([]*store.ShutdownLog, error) {
	return m.rules.ListShutdownLogs(limit)
}

// LogsByRule returns the most recent execution logs for one rule.
func (m *Manager) LogsByRule(ruleID uint64, limit int) ([]*store.ShutdownLog, error) {
	return m.rules.ListShutdownLogsByRule(ruleID, limit)
}

func (m *Manager) fireHook(ctx context.Context, point hooks.Point, payload hooks.Payload) {
	for _, res := range m.hooks.Trigger(ctx, point, payload) {
		if res.Err != nil {
			m.log.Warn("hook subscriber failed", "point", string(point), "subscriber", res.Subscriber, "error", res.Err)
		}
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
