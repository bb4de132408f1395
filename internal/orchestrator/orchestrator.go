// Package orchestrator owns the per-container state machine: registration,
// serialized startup through a bounded queue, dependency resolution, and
// the background health loop.
package orchestrator

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

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

// Container states. Initial state is StateStopped; StateStarting covers
// both the queued and the in-pipeline phases.
const (
	StateStopped   = "stopped"
	StateStarting  = "starting"
	StateRunning   = "running"
	StateStopping  = "stopping"
	StateUnhealthy = "unhealthy"
	StateError     = "error"
)

const (
	startPollInterval = 2 * time.Second
	readySettleDelay  = 5 * time.Second
	restartGap        = 2 * time.Second
	probeTimeout      = 5 * time.Second
	unhealthyAfter    = 2 // consecutive probe failures before unhealthy
	errorAfter        = 4 // consecutive probe failures before error
)

// Runtime is the container-runtime surface the orchestrator needs.
type Runtime interface {
	ListAllContainers(ctx context.Context) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RemoveContainer(ctx context.Context, id string) error
	PullImage(ctx context.Context, refStr string) error
	HasImage(ctx context.Context, imageRef string) (bool, error)
	ContainerLogs(ctx context.Context, id string, lines int) (string, error)
	ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error)
}

// Registry is the store surface the orchestrator needs.
type Registry interface {
	SaveContainerConfig(ctx context.Context, cfg *store.ContainerConfig) error
	GetContainerConfig(ctx context.Context, name string) (*store.ContainerConfig, error)
	ListContainerConfigs(ctx context.Context) ([]*store.ContainerConfig, error)
	DeleteContainerConfig(ctx context.Context, name string) error
	SetStatus(ctx context.Context, name string, st *store.ServiceStatus) error
}

// ContainerState is the live view of one managed container.
type ContainerState struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	ContainerID     string    `json:"container_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	RestartCount    int       `json:"restart_count"`
	ErrorMessage    string    `json:"error_message,omitempty"`

	failures int // consecutive health check failures
}

type startIntent struct {
	name string
}

// Orchestrator serializes container startup and tracks lifecycle state.
type Orchestrator struct {
	runtime Runtime
	reg     Registry
	bus     *events.Bus
	hooks   *hooks.Bus
	log     *logging.Logger
	clock   clock.Clock
	cfg     *config.Config

	queue chan startIntent

	mu      sync.RWMutex
	managed map[string]*ContainerState
}

// New creates an Orchestrator. Run must be called to start the workers
// and the health loop.
func New(rt Runtime, reg Registry, bus *events.Bus, hk *hooks.Bus, log *logging.Logger, clk clock.Clock, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		runtime: rt,
		reg:     reg,
		bus:     bus,
		hooks:   hk,
		log:     log,
		clock:   clk,
		cfg:     cfg,
		queue:   make(chan startIntent, cfg.StartQueueSize),
		managed: make(map[string]*ContainerState),
	}
}

// Run starts the startup workers and the health loop, blocking until ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.MaxConcurrentStarts; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.runWorker(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.healthLoop(ctx)
	}()
	wg.Wait()
	return nil
}

// Register persists a container config. Idempotent on name: a second
// Register replaces the stored config. Cyclic dependencies are rejected.
func (o *Orchestrator) Register(ctx context.Context, cfg *store.ContainerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(err, fault.Validation, "container config %q", cfg.Name)
	}
	if err := o.checkCycles(ctx, cfg); err != nil {
		return err
	}
	cfg.RegisteredAt = o.clock.Now().UTC()
	if err := o.reg.SaveContainerConfig(ctx, cfg); err != nil {
		return fault.Wrap(err, fault.StoreError, "save container config %q", cfg.Name)
	}
	o.log.Info("container registered", "name", cfg.Name, "image", cfg.Image, "depends_on", cfg.DependsOn)
	return nil
}

// checkCycles rejects a config whose dependencies would close a cycle
// over the currently registered set.
func (o *Orchestrator) checkCycles(ctx context.Context, cfg *store.ContainerConfig) error {
	existing, err := o.reg.ListContainerConfigs(ctx)
	if err != nil {
		return fault.Wrap(err, fault.StoreError, "list container configs")
	}
	adj := make(map[string][]string, len(existing)+1)
	for _, c := range existing {
		adj[c.Name] = c.DependsOn
	}
	adj[cfg.Name] = cfg.DependsOn
	if cycles := deps.Build(adj).DetectCycles(); len(cycles) > 0 {
		return fault.New(fault.Validation, "dependency cycle: %v", cycles[0])
	}
	return nil
}

// Deregister removes a container config. The running container, if any,
// is left alone.
func (o *Orchestrator) Deregister(ctx context.Context, name string) error {
	if err := o.reg.DeleteContainerConfig(ctx, name); err != nil {
		return fault.Wrap(err, fault.StoreError, "delete container config %q", name)
	}
	return nil
}

// Configs lists the registered container configs.
func (o *Orchestrator) Configs(ctx context.Context) ([]*store.ContainerConfig, error) {
	cfgs, err := o.reg.ListContainerConfigs(ctx)
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "list container configs")
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Name < cfgs[j].Name })
	return cfgs, nil
}

// Start enqueues a start intent for name. Already running or starting
// containers are accepted without a second enqueue unless force is set.
// A full queue rejects with a transient error.
func (o *Orchestrator) Start(ctx context.Context, name string, force bool) error {
	if _, err := o.resolveStartable(ctx, name); err != nil {
		return err
	}

	o.mu.Lock()
	st := o.ensureStateLocked(name)
	if !force && (st.State == StateStarting || st.State == StateRunning) {
		o.mu.Unlock()
		o.log.Debug("start deduplicated", "name", name, "state", st.State)
		return nil
	}
	prev := st.State
	st.State = StateStarting
	st.ErrorMessage = ""
	o.mu.Unlock()

	select {
	case o.queue <- startIntent{name: name}:
		metrics.StartQueueDepth.Set(float64(len(o.queue)))
		o.log.Info("start queued", "name", name, "force", force)
		return nil
	default:
		o.mu.Lock()
		st.State = prev
		o.mu.Unlock()
		return fault.New(fault.BackendError, "start queue full (%d pending)", cap(o.queue))
	}
}

// resolveStartable confirms that name maps to either a registered config
// or an existing runtime container.
func (o *Orchestrator) resolveStartable(ctx context.Context, name string) (*store.ContainerConfig, error) {
	cfg, err := o.reg.GetContainerConfig(ctx, name)
	if err == nil {
		return cfg, nil
	}
	if !fault.IsKind(err, fault.NotFound) {
		o.log.Warn("config lookup degraded to runtime-only", "name", name, "error", err)
	}
	if _, inspErr := o.runtime.InspectContainer(ctx, name); inspErr != nil {
		if docker.IsNotFound(inspErr) {
			return nil, fault.New(fault.NotFound, "container %s is not registered and not present in the runtime", name)
		}
		return nil, fault.Wrap(inspErr, fault.RuntimeError, "inspect %s", name)
	}
	return nil, nil
}

// Stop stops a managed or unmanaged container. Grace defaults to the
// configured stop grace period; force stops immediately.
func (o *Orchestrator) Stop(ctx context.Context, name string, force bool) error {
	inspect, err := o.runtime.InspectContainer(ctx, name)
	if err != nil {
		if docker.IsNotFound(err) {
			o.setStopped(ctx, name, "")
			return fault.New(fault.NotFound, "container %s not found", name)
		}
		return fault.Wrap(err, fault.RuntimeError, "inspect %s", name)
	}

	o.setState(name, func(st *ContainerState) {
		st.State = StateStopping
		st.ContainerID = inspect.ID
	})
	o.fireHook(ctx, hooks.BeforeContainerStop, hooks.Payload{"container_name": name, "force": force})

	grace := int(o.cfg.StopGracePeriod.Seconds())
	if force {
		grace = 0
	}
	if err := o.runtime.StopContainer(ctx, inspect.ID, grace); err != nil {
		o.setState(name, func(st *ContainerState) {
			st.State = StateError
			st.ErrorMessage = err.Error()
		})
		return fault.Wrap(err, fault.RuntimeError, "stop %s", name)
	}

	metrics.ContainerStops.Inc()
	o.setStopped(ctx, name, "stopped on request")
	o.fireHook(ctx, hooks.AfterContainerStop, hooks.Payload{"container_name": name})
	o.bus.Publish(events.Event{
		Type: events.ContainerStopped,
		Data: map[string]any{"container_name": name},
	})
	o.log.Info("container stopped", "name", name, "force", force)
	return nil
}

// Restart stops the container, waits a small gap, and runs the start
// pipeline inline. Publishes a single restarted event.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	inspect, err := o.runtime.InspectContainer(ctx, name)
	if err != nil {
		if docker.IsNotFound(err) {
			return fault.New(fault.NotFound, "container %s not found", name)
		}
		return fault.Wrap(err, fault.RuntimeError, "inspect %s", name)
	}

	o.fireHook(ctx, hooks.BeforeContainerStop, hooks.Payload{"container_name": name, "restart": true})
	if inspect.State != nil && inspect.State.Running {
		if err := o.runtime.StopContainer(ctx, inspect.ID, int(o.cfg.StopGracePeriod.Seconds())); err != nil {
			return fault.Wrap(err, fault.RuntimeError, "stop %s for restart", name)
		}
	}
	o.fireHook(ctx, hooks.AfterContainerStop, hooks.Payload{"container_name": name, "restart": true})

	if !clock.Sleep(ctx, o.clock, restartGap) {
		return ctx.Err()
	}

	o.setState(name, func(st *ContainerState) { st.State = StateStarting })
	if err := o.startOne(ctx, name); err != nil {
		o.failStart(ctx, name, err)
		return err
	}
	o.setState(name, func(st *ContainerState) { st.RestartCount++ })
	o.bus.Publish(events.Event{
		Type: events.ContainerRestarted,
		Data: map[string]any{"container_name": name},
	})
	o.log.Info("container restarted", "name", name)
	return nil
}

// Scale actuates a replica count change. The single-host runtime bounds
// replicas to {0, 1}: zero stops the container, anything above ensures it
// runs. The seam keeps the scaler's replica arithmetic independent of
// that limit.
func (o *Orchestrator) Scale(ctx context.Context, name string, replicas int) error {
	if replicas <= 0 {
		return o.Stop(ctx, name, false)
	}
	return o.Start(ctx, name, false)
}

// CurrentReplicas reports the live replica count: 1 while the container
// is running or starting, 0 otherwise.
func (o *Orchestrator) CurrentReplicas(name string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if st, ok := o.managed[name]; ok {
		switch st.State {
		case StateRunning, StateStarting, StateUnhealthy:
			return 1
		}
	}
	return 0
}

// State returns the live state entry for name, or nil if unmanaged.
func (o *Orchestrator) State(name string) *ContainerState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if st, ok := o.managed[name]; ok {
		cp := *st
		return &cp
	}
	return nil
}

// States returns a snapshot of every managed container, sorted by name.
func (o *Orchestrator) States() []*ContainerState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*ContainerState, 0, len(o.managed))
	for _, st := range o.managed {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status reports the current status of a container, consulting the live
// state first and the runtime second, and refreshes the status cache.
func (o *Orchestrator) Status(ctx context.Context, name string) (*store.ServiceStatus, error) {
	st := &store.ServiceStatus{
		ContainerName: name,
		Status:        StateStopped,
		UpdatedAt:     o.clock.Now().UTC(),
	}

	if ms := o.State(name); ms != nil && (ms.State == StateStarting || ms.State == StateStopping) {
		st.Status = ms.State
		st.Message = ms.ErrorMessage
		o.cacheStatus(ctx, name, st)
		return st, nil
	}

	inspect, err := o.runtime.InspectContainer(ctx, name)
	switch {
	case err == nil:
		st.Status = stateFromInspect(inspect)
		if inspect.State != nil && inspect.State.Running {
			if started, ok := docker.StartedTime(inspect); ok {
				st.Uptime = o.clock.Now().Sub(started).Seconds()
			}
		}
		if ms := o.State(name); ms != nil {
			if ms.State == StateUnhealthy {
				st.Status = StateUnhealthy
			}
			st.Message = ms.ErrorMessage
		}
		st.Port = o.primaryPort(ctx, name)
	case docker.IsNotFound(err):
		if ms := o.State(name); ms != nil {
			st.Status = ms.State
			st.Message = ms.ErrorMessage
		} else if _, cfgErr := o.reg.GetContainerConfig(ctx, name); cfgErr != nil {
			return nil, fault.New(fault.NotFound, "container %s not found", name)
		}
	default:
		return nil, fault.Wrap(err, fault.RuntimeError, "inspect %s", name)
	}

	o.cacheStatus(ctx, name, st)
	return st, nil
}

// Logs returns the last lines of a container's output.
func (o *Orchestrator) Logs(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	out, err := o.runtime.ContainerLogs(ctx, name, lines)
	if err != nil {
		if docker.IsNotFound(err) {
			return "", fault.New(fault.NotFound, "container %s not found", name)
		}
		return "", fault.Wrap(err, fault.RuntimeError, "logs %s", name)
	}
	return out, nil
}

func (o *Orchestrator) primaryPort(ctx context.Context, name string) int {
	cfg, err := o.reg.GetContainerConfig(ctx, name)
	if err != nil {
		return 0
	}
	ports := make([]int, 0, len(cfg.Ports))
	for hostPort := range cfg.Ports {
		if p, perr := strconv.Atoi(hostPort); perr == nil {
			ports = append(ports, p)
		}
	}
	if len(ports) == 0 {
		return 0
	}
	sort.Ints(ports)
	return ports[0]
}

func (o *Orchestrator) cacheStatus(ctx context.Context, name string, st *store.ServiceStatus) {
	if err := o.reg.SetStatus(ctx, name, st); err != nil {
		o.log.Debug("status cache write failed", "name", name, "error", err)
	}
}

// ensureStateLocked returns the state entry for name, creating a stopped
// one if absent. Caller holds o.mu.
func (o *Orchestrator) ensureStateLocked(name string) *ContainerState {
	st, ok := o.managed[name]
	if !ok {
		st = &ContainerState{Name: name, State: StateStopped}
		o.managed[name] = st
	}
	return st
}

func (o *Orchestrator) setState(name string, mutate func(*ContainerState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mutate(o.ensureStateLocked(name))
}

func (o *Orchestrator) setStopped(ctx context.Context, name, message string) {
	o.setState(name, func(st *ContainerState) {
		st.State = StateStopped
		st.ContainerID = ""
		st.failures = 0
	})
	o.cacheStatus(ctx, name, &store.ServiceStatus{
		Status:        StateStopped,
		ContainerName: name,
		Message:       message,
		UpdatedAt:     o.clock.Now().UTC(),
	})
}

func (o *Orchestrator) fireHook(ctx context.Context, point hooks.Point, payload hooks.Payload) {
	for _, res := range o.hooks.Trigger(ctx, point, payload) {
		if res.Err != nil {
			o.log.Warn("hook subscriber failed", "point", string(point), "subscriber", res.Subscriber, "error", res.Err)
		}
	}
}

func stateFromInspect(inspect container.InspectResponse) string {
	if inspect.State == nil {
		return StateStopped
	}
	switch {
	case inspect.State.Running:
		return StateRunning
	case inspect.State.Restarting:
		return StateStarting
	default:
		return StateStopped
	}
}
