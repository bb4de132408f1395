package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/deps"
	"github.com/selfstart/selfstart/internal/docker"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/hooks"
	"github.com/selfstart/selfstart/internal/metrics"
	"github.com/selfstart/selfstart/internal/store"
)

func (o *Orchestrator) runWorker(ctx context.Context, worker int) {
	for {
		select {
		case intent := <-o.queue:
			metrics.StartQueueDepth.Set(float64(len(o.queue)))
			o.processStart(ctx, intent.name)
		case <-ctx.Done():
			o.log.Info("startup worker stopped", "worker", worker)
			return
		}
	}
}

func (o *Orchestrator) processStart(ctx context.Context, name string) {
	begin := o.clock.Now()
	err := o.startWithDependencies(ctx, name)
	metrics.StartDuration.Observe(o.clock.Since(begin).Seconds())

	if err != nil {
		metrics.ContainerStarts.WithLabelValues("failure").Inc()
		o.failStart(ctx, name, err)
		return
	}
	metrics.ContainerStarts.WithLabelValues("success").Inc()
}

// startWithDependencies brings up the dependency closure of name, in
// order, then runs the pipeline for name itself. All dependencies share
// one dependency_timeout budget.
func (o *Orchestrator) startWithDependencies(ctx context.Context, name string) error {
	chain, err := o.dependencyChain(ctx, name)
	if err != nil {
		return err
	}

	if len(chain) > 0 {
		depCtx, cancel := context.WithTimeout(ctx, o.cfg.DependencyTimeout)
		defer cancel()
		for _, dep := range chain {
			if err := o.ensureDependency(depCtx, dep); err != nil {
				return fault.Wrap(err, fault.Timeout, "dependency %s for %s", dep, name)
			}
		}
	}

	return o.startOne(ctx, name)
}

// dependencyChain returns the transitive dependencies of name in start
// order. A store failure degrades to a dependency-free start.
func (o *Orchestrator) dependencyChain(ctx context.Context, name string) ([]string, error) {
	cfgs, err := o.reg.ListContainerConfigs(ctx)
	if err != nil {
		o.log.Warn("dependency resolution degraded, store unreachable", "name", name, "error", err)
		return nil, nil
	}
	adj := make(map[string][]string, len(cfgs))
	for _, c := range cfgs {
		adj[c.Name] = c.DependsOn
	}
	chain, err := deps.Build(adj).Closure(name)
	if err != nil {
		return nil, fault.Wrap(err, fault.Validation, "resolve dependencies of %s", name)
	}
	return chain, nil
}

// ensureDependency makes one dependency running: if another worker is
// already starting it, wait; otherwise run its pipeline inline in this
// worker. Waiting and starting both respect the shared dependency budget.
func (o *Orchestrator) ensureDependency(ctx context.Context, dep string) error {
	for {
		o.mu.Lock()
		st := o.ensureStateLocked(dep)
		switch st.State {
		case StateRunning:
			o.mu.Unlock()
			return nil
		case StateStarting:
			o.mu.Unlock()
			// Another worker owns this start; poll until it resolves.
			if !clock.Sleep(ctx, o.clock, startPollInterval) {
				return fault.New(fault.Timeout, "waiting for dependency %s", dep)
			}
			continue
		default:
			st.State = StateStarting
			st.ErrorMessage = ""
			o.mu.Unlock()
			if err := o.startOne(ctx, dep); err != nil {
				o.failStart(ctx, dep, err)
				return err
			}
			return nil
		}
	}
}

// startOne runs the pipeline for exactly one container: adopt a running
// instance, replace an exited or created one, otherwise create from the
// registered config, then start and poll until ready.
func (o *Orchestrator) startOne(ctx context.Context, name string) error {
	o.setState(name, func(st *ContainerState) { st.State = StateStarting })
	o.cacheStatus(ctx, name, &store.ServiceStatus{
		Status:        StateStarting,
		ContainerName: name,
		UpdatedAt:     o.clock.Now().UTC(),
	})
	o.fireHook(ctx, hooks.BeforeContainerStart, hooks.Payload{"container_name": name})

	cfg, _ := o.reg.GetContainerConfig(ctx, name)

	id, adopted, err := o.ensureContainer(ctx, name, cfg)
	if err != nil {
		return err
	}
	if !adopted {
		if err := o.runtime.StartContainer(ctx, id); err != nil {
			return fault.Wrap(err, fault.RuntimeError, "start %s", name)
		}
	}

	if err := o.awaitReady(ctx, name, id, cfg); err != nil {
		return err
	}

	now := o.clock.Now().UTC()
	o.setState(name, func(st *ContainerState) {
		st.State = StateRunning
		st.ContainerID = id
		st.StartedAt = now
		st.ErrorMessage = ""
		st.failures = 0
	})
	o.cacheStatus(ctx, name, &store.ServiceStatus{
		Status:        StateRunning,
		ContainerName: name,
		Port:          o.primaryPort(ctx, name),
		UpdatedAt:     now,
	})
	o.fireHook(ctx, hooks.AfterContainerStart, hooks.Payload{"container_name": name, "container_id": id})
	o.bus.Publish(events.Event{
		Type: events.ContainerStarted,
		Data: map[string]any{"container_name": name, "container_id": id},
	})
	o.log.Info("container running", "name", name, "id", shortID(id), "adopted", adopted)
	return nil
}

// ensureContainer resolves a startable container for name and reports
// whether it was adopted already running.
func (o *Orchestrator) ensureContainer(ctx context.Context, name string, cfg *store.ContainerConfig) (string, bool, error) {
	inspect, err := o.runtime.InspectContainer(ctx, name)
	switch {
	case err == nil:
		if inspect.State != nil && inspect.State.Running {
			o.log.Info("adopting running container", "name", name, "id", shortID(inspect.ID))
			return inspect.ID, true, nil
		}
		if cfg == nil {
			// No config to recreate from; reuse the stopped container.
			return inspect.ID, false, nil
		}
		// A stale exited or created container is replaced so config
		// changes take effect.
		o.log.Info("removing stale container", "name", name, "id", shortID(inspect.ID))
		if err := o.runtime.RemoveContainer(ctx, inspect.ID); err != nil {
			return "", false, fault.Wrap(err, fault.RuntimeError, "remove stale %s", name)
		}
	case docker.IsNotFound(err):
		if cfg == nil {
			return "", false, fault.New(fault.NotFound, "container %s has no config and no runtime instance", name)
		}
	default:
		return "", false, fault.Wrap(err, fault.RuntimeError, "inspect %s", name)
	}

	id, err := o.createContainer(ctx, cfg)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

func (o *Orchestrator) createContainer(ctx context.Context, cfg *store.ContainerConfig) (string, error) {
	have, err := o.runtime.HasImage(ctx, cfg.Image)
	if err != nil {
		return "", fault.Wrap(err, fault.RuntimeError, "check image %s", cfg.Image)
	}
	if !have {
		o.log.Info("pulling image", "image", cfg.Image)
		if err := o.runtime.PullImage(ctx, cfg.Image); err != nil {
			return "", fault.Wrap(err, fault.RuntimeError, "pull %s", cfg.Image)
		}
	}

	exposed := network.PortSet{}
	bindings := network.PortMap{}
	for hostPort, containerPort := range cfg.Ports {
		port := parsePort(containerPort)
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], network.PortBinding{HostPort: hostPort})
	}

	env := make([]string, 0, len(cfg.Environment))
	for k, v := range cfg.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Env:          env,
		Labels:       cfg.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        cfg.Volumes,
	}
	if cfg.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(cfg.RestartPolicy),
		}
	}
	var netCfg *network.NetworkingConfig
	if len(cfg.Networks) > 0 {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cfg.Networks[0]: {},
			},
		}
	}

	id, err := o.runtime.CreateContainer(ctx, cfg.Name, containerCfg, hostCfg, netCfg)
	if err != nil {
		return "", fault.Wrap(err, fault.RuntimeError, "create %s", cfg.Name)
	}
	o.log.Info("container created", "name", cfg.Name, "id", shortID(id), "image", cfg.Image)
	return id, nil
}

// awaitReady polls the container until it is running and its health check
// passes, bounded by startup_timeout. A container without any health
// check is ready once it stays running through a short settle window.
func (o *Orchestrator) awaitReady(ctx context.Context, name, id string, cfg *store.ContainerConfig) error {
	deadline := o.clock.Now().Add(o.cfg.StartupTimeout)
	var runningSince time.Time

	for {
		inspect, err := o.runtime.InspectContainer(ctx, id)
		if err != nil {
			return fault.Wrap(err, fault.RuntimeError, "inspect %s while starting", name)
		}
		state := inspect.State

		if state != nil && !state.Running && state.ExitCode != 0 {
			return fault.New(fault.RuntimeError, "container %s exited with code %d during startup", name, state.ExitCode)
		}

		if state != nil && state.Running {
			ready, checked := o.readyCheck(ctx, id, cfg, inspect)
			if ready {
				return nil
			}
			if !checked {
				// No health check configured: ready after a settle window.
				if runningSince.IsZero() {
					runningSince = o.clock.Now()
				}
				if o.clock.Since(runningSince) >= readySettleDelay {
					return nil
				}
			}
		} else {
			runningSince = time.Time{}
		}

		if o.clock.Now().After(deadline) {
			return fault.New(fault.Timeout, "container %s not ready after %s", name, o.cfg.StartupTimeout)
		}
		if !clock.Sleep(ctx, o.clock, startPollInterval) {
			return ctx.Err()
		}
	}
}

// readyCheck runs the configured health check once. checked is false when
// the container defines no check at all.
func (o *Orchestrator) readyCheck(ctx context.Context, id string, cfg *store.ContainerConfig, inspect container.InspectResponse) (ready, checked bool) {
	if cfg != nil && cfg.HealthCheckURL != "" {
		return o.httpCheck(ctx, cfg.HealthCheckURL), true
	}
	if cfg != nil && len(cfg.HealthCheckCmd) > 0 {
		exit, _, err := o.runtime.ExecContainer(ctx, id, cfg.HealthCheckCmd, int(probeTimeout.Seconds()))
		return err == nil && exit == 0, true
	}
	if inspect.State != nil && inspect.State.Health != nil {
		status := string(inspect.State.Health.Status)
		if status == "" || status == "none" {
			return false, false
		}
		return status == "healthy", true
	}
	return false, false
}

func (o *Orchestrator) httpCheck(ctx context.Context, url string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// failStart records a failed pipeline and notifies listeners.
func (o *Orchestrator) failStart(ctx context.Context, name string, err error) {
	o.setState(name, func(st *ContainerState) {
		st.State = StateError
		st.ErrorMessage = err.Error()
	})
	o.cacheStatus(ctx, name, &store.ServiceStatus{
		Status:        StateError,
		ContainerName: name,
		Message:       err.Error(),
		UpdatedAt:     o.clock.Now().UTC(),
	})
	o.log.Error("start pipeline failed", "name", name, "error", err)
	o.bus.Publish(events.Event{
		Type: events.ContainerFailed,
		Data: map[string]any{"container_name": name, "error": err.Error()},
	})
}

func parsePort(spec string) network.Port {
	if strings.Contains(spec, "/") {
		p, _ := network.ParsePort(spec)
		return p
	}
	p, _ := network.ParsePort(fmt.Sprintf("%s/tcp", spec))
	return p
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
