package orchestrator

import (
	"context"

	"github.com/selfstart/selfstart/internal/docker"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/hooks"
)

func (o *Orchestrator) healthLoop(ctx context.Context) {
	for {
		select {
		case <-o.clock.After(o.cfg.OrchHealthInterval):
			o.CheckAll(ctx)
		case <-ctx.Done():
			o.log.Info("orchestrator health loop stopped")
			return
		}
	}
}

// CheckAll runs one health pass over every running or unhealthy managed
// container. A container that left the runtime transitions to stopped;
// two consecutive check failures mark it unhealthy, further failures
// error, and a single success restores running.
func (o *Orchestrator) CheckAll(ctx context.Context) {
	o.mu.RLock()
	names := make([]string, 0, len(o.managed))
	for name, st := range o.managed {
		if st.State == StateRunning || st.State == StateUnhealthy {
			names = append(names, name)
		}
	}
	o.mu.RUnlock()

	for _, name := range names {
		select {
		case <-ctx.Done():
			return
		default:
		}
		o.checkOne(ctx, name)
	}
}

func (o *Orchestrator) checkOne(ctx context.Context, name string) {
	st := o.State(name)
	if st == nil {
		return
	}
	ref := st.ContainerID
	if ref == "" {
		ref = name
	}

	inspect, err := o.runtime.InspectContainer(ctx, ref)
	if err != nil {
		if docker.IsNotFound(err) {
			o.log.Warn("managed container left the runtime", "name", name)
			o.setStopped(ctx, name, "container left the runtime")
			o.bus.Publish(events.Event{
				Type: events.ContainerStopped,
				Data: map[string]any{"container_name": name, "reason": "left_runtime"},
			})
		} else {
			o.log.Warn("health inspect failed", "name", name, "error", err)
		}
		return
	}
	if inspect.State == nil || !inspect.State.Running {
		o.log.Info("managed container no longer running", "name", name)
		o.setStopped(ctx, name, "container stopped outside the orchestrator")
		o.bus.Publish(events.Event{
			Type: events.ContainerStopped,
			Data: map[string]any{"container_name": name, "reason": "exited"},
		})
		return
	}

	cfg, _ := o.reg.GetContainerConfig(ctx, name)
	ready, checked := o.readyCheck(ctx, inspect.ID, cfg, inspect)
	healthy := ready || !checked

	now := o.clock.Now().UTC()
	var from, to string
	o.mu.Lock()
	if live, ok := o.managed[name]; ok {
		live.LastHealthCheck = now
		from = live.State
		if healthy {
			live.failures = 0
			if live.State == StateUnhealthy {
				live.State = StateRunning
			}
		} else {
			live.failures++
			switch {
			case live.failures >= errorAfter:
				live.State = StateError
				live.ErrorMessage = "health check failing"
			case live.failures >= unhealthyAfter:
				live.State = StateUnhealthy
			}
		}
		to = live.State
	}
	o.mu.Unlock()

	if from != to {
		o.log.Warn("managed container health changed", "name", name, "from", from, "to", to)
		o.bus.Publish(events.Event{
			Type: events.HealthChanged,
			Data: map[string]any{"container_name": name, "status": to},
		})
	}
	o.fireHook(ctx, hooks.OnHealthCheck, hooks.Payload{
		"container_name": name,
		"healthy":        healthy,
		"status":         to,
	})
}
