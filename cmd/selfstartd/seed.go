package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/selfstart/selfstart/internal/config"
	"github.com/selfstart/selfstart/internal/notify"
	"github.com/selfstart/selfstart/internal/orchestrator"
	"github.com/selfstart/selfstart/internal/proxy"
	"github.com/selfstart/selfstart/internal/scaler"
	"github.com/selfstart/selfstart/internal/shutdown"
	"github.com/selfstart/selfstart/internal/store"
)

// seedApplier feeds a parsed seed file into the running managers. Apply is
// called at boot and again on every file change, so every step must be an
// upsert. A failing entry does not stop the rest.
type seedApplier struct {
	orch     *orchestrator.Orchestrator
	prox     *proxy.Manager
	scal     *scaler.Manager
	shut     *shutdown.Manager
	webhooks *notify.Dispatcher
}

func (a *seedApplier) apply(ctx context.Context, seed *config.Seed) error {
	var errs []error
	for _, c := range seed.Containers {
		if err := a.orch.Register(ctx, seedContainerConfig(c)); err != nil {
			errs = append(errs, fmt.Errorf("container %s: %w", c.Name, err))
		}
	}
	for _, t := range seed.Targets {
		if err := a.prox.RegisterTarget(ctx, seedProxyTarget(t)); err != nil {
			errs = append(errs, fmt.Errorf("proxy target %s: %w", t.Name, err))
		}
	}
	for _, p := range seed.Policies {
		if err := a.scal.SetPolicy(ctx, seedScalingPolicy(p)); err != nil {
			errs = append(errs, fmt.Errorf("scaling policy %s: %w", p.Service, err))
		}
	}
	if err := a.applyRules(seed.Rules); err != nil {
		errs = append(errs, err)
	}
	if err := a.applyWebhooks(seed.Webhooks); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// applyRules matches seed rules to existing ones by name so a re-apply
// updates in place instead of accumulating duplicates.
func (a *seedApplier) applyRules(rules []config.SeedRule) error {
	if len(rules) == 0 {
		return nil
	}
	existing, err := a.shut.Rules()
	if err != nil {
		return fmt.Errorf("list shutdown rules: %w", err)
	}
	byName := make(map[string]uint64, len(existing))
	for _, r := range existing {
		byName[r.Name] = r.ID
	}
	var errs []error
	for _, sr := range rules {
		r := seedShutdownRule(sr)
		r.ID = byName[r.Name]
		if err := a.shut.SaveRule(r); err != nil {
			errs = append(errs, fmt.Errorf("shutdown rule %s: %w", sr.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *seedApplier) applyWebhooks(hooks []config.SeedWebhook) error {
	if len(hooks) == 0 {
		return nil
	}
	existing, err := a.webhooks.Webhooks()
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	byName := make(map[string]uint64, len(existing))
	for _, w := range existing {
		byName[w.Name] = w.ID
	}
	var errs []error
	for _, sw := range hooks {
		w := seedWebhookConfig(sw)
		w.ID = byName[w.Name]
		if err := a.webhooks.SaveWebhook(w); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", sw.Name, err))
		}
	}
	return errors.Join(errs...)
}

func seedContainerConfig(c config.SeedContainer) *store.ContainerConfig {
	return &store.ContainerConfig{
		Name:           c.Name,
		Image:          c.Image,
		Ports:          c.Ports,
		Environment:    c.Environment,
		Volumes:        c.Volumes,
		Labels:         c.Labels,
		Networks:       c.Networks,
		DependsOn:      c.DependsOn,
		HealthCheckURL: c.HealthCheck,
		HealthCheckCmd: c.HealthCommand,
		RestartPolicy:  c.RestartPolicy,
	}
}

func seedProxyTarget(t config.SeedTarget) *store.ProxyTarget {
	backends := make([]store.BackendSpec, len(t.Backends))
	for i, b := range t.Backends {
		backends[i] = store.BackendSpec{
			Host:           b.Host,
			Port:           b.Port,
			Weight:         b.Weight,
			MaxConnections: b.MaxConnections,
		}
	}
	return &store.ProxyTarget{
		Name:                t.Name,
		Policy:              t.Policy,
		Backends:            backends,
		HealthCheckPath:     t.HealthCheckPath,
		HealthCheckInterval: t.HealthCheckInterval,
		HealthCheckTimeout:  t.HealthCheckTimeout,
		MaxRetries:          t.MaxRetries,
		RetryDelay:          t.RetryDelay,
		BreakerThreshold:    t.BreakerThreshold,
		BreakerTimeout:      t.BreakerTimeout,
		StickySessions:      t.StickySessions,
	}
}

func seedScalingPolicy(p config.SeedPolicy) *store.ScalingPolicy {
	return &store.ScalingPolicy{
		Service:            p.Service,
		Enabled:            enabledDefault(p.Enabled),
		CPUUp:              p.CPUUp,
		CPUDown:            p.CPUDown,
		MemoryUp:           p.MemoryUp,
		MemoryDown:         p.MemoryDown,
		NetworkUp:          p.NetworkUp,
		NetworkDown:        p.NetworkDown,
		ScaleUpCooldown:    p.ScaleUpCooldown,
		ScaleDownCooldown:  p.ScaleDownCooldown,
		EvaluationPeriods:  p.EvaluationPeriods,
		EvaluationInterval: p.EvaluationInterval,
		MinReplicas:        p.MinReplicas,
		MaxReplicas:        p.MaxReplicas,
		EnablePrediction:   p.EnablePrediction,
	}
}

func seedShutdownRule(r config.SeedRule) *store.ShutdownRule {
	ranges := make([]store.TimeRange, len(r.TimeRanges))
	for i, tr := range r.TimeRanges {
		ranges[i] = store.TimeRange{Start: tr.Start, End: tr.End}
	}
	return &store.ShutdownRule{
		Name:                r.Name,
		Enabled:             enabledDefault(r.Enabled),
		Condition:           r.Condition,
		Action:              r.Action,
		Containers:          r.Containers,
		ExcludeContainers:   r.ExcludeContainers,
		Tags:                r.Tags,
		InactivityThreshold: r.InactivityThreshold,
		CPUThreshold:        r.CPUThreshold,
		MemoryThreshold:     r.MemoryThreshold,
		NetworkThreshold:    r.NetworkThreshold,
		Cron:                r.Cron,
		TimeRanges:          ranges,
		DaysOfWeek:          r.DaysOfWeek,
		GracePeriod:         r.GracePeriod,
		ProtectIfConnected:  r.ProtectIfConnected,
		ProtectIfUploading:  r.ProtectIfUploading,
		MinUptime:           r.MinUptime,
		AutoRestart:         r.AutoRestart,
		RestartSchedule:     r.RestartSchedule,
	}
}

func seedWebhookConfig(w config.SeedWebhook) *store.WebhookConfig {
	return &store.WebhookConfig{
		Name:    w.Name,
		Type:    w.Type,
		URL:     w.URL,
		Secret:  w.Secret,
		Events:  w.Events,
		Headers: w.Headers,
		Enabled: enabledDefault(w.Enabled),
	}
}

// enabledDefault treats an absent enabled flag as on; a seed entry is
// opt-out, not opt-in.
func enabledDefault(b *bool) bool {
	return b == nil || *b
}
