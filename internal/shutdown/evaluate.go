package shutdown

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/hooks"
	"github.com/selfstart/selfstart/internal/metrics"
	"github.com/selfstart/selfstart/internal/store"
)

const (
	// restartGap is the pause between stop and start for the restart action.
	restartGap = 5 * time.Second

	// cronWindow is how close a cron occurrence must be for a schedule
	// rule to count as due.
	cronWindow = 60 * time.Second
)

// EvaluateOnce refreshes the container observations and applies every
// enabled rule against them.
func (m *Manager) EvaluateOnce(ctx context.Context) {
	if err := m.refreshSnapshots(ctx); err != nil {
		m.log.Error("container snapshot refresh failed", "error", err)
		return
	}
	rules, err := m.rules.ListRules()
	if err != nil {
		m.log.Error("shutdown rules unavailable", "error", err)
		return
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.applyRule(ctx, r)
	}
}

func (m *Manager) applyRule(ctx context.Context, r *store.ShutdownRule) {
	for _, snap := range m.targets(r) {
		reason, prot := protectionReason(r, snap)
		if prot {
			m.log.Debug("container protected from shutdown", "container", snap.Name, "rule", r.Name, "reason", reason)
			continue
		}
		hold, why := m.conditionHolds(r, snap)
		if !hold {
			continue
		}
		m.execute(ctx, r, snap, why)
	}
}

// targets selects the rule's containers from the current observations:
// the include list when non-empty, minus excludes, filtered by tags.
func (m *Manager) targets(r *store.ShutdownRule) []*Snapshot {
	include := make(map[string]struct{}, len(r.Containers))
	for _, n := range r.Containers {
		include[n] = struct{}{}
	}
	exclude := make(map[string]struct{}, len(r.ExcludeContainers))
	for _, n := range r.ExcludeContainers {
		exclude[n] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Snapshot
	for name, snap := range m.snapshots {
		if len(include) > 0 {
			if _, ok := include[name]; !ok {
				continue
			}
		}
		if _, ok := exclude[name]; ok {
			continue
		}
		if !matchesTags(r.Tags, snap.Labels) {
			continue
		}
		cp := *snap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// matchesTags reports whether the container labels satisfy every rule
// tag. A "key=value" tag must match exactly; a bare key only requires
// the label to be present.
func matchesTags(tags []string, labels map[string]string) bool {
	for _, tag := range tags {
		if k, v, ok := strings.Cut(tag, "="); ok {
			if labels[k] != v {
				return false
			}
		} else if _, present := labels[tag]; !present {
			return false
		}
	}
	return true
}

// protectionReason reports why a container is exempt from the rule, if
// it is. Checks run in fixed order: explicit flag, minimum uptime,
// active connections, outbound transfer.
func protectionReason(r *store.ShutdownRule, s *Snapshot) (string, bool) {
	if s.Protected {
		return "explicit protection flag", true
	}
	if s.UptimeSeconds < r.MinUptime {
		return fmt.Sprintf("uptime %ds below minimum %ds", s.UptimeSeconds, r.MinUptime), true
	}
	if r.ProtectIfConnected && s.Connections > 0 {
		return fmt.Sprintf("%d active connections", s.Connections), true
	}
	if r.ProtectIfUploading && s.hasRates && s.TxBytesPerSec > r.NetworkThreshold*10 {
		return "outbound transfer in progress", true
	}
	return "", false
}

func (m *Manager) conditionHolds(r *store.ShutdownRule, s *Snapshot) (bool, string) {
	switch r.Condition {
	case store.CondInactivity:
		if s.LastActivity.IsZero() {
			return false, ""
		}
		idle := m.clock.Now().Sub(s.LastActivity)
		if idle >= time.Duration(r.InactivityThreshold)*time.Second {
			return true, fmt.Sprintf("no activity for %s", idle.Truncate(time.Second))
		}
	case store.CondLowResources:
		if s.CPUPercent <= r.CPUThreshold && s.MemoryMB <= r.MemoryThreshold {
			return true, fmt.Sprintf("cpu %.1f%% and memory %.0fMB below thresholds", s.CPUPercent, s.MemoryMB)
		}
	case store.CondIdleTime:
		if s.hasRates && s.CPUPercent <= r.CPUThreshold &&
			s.RxBytesPerSec+s.TxBytesPerSec <= r.NetworkThreshold && s.Connections == 0 {
			return true, "low cpu with no traffic and no connections"
		}
	case store.CondSchedule:
		if m.scheduleHolds(r) {
			return true, "inside scheduled shutdown window"
		}
	}
	return false, ""
}

// scheduleHolds evaluates the rule's schedule in the configured timezone:
// the weekday gate first, then time ranges when present, otherwise the
// next cron occurrence must be within cronWindow.
func (m *Manager) scheduleHolds(r *store.ShutdownRule) bool {
	now := m.clock.Now().In(m.cfg.Location())

	if len(r.DaysOfWeek) > 0 {
		match := false
		for _, d := range r.DaysOfWeek {
			wd, err := store.ParseWeekday(d)
			if err == nil && wd == now.Weekday() {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(r.TimeRanges) > 0 {
		minute := now.Hour()*60 + now.Minute()
		for _, tr := range r.TimeRanges {
			start, err1 := minutesOfDay(tr.Start)
			end, err2 := minutesOfDay(tr.End)
			if err1 != nil || err2 != nil {
				continue
			}
			if start <= minute && minute <= end {
				return true
			}
		}
		return false
	}

	if r.Cron != "" {
		sched, err := cron.ParseStandard(r.Cron)
		if err != nil {
			m.log.Warn("invalid cron expression", "rule", r.Name, "cron", r.Cron)
			return false
		}
		return sched.Next(now).Sub(now) <= cronWindow
	}
	return false
}

func minutesOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// execute notifies, waits out the grace period, performs the action, and
// records the outcome. A successful action schedules the auto-restart
// mark when the rule asks for one.
func (m *Manager) execute(ctx context.Context, r *store.ShutdownRule, s *Snapshot, why string) {
	m.notifyPending(ctx, r, s, why)
	if !clock.Sleep(ctx, m.clock, time.Duration(r.GracePeriod)*time.Second) {
		return
	}

	err := m.perform(ctx, r, s)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.ShutdownActions.WithLabelValues(r.Action, outcome).Inc()

	entry := &store.ShutdownLog{
		RuleID:        r.ID,
		RuleName:      r.Name,
		ContainerName: s.Name,
		Condition:     r.Condition,
		Action:        r.Action,
		Success:       err == nil,
		Message:       why,
		Timestamp:     m.clock.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
		m.log.Error("shutdown action failed", "rule", r.Name, "container", s.Name, "action", r.Action, "error", err)
	} else {
		m.log.Info("shutdown action executed", "rule", r.Name, "container", s.Name, "action", r.Action, "reason", why)
		m.bus.Publish(events.Event{Type: events.ShutdownExecuted, Data: map[string]any{
			"container": s.Name,
			"rule":      r.Name,
			"action":    r.Action,
			"condition": r.Condition,
			"reason":    why,
		}})
		m.scheduleRestart(r, s)
	}
	if lerr := m.rules.AppendShutdownLog(entry); lerr != nil {
		m.log.Warn("shutdown log not recorded", "container", s.Name, "error", lerr)
	}
}

// notifyPending announces the upcoming action at the start of the grace
// period, on both the event bus and the hook bus.
func (m *Manager) notifyPending(ctx context.Context, r *store.ShutdownRule, s *Snapshot, why string) {
	msg := fmt.Sprintf("container %s scheduled for %s in %ds", s.Name, r.Action, r.GracePeriod)
	m.bus.Publish(events.Event{Type: events.SystemWarning, Data: map[string]any{
		"container": s.Name,
		"message":   msg,
		"rule":      r.Name,
		"action":    r.Action,
		"reason":    r.Condition,
	}})
	m.fireHook(ctx, hooks.BeforeContainerStop, hooks.Payload{
		"container_name": s.Name,
		"rule":           r.Name,
		"action":         r.Action,
		"reason":         why,
		"grace_period":   r.GracePeriod,
	})
}

func (m *Manager) perform(ctx context.Context, r *store.ShutdownRule, s *Snapshot) error {
	stopTimeout := int(m.cfg.StopGracePeriod.Seconds())
	switch r.Action {
	case store.ActionStop:
		if err := m.runtime.StopContainer(ctx, s.ContainerID, stopTimeout); err != nil {
			return fault.Wrap(err, fault.RuntimeError, "stop %s", s.Name)
		}
		return nil
	case store.ActionPause:
		if err := m.runtime.PauseContainer(ctx, s.ContainerID); err != nil {
			return fault.Wrap(err, fault.RuntimeError, "pause %s", s.Name)
		}
		return nil
	case store.ActionRestart:
		if err := m.runtime.StopContainer(ctx, s.ContainerID, stopTimeout); err != nil {
			return fault.Wrap(err, fault.RuntimeError, "stop %s", s.Name)
		}
		if !clock.Sleep(ctx, m.clock, restartGap) {
			return fault.Wrap(ctx.Err(), fault.Timeout, "restart of %s interrupted", s.Name)
		}
		if err := m.runtime.StartContainer(ctx, s.ContainerID); err != nil {
			return fault.Wrap(err, fault.RuntimeError, "start %s", s.Name)
		}
		return nil
	case store.ActionScaleDown:
		target := m.orch.CurrentReplicas(s.Name) - 1
		if target < 0 {
			target = 0
		}
		return m.orch.Scale(ctx, s.Name, target)
	}
	return fault.New(fault.Validation, "unknown shutdown action %q", r.Action)
}

// scheduleRestart persists the auto-restart mark at the next cron fire
// time for the restart scheduler to honor.
func (m *Manager) scheduleRestart(r *store.ShutdownRule, s *Snapshot) {
	if !r.AutoRestart || r.RestartSchedule == "" {
		return
	}
	sched, err := cron.ParseStandard(r.RestartSchedule)
	if err != nil {
		m.log.Warn("invalid restart schedule", "rule", r.Name, "cron", r.RestartSchedule)
		return
	}
	at := sched.Next(m.clock.Now().In(m.cfg.Location()))
	mark := &store.RestartMark{ContainerName: s.Name, RuleID: r.ID, At: at}
	if err := m.rules.SetRestartMark(mark); err != nil {
		m.log.Warn("restart mark not persisted", "container", s.Name, "error", err)
		return
	}
	m.log.Info("restart scheduled", "container", s.Name, "rule", r.Name, "at", at)
}
