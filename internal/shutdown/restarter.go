package shutdown

import (
	"context"
	"time"

	"github.com/selfstart/selfstart/internal/docker"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/store"
)

// restartPollInterval is the cadence of the auto-restart mark poll.
const restartPollInterval = time.Minute

func (m *Manager) restartLoop(ctx context.Context) {
	for {
		select {
		case <-m.clock.After(restartPollInterval):
			m.RestartDueOnce(ctx)
		case <-ctx.Done():
			m.log.Info("restart scheduler stopped")
			return
		}
	}
}

// RestartDueOnce brings every container with a due auto-restart mark
// back up and clears the mark. Marks for vanished containers are
// dropped; transient failures keep the mark so the next cycle retries.
func (m *Manager) RestartDueOnce(ctx context.Context) {
	marks, err := m.rules.DueRestartMarks(m.clock.Now())
	if err != nil {
		m.log.Error("restart marks unavailable", "error", err)
		return
	}
	for _, mk := range marks {
		if ctx.Err() != nil {
			return
		}
		err := m.restartMarked(ctx, mk)
		switch {
		case err == nil:
			m.clearMark(mk.ContainerName)
		case fault.IsKind(err, fault.NotFound):
			m.log.Warn("restart mark dropped, container not found", "container", mk.ContainerName)
			m.clearMark(mk.ContainerName)
		default:
			m.log.Error("scheduled restart failed", "container", mk.ContainerName, "error", err)
		}
	}
}

// restartMarked resumes one marked container: paused containers are
// unpaused, stopped ones are started through the orchestrator, falling
// back to the runtime for containers it does not manage.
func (m *Manager) restartMarked(ctx context.Context, mk *store.RestartMark) error {
	insp, err := m.runtime.InspectContainer(ctx, mk.ContainerName)
	if err != nil {
		if docker.IsNotFound(err) {
			return fault.Wrap(err, fault.NotFound, "container %s", mk.ContainerName)
		}
		return fault.Wrap(err, fault.RuntimeError, "inspect %s", mk.ContainerName)
	}

	switch {
	case insp.State != nil && insp.State.Paused:
		if err := m.runtime.UnpauseContainer(ctx, insp.ID); err != nil {
			return fault.Wrap(err, fault.RuntimeError, "unpause %s", mk.ContainerName)
		}
		m.log.Info("scheduled restart executed", "container", mk.ContainerName, "rule_id", mk.RuleID, "resumed", "unpause")
	case insp.State != nil && insp.State.Running:
		// Already up, nothing to resume.
	default:
		if err := m.orch.Start(ctx, mk.ContainerName, false); err != nil {
			if !fault.IsKind(err, fault.NotFound) {
				return err
			}
			// Not a managed service; start the container directly.
			if serr := m.runtime.StartContainer(ctx, insp.ID); serr != nil {
				return fault.Wrap(serr, fault.RuntimeError, "start %s", mk.ContainerName)
			}
		}
		m.log.Info("scheduled restart executed", "container", mk.ContainerName, "rule_id", mk.RuleID, "resumed", "start")
	}
	return nil
}

func (m *Manager) clearMark(name string) {
	if err := m.rules.ClearRestartMark(name); err != nil {
		m.log.Warn("restart mark not cleared", "container", name, "error", err)
	}
}
