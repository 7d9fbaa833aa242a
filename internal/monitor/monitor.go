// Package monitor polls active runs and detects stalled or dead ones.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/compute"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/policy"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/restart"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/termination"
)

// Config bounds detection latency.
type Config struct {
	PollInterval        time.Duration
	HeartbeatTimeout    time.Duration
	MaxMissedHeartbeats int
	MaxRestartAttempts  int
}

// Monitor is the lifecycle poll loop. A degraded run goes through the
// restart policy; the verdict is either a handoff to the restart
// coordinator or a failed run with termination requested. One run's
// trouble never blocks the others.
type Monitor struct {
	store     *store.SQLiteStore
	prov      compute.Provisioner
	policy    *policy.Engine
	restarter *restart.Coordinator
	term      *termination.Workflow
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New builds the lifecycle monitor.
func New(s *store.SQLiteStore, prov compute.Provisioner, pol *policy.Engine,
	restarter *restart.Coordinator, term *termination.Workflow, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:     s,
		prov:      prov,
		policy:    pol,
		restarter: restarter,
		term:      term,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until the context is cancelled; the loop exits at its next
// wake-up, never mid-iteration.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every active run once. Per-run errors are logged and the
// sweep continues.
func (m *Monitor) Sweep(ctx context.Context) {
	runs, err := m.store.ListActiveRuns(ctx)
	if err != nil {
		m.logger.Error("monitor sweep: list runs", "error", err)
		return
	}
	for i := range runs {
		if err := m.checkRun(ctx, &runs[i]); err != nil {
			m.logger.Warn("run check failed", "run_id", runs[i].RunID, "error", err)
		}
	}
}

func (m *Monitor) checkRun(ctx context.Context, run *domain.Run) error {
	now := m.now()

	switch run.Status {
	case domain.RunStatusPending, domain.RunStatusInitializing:
		if deadlinePassed(run, now) {
			return m.failRun(ctx, run, fmt.Sprintf(
				"run did not start before its deadline (%s): node never sent a heartbeat",
				run.StartDeadlineAt.Format(time.RFC3339)))
		}
		return nil

	case domain.RunStatusRunning:
		if run.LastHeartbeatAt == nil {
			if deadlinePassed(run, now) {
				return m.failRun(ctx, run,
					"run never sent a heartbeat before its start deadline")
			}
			return nil
		}
		delta := now.Sub(*run.LastHeartbeatAt)
		if delta > m.cfg.HeartbeatTimeout {
			failures, err := m.store.IncrementHeartbeatFailures(ctx, run.RunID)
			if err != nil {
				return err
			}
			m.logger.Warn("missed heartbeat",
				"run_id", run.RunID,
				"since_last", delta.Round(time.Second),
				"failures", failures)
			if failures >= m.cfg.MaxMissedHeartbeats {
				return m.degraded(ctx, run, domain.RestartReasonHeartbeatTimeout, "")
			}
			return nil
		}
	}

	return m.crossCheckNode(ctx, run)
}

// crossCheckNode asks the provisioning API whether the node is still in an
// expected state. A dead node outranks heartbeat counting: there is nothing
// left to wait for.
func (m *Monitor) crossCheckNode(ctx context.Context, run *domain.Run) error {
	if run.Node.ID == "" {
		return nil
	}
	info, err := m.prov.Get(ctx, run.Node.ID)
	if err != nil {
		// Transient API trouble; the next poll retries.
		m.logger.Debug("node status check failed", "run_id", run.RunID, "error", err)
		return nil
	}
	if info.Status.Alive() {
		return nil
	}
	m.logger.Warn("node exited outside expected states",
		"run_id", run.RunID, "node_id", run.Node.ID, "node_status", info.Status)
	return m.degraded(ctx, run, domain.RestartReasonContainerDied, info.Status)
}

// degraded consults the restart policy and either hands the run to the
// restart coordinator or fails it. A refused or failed restart falls back
// to failing the run.
func (m *Monitor) degraded(ctx context.Context, run *domain.Run, reason domain.RestartReason, nodeStatus compute.NodeStatus) error {
	decision, err := m.policy.Decide(ctx, policy.Input{
		Reason:             string(reason),
		RestartCount:       run.RestartCount,
		MaxRestartAttempts: m.cfg.MaxRestartAttempts,
		NodeStatus:         string(nodeStatus),
	})
	if err != nil {
		m.logger.Error("restart policy evaluation failed", "run_id", run.RunID, "error", err)
	}

	if decision == policy.DecisionRestart {
		restarted, err := m.restarter.Restart(ctx, run, reason)
		if restarted {
			return nil
		}
		if err != nil && !errors.Is(err, restart.ErrBudgetExhausted) {
			m.logger.Warn("restart attempt failed", "run_id", run.RunID, "reason", reason, "error", err)
		}
	}
	return m.failRun(ctx, run, failMessage(reason, run))
}

// failRun marks the run failed and requests termination. Termination
// trouble is logged, not returned: the failure is already durable and the
// workflow's poll loop will pick the lease up.
func (m *Monitor) failRun(ctx context.Context, run *domain.Run, message string) error {
	if err := m.store.MarkRunFailed(ctx, run.RunID, message, m.now()); err != nil {
		return err
	}
	m.logger.Error("run failed", "run_id", run.RunID, "message", message)
	if err := m.term.Request(ctx, run.RunID); err != nil {
		m.logger.Warn("termination request failed", "run_id", run.RunID, "error", err)
	}
	return nil
}

func failMessage(reason domain.RestartReason, run *domain.Run) string {
	switch reason {
	case domain.RestartReasonHeartbeatTimeout:
		return fmt.Sprintf("heartbeat lost: %d consecutive heartbeat checks missed and no restart available (restarts used: %d)",
			run.HeartbeatFailures+1, run.RestartCount)
	case domain.RestartReasonContainerDied:
		return fmt.Sprintf("compute node exited unexpectedly and no restart available (restarts used: %d)", run.RestartCount)
	case domain.RestartReasonGPUShortage:
		return "no GPU capacity available to keep the run alive"
	}
	return "run degraded: " + string(reason)
}

func deadlinePassed(run *domain.Run, now time.Time) bool {
	return run.StartDeadlineAt != nil && now.After(*run.StartDeadlineAt)
}
