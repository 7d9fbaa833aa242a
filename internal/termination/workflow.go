// Package termination runs the idempotent, lease-guarded shutdown sequence:
// artifact flush, node termination, billing finalization.
package termination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/billing"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/compute"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
)

// ArtifactFlusher uploads a run's artifacts off the node before it is
// destroyed. The artifact storage side lives in another service.
type ArtifactFlusher interface {
	Flush(ctx context.Context, run *domain.Run) error
}

// Config bounds the workflow.
type Config struct {
	LeaseDuration time.Duration
	PollInterval  time.Duration
	// MaxAttempts is how many failed sequences a run gets before its lease
	// is marked failed for good.
	MaxAttempts int
	// TerminatePayload is the body sent to the in-node terminate endpoint.
	TerminatePayload string
}

// Workflow drives terminations. It wakes on a poll ticker and on explicit
// Wake calls, so an external trigger (a heartbeat failure, a user cancel)
// gets immediate service without busy-waiting.
type Workflow struct {
	store   *store.SQLiteStore
	prov    compute.Provisioner
	tunnel  *compute.Tunnel
	flusher ArtifactFlusher
	billing *billing.Reconciler
	cfg     Config
	logger  *slog.Logger

	// owner identifies this process's lease claims.
	owner string
	wake  chan struct{}
	now   func() time.Time
}

// New builds the termination workflow. tunnel may be nil when no SSH key is
// configured; the in-node graceful stop is best-effort anyway.
func New(s *store.SQLiteStore, prov compute.Provisioner, tunnel *compute.Tunnel,
	flusher ArtifactFlusher, bill *billing.Reconciler, cfg Config, logger *slog.Logger) *Workflow {
	return &Workflow{
		store:   s,
		prov:    prov,
		tunnel:  tunnel,
		flusher: flusher,
		billing: bill,
		cfg:     cfg,
		logger:  logger,
		owner:   "term_" + uuid.New().String()[:8],
		wake:    make(chan struct{}, 1),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Request records that the run must be torn down and wakes the workflow.
// Repeating a request is a no-op.
func (w *Workflow) Request(ctx context.Context, runID string) error {
	if err := w.store.RequestTermination(ctx, runID, w.now()); err != nil {
		return err
	}
	w.Wake()
	return nil
}

// Wake nudges the workflow loop without waiting for the next poll tick.
func (w *Workflow) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run services pending terminations until the context is cancelled. The
// loop exits at its next wake-up, never mid-sequence.
func (w *Workflow) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
		w.Sweep(ctx)
	}
}

// Sweep processes every pending lease once.
func (w *Workflow) Sweep(ctx context.Context) {
	leases, err := w.store.PendingLeases(ctx, w.now())
	if err != nil {
		w.logger.Error("termination sweep: list leases", "error", err)
		return
	}
	for i := range leases {
		if err := w.Process(ctx, leases[i].RunID); err != nil {
			w.logger.Warn("termination attempt failed", "run_id", leases[i].RunID, "error", err)
		}
	}
}

// Process attempts the full shutdown sequence for one run. A lease held by
// another live worker is a clean skip, not an error.
func (w *Workflow) Process(ctx context.Context, runID string) error {
	lease, err := w.store.AcquireLease(ctx, runID, w.owner, w.cfg.LeaseDuration, w.now())
	if errors.Is(err, store.ErrLeaseHeld) {
		w.logger.Debug("lease held elsewhere, skipping", "run_id", runID)
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		w.release(ctx, runID, lease, err)
		return err
	}

	if stepErr := w.executeSteps(ctx, run, lease); stepErr != nil {
		w.release(ctx, runID, lease, stepErr)
		return stepErr
	}

	if err := w.store.CompleteLease(ctx, runID, w.owner, domain.LeaseStatusTerminated, "", w.now()); err != nil {
		return err
	}
	w.logger.Info("run terminated", "run_id", runID, "attempts", lease.Attempts)
	return nil
}

// release gives the lease back after a failed step so another worker or a
// later retry can resume from the last completed step. Once the attempt
// budget is spent the lease goes to failed instead.
func (w *Workflow) release(ctx context.Context, runID string, lease *domain.TerminationLease, cause error) {
	now := w.now()
	if lease.Attempts+1 >= w.cfg.MaxAttempts {
		if err := w.store.CompleteLease(ctx, runID, w.owner, domain.LeaseStatusFailed, cause.Error(), now); err != nil {
			w.logger.Error("failed to mark lease failed", "run_id", runID, "error", err)
		}
		w.logger.Error("termination abandoned after max attempts",
			"run_id", runID, "attempts", lease.Attempts+1, "error", cause)
		return
	}
	if err := w.store.ReleaseLease(ctx, runID, w.owner, cause.Error(), now); err != nil {
		w.logger.Error("failed to release lease", "run_id", runID, "error", err)
	}
}

// executeSteps runs the sequence in order, skipping any step whose
// completion timestamp is already recorded on the lease.
func (w *Workflow) executeSteps(ctx context.Context, run *domain.Run, lease *domain.TerminationLease) error {
	if lease.ArtifactsUploadedAt == nil {
		if err := w.flusher.Flush(ctx, run); err != nil {
			return fmt.Errorf("flush artifacts: %w", err)
		}
		if err := w.store.MarkLeaseStep(ctx, run.RunID, w.owner, store.StepArtifactsUploaded, w.now()); err != nil {
			return err
		}
		w.logger.Info("artifacts flushed", "run_id", run.RunID)
	}

	// A resumed termination that already destroyed the node has no cost
	// report; the zero report is not final and routes billing through the
	// reconciliation worker.
	var report compute.CostReport
	if lease.PodTerminatedAt == nil {
		w.gracefulStop(ctx, run)
		var err error
		report, err = w.prov.Terminate(ctx, run.Node.ID)
		if err != nil {
			return fmt.Errorf("terminate node: %w", err)
		}
		if err := w.store.MarkLeaseStep(ctx, run.RunID, w.owner, store.StepPodTerminated, w.now()); err != nil {
			return err
		}
		w.logger.Info("node terminated", "run_id", run.RunID, "node_id", run.Node.ID, "cost_final", report.Final)
	}

	if run.HWBillingStatus == domain.HWBillingPending {
		if err := w.billing.Finalize(ctx, run.RunID, report); err != nil {
			return fmt.Errorf("finalize billing: %w", err)
		}
	}
	return nil
}

// gracefulStop asks the job inside the node to stop before the node is
// destroyed. Best-effort: the node may be unreachable or already dead.
func (w *Workflow) gracefulStop(ctx context.Context, run *domain.Run) {
	if w.tunnel == nil || run.NodeAddr == "" {
		return
	}
	result, err := w.tunnel.TerminateExecution(ctx, run.NodeAddr, run.RunID, w.cfg.TerminatePayload)
	if err != nil {
		w.logger.Warn("in-node terminate unreachable", "run_id", run.RunID, "error", err)
		return
	}
	w.logger.Debug("in-node terminate", "run_id", run.RunID, "result", result)
}
