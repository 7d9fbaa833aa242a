package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/compute"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
)

// Config bounds the reconciliation retry loop.
type Config struct {
	PollInterval  time.Duration
	BaseInterval  time.Duration
	MaxInterval   time.Duration
	MaxRetryCount int
	// MaxElapsed caps how long after run completion we keep waiting for
	// authoritative cost data before charging the held estimate.
	MaxElapsed time.Duration
}

// Reconciler closes the gap when node termination returned incomplete
// billing data: it retries the authoritative cost fetch with exponential
// backoff and falls back to charging the held estimate once the retry
// budget or the elapsed-time bound is spent.
type Reconciler struct {
	store  *store.SQLiteStore
	prov   compute.Provisioner
	wallet Wallet
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler builds the billing reconciliation worker.
func NewReconciler(s *store.SQLiteStore, prov compute.Provisioner, wallet Wallet, cfg Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  s,
		prov:   prov,
		wallet: wallet,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run polls for runs awaiting billing data until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reconciles every eligible run once. Per-run failures are logged and
// do not stop the sweep.
func (r *Reconciler) Sweep(ctx context.Context) {
	runs, err := r.store.BillingCandidates(ctx)
	if err != nil {
		r.logger.Error("billing sweep: list candidates", "error", err)
		return
	}
	for i := range runs {
		if err := r.reconcile(ctx, &runs[i]); err != nil {
			r.logger.Warn("billing reconcile failed",
				"run_id", runs[i].RunID,
				"retry_count", runs[i].HWBillingRetryCount,
				"error", err)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, run *domain.Run) error {
	now := r.now()

	if r.exhausted(run, now) {
		return r.settleEstimate(ctx, run)
	}
	if !r.due(run, now) {
		return nil
	}

	// Bookkeeping happens regardless of the attempt's outcome so the
	// eligibility check self-throttles.
	if err := r.store.RecordBillingAttempt(ctx, run.RunID, now); err != nil {
		return err
	}

	report, err := r.prov.Cost(ctx, run.Node.ID)
	if err != nil {
		return fmt.Errorf("fetch cost: %w", err)
	}
	if !report.Final {
		r.logger.Debug("billing data still pending",
			"run_id", run.RunID, "retry_count", run.HWBillingRetryCount+1)
		return nil
	}
	return r.settleExact(ctx, run.RunID, report.AmountUSD)
}

func (r *Reconciler) exhausted(run *domain.Run, now time.Time) bool {
	if run.HWBillingRetryCount >= r.cfg.MaxRetryCount {
		return true
	}
	return run.CompletedAt != nil && now.Sub(*run.CompletedAt) > r.cfg.MaxElapsed
}

func (r *Reconciler) due(run *domain.Run, now time.Time) bool {
	if run.HWBillingLastRetryAt == nil {
		return true
	}
	interval := RetryInterval(r.cfg.BaseInterval, r.cfg.MaxInterval, run.HWBillingRetryCount)
	return !now.Before(run.HWBillingLastRetryAt.Add(interval))
}

func (r *Reconciler) settleExact(ctx context.Context, runID string, amountUSD float64) error {
	if err := r.wallet.ReleaseHold(ctx, runID); err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	if err := r.wallet.ChargeExact(ctx, runID, amountUSD); err != nil {
		return fmt.Errorf("charge exact: %w", err)
	}
	if err := r.store.SetBillingStatus(ctx, runID, domain.HWBillingCharged); err != nil {
		return err
	}
	r.logger.Info("hardware billing settled", "run_id", runID, "amount_usd", amountUSD)
	return nil
}

func (r *Reconciler) settleEstimate(ctx context.Context, run *domain.Run) error {
	if err := r.wallet.ChargeEstimate(ctx, run.RunID, run.CostHeldUSD); err != nil {
		return fmt.Errorf("charge estimate: %w", err)
	}
	if err := r.store.SetBillingStatus(ctx, run.RunID, domain.HWBillingChargedEstimated); err != nil {
		return err
	}
	r.logger.Warn("hardware billing settled from estimate",
		"run_id", run.RunID,
		"amount_usd", run.CostHeldUSD,
		"retry_count", run.HWBillingRetryCount)
	return nil
}

// Finalize settles billing at termination time. A final cost report charges
// immediately; an incomplete one parks the run for the reconciliation loop.
func (r *Reconciler) Finalize(ctx context.Context, runID string, report compute.CostReport) error {
	if report.Final {
		return r.settleExact(ctx, runID, report.AmountUSD)
	}
	if err := r.store.SetBillingStatus(ctx, runID, domain.HWBillingAwaitingData); err != nil {
		return err
	}
	r.logger.Info("billing data incomplete at termination, queued for reconciliation", "run_id", runID)
	return nil
}

// RetryInterval is min(base * 2^retryCount, max).
func RetryInterval(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	interval := base
	for i := 0; i < retryCount; i++ {
		interval *= 2
		if interval >= max || interval <= 0 {
			return max
		}
	}
	if interval > max {
		return max
	}
	return interval
}
