package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/compute"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
)

type fakeProvisioner struct {
	report    compute.CostReport
	costErr   error
	costCalls int
}

func (f *fakeProvisioner) Launch(ctx context.Context, spec compute.LaunchSpec) (compute.Node, error) {
	return compute.Node{}, errors.New("not used")
}

func (f *fakeProvisioner) Get(ctx context.Context, nodeID string) (compute.NodeInfo, error) {
	return compute.NodeInfo{}, errors.New("not used")
}

func (f *fakeProvisioner) Terminate(ctx context.Context, nodeID string) (compute.CostReport, error) {
	return compute.CostReport{}, errors.New("not used")
}

func (f *fakeProvisioner) Cost(ctx context.Context, nodeID string) (compute.CostReport, error) {
	f.costCalls++
	return f.report, f.costErr
}

type fakeWallet struct {
	released  []string
	exact     map[string]float64
	estimated map[string]float64
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{exact: map[string]float64{}, estimated: map[string]float64{}}
}

func (w *fakeWallet) ReleaseHold(ctx context.Context, runID string) error {
	w.released = append(w.released, runID)
	return nil
}

func (w *fakeWallet) ChargeExact(ctx context.Context, runID string, amountUSD float64) error {
	w.exact[runID] = amountUSD
	return nil
}

func (w *fakeWallet) ChargeEstimate(ctx context.Context, runID string, amountUSD float64) error {
	w.estimated[runID] = amountUSD
	return nil
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.SQLiteStore, *fakeProvisioner, *fakeWallet) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	prov := &fakeProvisioner{}
	wallet := newFakeWallet()
	r := NewReconciler(s, prov, wallet, Config{
		PollInterval:  time.Minute,
		BaseInterval:  2 * time.Minute,
		MaxInterval:   time.Hour,
		MaxRetryCount: 10,
		MaxElapsed:    48 * time.Hour,
	}, logger)
	return r, s, prov, wallet
}

func seedAwaitingRun(t *testing.T, s *store.SQLiteStore, runID string, completedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	run := &domain.Run{
		RunID:           runID,
		UserID:          "u1",
		Status:          domain.RunStatusRunning,
		Node:            domain.RemoteNode{ID: "pod-" + runID, GPUType: "A100", CostPerHour: 2.5},
		HWBillingStatus: domain.HWBillingPending,
		CostHeldUSD:     60,
		CreatedAt:       completedAt.Add(-time.Hour),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.MarkRunCompleted(ctx, runID, completedAt); err != nil {
		t.Fatalf("MarkRunCompleted failed: %v", err)
	}
	if err := s.SetBillingStatus(ctx, runID, domain.HWBillingAwaitingData); err != nil {
		t.Fatalf("SetBillingStatus failed: %v", err)
	}
}

func TestRetryInterval(t *testing.T) {
	base, max := 2*time.Minute, time.Hour
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 2 * time.Minute},
		{1, 4 * time.Minute},
		{2, 8 * time.Minute},
		{4, 32 * time.Minute},
		{5, time.Hour},
		{50, time.Hour},
	}
	for _, tc := range cases {
		if got := RetryInterval(base, max, tc.retryCount); got != tc.want {
			t.Errorf("RetryInterval(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestSweepSettlesExactOnFinalReport(t *testing.T) {
	ctx := context.Background()
	r, s, prov, wallet := newTestReconciler(t)
	seedAwaitingRun(t, s, "r1", time.Now().Add(-time.Hour))
	prov.report = compute.CostReport{Final: true, AmountUSD: 42.5}

	r.Sweep(ctx)

	run, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.HWBillingStatus != domain.HWBillingCharged {
		t.Fatalf("expected charged, got %s", run.HWBillingStatus)
	}
	if len(wallet.released) != 1 || wallet.exact["r1"] != 42.5 {
		t.Fatalf("wallet not settled: released=%v exact=%v", wallet.released, wallet.exact)
	}
	if run.HWBillingRetryCount != 1 {
		t.Fatalf("attempt not recorded: %d", run.HWBillingRetryCount)
	}
}

func TestSweepKeepsWaitingOnNonFinalReport(t *testing.T) {
	ctx := context.Background()
	r, s, prov, wallet := newTestReconciler(t)
	seedAwaitingRun(t, s, "r1", time.Now().Add(-time.Hour))
	prov.report = compute.CostReport{Final: false}

	r.Sweep(ctx)

	run, _ := s.GetRun(ctx, "r1")
	if run.HWBillingStatus != domain.HWBillingAwaitingData {
		t.Fatalf("non-final report settled the run: %s", run.HWBillingStatus)
	}
	if len(wallet.exact) != 0 || len(wallet.estimated) != 0 {
		t.Fatal("wallet charged without final data")
	}
	if run.HWBillingRetryCount != 1 {
		t.Fatalf("attempt not recorded: %d", run.HWBillingRetryCount)
	}
}

func TestSweepBacksOffBetweenAttempts(t *testing.T) {
	ctx := context.Background()
	r, s, prov, _ := newTestReconciler(t)
	seedAwaitingRun(t, s, "r1", time.Now().Add(-time.Hour))
	prov.report = compute.CostReport{Final: false}

	r.Sweep(ctx)
	r.Sweep(ctx)

	// The second sweep lands inside the first retry interval.
	if prov.costCalls != 1 {
		t.Fatalf("expected 1 cost fetch, got %d", prov.costCalls)
	}

	// Once the interval has passed the next attempt goes through.
	r.now = func() time.Time { return time.Now().UTC().Add(5 * time.Minute) }
	r.Sweep(ctx)
	if prov.costCalls != 2 {
		t.Fatalf("expected 2 cost fetches after backoff, got %d", prov.costCalls)
	}
}

func TestSweepChargesEstimateAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	r, s, prov, wallet := newTestReconciler(t)
	r.cfg.MaxRetryCount = 2
	seedAwaitingRun(t, s, "r1", time.Now().Add(-time.Hour))
	prov.report = compute.CostReport{Final: false}

	for i := 0; i < 3; i++ {
		r.Sweep(ctx)
		r.now = func() time.Time { return time.Now().UTC().Add(time.Duration(i+1) * time.Hour) }
	}

	run, _ := s.GetRun(ctx, "r1")
	if run.HWBillingStatus != domain.HWBillingChargedEstimated {
		t.Fatalf("expected charged_estimated, got %s", run.HWBillingStatus)
	}
	if wallet.estimated["r1"] != 60 {
		t.Fatalf("estimate charge wrong: %v", wallet.estimated)
	}
	if len(wallet.released) != 0 {
		t.Fatal("hold released on estimate settlement")
	}
}

func TestSweepChargesEstimateAfterElapsedBound(t *testing.T) {
	ctx := context.Background()
	r, s, prov, wallet := newTestReconciler(t)
	seedAwaitingRun(t, s, "r1", time.Now().Add(-72*time.Hour))
	prov.report = compute.CostReport{Final: false}

	r.Sweep(ctx)

	run, _ := s.GetRun(ctx, "r1")
	if run.HWBillingStatus != domain.HWBillingChargedEstimated {
		t.Fatalf("expected charged_estimated past the elapsed bound, got %s", run.HWBillingStatus)
	}
	if wallet.estimated["r1"] != 60 {
		t.Fatalf("estimate charge wrong: %v", wallet.estimated)
	}
	if prov.costCalls != 0 {
		t.Fatal("cost fetched for an exhausted run")
	}
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	r, s, _, wallet := newTestReconciler(t)
	seedAwaitingRun(t, s, "r1", time.Now())
	seedAwaitingRun(t, s, "r2", time.Now())

	if err := r.Finalize(ctx, "r1", compute.CostReport{Final: true, AmountUSD: 12.75}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	run, _ := s.GetRun(ctx, "r1")
	if run.HWBillingStatus != domain.HWBillingCharged || wallet.exact["r1"] != 12.75 {
		t.Fatalf("final report not settled: %s %v", run.HWBillingStatus, wallet.exact)
	}

	if err := r.Finalize(ctx, "r2", compute.CostReport{}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	run, _ = s.GetRun(ctx, "r2")
	if run.HWBillingStatus != domain.HWBillingAwaitingData {
		t.Fatalf("incomplete report not parked: %s", run.HWBillingStatus)
	}
}
