package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(":memory:", logger)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRun(t *testing.T, s *SQLiteStore, runID string, status domain.RunStatus) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Minute).UTC()
	run := &domain.Run{
		RunID:  runID,
		UserID: "u1",
		Status: status,
		Node: domain.RemoteNode{
			ID:          "pod-" + runID,
			Name:        "ae-" + runID + "-a1b2",
			GPUType:     "A100",
			CostPerHour: 2.5,
		},
		LaunchPayload:   []byte(`{"gpu_type":"A100","image_ref":"scientist:latest"}`),
		StartDeadlineAt: &deadline,
		HWBillingStatus: domain.HWBillingPending,
		CostHeldUSD:     60,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedRun(t, s, "r1", domain.RunStatusInitializing)

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.UserID != "u1" || got.Status != domain.RunStatusInitializing {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Node.GPUType != "A100" || got.Node.CostPerHour != 2.5 {
		t.Fatalf("node not persisted: %+v", got.Node)
	}
	if len(got.LaunchPayload) == 0 {
		t.Fatal("launch payload not persisted")
	}
	if got.StartDeadlineAt == nil {
		t.Fatal("start deadline not persisted")
	}

	if _, err := s.GetRun(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveRunsSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedRun(t, s, "r1", domain.RunStatusRunning)
	seedRun(t, s, "r2", domain.RunStatusInitializing)
	seedRun(t, s, "r3", domain.RunStatusRunning)
	if err := s.MarkRunCompleted(ctx, "r3", time.Now()); err != nil {
		t.Fatalf("MarkRunCompleted failed: %v", err)
	}

	runs, err := s.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 active runs, got %d", len(runs))
	}
}

func TestRecordHeartbeatPromotesAndResets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedRun(t, s, "r1", domain.RunStatusInitializing)
	if _, err := s.IncrementHeartbeatFailures(ctx, "r1"); err != nil {
		t.Fatalf("IncrementHeartbeatFailures failed: %v", err)
	}

	at := time.Now().UTC()
	if err := s.RecordHeartbeat(ctx, "r1", at); err != nil {
		t.Fatalf("RecordHeartbeat failed: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusRunning {
		t.Fatalf("expected first heartbeat to promote to running, got %s", got.Status)
	}
	if got.HeartbeatFailures != 0 {
		t.Fatalf("expected failure counter reset, got %d", got.HeartbeatFailures)
	}
	if got.LastHeartbeatAt == nil {
		t.Fatal("heartbeat timestamp not recorded")
	}
}

func TestIncrementHeartbeatFailuresReturnsUpdatedCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedRun(t, s, "r1", domain.RunStatusRunning)

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementHeartbeatFailures(ctx, "r1")
		if err != nil {
			t.Fatalf("IncrementHeartbeatFailures failed: %v", err)
		}
		if got != want {
			t.Fatalf("expected count %d, got %d", want, got)
		}
	}

	if _, err := s.IncrementHeartbeatFailures(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown run, got %v", err)
	}
}

func TestRecordHeartbeatRejectsTerminalRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedRun(t, s, "r1", domain.RunStatusRunning)
	if err := s.MarkRunFailed(ctx, "r1", "boom", time.Now()); err != nil {
		t.Fatalf("MarkRunFailed failed: %v", err)
	}

	if err := s.RecordHeartbeat(ctx, "r1", time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for terminal run, got %v", err)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedRun(t, s, "r1", domain.RunStatusRunning)
	if err := s.MarkRunCompleted(ctx, "r1", time.Now()); err != nil {
		t.Fatalf("MarkRunCompleted failed: %v", err)
	}
	if err := s.MarkRunFailed(ctx, "r1", "late failure", time.Now()); err != nil {
		t.Fatalf("MarkRunFailed failed: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusCompleted {
		t.Fatalf("completed run was overwritten to %s", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("error message set on completed run: %q", got.ErrorMessage)
	}
}

func TestApplyRestartSwapsNodeAndEnforcesBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedRun(t, s, "r1", domain.RunStatusRunning)
	if err := s.RecordHeartbeat(ctx, "r1", time.Now()); err != nil {
		t.Fatalf("RecordHeartbeat failed: %v", err)
	}

	replacement := domain.RemoteNode{ID: "pod-new", Name: "ae-r1-x9z8", GPUType: "A100", CostPerHour: 2.5}
	deadline := time.Now().Add(10 * time.Minute)

	applied, err := s.ApplyRestart(ctx, "r1", replacement, domain.RestartReasonHeartbeatTimeout, deadline, time.Now(), 2)
	if err != nil {
		t.Fatalf("ApplyRestart failed: %v", err)
	}
	if !applied {
		t.Fatal("expected restart to apply")
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Node.ID != "pod-new" {
		t.Fatalf("node not swapped: %+v", got.Node)
	}
	if got.Status != domain.RunStatusInitializing {
		t.Fatalf("expected initializing after restart, got %s", got.Status)
	}
	if got.LastHeartbeatAt != nil || got.HeartbeatFailures != 0 {
		t.Fatalf("heartbeat bookkeeping not reset: %+v", got)
	}
	if got.RestartCount != 1 || got.LastRestartReason != domain.RestartReasonHeartbeatTimeout {
		t.Fatalf("restart bookkeeping wrong: count=%d reason=%s", got.RestartCount, got.LastRestartReason)
	}

	// Second restart exhausts the budget of 2; the third must be refused.
	applied, err = s.ApplyRestart(ctx, "r1", replacement, domain.RestartReasonContainerDied, deadline, time.Now(), 2)
	if err != nil || !applied {
		t.Fatalf("second restart should apply: applied=%v err=%v", applied, err)
	}
	applied, err = s.ApplyRestart(ctx, "r1", replacement, domain.RestartReasonContainerDied, deadline, time.Now(), 2)
	if err != nil {
		t.Fatalf("ApplyRestart failed: %v", err)
	}
	if applied {
		t.Fatal("restart applied past the budget")
	}

	got, _ = s.GetRun(ctx, "r1")
	if got.RestartCount != 2 {
		t.Fatalf("budget overrun: restart_count=%d", got.RestartCount)
	}
}

func TestBillingCandidatesAndRetryBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedRun(t, s, "r1", domain.RunStatusCompleted)
	seedRun(t, s, "r2", domain.RunStatusCompleted)
	if err := s.SetBillingStatus(ctx, "r1", domain.HWBillingAwaitingData); err != nil {
		t.Fatalf("SetBillingStatus failed: %v", err)
	}

	candidates, err := s.BillingCandidates(ctx)
	if err != nil {
		t.Fatalf("BillingCandidates failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].RunID != "r1" {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}

	at := time.Now().UTC()
	if err := s.RecordBillingAttempt(ctx, "r1", at); err != nil {
		t.Fatalf("RecordBillingAttempt failed: %v", err)
	}
	got, _ := s.GetRun(ctx, "r1")
	if got.HWBillingRetryCount != 1 || got.HWBillingLastRetryAt == nil {
		t.Fatalf("retry bookkeeping wrong: %+v", got)
	}

	if err := s.SetBillingStatus(ctx, "r1", domain.HWBillingCharged); err != nil {
		t.Fatalf("SetBillingStatus failed: %v", err)
	}
	candidates, _ = s.BillingCandidates(ctx)
	if len(candidates) != 0 {
		t.Fatalf("charged run still a candidate: %+v", candidates)
	}
}
