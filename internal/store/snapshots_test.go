package store

import (
	"context"
	"testing"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

func TestSaveSnapshotFirstWriteAndReload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedRun(t, s, "r1", domain.RunStatusRunning)

	if _, err := s.GetSnapshot(ctx, "r1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before first save, got %v", err)
	}

	state := domain.NewRunState("r1")
	state.CurrentFocus = "ideation"
	state.OverallProgress = 0.25
	if err := s.SaveSnapshot(ctx, state, 0); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if state.Version != 1 {
		t.Fatalf("expected version 1 after first save, got %d", state.Version)
	}

	got, err := s.GetSnapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got.Version != 1 || got.CurrentFocus != "ideation" || got.OverallProgress != 0.25 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestSaveSnapshotDetectsConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedRun(t, s, "r1", domain.RunStatusRunning)

	first := domain.NewRunState("r1")
	if err := s.SaveSnapshot(ctx, first, 0); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	// Two loaders read version 1; the slower writer must lose.
	a, err := s.GetSnapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	b, err := s.GetSnapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}

	a.CurrentFocus = "coding"
	if err := s.SaveSnapshot(ctx, a, 1); err != nil {
		t.Fatalf("first writer should win: %v", err)
	}

	b.CurrentFocus = "writeup"
	if err := s.SaveSnapshot(ctx, b, 1); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict for stale writer, got %v", err)
	}

	got, _ := s.GetSnapshot(ctx, "r1")
	if got.Version != 2 || got.CurrentFocus != "coding" {
		t.Fatalf("conflict corrupted the snapshot: %+v", got)
	}
}

func TestSaveSnapshotConflictsOnDoubleFirstWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedRun(t, s, "r1", domain.RunStatusRunning)

	if err := s.SaveSnapshot(ctx, domain.NewRunState("r1"), 0); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := s.SaveSnapshot(ctx, domain.NewRunState("r1"), 0); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict on second first-write, got %v", err)
	}
}
