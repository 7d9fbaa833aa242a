package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

func TestPublishFrameAssignsSequentialSeqPerRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedRun(t, s, "r1", domain.RunStatusRunning)
	seedRun(t, s, "r2", domain.RunStatusRunning)
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		seq, err := s.PublishFrame(ctx, "r1", "delta", json.RawMessage(`{}`), now)
		if err != nil {
			t.Fatalf("PublishFrame failed: %v", err)
		}
		if seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}

	// A second run starts its own sequence.
	seq, err := s.PublishFrame(ctx, "r2", "delta", json.RawMessage(`{}`), now)
	if err != nil {
		t.Fatalf("PublishFrame failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected fresh sequence for r2, got %d", seq)
	}
}

func TestReadFramesFromOffset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedRun(t, s, "r1", domain.RunStatusRunning)
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		data := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		if _, err := s.PublishFrame(ctx, "r1", "delta", data, now); err != nil {
			t.Fatalf("PublishFrame failed: %v", err)
		}
	}

	frames, err := s.ReadFrames(ctx, "r1", 2, 10)
	if err != nil {
		t.Fatalf("ReadFrames failed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames after offset 2, got %d", len(frames))
	}
	if frames[0].Seq != 3 || frames[2].Seq != 5 {
		t.Fatalf("unexpected frame range: first=%d last=%d", frames[0].Seq, frames[2].Seq)
	}

	limited, err := s.ReadFrames(ctx, "r1", 0, 2)
	if err != nil {
		t.Fatalf("ReadFrames failed: %v", err)
	}
	if len(limited) != 2 || limited[0].Seq != 1 {
		t.Fatalf("limit not honored: %+v", limited)
	}

	empty, err := s.ReadFrames(ctx, "r1", 5, 10)
	if err != nil {
		t.Fatalf("ReadFrames failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no frames past the end, got %d", len(empty))
	}
}
