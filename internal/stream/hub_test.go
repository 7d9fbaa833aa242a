package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
)

func newTestHub(t *testing.T, buffer int) (*Hub, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	seedRun(t, s, "r1")
	return NewHub(s, Config{SubscriberBuffer: buffer}, logger), s
}

func seedRun(t *testing.T, s *store.SQLiteStore, runID string) {
	t.Helper()
	run := &domain.Run{
		RunID:  runID,
		UserID: "u1",
		Status: domain.RunStatusRunning,
		Node: domain.RemoteNode{
			ID:          "pod-" + runID,
			Name:        "ae-" + runID + "-a1b2",
			GPUType:     "A100",
			CostPerHour: 2.5,
		},
		HWBillingStatus: domain.HWBillingPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
}

func publish(t *testing.T, s *store.SQLiteStore, h *Hub, runID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		data := json.RawMessage(`{}`)
		seq, err := s.PublishFrame(context.Background(), runID, "delta", data, time.Now().UTC())
		if err != nil {
			t.Fatalf("PublishFrame failed: %v", err)
		}
		h.Publish(domain.BroadcastFrame{RunID: runID, Seq: seq, Kind: "delta", Data: data})
	}
}

func collect(sub *Subscription, max int) []int64 {
	var seqs []int64
	for len(seqs) < max {
		select {
		case f := <-sub.Frames():
			seqs = append(seqs, f.Seq)
		case <-time.After(100 * time.Millisecond):
			return seqs
		}
	}
	return seqs
}

func TestSubscribeReplaysDurableLog(t *testing.T) {
	h, s := newTestHub(t, 16)
	publish(t, s, h, "r1", 3)

	sub, err := h.Subscribe(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	seqs := collect(sub, 3)
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Fatalf("replay wrong: %v", seqs)
	}
}

func TestSubscribeResumesFromOffset(t *testing.T) {
	h, s := newTestHub(t, 16)
	publish(t, s, h, "r1", 5)

	sub, err := h.Subscribe(context.Background(), "r1", 3)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	seqs := collect(sub, 5)
	if len(seqs) != 2 || seqs[0] != 4 || seqs[1] != 5 {
		t.Fatalf("offset resume wrong: %v", seqs)
	}
}

func TestLiveFramesFollowReplay(t *testing.T) {
	h, s := newTestHub(t, 16)
	publish(t, s, h, "r1", 2)

	sub, err := h.Subscribe(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()
	publish(t, s, h, "r1", 2)

	seqs := collect(sub, 4)
	if len(seqs) != 4 {
		t.Fatalf("expected 4 frames, got %v", seqs)
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("frames out of order: %v", seqs)
		}
	}
}

func TestPublishDeduplicatesAgainstReplay(t *testing.T) {
	h, s := newTestHub(t, 16)
	publish(t, s, h, "r1", 2)

	sub, err := h.Subscribe(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	// A frame the replay already delivered arrives again via Publish.
	h.Publish(domain.BroadcastFrame{RunID: "r1", Seq: 1, Kind: "delta", Data: json.RawMessage(`{}`)})

	seqs := collect(sub, 3)
	if len(seqs) != 2 {
		t.Fatalf("duplicate frame delivered: %v", seqs)
	}
}

func TestOverflowDropsOldestFrame(t *testing.T) {
	h, s := newTestHub(t, 2)

	sub, err := h.Subscribe(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	// Nobody reading: the 2-slot queue overflows and sheds from the front.
	publish(t, s, h, "r1", 4)

	seqs := collect(sub, 4)
	if len(seqs) != 2 || seqs[0] != 3 || seqs[1] != 4 {
		t.Fatalf("expected newest 2 frames, got %v", seqs)
	}
}

func TestCloseTearsDownRunRegistry(t *testing.T) {
	h, _ := newTestHub(t, 16)

	a, err := h.Subscribe(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	b, err := h.Subscribe(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	a.Close()
	h.mu.Lock()
	_, ok := h.runs["r1"]
	h.mu.Unlock()
	if !ok {
		t.Fatal("registry destroyed while a subscriber remains")
	}

	b.Close()
	h.mu.Lock()
	_, ok = h.runs["r1"]
	h.mu.Unlock()
	if ok {
		t.Fatal("registry kept after last subscriber left")
	}

	// Closing twice is harmless.
	b.Close()
}

func TestLivePublishDuringReplayLosesNothing(t *testing.T) {
	// A frame published between registration and the end of replay is
	// staged, so the replayed frames 1..3 must still come through first.
	for i := 0; i < 50; i++ {
		h, s := newTestHub(t, 16)
		publish(t, s, h, "r1", 3)

		errc := make(chan error, 1)
		go func() {
			data := json.RawMessage(`{}`)
			seq, err := s.PublishFrame(context.Background(), "r1", "delta", data, time.Now().UTC())
			if err == nil {
				h.Publish(domain.BroadcastFrame{RunID: "r1", Seq: seq, Kind: "delta", Data: data})
			}
			errc <- err
		}()

		sub, err := h.Subscribe(context.Background(), "r1", 0)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := <-errc; err != nil {
			t.Fatalf("PublishFrame failed: %v", err)
		}

		seqs := collect(sub, 4)
		sub.Close()
		if len(seqs) != 4 {
			t.Fatalf("iteration %d: got %v, want seqs 1..4", i, seqs)
		}
		for j, seq := range seqs {
			if seq != int64(j+1) {
				t.Fatalf("iteration %d: got %v, want seqs 1..4 in order", i, seqs)
			}
		}
	}
}
