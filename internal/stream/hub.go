// Package stream fans a run's broadcast log out to live viewers.
package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
)

// Hub tracks live subscribers per run. A run's registry is created when its
// first viewer subscribes and destroyed when the last one leaves; nothing is
// kept for runs nobody is watching. Publication is durable in the broadcast
// log before it ever reaches the hub, so a hub with zero subscribers is
// simply a no-op, and viewers on other processes replay the same log there.
type Hub struct {
	store  *store.SQLiteStore
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]map[string]*Subscription
}

// Config tunes subscriber buffering.
type Config struct {
	// SubscriberBuffer bounds each viewer's frame queue. On overflow the
	// oldest frame is dropped and a warning logged; the viewer catches up
	// from the durable log on reconnect.
	SubscriberBuffer int
}

// Subscription is one viewer's handle on a run's stream.
type Subscription struct {
	id      string
	runID   string
	frames  chan domain.BroadcastFrame
	lastSeq int64
	mu      sync.Mutex
	hub     *Hub
	closed  bool

	// replaying stages live frames in pending instead of enqueueing them,
	// so a frame published mid-replay cannot advance lastSeq past durable
	// frames the replay has not delivered yet.
	replaying bool
	pending   []domain.BroadcastFrame
}

// NewHub builds the fan-out hub.
func NewHub(s *store.SQLiteStore, cfg Config, logger *slog.Logger) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 128
	}
	return &Hub{
		store:  s,
		cfg:    cfg,
		logger: logger,
		runs:   make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a viewer and replays every durable frame with
// seq > afterSeq before any live frame is delivered. afterSeq = 0 replays
// from the beginning; a reconnecting viewer passes its last-seen offset and
// loses nothing.
func (h *Hub) Subscribe(ctx context.Context, runID string, afterSeq int64) (*Subscription, error) {
	sub := &Subscription{
		id:        uuid.New().String(),
		runID:     runID,
		frames:    make(chan domain.BroadcastFrame, h.cfg.SubscriberBuffer),
		lastSeq:   afterSeq,
		hub:       h,
		replaying: true,
	}

	// Register before replaying so no frame published mid-replay is missed;
	// those land in sub.pending and merge in after the durable frames.
	h.mu.Lock()
	reg, ok := h.runs[runID]
	if !ok {
		reg = make(map[string]*Subscription)
		h.runs[runID] = reg
	}
	reg[sub.id] = sub
	h.mu.Unlock()

	const batch = 500
	cursor := afterSeq
	for {
		frames, err := h.store.ReadFrames(ctx, runID, cursor, batch)
		if err != nil {
			sub.Close()
			return nil, err
		}
		for _, f := range frames {
			sub.mu.Lock()
			sub.enqueue(f, h)
			sub.mu.Unlock()
			cursor = f.Seq
		}
		if len(frames) < batch {
			break
		}
	}
	sub.finishReplay(h)
	return sub, nil
}

// Publish delivers a durably appended frame to this process's live viewers.
// Implements narrator.FramePublisher.
func (h *Hub) Publish(frame domain.BroadcastFrame) {
	h.mu.Lock()
	reg := h.runs[frame.RunID]
	subs := make([]*Subscription, 0, len(reg))
	for _, s := range reg {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.deliver(frame, h)
	}
}

// Frames is the viewer's receive channel.
func (s *Subscription) Frames() <-chan domain.BroadcastFrame { return s.frames }

// Close unsubscribes the viewer. The run's registry is torn down with its
// last subscriber.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	if reg, ok := h.runs[s.runID]; ok {
		delete(reg, s.id)
		if len(reg) == 0 {
			delete(h.runs, s.runID)
		}
	}
	h.mu.Unlock()
}

// deliver routes a live frame: staged while the subscription is still
// replaying the durable log, enqueued directly afterwards.
func (s *Subscription) deliver(frame domain.BroadcastFrame, h *Hub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.replaying {
		s.pending = append(s.pending, frame)
		return
	}
	s.enqueue(frame, h)
}

// finishReplay merges frames published during replay into the queue in seq
// order, then switches the subscription to direct live delivery. The seq
// guard in enqueue discards the overlap with replayed frames.
func (s *Subscription) finishReplay(h *Hub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.Slice(s.pending, func(i, j int) bool { return s.pending[i].Seq < s.pending[j].Seq })
	for _, f := range s.pending {
		s.enqueue(f, h)
	}
	s.pending = nil
	s.replaying = false
}

// enqueue adds a frame to the viewer's queue, dropping the oldest queued
// frame on overflow rather than buffering without bound. Caller holds s.mu.
func (s *Subscription) enqueue(frame domain.BroadcastFrame, h *Hub) {
	if frame.Seq <= s.lastSeq {
		return
	}
	s.lastSeq = frame.Seq
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case dropped := <-s.frames:
			h.logger.Warn("viewer queue overflow, dropping oldest frame",
				"run_id", s.runID, "subscriber", s.id, "dropped_seq", dropped.Seq)
		default:
		}
	}
}
