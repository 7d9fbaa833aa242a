package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
)

// FramePublisher receives each frame after it is durably appended to the
// broadcast log, so in-process viewers see it without polling. The stream
// hub implements this.
type FramePublisher interface {
	Publish(frame domain.BroadcastFrame)
}

// Config tunes the ingestion pipeline.
type Config struct {
	// QueueSize bounds each per-run queue; Submit blocks when it is full.
	QueueSize int
	// MaxCASRetries bounds how often one event is reapplied after losing
	// the snapshot compare-and-swap.
	MaxCASRetries int
	// ApplyTimeout bounds a single event application.
	ApplyTimeout time.Duration
}

// DeltaFrame is the payload of a "delta" broadcast frame.
type DeltaFrame struct {
	Version int64             `json:"version"`
	Delta   domain.StateDelta `json:"delta"`
}

// Narrator ingests timeline events: events for the same run are applied
// strictly in arrival order by one queue; events for different runs are
// processed fully in parallel. Queues exist only while a run has events in
// flight.
type Narrator struct {
	store  *store.SQLiteStore
	hub    FramePublisher
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*runQueue
	closed bool
	wg     sync.WaitGroup
}

type runQueue struct {
	ch chan domain.TimelineEvent
	// pending counts events accepted but not yet fully applied. The worker
	// only retires the queue when pending drops to zero, so a submitter
	// holding a queue reference can never lose its event to a teardown.
	pending int
}

// New builds a narrator. hub may be nil (no in-process viewers).
func New(s *store.SQLiteStore, hub FramePublisher, cfg Config, logger *slog.Logger) *Narrator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 5
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 30 * time.Second
	}
	return &Narrator{
		store:  s,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		queues: make(map[string]*runQueue),
	}
}

// Submit enqueues an event for its run's sequential queue, creating the
// queue and its worker on first use. It blocks only when the run's queue is
// full or the narrator is shutting down.
func (n *Narrator) Submit(ctx context.Context, ev domain.TimelineEvent) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errors.New("narrator is closed")
	}
	q, ok := n.queues[ev.RunID]
	if !ok {
		q = &runQueue{ch: make(chan domain.TimelineEvent, n.cfg.QueueSize)}
		n.queues[ev.RunID] = q
		n.wg.Add(1)
		go n.drain(ev.RunID, q)
	}
	q.pending++
	n.mu.Unlock()

	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		n.mu.Lock()
		q.pending--
		n.mu.Unlock()
		return ctx.Err()
	}
}

// Close stops accepting events and waits for all queues to drain.
func (n *Narrator) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Narrator) drain(runID string, q *runQueue) {
	defer n.wg.Done()
	for {
		select {
		case ev := <-q.ch:
			n.apply(ev)
			n.mu.Lock()
			q.pending--
			n.mu.Unlock()
		default:
			n.mu.Lock()
			if q.pending == 0 {
				delete(n.queues, runID)
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()
			// An accepted event is still on its way into the channel.
			// Wait briefly, then re-check; the submitter may also have
			// given up on a cancelled context.
			select {
			case ev := <-q.ch:
				n.apply(ev)
				n.mu.Lock()
				q.pending--
				n.mu.Unlock()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// apply runs one event through the full pipeline. Narration is
// observability, not the source of truth for run completion: failures are
// logged and the queue moves on.
func (n *Narrator) apply(ev domain.TimelineEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ApplyTimeout)
	defer cancel()
	if err := n.ingest(ctx, ev); err != nil {
		n.logger.Error("narration failed",
			"run_id", ev.RunID, "event_id", ev.EventID, "kind", ev.Kind, "error", err)
	}
}

func (n *Narrator) ingest(ctx context.Context, ev domain.TimelineEvent) error {
	inserted, err := n.store.AppendEvent(ctx, &ev)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if !inserted {
		// Redelivery. The first delivery already narrated it.
		n.logger.Debug("duplicate event ignored", "run_id", ev.RunID, "event_id", ev.EventID)
		return nil
	}

	payload, err := ev.DecodePayload()
	if err != nil {
		return err
	}

	for attempt := 0; attempt < n.cfg.MaxCASRetries; attempt++ {
		state, err := n.store.GetSnapshot(ctx, ev.RunID)
		if errors.Is(err, store.ErrNotFound) {
			state = domain.NewRunState(ev.RunID)
		} else if err != nil {
			return err
		}

		delta, err := Reduce(state, ev, payload)
		if err != nil {
			return err
		}

		loaded := state.Version
		state.Apply(delta)
		err = n.store.SaveSnapshot(ctx, state, loaded)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		return n.publish(ctx, ev.RunID, state.Version, delta)
	}
	return fmt.Errorf("gave up after %d snapshot version conflicts", n.cfg.MaxCASRetries)
}

func (n *Narrator) publish(ctx context.Context, runID string, version int64, delta domain.StateDelta) error {
	data, err := json.Marshal(DeltaFrame{Version: version, Delta: delta})
	if err != nil {
		return fmt.Errorf("encode delta frame: %w", err)
	}
	now := time.Now().UTC()
	seq, err := n.store.PublishFrame(ctx, runID, "delta", data, now)
	if err != nil {
		return fmt.Errorf("publish delta frame: %w", err)
	}
	if n.hub != nil {
		n.hub.Publish(domain.BroadcastFrame{
			RunID: runID,
			Seq:   seq,
			Kind:  "delta",
			Data:  data,
			Ts:    now,
		})
	}
	return nil
}
