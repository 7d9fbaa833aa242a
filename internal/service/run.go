package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/compute"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
)

// LaunchRequest describes a new research run.
type LaunchRequest struct {
	UserID      string          `json:"user_id"`
	GPUType     string          `json:"gpu_type"`
	ImageRef    string          `json:"image_ref"`
	Env         json.RawMessage `json:"env,omitempty"`
	Stages      []string        `json:"stages"`
	EstimateUSD float64         `json:"estimate_usd"`
}

// LaunchRun provisions a node and creates the run record. The launch
// payload is stored verbatim so a restart can re-provision from it.
func (s *Service) LaunchRun(ctx context.Context, req LaunchRequest) (*domain.Run, error) {
	if req.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	if len(req.Stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}

	runID := "run_" + uuid.New().String()[:8]
	spec := compute.LaunchSpec{
		NamePrefix: "ae-" + runID,
		GPUType:    req.GPUType,
		ImageRef:   req.ImageRef,
		Env:        req.Env,
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode launch payload: %w", err)
	}

	node, err := s.prov.Launch(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("provision node: %w", err)
	}

	now := time.Now().UTC()
	deadline := now.Add(s.cfg.Monitor.StartupGrace)
	run := &domain.Run{
		RunID:  runID,
		UserID: req.UserID,
		Status: domain.RunStatusInitializing,
		Node: domain.RemoteNode{
			ID:          node.ID,
			Name:        node.Name,
			GPUType:     node.GPUType,
			CostPerHour: node.CostPerHour,
		},
		LaunchPayload:   payload,
		StartDeadlineAt: &deadline,
		HWBillingStatus: domain.HWBillingPending,
		CostHeldUSD:     req.EstimateUSD,
		CreatedAt:       now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ev, err := domain.NewEvent(runID, "launch_"+uuid.New().String()[:8], now,
		domain.RunStartedPayload{Stages: req.Stages})
	if err == nil {
		err = s.narr.Submit(ctx, ev)
	}
	if err != nil {
		// Narration is observability; the run is already durable.
		s.logger.Warn("run_started event not published", "run_id", runID, "error", err)
	}

	s.logger.Info("run launched",
		"run_id", runID, "user_id", req.UserID, "node", node.Name, "gpu_type", node.GPUType)
	return run, nil
}

// Heartbeat records a liveness signal from the running job.
func (s *Service) Heartbeat(ctx context.Context, runID string) error {
	return s.store.RecordHeartbeat(ctx, runID, time.Now().UTC())
}

// GetRun fetches a run record.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// GetState returns the narrated snapshot, synthesizing the initial state
// for a run that has not been narrated yet.
func (s *Service) GetState(ctx context.Context, runID string) (*domain.ResearchRunState, error) {
	state, err := s.store.GetSnapshot(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		if _, runErr := s.store.GetRun(ctx, runID); runErr != nil {
			return nil, runErr
		}
		return domain.NewRunState(runID), nil
	}
	return state, err
}

// ListEvents returns a run's timeline in insertion order.
func (s *Service) ListEvents(ctx context.Context, runID string) ([]domain.TimelineEvent, error) {
	return s.store.ListEvents(ctx, runID)
}

// CancelRun moves a non-terminal run to cancelled and requests teardown.
// Cancelling a terminal run is a no-op.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		if err := s.store.MarkRunCancelled(ctx, runID, time.Now().UTC()); err != nil {
			return err
		}
		s.narrateFinish(ctx, runID, domain.RunStatusCancelled, "cancelled by user")
	}
	return s.term.Request(ctx, runID)
}

// CompleteRun moves a run to completed and requests teardown. Called when
// the job reports a clean finish.
func (s *Service) CompleteRun(ctx context.Context, runID string) error {
	if err := s.store.MarkRunCompleted(ctx, runID, time.Now().UTC()); err != nil {
		return err
	}
	s.narrateFinish(ctx, runID, domain.RunStatusCompleted, "")
	return s.term.Request(ctx, runID)
}

func (s *Service) narrateFinish(ctx context.Context, runID string, status domain.RunStatus, message string) {
	ev, err := domain.NewEvent(runID, "finish_"+uuid.New().String()[:8], time.Now().UTC(),
		domain.RunFinishedPayload{Status: string(status), Message: message})
	if err == nil {
		err = s.narr.Submit(ctx, ev)
	}
	if err != nil {
		s.logger.Warn("run_finished event not published", "run_id", runID, "error", err)
	}
}

// IngestEvent validates and enqueues a typed event from the running job.
// Resubmitting the same (run_id, event_id) is explicitly a no-op.
func (s *Service) IngestEvent(ctx context.Context, ev domain.TimelineEvent) error {
	if ev.RunID == "" || ev.EventID == "" {
		return errors.New("run_id and event_id are required")
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	if _, err := ev.DecodePayload(); err != nil {
		return err
	}
	return s.narr.Submit(ctx, ev)
}
