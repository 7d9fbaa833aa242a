package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind represents the kind of a timeline event.
type EventKind string

const (
	EventRunStarted             EventKind = "run_started"
	EventRunFinished            EventKind = "run_finished"
	EventStageStarted           EventKind = "stage_started"
	EventStageCompleted         EventKind = "stage_completed"
	EventProgressUpdate         EventKind = "progress_update"
	EventNodeExecutionStarted   EventKind = "node_execution_started"
	EventNodeExecutionCompleted EventKind = "node_execution_completed"
	EventPaperGenerationStep    EventKind = "paper_generation_step"
	EventPodRestarted           EventKind = "pod_restarted"
)

// TimelineEvent is an immutable event in a run's append-only log, uniquely
// identified by (run_id, event_id). Duplicate inserts are no-ops, which makes
// publication safe to retry.
type TimelineEvent struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Kind    EventKind       `json:"kind"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventPayload is the tagged union of kind-specific event payloads.
type EventPayload interface {
	Kind() EventKind
}

// RunStartedPayload announces the run's stage plan.
type RunStartedPayload struct {
	Stages []string `json:"stages"`
}

// RunFinishedPayload carries the run's terminal status.
type RunFinishedPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StageStartedPayload marks a stage as active.
type StageStartedPayload struct {
	Stage string `json:"stage"`
}

// StageCompletedPayload marks a stage as done.
type StageCompletedPayload struct {
	Stage      string   `json:"stage"`
	BestMetric *float64 `json:"best_metric,omitempty"`
}

// ProgressUpdatePayload reports within-stage progress.
type ProgressUpdatePayload struct {
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// NodeExecutionStartedPayload records an experiment process starting on the node.
type NodeExecutionStartedPayload struct {
	ExecutionID string `json:"execution_id"`
	RunType     string `json:"run_type"`
}

// NodeExecutionCompletedPayload records an experiment process finishing.
type NodeExecutionCompletedPayload struct {
	ExecutionID string   `json:"execution_id"`
	RunType     string   `json:"run_type"`
	Metric      *float64 `json:"metric,omitempty"`
}

// PaperGenerationStepPayload narrates write-up progress.
type PaperGenerationStepPayload struct {
	Step string `json:"step"`
}

// PodRestartedPayload records a node replacement.
type PodRestartedPayload struct {
	Reason       RestartReason `json:"reason"`
	RestartCount int           `json:"restart_count"`
	NewPodName   string        `json:"new_pod_name"`
}

func (RunStartedPayload) Kind() EventKind             { return EventRunStarted }
func (RunFinishedPayload) Kind() EventKind            { return EventRunFinished }
func (StageStartedPayload) Kind() EventKind           { return EventStageStarted }
func (StageCompletedPayload) Kind() EventKind         { return EventStageCompleted }
func (ProgressUpdatePayload) Kind() EventKind         { return EventProgressUpdate }
func (NodeExecutionStartedPayload) Kind() EventKind   { return EventNodeExecutionStarted }
func (NodeExecutionCompletedPayload) Kind() EventKind { return EventNodeExecutionCompleted }
func (PaperGenerationStepPayload) Kind() EventKind    { return EventPaperGenerationStep }
func (PodRestartedPayload) Kind() EventKind           { return EventPodRestarted }

// DecodePayload unmarshals the raw payload into its kind-specific type.
// Unknown kinds are rejected so a new kind cannot silently pass through the
// reducer half-handled.
func (e *TimelineEvent) DecodePayload() (EventPayload, error) {
	var p EventPayload
	switch e.Kind {
	case EventRunStarted:
		p = &RunStartedPayload{}
	case EventRunFinished:
		p = &RunFinishedPayload{}
	case EventStageStarted:
		p = &StageStartedPayload{}
	case EventStageCompleted:
		p = &StageCompletedPayload{}
	case EventProgressUpdate:
		p = &ProgressUpdatePayload{}
	case EventNodeExecutionStarted:
		p = &NodeExecutionStartedPayload{}
	case EventNodeExecutionCompleted:
		p = &NodeExecutionCompletedPayload{}
	case EventPaperGenerationStep:
		p = &PaperGenerationStepPayload{}
	case EventPodRestarted:
		p = &PodRestartedPayload{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Kind, err)
		}
	}
	return deref(p), nil
}

// NewEvent builds a TimelineEvent from a typed payload.
func NewEvent(runID, eventID string, ts time.Time, payload EventPayload) (TimelineEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return TimelineEvent{}, fmt.Errorf("marshal %s payload: %w", payload.Kind(), err)
	}
	return TimelineEvent{
		EventID: eventID,
		RunID:   runID,
		Kind:    payload.Kind(),
		Ts:      ts,
		Payload: raw,
	}, nil
}

func deref(p EventPayload) EventPayload {
	switch v := p.(type) {
	case *RunStartedPayload:
		return *v
	case *RunFinishedPayload:
		return *v
	case *StageStartedPayload:
		return *v
	case *StageCompletedPayload:
		return *v
	case *ProgressUpdatePayload:
		return *v
	case *NodeExecutionStartedPayload:
		return *v
	case *NodeExecutionCompletedPayload:
		return *v
	case *PaperGenerationStepPayload:
		return *v
	case *PodRestartedPayload:
		return *v
	}
	return p
}
