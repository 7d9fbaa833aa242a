// Package narrator turns the raw timeline event stream into the versioned
// ResearchRunState snapshot and broadcasts each change.
package narrator

import (
	"fmt"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

// Reduce is the pure state transition: given the current snapshot and one
// event, it returns the partial-change set to merge. It never mutates state
// and performs no I/O. Dispatch is exhaustive over the payload union; a new
// event kind that reaches here undecoded is an error, not a silent skip.
func Reduce(state *domain.ResearchRunState, ev domain.TimelineEvent, payload domain.EventPayload) (domain.StateDelta, error) {
	entry := func(message string) []domain.TimelineEntry {
		return []domain.TimelineEntry{{
			EventID: ev.EventID,
			Kind:    ev.Kind,
			Ts:      ev.Ts,
			Message: message,
		}}
	}

	switch p := payload.(type) {
	case domain.RunStartedPayload:
		stages := make([]domain.StageState, len(p.Stages))
		for i, name := range p.Stages {
			stages[i] = domain.StageState{Name: name, Status: domain.StagePending}
		}
		return domain.StateDelta{
			SetStages:       stages,
			OverallProgress: f64(0),
			CurrentFocus:    str("starting up"),
			AppendTimeline:  entry(fmt.Sprintf("research run started with %d stages", len(p.Stages))),
		}, nil

	case domain.RunFinishedPayload:
		delta := domain.StateDelta{
			CurrentFocus:   str("finished: " + p.Status),
			AppendTimeline: entry(finishMessage(p)),
		}
		if p.Status == string(domain.RunStatusCompleted) {
			delta.OverallProgress = f64(1)
		}
		return delta, nil

	case domain.StageStartedPayload:
		return domain.StateDelta{
			StageUpdates: []domain.StageState{{
				Name:   p.Stage,
				Status: domain.StageInProgress,
			}},
			CurrentFocus:   str(p.Stage),
			AppendTimeline: entry("stage started: " + p.Stage),
		}, nil

	case domain.StageCompletedPayload:
		delta := domain.StateDelta{
			StageUpdates: []domain.StageState{{
				Name:     p.Stage,
				Status:   domain.StageCompleted,
				Progress: 1,
			}},
			AppendTimeline: entry("stage completed: " + p.Stage),
		}
		delta.OverallProgress = f64(overallAfterCompleting(state, p.Stage))
		if p.BestMetric != nil && betterThan(state.BestMetric, *p.BestMetric) {
			delta.BestMetric = &domain.BestMetric{Value: *p.BestMetric, Stage: p.Stage}
		}
		return delta, nil

	case domain.ProgressUpdatePayload:
		delta := domain.StateDelta{
			StageUpdates: []domain.StageState{{
				Name:     p.Stage,
				Status:   domain.StageInProgress,
				Progress: clamp01(p.Progress),
			}},
		}
		if p.Message != "" {
			delta.CurrentFocus = str(p.Message)
			delta.AppendTimeline = entry(p.Message)
		}
		return delta, nil

	case domain.NodeExecutionStartedPayload:
		return domain.StateDelta{
			AddActiveNodes: []domain.ActiveNode{{
				ExecutionID: p.ExecutionID,
				RunType:     p.RunType,
				StartedAt:   ev.Ts,
			}},
			AppendTimeline: entry(fmt.Sprintf("execution %s (%s) started", p.ExecutionID, p.RunType)),
		}, nil

	case domain.NodeExecutionCompletedPayload:
		delta := domain.StateDelta{
			RemoveNodeKeys: []domain.NodeKey{{
				ExecutionID: p.ExecutionID,
				RunType:     p.RunType,
			}},
			AppendTimeline: entry(fmt.Sprintf("execution %s (%s) completed", p.ExecutionID, p.RunType)),
		}
		if p.Metric != nil && betterThan(state.BestMetric, *p.Metric) {
			delta.BestMetric = &domain.BestMetric{Value: *p.Metric, ExecutionID: p.ExecutionID}
		}
		return delta, nil

	case domain.PaperGenerationStepPayload:
		return domain.StateDelta{
			CurrentFocus:   str("writing paper: " + p.Step),
			AppendTimeline: entry("paper generation: " + p.Step),
		}, nil

	case domain.PodRestartedPayload:
		return domain.StateDelta{
			CurrentFocus:   str("compute node restarted"),
			AppendTimeline: entry(fmt.Sprintf("node replaced by %s (%s, attempt %d)", p.NewPodName, p.Reason, p.RestartCount)),
		}, nil
	}

	return domain.StateDelta{}, fmt.Errorf("reducer has no case for payload %T", payload)
}

// overallAfterCompleting is completed-stage-count / total-stage-count, with
// the stage being completed counted even before the update is merged.
func overallAfterCompleting(state *domain.ResearchRunState, completing string) float64 {
	if len(state.Stages) == 0 {
		return 0
	}
	completed := 0
	for _, st := range state.Stages {
		if st.Status == domain.StageCompleted || st.Name == completing {
			completed++
		}
	}
	return float64(completed) / float64(len(state.Stages))
}

func betterThan(current *domain.BestMetric, candidate float64) bool {
	return current == nil || candidate > current.Value
}

func finishMessage(p domain.RunFinishedPayload) string {
	if p.Message != "" {
		return fmt.Sprintf("run finished (%s): %s", p.Status, p.Message)
	}
	return "run finished: " + p.Status
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }
