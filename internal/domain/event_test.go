package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodePayloadRoundTrip(t *testing.T) {
	metric := 0.87
	payloads := []EventPayload{
		RunStartedPayload{Stages: []string{"ideation", "coding"}},
		RunFinishedPayload{Status: "completed", Message: "all stages done"},
		StageStartedPayload{Stage: "coding"},
		StageCompletedPayload{Stage: "coding", BestMetric: &metric},
		ProgressUpdatePayload{Stage: "coding", Progress: 0.4, Message: "training"},
		NodeExecutionStartedPayload{ExecutionID: "ex1", RunType: "experiment"},
		NodeExecutionCompletedPayload{ExecutionID: "ex1", RunType: "experiment", Metric: &metric},
		PaperGenerationStepPayload{Step: "citations"},
		PodRestartedPayload{Reason: RestartReasonContainerDied, RestartCount: 1, NewPodName: "ae-r1-x1"},
	}

	for _, p := range payloads {
		ev, err := NewEvent("r1", "e1", time.Now(), p)
		if err != nil {
			t.Fatalf("NewEvent(%s) failed: %v", p.Kind(), err)
		}
		if ev.Kind != p.Kind() {
			t.Fatalf("kind mismatch: %s vs %s", ev.Kind, p.Kind())
		}
		decoded, err := ev.DecodePayload()
		if err != nil {
			t.Fatalf("DecodePayload(%s) failed: %v", p.Kind(), err)
		}
		if decoded.Kind() != p.Kind() {
			t.Fatalf("decoded kind mismatch for %s: got %s", p.Kind(), decoded.Kind())
		}
	}
}

func TestDecodePayloadRejectsUnknownKind(t *testing.T) {
	ev := TimelineEvent{
		EventID: "e1",
		RunID:   "r1",
		Kind:    "telemetry_burst",
		Payload: json.RawMessage(`{}`),
	}
	if _, err := ev.DecodePayload(); err == nil {
		t.Fatal("expected error for unknown event kind")
	}
}

func TestDecodePayloadRejectsMalformedJSON(t *testing.T) {
	ev := TimelineEvent{
		EventID: "e1",
		RunID:   "r1",
		Kind:    EventProgressUpdate,
		Payload: json.RawMessage(`{"progress":`),
	}
	if _, err := ev.DecodePayload(); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
