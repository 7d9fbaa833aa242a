package domain

import "time"

// StageState is one entry in the narrated stage list.
type StageState struct {
	Name     string      `json:"name"`
	Status   StageStatus `json:"status"`
	Progress float64     `json:"progress"`
}

// ActiveNode is one in-flight experiment process on the remote node,
// keyed by (execution_id, run_type).
type ActiveNode struct {
	ExecutionID string    `json:"execution_id"`
	RunType     string    `json:"run_type"`
	StartedAt   time.Time `json:"started_at"`
}

// BestMetric points at the best result seen so far.
type BestMetric struct {
	Value       float64 `json:"value"`
	Stage       string  `json:"stage,omitempty"`
	ExecutionID string  `json:"execution_id,omitempty"`
}

// TimelineEntry is a human-readable line in the narrated timeline.
type TimelineEntry struct {
	EventID string    `json:"event_id"`
	Kind    EventKind `json:"kind"`
	Ts      time.Time `json:"ts"`
	Message string    `json:"message"`
}

// ResearchRunState is the denormalized read model for one run. It is owned
// exclusively by the narrator; every other component appends events instead
// of mutating it. Version increments on every successful update and backs
// the snapshot store's compare-and-swap.
type ResearchRunState struct {
	RunID           string          `json:"run_id"`
	Version         int64           `json:"version"`
	Stages          []StageState    `json:"stages"`
	ActiveNodes     []ActiveNode    `json:"active_nodes"`
	OverallProgress float64         `json:"overall_progress"`
	CurrentFocus    string          `json:"current_focus,omitempty"`
	BestMetric      *BestMetric     `json:"best_metric,omitempty"`
	Timeline        []TimelineEntry `json:"timeline"`
	CostAccruedUSD  float64         `json:"cost_accrued_usd"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewRunState synthesizes the initial snapshot for a run that has no
// persisted state yet.
func NewRunState(runID string) *ResearchRunState {
	return &ResearchRunState{
		RunID:       runID,
		Version:     0,
		Stages:      []StageState{},
		ActiveNodes: []ActiveNode{},
		Timeline:    []TimelineEntry{},
	}
}

// StateDelta is the partial-change set the reducer returns. Nil pointer
// fields mean "unchanged"; slices are merged, not replaced.
type StateDelta struct {
	SetStages       []StageState    `json:"set_stages,omitempty"`
	StageUpdates    []StageState    `json:"stage_updates,omitempty"`
	AddActiveNodes  []ActiveNode    `json:"add_active_nodes,omitempty"`
	RemoveNodeKeys  []NodeKey       `json:"remove_node_keys,omitempty"`
	OverallProgress *float64        `json:"overall_progress,omitempty"`
	CurrentFocus    *string         `json:"current_focus,omitempty"`
	BestMetric      *BestMetric     `json:"best_metric,omitempty"`
	AppendTimeline  []TimelineEntry `json:"append_timeline,omitempty"`
	CostAccruedUSD  *float64        `json:"cost_accrued_usd,omitempty"`
}

// NodeKey identifies an ActiveNode for removal.
type NodeKey struct {
	ExecutionID string `json:"execution_id"`
	RunType     string `json:"run_type"`
}

// Empty reports whether the delta carries no change at all.
func (d StateDelta) Empty() bool {
	return d.SetStages == nil && d.StageUpdates == nil && d.AddActiveNodes == nil &&
		d.RemoveNodeKeys == nil && d.OverallProgress == nil && d.CurrentFocus == nil &&
		d.BestMetric == nil && d.AppendTimeline == nil && d.CostAccruedUSD == nil
}

// Apply merges a delta into the state. It does not touch Version; the
// snapshot store advances that on successful persist.
func (s *ResearchRunState) Apply(d StateDelta) {
	if d.SetStages != nil {
		s.Stages = append([]StageState{}, d.SetStages...)
	}
	for _, u := range d.StageUpdates {
		found := false
		for i := range s.Stages {
			if s.Stages[i].Name == u.Name {
				s.Stages[i] = u
				found = true
				break
			}
		}
		if !found {
			s.Stages = append(s.Stages, u)
		}
	}
	s.ActiveNodes = append(s.ActiveNodes, d.AddActiveNodes...)
	for _, k := range d.RemoveNodeKeys {
		kept := s.ActiveNodes[:0]
		for _, n := range s.ActiveNodes {
			if n.ExecutionID == k.ExecutionID && n.RunType == k.RunType {
				continue
			}
			kept = append(kept, n)
		}
		s.ActiveNodes = kept
	}
	if d.OverallProgress != nil {
		s.OverallProgress = *d.OverallProgress
	}
	if d.CurrentFocus != nil {
		s.CurrentFocus = *d.CurrentFocus
	}
	if d.BestMetric != nil {
		s.BestMetric = d.BestMetric
	}
	s.Timeline = append(s.Timeline, d.AppendTimeline...)
	if d.CostAccruedUSD != nil {
		s.CostAccruedUSD = *d.CostAccruedUSD
	}
}

// Stage returns the named stage, or nil.
func (s *ResearchRunState) Stage(name string) *StageState {
	for i := range s.Stages {
		if s.Stages[i].Name == name {
			return &s.Stages[i]
		}
	}
	return nil
}
