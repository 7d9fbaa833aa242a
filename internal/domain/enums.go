// Package domain defines the core domain models for research run supervision.
package domain

// RunStatus represents the status of a research run.
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusInitializing RunStatus = "initializing"
	RunStatusRunning      RunStatus = "running"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state. Terminal runs are
// retained, never deleted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// HWBillingStatus represents the state of hardware billing for a run.
type HWBillingStatus string

const (
	HWBillingPending          HWBillingStatus = "pending"
	HWBillingCharged          HWBillingStatus = "charged"
	HWBillingAwaitingData     HWBillingStatus = "awaiting_billing_data"
	HWBillingChargedEstimated HWBillingStatus = "charged_estimated"
)

// LeaseStatus represents the state of a termination lease.
type LeaseStatus string

const (
	LeaseStatusNone       LeaseStatus = "none"
	LeaseStatusRequested  LeaseStatus = "requested"
	LeaseStatusInProgress LeaseStatus = "in_progress"
	LeaseStatusTerminated LeaseStatus = "terminated"
	LeaseStatusFailed     LeaseStatus = "failed"
)

// RestartReason identifies why a remote node is being replaced.
type RestartReason string

const (
	RestartReasonHeartbeatTimeout RestartReason = "heartbeat_timeout"
	RestartReasonContainerDied    RestartReason = "container_died"
	RestartReasonGPUShortage      RestartReason = "gpu_shortage"
)

// StageStatus represents the status of a single research stage in the
// narrated read model.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)
