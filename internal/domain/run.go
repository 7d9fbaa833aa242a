package domain

import (
	"encoding/json"
	"time"
)

// RemoteNode is the identity of the provisioned compute node a run executes on.
type RemoteNode struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	GPUType     string  `json:"gpu_type"`
	CostPerHour float64 `json:"cost_per_hour"`
}

// Run represents a single execution of a remote research job from launch to
// terminal state. The row is mutated by the lifecycle monitor, the restart
// coordinator, and the termination workflow; it is never deleted.
type Run struct {
	RunID  string    `json:"run_id"`
	UserID string    `json:"user_id"`
	Status RunStatus `json:"status"`

	Node     RemoteNode `json:"node"`
	NodeAddr string     `json:"node_addr,omitempty"`

	// LaunchPayload is the provisioning request the run was launched with,
	// kept so a restart can re-provision an equivalent node.
	LaunchPayload json.RawMessage `json:"launch_payload,omitempty"`

	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty"`
	HeartbeatFailures int        `json:"heartbeat_failures"`

	RestartCount      int           `json:"restart_count"`
	LastRestartAt     *time.Time    `json:"last_restart_at,omitempty"`
	LastRestartReason RestartReason `json:"last_restart_reason,omitempty"`

	StartDeadlineAt *time.Time `json:"start_deadline_at,omitempty"`

	HWBillingStatus      HWBillingStatus `json:"hw_billing_status"`
	HWBillingRetryCount  int             `json:"hw_billing_retry_count"`
	HWBillingLastRetryAt *time.Time      `json:"hw_billing_last_retry_at,omitempty"`
	// CostHeldUSD is the estimate held against the user's wallet at launch.
	CostHeldUSD float64 `json:"cost_held_usd"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
