package domain

import (
	"encoding/json"
	"time"
)

// TerminationLease is the per-run claim on running the shutdown sequence.
// At most one worker may hold a non-expired lease for a run; each completed
// step records its own timestamp so a resumed termination skips it.
type TerminationLease struct {
	RunID          string      `json:"run_id"`
	Status         LeaseStatus `json:"status"`
	LeaseOwner     string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	Attempts       int         `json:"attempts"`
	LastError      string      `json:"last_error,omitempty"`

	ArtifactsUploadedAt *time.Time `json:"artifacts_uploaded_at,omitempty"`
	PodTerminatedAt     *time.Time `json:"pod_terminated_at,omitempty"`

	RequestedAt time.Time `json:"requested_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HeldBy reports whether owner holds an unexpired claim at now.
func (l *TerminationLease) HeldBy(owner string, now time.Time) bool {
	return l.LeaseOwner == owner && l.LeaseExpiresAt != nil && l.LeaseExpiresAt.After(now)
}

// Expired reports whether any claim on the lease has lapsed at now.
func (l *TerminationLease) Expired(now time.Time) bool {
	return l.LeaseOwner == "" || l.LeaseExpiresAt == nil || !l.LeaseExpiresAt.After(now)
}

// BroadcastFrame is one entry in a run's durable broadcast log. Seq is
// assigned at append time and is strictly increasing per run; consumers
// track their own offsets and replay from any point.
type BroadcastFrame struct {
	RunID string          `json:"run_id"`
	Seq   int64           `json:"seq"`
	Kind  string          `json:"kind"`
	Data  json.RawMessage `json:"data"`
	Ts    time.Time       `json:"ts"`
}
