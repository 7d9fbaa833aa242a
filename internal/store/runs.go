package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

const runColumns = `run_id, user_id, status, pod_id, pod_name, gpu_type, cost_per_hour,
	node_addr, launch_payload, last_heartbeat_at, heartbeat_failures, restart_count,
	last_restart_at, last_restart_reason, start_deadline_at, hw_billing_status,
	hw_billing_retry_count, hw_billing_last_retry_at, cost_held_usd, error_message,
	created_at, completed_at`

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	var payload any
	if len(run.LaunchPayload) > 0 {
		payload = string(run.LaunchPayload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, user_id, status, pod_id, pod_name, gpu_type,
			cost_per_hour, node_addr, launch_payload, start_deadline_at,
			hw_billing_status, cost_held_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.UserID, run.Status, run.Node.ID, run.Node.Name,
		run.Node.GPUType, run.Node.CostPerHour, run.NodeAddr, payload,
		nullTime(run.StartDeadlineAt), run.HWBillingStatus, run.CostHeldUSD,
		run.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id. Returns ErrNotFound if it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// ListActiveRuns returns all runs in a non-terminal status, for the
// lifecycle monitor's poll loop.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE status IN (?, ?, ?) ORDER BY created_at`,
		domain.RunStatusPending, domain.RunStatusInitializing, domain.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RecordHeartbeat stores a fresh heartbeat and resets the failure counter.
// The first heartbeat of an initializing run also promotes it to running.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, runID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs
		SET last_heartbeat_at = ?, heartbeat_failures = 0,
		    status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE run_id = ? AND status IN (?, ?)`,
		at.UTC(), domain.RunStatusInitializing, domain.RunStatusRunning,
		runID, domain.RunStatusInitializing, domain.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementHeartbeatFailures bumps the failure counter and returns the new
// count. The single statement keeps the returned count accurate when another
// process increments or resets the counter at the same time.
func (s *SQLiteStore) IncrementHeartbeatFailures(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `UPDATE runs
		SET heartbeat_failures = heartbeat_failures + 1
		WHERE run_id = ?
		RETURNING heartbeat_failures`, runID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment heartbeat failures: %w", err)
	}
	return count, nil
}

// MarkRunFailed moves a run to failed with a human-readable message.
// A run already in a terminal status is left untouched.
func (s *SQLiteStore) MarkRunFailed(ctx context.Context, runID, message string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
		domain.RunStatusFailed, message, at.UTC(), runID,
		domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCancelled)
	if err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	return nil
}

// MarkRunCompleted moves a run to completed.
func (s *SQLiteStore) MarkRunCompleted(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs
		SET status = ?, completed_at = ?
		WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
		domain.RunStatusCompleted, at.UTC(), runID,
		domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCancelled)
	if err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	return nil
}

// MarkRunCancelled moves a run to cancelled.
func (s *SQLiteStore) MarkRunCancelled(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs
		SET status = ?, completed_at = ?
		WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
		domain.RunStatusCancelled, at.UTC(), runID,
		domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCancelled)
	if err != nil {
		return fmt.Errorf("mark run cancelled: %w", err)
	}
	return nil
}

// ApplyRestart atomically swaps in the replacement node: new identity, reset
// heartbeat bookkeeping, incremented restart count, fresh start deadline,
// status back to initializing. The restart_count guard enforces the budget
// at the row level; it reports false when the budget is already spent.
func (s *SQLiteStore) ApplyRestart(ctx context.Context, runID string, node domain.RemoteNode,
	reason domain.RestartReason, deadline, at time.Time, maxRestarts int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE runs
		SET pod_id = ?, pod_name = ?, gpu_type = ?, cost_per_hour = ?, node_addr = '',
		    last_heartbeat_at = NULL, heartbeat_failures = 0,
		    restart_count = restart_count + 1, last_restart_at = ?, last_restart_reason = ?,
		    start_deadline_at = ?, status = ?
		WHERE run_id = ? AND restart_count < ? AND status NOT IN (?, ?, ?)`,
		node.ID, node.Name, node.GPUType, node.CostPerHour,
		at.UTC(), reason, deadline.UTC(), domain.RunStatusInitializing,
		runID, maxRestarts,
		domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCancelled)
	if err != nil {
		return false, fmt.Errorf("apply restart: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetNodeAddr records the reachable address reported by a freshly
// provisioned node.
func (s *SQLiteStore) SetNodeAddr(ctx context.Context, runID, addr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET node_addr = ? WHERE run_id = ?`, addr, runID)
	if err != nil {
		return fmt.Errorf("set node addr: %w", err)
	}
	return nil
}

// BillingCandidates returns runs still waiting on authoritative cost data.
func (s *SQLiteStore) BillingCandidates(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE hw_billing_status = ?
		ORDER BY hw_billing_last_retry_at`, domain.HWBillingAwaitingData)
	if err != nil {
		return nil, fmt.Errorf("list billing candidates: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RecordBillingAttempt bumps the retry bookkeeping regardless of the
// attempt's outcome, so the eligibility query self-throttles.
func (s *SQLiteStore) RecordBillingAttempt(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs
		SET hw_billing_retry_count = hw_billing_retry_count + 1, hw_billing_last_retry_at = ?
		WHERE run_id = ?`, at.UTC(), runID)
	if err != nil {
		return fmt.Errorf("record billing attempt: %w", err)
	}
	return nil
}

// SetBillingStatus moves a run's hardware billing state.
func (s *SQLiteStore) SetBillingStatus(ctx context.Context, runID string, status domain.HWBillingStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET hw_billing_status = ? WHERE run_id = ?`, status, runID)
	if err != nil {
		return fmt.Errorf("set billing status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run           domain.Run
		launchPayload sql.NullString
		lastHeartbeat sql.NullTime
		lastRestart   sql.NullTime
		startDeadline sql.NullTime
		lastRetry     sql.NullTime
		completedAt   sql.NullTime
		reason        string
	)
	err := row.Scan(&run.RunID, &run.UserID, &run.Status, &run.Node.ID, &run.Node.Name,
		&run.Node.GPUType, &run.Node.CostPerHour, &run.NodeAddr, &launchPayload,
		&lastHeartbeat, &run.HeartbeatFailures, &run.RestartCount, &lastRestart,
		&reason, &startDeadline, &run.HWBillingStatus, &run.HWBillingRetryCount,
		&lastRetry, &run.CostHeldUSD, &run.ErrorMessage, &run.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if launchPayload.Valid {
		run.LaunchPayload = json.RawMessage(launchPayload.String)
	}
	run.LastHeartbeatAt = timePtr(lastHeartbeat)
	run.LastRestartAt = timePtr(lastRestart)
	run.StartDeadlineAt = timePtr(startDeadline)
	run.HWBillingLastRetryAt = timePtr(lastRetry)
	run.CompletedAt = timePtr(completedAt)
	run.LastRestartReason = domain.RestartReason(reason)
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]domain.Run, error) {
	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
