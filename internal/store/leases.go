package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

const leaseColumns = `run_id, status, lease_owner, lease_expires_at, attempts,
	last_error, artifacts_uploaded_at, pod_terminated_at, requested_at, updated_at`

// RequestTermination ensures a lease row exists in the requested state.
// Repeating the request is a no-op; a terminal lease stays terminal.
func (s *SQLiteStore) RequestTermination(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO termination_leases (run_id, status, requested_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING`,
		runID, domain.LeaseStatusRequested, at.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("request termination: %w", err)
	}
	return nil
}

// GetLease fetches the termination lease for a run.
func (s *SQLiteStore) GetLease(ctx context.Context, runID string) (*domain.TerminationLease, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM termination_leases WHERE run_id = ?`, runID)
	return scanLease(row)
}

// AcquireLease claims the lease for owner until now+ttl. The claim succeeds
// only when the lease is unowned, expired, or already held by the same owner
// (idempotent retries); otherwise ErrLeaseHeld. A terminal lease is never
// acquirable.
func (s *SQLiteStore) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration, now time.Time) (*domain.TerminationLease, error) {
	expires := now.Add(ttl).UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE termination_leases
		SET lease_owner = ?, lease_expires_at = ?, status = ?, updated_at = ?
		WHERE run_id = ?
		  AND status IN (?, ?)
		  AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		owner, expires, domain.LeaseStatusInProgress, now.UTC(),
		runID,
		domain.LeaseStatusRequested, domain.LeaseStatusInProgress,
		owner, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		lease, getErr := s.GetLease(ctx, runID)
		if getErr != nil {
			return nil, getErr
		}
		if lease.Status == domain.LeaseStatusRequested || lease.Status == domain.LeaseStatusInProgress {
			return nil, ErrLeaseHeld
		}
		return nil, fmt.Errorf("lease for %s is %s: %w", runID, lease.Status, ErrNotFound)
	}
	return s.GetLease(ctx, runID)
}

// ReleaseLease gives up a claim after a failed step: the attempt counter is
// bumped, the error recorded, and the lease returns to requested so another
// worker or a later retry can resume.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, runID, owner, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE termination_leases
		SET lease_owner = '', lease_expires_at = NULL, status = ?,
		    attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE run_id = ? AND lease_owner = ?`,
		domain.LeaseStatusRequested, lastError, now.UTC(), runID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// LeaseStep identifies one idempotent step of the termination sequence.
type LeaseStep string

const (
	StepArtifactsUploaded LeaseStep = "artifacts_uploaded_at"
	StepPodTerminated     LeaseStep = "pod_terminated_at"
)

// MarkLeaseStep records a step's completion timestamp so a resumed
// termination skips it.
func (s *SQLiteStore) MarkLeaseStep(ctx context.Context, runID, owner string, step LeaseStep, at time.Time) error {
	var column string
	switch step {
	case StepArtifactsUploaded, StepPodTerminated:
		column = string(step)
	default:
		return fmt.Errorf("unknown lease step %q", step)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE termination_leases SET `+column+` = ?, updated_at = ?
		 WHERE run_id = ? AND lease_owner = ?`,
		at.UTC(), at.UTC(), runID, owner)
	if err != nil {
		return fmt.Errorf("mark lease step %s: %w", step, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// CompleteLease finishes the workflow in the given terminal status.
func (s *SQLiteStore) CompleteLease(ctx context.Context, runID, owner string, status domain.LeaseStatus, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE termination_leases
		SET status = ?, lease_owner = '', lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE run_id = ? AND lease_owner = ?`,
		status, lastError, now.UTC(), runID, owner)
	if err != nil {
		return fmt.Errorf("complete lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// PendingLeases returns leases with work left: requested, or in progress
// with an expired claim (their worker crashed mid-sequence).
func (s *SQLiteStore) PendingLeases(ctx context.Context, now time.Time) ([]domain.TerminationLease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+leaseColumns+` FROM termination_leases
		WHERE status = ?
		   OR (status = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?))
		ORDER BY requested_at`,
		domain.LeaseStatusRequested, domain.LeaseStatusInProgress, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending leases: %w", err)
	}
	defer rows.Close()

	var leases []domain.TerminationLease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *lease)
	}
	return leases, rows.Err()
}

func scanLease(row rowScanner) (*domain.TerminationLease, error) {
	var (
		lease     domain.TerminationLease
		expires   sql.NullTime
		artifacts sql.NullTime
		podTerm   sql.NullTime
	)
	err := row.Scan(&lease.RunID, &lease.Status, &lease.LeaseOwner, &expires,
		&lease.Attempts, &lease.LastError, &artifacts, &podTerm,
		&lease.RequestedAt, &lease.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan lease: %w", err)
	}
	lease.LeaseExpiresAt = timePtr(expires)
	lease.ArtifactsUploadedAt = timePtr(artifacts)
	lease.PodTerminatedAt = timePtr(podTerm)
	return &lease, nil
}
