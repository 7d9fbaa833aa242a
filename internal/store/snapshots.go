package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

// GetSnapshot loads the narrated state snapshot for a run.
// Returns ErrNotFound when no snapshot has been persisted yet.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, runID string) (*domain.ResearchRunState, error) {
	var (
		version int64
		raw     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, state FROM run_snapshots WHERE run_id = ?`, runID).
		Scan(&version, &raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	var state domain.ResearchRunState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	state.RunID = runID
	state.Version = version
	return &state, nil
}

// SaveSnapshot persists a snapshot with optimistic concurrency. The caller
// passes the version it loaded; the row is written with version+1 only if
// nobody advanced it in between. A loss returns ErrVersionConflict and the
// caller reapplies its event against a freshly loaded snapshot, so the
// event is retried rather than dropped.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, state *domain.ResearchRunState, loadedVersion int64) error {
	next := loadedVersion + 1
	state.Version = next
	state.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if loadedVersion == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO run_snapshots (run_id, version, state, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (run_id) DO NOTHING`,
			state.RunID, next, string(raw), state.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		// Losing the conditional insert means a concurrent writer persisted
		// the first version already.
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrVersionConflict
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE run_snapshots SET version = ?, state = ?, updated_at = ?
		WHERE run_id = ? AND version = ?`,
		next, string(raw), state.UpdatedAt, state.RunID, loadedVersion)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}
