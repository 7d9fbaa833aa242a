package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

// PublishFrame appends a frame to a run's broadcast log and returns its
// assigned sequence number. Publication is durable and succeeds whether or
// not any subscriber is connected; a viewer on another process streams the
// same frames out of this table.
func (s *SQLiteStore) PublishFrame(ctx context.Context, runID, kind string, data json.RawMessage, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM broadcast_frames WHERE run_id = ?`,
		runID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next frame seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO broadcast_frames (run_id, seq, kind, data, ts)
		VALUES (?, ?, ?, ?, ?)`,
		runID, seq, kind, string(data), at.UTC()); err != nil {
		return 0, fmt.Errorf("insert frame: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit publish: %w", err)
	}
	return seq, nil
}

// ReadFrames returns up to limit frames with seq > afterSeq, in order.
// afterSeq = 0 replays from the beginning.
func (s *SQLiteStore) ReadFrames(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.BroadcastFrame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, kind, data, ts FROM broadcast_frames
		WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}
	defer rows.Close()

	var frames []domain.BroadcastFrame
	for rows.Next() {
		var (
			f    domain.BroadcastFrame
			data string
		)
		if err := rows.Scan(&f.RunID, &f.Seq, &f.Kind, &data, &f.Ts); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.Data = json.RawMessage(data)
		frames = append(frames, f)
	}
	return frames, rows.Err()
}
