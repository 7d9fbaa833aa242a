package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

// AppendEvent inserts a timeline event. Insertion is structurally
// idempotent: a duplicate (run_id, event_id) is a no-op and reports
// inserted=false, so re-delivered events are safe to submit again.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *domain.TimelineEvent) (inserted bool, err error) {
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO timeline_events (run_id, event_id, kind, ts, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, event_id) DO NOTHING`,
		ev.RunID, ev.EventID, ev.Kind, ev.Ts.UTC(), payload)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEvents returns a run's events in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]domain.TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, kind, ts, payload
		FROM timeline_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		var (
			ev      domain.TimelineEvent
			payload *string
		)
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.Kind, &ev.Ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload != nil {
			ev.Payload = json.RawMessage(*payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
