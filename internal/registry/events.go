package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddStopEvent records why a daemon stopped.
func (s *Store) AddStopEvent(ctx context.Context, event StopEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if event.Status == "" {
		event.Status = StopStatusStopped
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO stop_events (daemon_id, pid, reason, status, at) VALUES (?, ?, ?, ?, ?)`,
		event.DaemonID, event.PID, event.Reason, event.Status, formatTime(event.At))
	if err != nil {
		return fmt.Errorf("record stop event for %s: %w", event.DaemonID, err)
	}
	return nil
}

// StopEvents returns stop events at or after since, newest first.
func (s *Store) StopEvents(ctx context.Context, since time.Time) ([]StopEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, daemon_id, pid, reason, status, at FROM stop_events
		WHERE at >= ? ORDER BY at DESC, id DESC`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list stop events: %w", err)
	}
	defer rows.Close()

	var events []StopEvent
	for rows.Next() {
		var (
			event StopEvent
			at    sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.DaemonID, &event.PID, &event.Reason, &event.Status, &at); err != nil {
			return nil, fmt.Errorf("scan stop event: %w", err)
		}
		event.At = parseTime(at)
		events = append(events, event)
	}
	return events, rows.Err()
}

// PruneStopEvents deletes stop events older than before.
func (s *Store) PruneStopEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM stop_events WHERE at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune stop events: %w", err)
	}
	return res.RowsAffected()
}
