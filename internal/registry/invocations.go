package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kiln/internal/codec"
)

const invocationColumns = `id, daemon_id, session_id, args_cbor, work_dir, status, exit_code,
	error_message, started_at, finished_at, duration_ms`

// StartInvocation records a build that just began running.
func (s *Store) StartInvocation(ctx context.Context, inv Invocation) error {
	if inv.ID == "" {
		return errors.New("start invocation: id is required")
	}
	args := inv.Args
	if args == nil {
		args = []string{}
	}
	argsData, err := codec.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode invocation args: %w", err)
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now()
	}
	_, err = s.execWithRetry(ctx,
		`INSERT INTO invocations (id, daemon_id, session_id, args_cbor, work_dir, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.DaemonID,
		nullableString(inv.SessionID),
		argsData,
		inv.WorkDir,
		string(InvocationRunning),
		formatTime(inv.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("start invocation %s: %w", inv.ID, err)
	}
	return nil
}

// FinishInvocation records the final status of a build.
func (s *Store) FinishInvocation(ctx context.Context, id string, status InvocationStatus, exitCode int, message string, finishedAt time.Time) error {
	inv, err := s.Invocation(ctx, id)
	if err != nil {
		return err
	}
	if inv == nil {
		return fmt.Errorf("finish invocation %s: %w", id, ErrNotFound)
	}
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	duration := finishedAt.Sub(inv.StartedAt)
	if duration < 0 {
		duration = 0
	}
	_, err = s.execWithRetry(ctx,
		`UPDATE invocations SET status = ?, exit_code = ?, error_message = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(status), exitCode, nullableString(message), formatTime(finishedAt), duration.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("finish invocation %s: %w", id, err)
	}
	return nil
}

// Invocation returns one invocation, or nil when it does not exist.
func (s *Store) Invocation(ctx context.Context, id string) (*Invocation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inv, err
}

// History returns the most recent invocations, newest first. A limit of zero
// or less returns everything.
func (s *Store) History(ctx context.Context, limit int) ([]Invocation, error) {
	query := `SELECT ` + invocationColumns + ` FROM invocations ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var history []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, *inv)
	}
	return history, rows.Err()
}

// MarkInterrupted flags every running invocation of a daemon as interrupted.
func (s *Store) MarkInterrupted(ctx context.Context, daemonID string) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE invocations SET status = ?, finished_at = ?, error_message = COALESCE(error_message, ?)
		WHERE daemon_id = ? AND status = ?`,
		string(InvocationInterrupted), formatTime(time.Now()), "daemon stopped during build",
		daemonID, string(InvocationRunning))
	if err != nil {
		return 0, fmt.Errorf("mark invocations interrupted: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns the number of invocations per status.
func (s *Store) Stats(ctx context.Context) (map[InvocationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM invocations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("invocation stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[InvocationStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan invocation stats: %w", err)
		}
		stats[InvocationStatus(status)] = count
	}
	return stats, rows.Err()
}

func scanInvocation(scanner rowScanner) (*Invocation, error) {
	var (
		inv        Invocation
		sessionID  sql.NullString
		argsData   []byte
		status     string
		exitCode   sql.NullInt64
		message    sql.NullString
		startedAt  sql.NullString
		finishedAt sql.NullString
		durationMS sql.NullInt64
	)
	if err := scanner.Scan(
		&inv.ID,
		&inv.DaemonID,
		&sessionID,
		&argsData,
		&inv.WorkDir,
		&status,
		&exitCode,
		&message,
		&startedAt,
		&finishedAt,
		&durationMS,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan invocation: %w", err)
	}
	if err := codec.Unmarshal(argsData, &inv.Args); err != nil {
		return nil, fmt.Errorf("decode invocation %s args: %w", inv.ID, err)
	}
	inv.SessionID = sessionID.String
	inv.Status = InvocationStatus(status)
	inv.ExitCode = int(exitCode.Int64)
	inv.Error = message.String
	inv.StartedAt = parseTime(startedAt)
	inv.FinishedAt = parseTime(finishedAt)
	inv.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	return &inv, nil
}
