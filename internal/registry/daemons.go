package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"kiln/internal/codec"
	"kiln/internal/lifecycle"
	"kiln/internal/protocol"
)

const daemonColumns = `id, pid, socket_path, fingerprint, context_cbor, state, version,
	started_at, last_busy_at, updated_at, api_addr`

// Register inserts or replaces a daemon record.
func (s *Store) Register(ctx context.Context, d Daemon) error {
	if d.ID == "" {
		return errors.New("register daemon: id is required")
	}
	contextData, err := codec.Marshal(d.Context)
	if err != nil {
		return fmt.Errorf("encode daemon context: %w", err)
	}
	if d.Fingerprint == "" {
		d.Fingerprint = d.Context.Fingerprint()
	}
	now := time.Now().UTC()
	if d.StartedAt.IsZero() {
		d.StartedAt = now
	}
	if d.State == "" {
		d.State = lifecycle.StateIdle
	}
	_, err = s.execWithRetry(ctx,
		`INSERT OR REPLACE INTO daemons (`+daemonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.PID,
		d.SocketPath,
		d.Fingerprint,
		contextData,
		string(d.State),
		d.Version,
		formatTime(d.StartedAt),
		nullableTime(d.LastBusyAt),
		formatTime(now),
		d.APIAddr,
	)
	if err != nil {
		return fmt.Errorf("register daemon %s: %w", d.ID, err)
	}
	return nil
}

// UpdateState records the daemon's current lifecycle state.
func (s *Store) UpdateState(ctx context.Context, id string, state lifecycle.State) error {
	now := formatTime(time.Now())
	query := `UPDATE daemons SET state = ?, updated_at = ? WHERE id = ?`
	args := []any{string(state), now, id}
	if state == lifecycle.StateBusy {
		query = `UPDATE daemons SET state = ?, updated_at = ?, last_busy_at = ? WHERE id = ?`
		args = []any{string(state), now, now, id}
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update daemon %s state: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update daemon %s state: %w", id, ErrNotFound)
	}
	return nil
}

// SetAPIAddr records the address the daemon's HTTP API is bound to. An empty
// addr clears it.
func (s *Store) SetAPIAddr(ctx context.Context, id, addr string) error {
	res, err := s.execWithRetry(ctx, `UPDATE daemons SET api_addr = ?, updated_at = ? WHERE id = ?`,
		addr, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update daemon %s api address: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update daemon %s api address: %w", id, ErrNotFound)
	}
	return nil
}

// Remove deletes a daemon record. Removing a missing record is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM daemons WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove daemon %s: %w", id, err)
	}
	return nil
}

// Get returns the daemon with id, or nil when it is not registered.
func (s *Store) Get(ctx context.Context, id string) (*Daemon, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+daemonColumns+` FROM daemons WHERE id = ?`, id)
	d, err := scanDaemon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// List returns every registered daemon, newest first.
func (s *Store) List(ctx context.Context) ([]Daemon, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+daemonColumns+` FROM daemons ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list daemons: %w", err)
	}
	defer rows.Close()

	var daemons []Daemon
	for rows.Next() {
		d, err := scanDaemon(rows)
		if err != nil {
			return nil, err
		}
		daemons = append(daemons, *d)
	}
	return daemons, rows.Err()
}

// FindCompatible returns live daemons that can serve the requested context.
// Idle daemons come before busy ones; within a state exact fingerprint
// matches come first, then the newest daemon.
func (s *Store) FindCompatible(ctx context.Context, requested protocol.DaemonContext) ([]Daemon, error) {
	daemons, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	fingerprint := requested.Fingerprint()
	matches := make([]Daemon, 0, len(daemons))
	for _, d := range daemons {
		if d.State != lifecycle.StateIdle && d.State != lifecycle.StateBusy {
			continue
		}
		if ok, _ := d.Context.Compatible(requested); !ok {
			continue
		}
		matches = append(matches, d)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if (a.State == lifecycle.StateIdle) != (b.State == lifecycle.StateIdle) {
			return a.State == lifecycle.StateIdle
		}
		if (a.Fingerprint == fingerprint) != (b.Fingerprint == fingerprint) {
			return a.Fingerprint == fingerprint
		}
		return a.StartedAt.After(b.StartedAt)
	})
	return matches, nil
}

// PruneDead removes daemons whose process is gone, records a crash stop event
// for each, and marks their running invocations interrupted.
func (s *Store) PruneDead(ctx context.Context, alive func(pid int) bool) ([]Daemon, error) {
	daemons, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var pruned []Daemon
	for _, d := range daemons {
		if alive(d.PID) {
			continue
		}
		if err := s.AddStopEvent(ctx, StopEvent{
			DaemonID: d.ID,
			PID:      d.PID,
			Reason:   "daemon process disappeared",
			Status:   StopStatusCrashed,
		}); err != nil {
			return pruned, err
		}
		if _, err := s.MarkInterrupted(ctx, d.ID); err != nil {
			return pruned, err
		}
		if err := s.Remove(ctx, d.ID); err != nil {
			return pruned, err
		}
		pruned = append(pruned, d)
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDaemon(scanner rowScanner) (*Daemon, error) {
	var (
		d           Daemon
		contextData []byte
		state       string
		startedAt   sql.NullString
		lastBusyAt  sql.NullString
		updatedAt   sql.NullString
	)
	if err := scanner.Scan(
		&d.ID,
		&d.PID,
		&d.SocketPath,
		&d.Fingerprint,
		&contextData,
		&state,
		&d.Version,
		&startedAt,
		&lastBusyAt,
		&updatedAt,
		&d.APIAddr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan daemon: %w", err)
	}
	if err := codec.Unmarshal(contextData, &d.Context); err != nil {
		return nil, fmt.Errorf("decode daemon %s context: %w", d.ID, err)
	}
	d.State = lifecycle.State(state)
	d.StartedAt = parseTime(startedAt)
	d.LastBusyAt = parseTime(lastBusyAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}
