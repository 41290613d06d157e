package daemonctl

import (
	"context"
	"errors"
	"time"

	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/fileutil"
	"kiln/internal/ipc"
	"kiln/internal/preflight"
	"kiln/internal/protocol"
	"kiln/internal/registry"
)

const recentStopWindow = 24 * time.Hour

// DaemonStatus is one registered daemon as seen from the client.
type DaemonStatus struct {
	ID          string                 `json:"id" yaml:"id"`
	PID         int                    `json:"pid" yaml:"pid"`
	State       string                 `json:"state" yaml:"state"`
	SocketPath  string                 `json:"socket_path" yaml:"socket_path"`
	Fingerprint string                 `json:"fingerprint" yaml:"fingerprint"`
	Compatible  bool                   `json:"compatible" yaml:"compatible"`
	Mismatch    string                 `json:"mismatch,omitempty" yaml:"mismatch,omitempty"`
	StartedAt   time.Time              `json:"started_at" yaml:"started_at"`
	Live        *protocol.StatusReply  `json:"live,omitempty" yaml:"live,omitempty"`
	Context     protocol.DaemonContext `json:"context" yaml:"context"`
}

// StopEvent is a recent daemon stop.
type StopEvent struct {
	DaemonID string    `json:"daemon_id" yaml:"daemon_id"`
	PID      int       `json:"pid" yaml:"pid"`
	Reason   string    `json:"reason" yaml:"reason"`
	Status   string    `json:"status" yaml:"status"`
	At       time.Time `json:"at" yaml:"at"`
}

// Snapshot is the combined view printed by "kiln status".
type Snapshot struct {
	Daemons    []DaemonStatus     `json:"daemons" yaml:"daemons"`
	StopEvents []StopEvent        `json:"stop_events" yaml:"stop_events"`
	History    map[string]int     `json:"history" yaml:"history"`
	Checks     []preflight.Result `json:"checks" yaml:"checks"`
}

// BuildStatusSnapshot collects registered daemons enriched with their live
// status, recent stop events, invocation totals and preflight results.
func BuildStatusSnapshot(ctx context.Context, cfg *config.Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	store, err := registry.Open(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := store.PruneDead(queryCtx, fileutil.ProcessAlive); err != nil {
		return nil, err
	}
	daemons, err := store.List(queryCtx)
	if err != nil {
		return nil, err
	}

	requested := daemon.ContextFromConfig(cfg)
	snapshot := &Snapshot{History: map[string]int{}}
	for _, d := range daemons {
		status := DaemonStatus{
			ID:          d.ID,
			PID:         d.PID,
			SocketPath:  d.SocketPath,
			Fingerprint: d.Fingerprint,
			StartedAt:   d.StartedAt,
			Context:     d.Context,
		}
		status.Compatible, status.Mismatch = d.Context.Compatible(requested)
		if client, err := ipc.Dial(d.SocketPath); err == nil {
			if reply, statusErr := client.Status(); statusErr == nil {
				status.Live = reply
			}
			client.Close()
		}
		status.State = liveState(status.Live)
		snapshot.Daemons = append(snapshot.Daemons, status)
	}

	events, err := store.StopEvents(queryCtx, time.Now().Add(-recentStopWindow))
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		snapshot.StopEvents = append(snapshot.StopEvents, StopEvent{
			DaemonID: evt.DaemonID,
			PID:      evt.PID,
			Reason:   evt.Reason,
			Status:   evt.Status,
			At:       evt.At,
		})
	}

	stats, err := store.Stats(queryCtx)
	if err != nil {
		return nil, err
	}
	for status, count := range stats {
		snapshot.History[string(status)] = count
	}

	snapshot.Checks = preflight.RunAll(ctx, cfg)
	return snapshot, nil
}
