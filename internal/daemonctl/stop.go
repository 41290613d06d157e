package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"kiln/internal/config"
	"kiln/internal/fileutil"
	"kiln/internal/ipc"
	"kiln/internal/lifecycle"
	"kiln/internal/protocol"
	"kiln/internal/registry"
)

// StopResult captures one daemon's stop outcome.
type StopResult struct {
	DaemonID         string
	PID              int
	StopAcknowledged bool
	ForcedKill       bool
	Message          string
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	Stopped []StopResult
	Start   StartResult
}

// StopAndTerminate asks the daemon to stop and force-kills it when it is still
// alive after grace.
func StopAndTerminate(ctx context.Context, cfg *config.Config, store *registry.Store, d registry.Daemon, grace time.Duration) (StopResult, error) {
	result := StopResult{DaemonID: d.ID, PID: d.PID}

	client, err := ipc.Dial(d.SocketPath)
	if err != nil {
		if !fileutil.ProcessAlive(d.PID) {
			_ = store.Remove(ctx, d.ID)
			return result, ErrDaemonNotRunning
		}
	} else {
		ack, stopErr := client.Stop()
		client.Close()
		if stopErr == nil {
			result.StopAcknowledged = ack.Accepted
			result.Message = ack.Message
		}
	}

	if waitForExit(ctx, store, d, grace) {
		return result, nil
	}

	pid, err := forceKill(cfg, d)
	if err != nil {
		return result, fmt.Errorf("failed to stop daemon %s: %w", d.ID, err)
	}
	result.ForcedKill = true
	result.PID = pid

	if err := store.AddStopEvent(ctx, registry.StopEvent{
		DaemonID: d.ID,
		PID:      pid,
		Reason:   "did not exit within stop grace period",
		Status:   registry.StopStatusKilled,
	}); err != nil {
		return result, err
	}
	if _, err := store.MarkInterrupted(ctx, d.ID); err != nil {
		return result, err
	}
	if err := store.Remove(ctx, d.ID); err != nil {
		return result, err
	}
	return result, nil
}

// waitForExit polls until the daemon's process is gone or it has removed its
// own registry record, or grace elapses.
func waitForExit(ctx context.Context, store *registry.Store, d registry.Daemon, grace time.Duration) bool {
	exited := func() bool {
		if !fileutil.ProcessAlive(d.PID) {
			return true
		}
		record, err := store.Get(ctx, d.ID)
		return err == nil && record == nil
	}
	if exited() {
		return true
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = grace
	err := backoff.Retry(func() error {
		if !exited() {
			return errors.New("daemon still running")
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	return err == nil
}

// forceKill sends SIGKILL to the daemon's process and removes the files it
// would have cleaned up itself.
func forceKill(cfg *config.Config, d registry.Daemon) (int, error) {
	pidPath := cfg.PIDPath(d.ID)
	pid, err := fileutil.ReadPIDFile(pidPath)
	if err != nil {
		pid = d.PID
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	if err := fileutil.TerminateProcess(pid, true); err != nil && fileutil.ProcessAlive(pid) {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	for _, path := range []string{pidPath, cfg.LockPath(d.ID), d.SocketPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return pid, fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return pid, nil
}

// StopAll stops every registered daemon.
func StopAll(ctx context.Context, cfg *config.Config, store *registry.Store, grace time.Duration) ([]StopResult, error) {
	daemons, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	var (
		results []StopResult
		errs    []error
	)
	for _, d := range daemons {
		result, err := StopAndTerminate(ctx, cfg, store, d, grace)
		if errors.Is(err, ErrDaemonNotRunning) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
	}
	if len(results) == 0 && len(errs) == 0 {
		return nil, ErrDaemonNotRunning
	}
	return results, errors.Join(errs...)
}

// StopWhenIdleAll asks every registered daemon to stop once its running
// build, if any, finishes. It does not wait for them to exit.
func StopWhenIdleAll(ctx context.Context, store *registry.Store) ([]StopResult, error) {
	if _, err := store.PruneDead(ctx, fileutil.ProcessAlive); err != nil {
		return nil, err
	}
	daemons, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	var results []StopResult
	for _, d := range daemons {
		client, err := ipc.Dial(d.SocketPath)
		if err != nil {
			continue
		}
		ack, err := client.StopWhenIdle()
		client.Close()
		if err != nil {
			continue
		}
		results = append(results, StopResult{
			DaemonID:         d.ID,
			PID:              d.PID,
			StopAcknowledged: ack.Accepted,
			Message:          ack.Message,
		})
	}
	if len(results) == 0 {
		return nil, ErrDaemonNotRunning
	}
	return results, nil
}

// Restart stops all daemons and launches a fresh one compatible with
// requested.
func Restart(ctx context.Context, cfg *config.Config, store *registry.Store, requested protocol.DaemonContext, opts ConnectOptions) (RestartResult, error) {
	stopped, err := StopAll(ctx, cfg, store, cfg.StopGrace())
	if err != nil && !errors.Is(err, ErrDaemonNotRunning) {
		return RestartResult{}, err
	}
	start, err := EnsureStarted(ctx, cfg, store, requested, opts)
	if err != nil {
		return RestartResult{Stopped: stopped}, err
	}
	return RestartResult{Stopped: stopped, Start: start}, nil
}

// liveState reports a daemon's lifecycle state from its status reply, or
// "unreachable".
func liveState(reply *protocol.StatusReply) string {
	if reply == nil {
		return "unreachable"
	}
	if reply.State == "" {
		return string(lifecycle.StateIdle)
	}
	return reply.State
}
