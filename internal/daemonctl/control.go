package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"kiln/internal/config"
	"kiln/internal/fileutil"
	"kiln/internal/ipc"
	"kiln/internal/lifecycle"
	"kiln/internal/protocol"
	"kiln/internal/registry"
)

// DefaultStartTimeout bounds how long callers wait for a launched daemon's
// socket to accept connections.
const DefaultStartTimeout = 10 * time.Second

// ErrDaemonNotRunning indicates no daemon answered.
var ErrDaemonNotRunning = errors.New("daemon not running")

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	DaemonID   string
	LogLevel   string
}

// Launch starts a detached kiln daemon process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if id := strings.TrimSpace(opts.DaemonID); id != "" {
		args = append(args, "--id", id)
	}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	detach(proc)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient dials socketPath with exponential backoff until it accepts a
// connection or timeout elapses.
func WaitForClient(ctx context.Context, socketPath string, timeout time.Duration) (*ipc.Client, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = timeout

	var client *ipc.Client
	err := backoff.Retry(func() error {
		c, err := ipc.Dial(socketPath)
		if err != nil {
			return err
		}
		client = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("daemon failed to start: %w", err)
	}
	return client, nil
}

// ConnectOptions controls how Connect launches a daemon when none is usable.
type ConnectOptions struct {
	Executable   string
	Launch       LaunchOptions
	StartTimeout time.Duration
	// Exclude lists daemon ids to skip, e.g. one that just answered busy.
	Exclude []string
	// NoLaunch makes Connect fail instead of starting a new daemon.
	NoLaunch bool
}

// ConnectResult describes the daemon Connect chose.
type ConnectResult struct {
	DaemonID string
	Launched bool
}

// Connect returns a connection to an idle daemon compatible with requested,
// launching a new daemon when none is available. The returned client has not
// sent any command.
func Connect(ctx context.Context, cfg *config.Config, store *registry.Store, requested protocol.DaemonContext, opts ConnectOptions) (*ipc.Client, ConnectResult, error) {
	if cfg == nil || store == nil {
		return nil, ConnectResult{}, errors.New("connect requires config and registry store")
	}
	if _, err := store.PruneDead(ctx, fileutil.ProcessAlive); err != nil {
		return nil, ConnectResult{}, err
	}

	candidates, err := store.FindCompatible(ctx, requested)
	if err != nil {
		return nil, ConnectResult{}, err
	}
	for _, candidate := range candidates {
		if slices.Contains(opts.Exclude, candidate.ID) {
			continue
		}
		if !probeIdle(candidate.SocketPath) {
			continue
		}
		client, err := ipc.Dial(candidate.SocketPath)
		if err != nil {
			continue
		}
		return client, ConnectResult{DaemonID: candidate.ID}, nil
	}

	if opts.NoLaunch {
		return nil, ConnectResult{}, ErrDaemonNotRunning
	}
	id, client, err := launchAndWait(ctx, cfg, opts)
	if err != nil {
		return nil, ConnectResult{}, err
	}
	return client, ConnectResult{DaemonID: id, Launched: true}, nil
}

// probeIdle reports whether the daemon at socketPath answers status as idle.
// Daemons that decline or are mid-build are skipped.
func probeIdle(socketPath string) bool {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return false
	}
	defer client.Close()
	status, err := client.Status()
	if err != nil {
		return false
	}
	return status.State == string(lifecycle.StateIdle)
}

func launchAndWait(ctx context.Context, cfg *config.Config, opts ConnectOptions) (string, *ipc.Client, error) {
	exe := opts.Executable
	if exe == "" {
		resolved, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("resolve executable: %w", err)
		}
		exe = resolved
	}
	launch := opts.Launch
	if launch.DaemonID == "" {
		launch.DaemonID = uuid.NewString()
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	if err := Launch(exe, launch); err != nil {
		return "", nil, err
	}
	client, err := WaitForClient(ctx, cfg.SocketPath(launch.DaemonID), timeout)
	if err != nil {
		return "", nil, err
	}
	return launch.DaemonID, client, nil
}

// StartState reports what EnsureStarted did.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	DaemonID string
}

// EnsureStarted makes sure a daemon compatible with requested is running,
// launching one when none is.
func EnsureStarted(ctx context.Context, cfg *config.Config, store *registry.Store, requested protocol.DaemonContext, opts ConnectOptions) (StartResult, error) {
	if _, err := store.PruneDead(ctx, fileutil.ProcessAlive); err != nil {
		return StartResult{}, err
	}
	candidates, err := store.FindCompatible(ctx, requested)
	if err != nil {
		return StartResult{}, err
	}
	for _, candidate := range candidates {
		client, err := ipc.Dial(candidate.SocketPath)
		if err != nil {
			continue
		}
		_, statusErr := client.Status()
		client.Close()
		if statusErr == nil {
			return StartResult{State: StartStateAlreadyRunning, DaemonID: candidate.ID}, nil
		}
	}

	id, client, err := launchAndWait(ctx, cfg, opts)
	if err != nil {
		return StartResult{}, err
	}
	client.Close()
	return StartResult{State: StartStateStarted, DaemonID: id}, nil
}
