package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"kiln/internal/config"
	"kiln/internal/dispatch"
	"kiln/internal/execute"
	"kiln/internal/ipc"
	"kiln/internal/lifecycle"
	"kiln/internal/logging"
	"kiln/internal/metrics"
	"kiln/internal/protocol"
	"kiln/internal/registry"
	"kiln/internal/session"
	"kiln/internal/version"
)

const registryTimeout = 5 * time.Second

var allStates = []string{
	string(lifecycle.StateIdle),
	string(lifecycle.StateBusy),
	string(lifecycle.StateCanceled),
	string(lifecycle.StateStopRequested),
	string(lifecycle.StateStopped),
	string(lifecycle.StateBroken),
}

// Deps supplies the daemon's collaborators. Store is required; the rest have
// defaults.
type Deps struct {
	ID         string
	Store      *registry.Store
	Logger     *slog.Logger
	LogStream  *logging.StreamHub
	LogArchive *logging.EventArchive
	Executor   dispatch.Executor
	Clock      clock.Clock
}

// Daemon serves builds for one daemon context and enforces single-instance
// execution per daemon id.
type Daemon struct {
	cfg        *config.Config
	id         string
	context    protocol.DaemonContext
	logger     *slog.Logger
	store      *registry.Store
	executor   dispatch.Executor
	clock      clock.Clock
	metrics    *metrics.Metrics
	logStream  *logging.StreamHub
	logArchive *logging.EventArchive

	lockPath string
	lock     *flock.Flock

	lifecycle  *lifecycle.Controller
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	server     *ipc.Server
	api        *apiServer
	startedAt  time.Time

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                 `json:"running"`
	Daemon       protocol.StatusReply `json:"daemon"`
	SocketPath   string               `json:"socket_path"`
	LockFilePath string               `json:"lock_file_path"`
	RegistryPath string               `json:"registry_path"`
	APIAddr      string               `json:"api_addr,omitempty"`
}

// ContextFromConfig describes the daemon a configuration asks for.
func ContextFromConfig(cfg *config.Config) protocol.DaemonContext {
	props := make(map[string]string, len(cfg.Daemon.Properties))
	for key, value := range cfg.Daemon.Properties {
		props[key] = value
	}
	if len(props) == 0 {
		props = nil
	}
	return protocol.DaemonContext{
		BuildProgram: cfg.Build.Program,
		Platform:     version.Platform(),
		Version:      version.Version,
		Properties:   props,
	}
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	if cfg == nil || deps.Store == nil {
		return nil, errors.New("daemon requires config and registry store")
	}
	id := deps.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(logging.String(logging.FieldDaemonID, id))
	executor := deps.Executor
	if executor == nil {
		executor = execute.NewRunner(cfg, logger)
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	lockPath := cfg.LockPath(id)
	return &Daemon{
		cfg:        cfg,
		id:         id,
		context:    ContextFromConfig(cfg),
		logger:     logger,
		store:      deps.Store,
		executor:   executor,
		clock:      clk,
		metrics:    metrics.New(),
		logStream:  deps.LogStream,
		logArchive: deps.LogArchive,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
		done:       make(chan struct{}),
	}, nil
}

// ID returns the daemon id.
func (d *Daemon) ID() string { return d.id }

// SocketPath returns the daemon's unix socket path.
func (d *Daemon) SocketPath() string { return d.cfg.SocketPath(d.id) }

// Context returns the daemon context clients must be compatible with.
func (d *Daemon) Context() protocol.DaemonContext { return d.context }

// LogStream returns the in-memory log hub, if any.
func (d *Daemon) LogStream() *logging.StreamHub { return d.logStream }

// LogArchive returns the on-disk log archive, if any.
func (d *Daemon) LogArchive() *logging.EventArchive { return d.logArchive }

// Done is closed once the daemon has fully shut down.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Start acquires the daemon lock, registers the daemon and begins serving.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	select {
	case <-d.done:
		return errors.New("daemon already stopped")
	default:
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another kiln daemon already serves id %s", d.id)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.startedAt = time.Now()
	d.lifecycle = lifecycle.New(lifecycle.Options{
		IdleTimeout:    d.cfg.IdleTimeout(),
		HealthInterval: d.cfg.HealthInterval(),
		CancelTimeout:  d.cfg.CancelTimeout(),
		HeapLimit:      d.cfg.HeapLimitBytes(),
		Clock:          d.clock,
		Logger:         d.logger,
	})
	d.sessions = session.NewRegistry(d.cfg.Daemon.MaxSessions, d.logger)
	d.dispatcher = dispatch.New(dispatch.Deps{
		DaemonID:          d.id,
		Context:           d.context,
		StartedAt:         d.startedAt,
		IdleTimeout:       d.cfg.IdleTimeout(),
		SingleUse:         d.cfg.Daemon.SingleUse,
		CompressThreshold: d.cfg.Build.CompressThreshold,
		Lifecycle:         d.lifecycle,
		Sessions:          d.sessions,
		Executor:          d.executor,
		History:           d.store,
		Metrics:           d.metrics,
		Logger:            d.logger,
	})

	server, err := ipc.NewServer(d.ctx, d.SocketPath(), d.dispatcher, d.logger,
		ipc.WithRateLimit(d.cfg.Limits.ConnectionsPerSecond, d.cfg.Limits.ConnectionBurst),
		ipc.WithRejectHook(d.metrics.ConnectionRejected))
	if err != nil {
		d.abortStart()
		return err
	}
	d.server = server

	regCtx, cancel := context.WithTimeout(d.ctx, registryTimeout)
	err = d.store.Register(regCtx, registry.Daemon{
		ID:         d.id,
		PID:        os.Getpid(),
		SocketPath: d.SocketPath(),
		Context:    d.context,
		State:      lifecycle.StateIdle,
		Version:    version.Version,
		StartedAt:  d.startedAt,
	})
	cancel()
	if err != nil {
		d.server.Close()
		d.abortStart()
		return fmt.Errorf("register daemon: %w", err)
	}

	d.api, err = newAPIServer(d.cfg, d, d.logger)
	if err != nil {
		d.server.Close()
		d.abortStart()
		return err
	}

	d.server.Serve()
	d.metrics.SetState(string(lifecycle.StateIdle), allStates)
	states, unsubscribe := d.lifecycle.Subscribe()
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.lifecycle.Run(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		d.mirrorState(states)
	}()
	go d.awaitStop()

	if err := d.api.start(d.ctx); err != nil {
		logging.WarnWithContext(d.logger, "api server unavailable", "api_start_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "http status and metrics endpoints are disabled"),
			logging.String(logging.FieldErrorHint, "check api.bind in the config file"))
	} else if addr := d.api.Addr(); addr != "" {
		regCtx, cancel := context.WithTimeout(d.ctx, registryTimeout)
		if err := d.store.SetAPIAddr(regCtx, d.id, addr); err != nil {
			logging.WarnWithContext(d.logger, "failed to record api address", "registry_update_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "kiln logs cannot find this daemon's api"))
		}
		cancel()
	}

	d.running.Store(true)
	d.logger.Info("kiln daemon started",
		logging.String("socket", d.SocketPath()),
		logging.String("lock", d.lockPath),
		logging.String("build_program", d.context.BuildProgram),
		logging.Duration("idle_timeout", d.cfg.IdleTimeout()),
		logging.String(logging.FieldEventType, "daemon_started"))
	return nil
}

func (d *Daemon) abortStart() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Debug("release lock after failed start", logging.Error(err))
	}
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

// awaitStop shuts the daemon down once the lifecycle reaches a terminal state
// or the start context ends.
func (d *Daemon) awaitStop() {
	select {
	case <-d.lifecycle.Done():
	case <-d.ctx.Done():
		d.lifecycle.RequestStop(lifecycle.ReasonSignal)
	}
	d.shutdown()
}

func (d *Daemon) mirrorState(changes <-chan struct{}) {
	last := lifecycle.StateIdle
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-changes:
		}
		state := d.lifecycle.State()
		if state == last {
			continue
		}
		last = state
		d.metrics.SetState(string(state), allStates)
		if state.Terminal() {
			return
		}
		ctx, cancel := context.WithTimeout(d.ctx, registryTimeout)
		err := d.store.UpdateState(ctx, d.id, state)
		cancel()
		if err != nil {
			logging.WarnWithContext(d.logger, "failed to mirror daemon state", "registry_update_failed",
				logging.String("state", string(state)),
				logging.Error(err),
				logging.String(logging.FieldImpact, "clients may pick a daemon that is not idle"),
				logging.String(logging.FieldErrorHint, "check the registry database under the state directory"))
		}
	}
}

func (d *Daemon) shutdown() {
	d.stopOnce.Do(func() {
		defer close(d.done)

		d.server.Close()
		d.api.stop()
		d.cancel()
		d.wg.Wait()

		state := d.lifecycle.State()
		reason := d.lifecycle.StopReason()
		status := registry.StopStatusStopped
		if state == lifecycle.StateBroken {
			status = registry.StopStatusBroken
		}
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		if err := d.store.AddStopEvent(ctx, registry.StopEvent{
			DaemonID: d.id,
			PID:      os.Getpid(),
			Reason:   reason,
			Status:   status,
		}); err != nil {
			d.logger.Warn("failed to record stop event", logging.Error(err))
		}
		if _, err := d.store.MarkInterrupted(ctx, d.id); err != nil {
			d.logger.Warn("failed to mark interrupted builds", logging.Error(err))
		}
		if err := d.store.Remove(ctx, d.id); err != nil {
			d.logger.Warn("failed to deregister daemon", logging.Error(err))
		}

		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
		_ = os.Remove(d.lockPath)

		d.running.Store(false)
		d.logger.Info("kiln daemon stopped",
			logging.String("reason", reason),
			logging.String("state", string(state)),
			logging.Int64("builds_served", d.lifecycle.BuildsServed()),
			logging.String(logging.FieldEventType, "daemon_stopped"))
	})
}

// Stop asks the daemon to stop and waits for shutdown to finish.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.lifecycle.RequestStop(lifecycle.ReasonSignal)
	<-d.done
}

// Close stops the daemon and releases the registry store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		SocketPath:   d.SocketPath(),
		LockFilePath: d.lockPath,
		RegistryPath: d.store.Path(),
		APIAddr:      d.api.Addr(),
	}
	if d.dispatcher != nil {
		status.Daemon = d.dispatcher.Status()
	}
	return status
}

// Sessions returns the connected client sessions.
func (d *Daemon) Sessions() []*session.Session {
	if d.sessions == nil {
		return nil
	}
	return d.sessions.List()
}

// Metrics exposes the daemon's collectors.
func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }

// heapInUse is reported alongside status in the HTTP API.
func heapInUse() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapInuse
}
