package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"kiln/internal/logging"
)

// State is a daemon lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateBusy          State = "busy"
	StateCanceled      State = "canceled"
	StateStopRequested State = "stop_requested"
	StateStopped       State = "stopped"
	StateBroken        State = "broken"
)

// Terminal reports whether the state ends the daemon.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateBroken
}

// Stop reasons recorded when the daemon ends.
const (
	ReasonIdleTimeout   = "expired after idle timeout"
	ReasonHeapLimit     = "heap limit exceeded"
	ReasonClientStop    = "stop requested by client"
	ReasonCancelTimeout = "build did not stop within cancel timeout"
	ReasonSingleUse     = "single-use daemon finished its build"
	ReasonSignal        = "received shutdown signal"
)

var (
	// ErrBusy is returned by BeginBuild while another build runs.
	ErrBusy = errors.New("daemon is busy")
	// ErrStopping is returned by BeginBuild once a stop is pending or done.
	ErrStopping = errors.New("daemon is stopping")
	// ErrUnknownBuild is returned when an id does not match the running build.
	ErrUnknownBuild = errors.New("no such running build")
)

// Options configures a Controller.
type Options struct {
	IdleTimeout    time.Duration
	HealthInterval time.Duration
	CancelTimeout  time.Duration
	// HeapLimit expires the daemon once heap usage exceeds it; 0 disables.
	HeapLimit uint64
	// HeapUsage reports current heap usage; defaults to runtime.MemStats.HeapAlloc.
	HeapUsage func() uint64
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Controller owns daemon state transitions. It is safe for concurrent use.
type Controller struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	buildID      string
	buildCancel  context.CancelFunc
	idleSince    time.Time
	pendingStop  string
	stopReason   string
	idleTimer    *clock.Timer
	cancelTimer  *clock.Timer
	done         chan struct{}
	subscribers  map[int]chan struct{}
	nextSub      int
	buildsServed int64
}

// New creates a controller in the idle state with its idle timer armed.
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HeapUsage == nil {
		opts.HeapUsage = heapAlloc
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 10 * time.Second
	}
	c := &Controller{
		opts:        opts,
		clock:       opts.Clock,
		logger:      logging.NewComponentLogger(opts.Logger, "lifecycle"),
		state:       StateIdle,
		done:        make(chan struct{}),
		subscribers: make(map[int]chan struct{}),
	}
	c.mu.Lock()
	c.enterIdleLocked()
	c.mu.Unlock()
	return c
}

// BeginBuild moves an idle daemon to busy for build id. The returned context
// is canceled when the build is canceled or the daemon is asked to stop.
func (c *Controller) BeginBuild(ctx context.Context, id string) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state.Terminal() || c.state == StateStopRequested || c.pendingStop != "":
		return nil, ErrStopping
	case c.state != StateIdle:
		return nil, ErrBusy
	}
	buildCtx, cancel := context.WithCancel(ctx)
	c.buildID = id
	c.buildCancel = cancel
	c.idleSince = time.Time{}
	c.stopTimer(&c.idleTimer)
	c.setStateLocked(StateBusy)
	return buildCtx, nil
}

// EndBuild records that build id finished. The daemon returns to idle, or
// stops when a stop was requested meanwhile.
func (c *Controller) EndBuild(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buildID != id || c.buildID == "" {
		return ErrUnknownBuild
	}
	c.releaseBuildLocked()
	c.buildsServed++

	switch c.state {
	case StateStopRequested:
		c.finishLocked(StateStopped, c.pendingStopOr(ReasonClientStop))
	case StateBusy, StateCanceled:
		if c.pendingStop != "" {
			c.finishLocked(StateStopped, c.pendingStop)
			return nil
		}
		c.setStateLocked(StateIdle)
		c.enterIdleLocked()
	}
	return nil
}

// Cancel cancels build id. If the build has not ended within the cancel
// timeout the daemon becomes broken.
func (c *Controller) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buildID != id || c.buildID == "" {
		return ErrUnknownBuild
	}
	if c.state != StateBusy {
		return nil
	}
	c.setStateLocked(StateCanceled)
	c.cancelBuildLocked()
	return nil
}

// RequestStop stops the daemon, canceling a running build first.
func (c *Controller) RequestStop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStopped, StateBroken, StateStopRequested:
		return
	case StateIdle:
		c.finishLocked(StateStopped, reason)
	default:
		c.pendingStop = reason
		c.setStateLocked(StateStopRequested)
		c.cancelBuildLocked()
	}
}

// StopWhenIdle stops the daemon now if idle, otherwise after the running
// build ends.
func (c *Controller) StopWhenIdle(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state.Terminal() || c.state == StateStopRequested:
		return
	case c.state == StateIdle:
		c.finishLocked(StateStopped, reason)
	case c.pendingStop == "":
		c.pendingStop = reason
		c.notifyLocked()
	}
}

// Run performs periodic health checks until ctx ends or the daemon stops.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.CheckHealth()
		}
	}
}

// CheckHealth requests a stop-when-idle when heap usage exceeds the limit.
func (c *Controller) CheckHealth() {
	if c.opts.HeapLimit == 0 {
		return
	}
	usage := c.opts.HeapUsage()
	if usage <= c.opts.HeapLimit {
		return
	}
	logging.WarnWithContext(c.logger, "heap limit exceeded; daemon will stop when idle", "daemon_heap_limit",
		logging.Uint64("heap_bytes", usage),
		logging.Uint64("limit_bytes", c.opts.HeapLimit),
		logging.String(logging.FieldImpact, "next build will start a fresh daemon"),
		logging.String(logging.FieldErrorHint, "raise daemon.heap_limit_mib if this happens often"))
	c.StopWhenIdle(ReasonHeapLimit)
}

// Done is closed once the daemon reaches stopped or broken.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StopReason returns why the daemon stopped, or the pending stop reason.
func (c *Controller) StopReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopReason != "" {
		return c.stopReason
	}
	return c.pendingStop
}

// IdleSince returns when the daemon last became idle; zero when not idle.
func (c *Controller) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleSince
}

// CurrentBuild returns the id of the running build, if any.
func (c *Controller) CurrentBuild() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildID
}

// BuildsServed returns how many builds have ended on this daemon.
func (c *Controller) BuildsServed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildsServed
}

// Subscribe returns a coalescing channel signaled after each state change.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) enterIdleLocked() {
	c.idleSince = c.clock.Now()
	if c.opts.IdleTimeout <= 0 {
		return
	}
	c.stopTimer(&c.idleTimer)
	armedAt := c.idleSince
	c.idleTimer = c.clock.AfterFunc(c.opts.IdleTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateIdle || !c.idleSince.Equal(armedAt) {
			return
		}
		c.logger.Info("daemon idle timeout reached",
			logging.Duration("idle_timeout", c.opts.IdleTimeout),
			logging.String(logging.FieldEventType, "daemon_idle_expired"))
		c.finishLocked(StateStopped, ReasonIdleTimeout)
	})
}

func (c *Controller) cancelBuildLocked() {
	if c.buildCancel != nil {
		c.buildCancel()
	}
	if c.cancelTimer != nil || c.opts.CancelTimeout <= 0 {
		return
	}
	id := c.buildID
	c.cancelTimer = c.clock.AfterFunc(c.opts.CancelTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.buildID != id || c.state.Terminal() {
			return
		}
		logging.ErrorWithContext(c.logger, "build ignored cancellation", "daemon_cancel_timeout",
			logging.String(logging.FieldInvocationID, id),
			logging.Duration("cancel_timeout", c.opts.CancelTimeout),
			logging.String(logging.FieldErrorHint, "the build program may ignore SIGTERM; check its signal handling"))
		c.finishLocked(StateBroken, ReasonCancelTimeout)
	})
}

func (c *Controller) releaseBuildLocked() {
	if c.buildCancel != nil {
		c.buildCancel()
	}
	c.buildCancel = nil
	c.buildID = ""
	c.stopTimer(&c.cancelTimer)
}

func (c *Controller) finishLocked(state State, reason string) {
	if c.state.Terminal() {
		return
	}
	c.stopTimer(&c.idleTimer)
	c.stopTimer(&c.cancelTimer)
	if c.buildCancel != nil {
		c.buildCancel()
	}
	c.stopReason = reason
	c.idleSince = time.Time{}
	c.setStateLocked(state)
	close(c.done)
	c.logger.Info("daemon stopping",
		logging.String("state", string(state)),
		logging.String("reason", reason),
		logging.String(logging.FieldEventType, "daemon_stopping"))
}

func (c *Controller) pendingStopOr(fallback string) string {
	if c.pendingStop != "" {
		return c.pendingStop
	}
	return fallback
}

func (c *Controller) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.logger.Debug("daemon state changed",
		logging.String("from", string(c.state)),
		logging.String("to", string(state)))
	c.state = state
	c.notifyLocked()
}

func (c *Controller) notifyLocked() {
	for _, ch := range c.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Controller) stopTimer(timer **clock.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}
