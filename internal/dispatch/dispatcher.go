package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"kiln/internal/execute"
	"kiln/internal/ipc"
	"kiln/internal/lifecycle"
	"kiln/internal/logging"
	"kiln/internal/metrics"
	"kiln/internal/protocol"
	"kiln/internal/registry"
	"kiln/internal/session"
)

const (
	commandTimeout = 10 * time.Second
	finishTimeout  = 5 * time.Second
	inputQueue     = 64
)

// Executor runs one build invocation.
type Executor interface {
	Execute(ctx context.Context, inv execute.Invocation, streams execute.Streams) (execute.Outcome, error)
}

// InvocationRecorder persists build history.
type InvocationRecorder interface {
	StartInvocation(ctx context.Context, inv registry.Invocation) error
	FinishInvocation(ctx context.Context, id string, status registry.InvocationStatus, exitCode int, message string, finishedAt time.Time) error
}

// Deps wires a Dispatcher to the rest of the daemon. History and Metrics
// are optional.
type Deps struct {
	DaemonID          string
	Context           protocol.DaemonContext
	StartedAt         time.Time
	IdleTimeout       time.Duration
	SingleUse         bool
	CompressThreshold int

	Lifecycle *lifecycle.Controller
	Sessions  *session.Registry
	Executor  Executor
	History   InvocationRecorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Dispatcher serves client connections for one daemon.
type Dispatcher struct {
	deps        Deps
	fingerprint string
	pid         int
	logger      *slog.Logger
}

// New creates a dispatcher.
func New(deps Deps) *Dispatcher {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	return &Dispatcher{
		deps:        deps,
		fingerprint: deps.Context.Fingerprint(),
		pid:         os.Getpid(),
		logger:      logging.NewComponentLogger(deps.Logger, "dispatch"),
	}
}

// Handle reads the connection's first command and routes it.
func (d *Dispatcher) Handle(ctx context.Context, conn *ipc.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(commandTimeout))
	env, err := conn.Receive()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			d.logger.Debug("failed to read client command", logging.Error(err))
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch env.Kind {
	case protocol.KindStatus:
		d.reply(conn, protocol.KindStatusReply, d.Status())
	case protocol.KindStop:
		d.handleStop(conn)
	case protocol.KindStopWhenIdle:
		d.handleStopWhenIdle(conn)
	case protocol.KindBuild:
		var build protocol.Build
		if err := protocol.Decode(env, &build); err != nil {
			d.fail(conn, protocolError{msg: err.Error()})
			return
		}
		d.runBuild(ctx, conn, build)
	case protocol.KindCancel:
		d.fail(conn, protocolError{msg: "cancel received without a running build on this connection"})
	default:
		d.fail(conn, protocolError{msg: "unknown command " + string(env.Kind)})
	}
}

// Status reports the daemon's current status.
func (d *Dispatcher) Status() protocol.StatusReply {
	lc := d.deps.Lifecycle
	reply := protocol.StatusReply{
		DaemonID:     d.deps.DaemonID,
		PID:          d.pid,
		State:        string(lc.State()),
		Version:      d.deps.Context.Version,
		Fingerprint:  d.fingerprint,
		Context:      d.deps.Context,
		StartedAt:    d.deps.StartedAt,
		IdleSince:    lc.IdleSince(),
		IdleTimeout:  d.deps.IdleTimeout,
		StopReason:   lc.StopReason(),
		BuildsServed: lc.BuildsServed(),
	}
	for _, s := range d.deps.Sessions.List() {
		info := protocol.SessionInfo{
			ID:          s.ID,
			PID:         s.Peer.PID,
			UID:         s.Peer.UID,
			ConnectedAt: s.ConnectedAt,
		}
		if s.Invocation != nil {
			info.InvocationID = s.Invocation.ID
			info.Args = s.Invocation.Args
			info.WorkDir = s.Invocation.WorkDir
		}
		reply.Sessions = append(reply.Sessions, info)
	}
	return reply
}

func (d *Dispatcher) handleStop(conn *ipc.Conn) {
	lc := d.deps.Lifecycle
	message := "daemon stopping"
	switch lc.State() {
	case lifecycle.StateBusy, lifecycle.StateCanceled:
		message = "running build canceled; daemon stopping"
	case lifecycle.StateStopped, lifecycle.StateBroken, lifecycle.StateStopRequested:
		message = "daemon already stopping"
	}
	d.logger.Info("stop requested by client",
		logging.Int("peer_pid", conn.Peer().PID),
		logging.String(logging.FieldEventType, "daemon_stop_requested"))
	lc.RequestStop(lifecycle.ReasonClientStop)
	d.reply(conn, protocol.KindStopAck, protocol.StopAck{Accepted: true, Message: message})
}

func (d *Dispatcher) handleStopWhenIdle(conn *ipc.Conn) {
	lc := d.deps.Lifecycle
	message := "daemon stopping"
	if state := lc.State(); state == lifecycle.StateBusy || state == lifecycle.StateCanceled {
		message = "daemon will stop after the running build"
	}
	d.logger.Info("stop when idle requested by client",
		logging.Int("peer_pid", conn.Peer().PID),
		logging.String(logging.FieldEventType, "daemon_stop_when_idle_requested"))
	lc.StopWhenIdle(lifecycle.ReasonClientStop)
	d.reply(conn, protocol.KindStopAck, protocol.StopAck{Accepted: true, Message: message})
}

func (d *Dispatcher) reply(conn *ipc.Conn, kind protocol.Kind, payload any) bool {
	if err := conn.Send(kind, payload); err != nil {
		d.logger.Debug("failed to send reply",
			logging.String("kind", string(kind)),
			logging.Error(err))
		return false
	}
	return true
}

func (d *Dispatcher) fail(conn *ipc.Conn, err error) {
	d.reply(conn, protocol.KindFailure, protocol.Failure{Kind: FailureKind(err), Message: err.Error()})
}

func (d *Dispatcher) unavailable(conn *ipc.Conn, reason string) {
	d.reply(conn, protocol.KindUnavailable, protocol.Unavailable{Reason: reason})
}
