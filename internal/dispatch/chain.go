package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/internal/execute"
	"kiln/internal/ipc"
	"kiln/internal/lifecycle"
	"kiln/internal/logging"
	"kiln/internal/protocol"
	"kiln/internal/registry"
	"kiln/internal/session"
)

type action func(d *Dispatcher, e *Execution)

// buildChain is the order a build command passes through.
var buildChain = []action{
	(*Dispatcher).checkCompatibility,
	(*Dispatcher).openSession,
	(*Dispatcher).startBuildOrRespondBusy,
	(*Dispatcher).recordInvocation,
	(*Dispatcher).logToClient,
	(*Dispatcher).watchClient,
	(*Dispatcher).executeBuild,
	(*Dispatcher).returnResult,
}

// Execution carries one build command through the action chain.
type Execution struct {
	ctx    context.Context
	conn   *ipc.Conn
	build  protocol.Build
	logger *slog.Logger

	session  *session.Session
	buildCtx context.Context
	stdin    io.Reader

	outcome execute.Outcome
	execErr error
	result  protocol.Result

	finishedOnce sync.Once
	finished     chan struct{}

	d       *Dispatcher
	actions []action
	next    int
}

// Proceed runs the next action in the chain. It reports false when the chain
// is exhausted.
func (e *Execution) Proceed() bool {
	if e.next >= len(e.actions) {
		return false
	}
	a := e.actions[e.next]
	e.next++
	a(e.d, e)
	return true
}

func (e *Execution) markFinished() {
	e.finishedOnce.Do(func() { close(e.finished) })
}

func (e *Execution) buildDone() bool {
	select {
	case <-e.finished:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) runBuild(ctx context.Context, conn *ipc.Conn, build protocol.Build) {
	if build.InvocationID == "" {
		build.InvocationID = uuid.NewString()
	}
	ctx = logging.WithInvocationID(ctx, build.InvocationID)
	e := &Execution{
		ctx:      ctx,
		conn:     conn,
		build:    build,
		logger:   logging.WithContext(ctx, d.logger),
		finished: make(chan struct{}),
		d:        d,
		actions:  buildChain,
	}
	e.Proceed()
}

func (d *Dispatcher) checkCompatibility(e *Execution) {
	if e.build.WorkDir == "" {
		d.fail(e.conn, protocolError{msg: "build request has no working directory"})
		return
	}
	if ok, reason := d.deps.Context.Compatible(e.build.Context); !ok {
		e.logger.Info("rejecting incompatible build request",
			logging.String("reason", reason),
			logging.String(logging.FieldEventType, "build_incompatible"))
		d.unavailable(e.conn, reason)
		return
	}
	e.Proceed()
}

func (d *Dispatcher) openSession(e *Execution) {
	peer := e.conn.Peer()
	sess, err := d.deps.Sessions.Open(session.Peer{PID: peer.PID, UID: peer.UID, GID: peer.GID})
	if err != nil {
		d.unavailable(e.conn, err.Error())
		return
	}
	e.session = sess
	e.ctx = logging.WithSessionID(e.ctx, sess.ID)
	e.logger = logging.WithContext(e.ctx, d.logger)
	d.deps.Metrics.SetActiveSessions(d.deps.Sessions.Count())
	defer func() {
		d.deps.Sessions.Close(sess.ID)
		d.deps.Metrics.SetActiveSessions(d.deps.Sessions.Count())
	}()
	e.Proceed()
}

func (d *Dispatcher) startBuildOrRespondBusy(e *Execution) {
	id := e.build.InvocationID
	buildCtx, err := d.deps.Lifecycle.BeginBuild(e.ctx, id)
	switch {
	case errors.Is(err, lifecycle.ErrBusy):
		d.unavailable(e.conn, "daemon is busy")
		return
	case errors.Is(err, lifecycle.ErrStopping):
		d.unavailable(e.conn, "daemon is stopping")
		return
	case err != nil:
		d.fail(e.conn, err)
		return
	}
	e.buildCtx = buildCtx
	defer func() {
		if err := d.deps.Lifecycle.EndBuild(id); err != nil {
			e.logger.Debug("end build", logging.Error(err))
		}
	}()

	ref := session.InvocationRef{
		ID:        id,
		Args:      e.build.Args,
		WorkDir:   e.build.WorkDir,
		StartedAt: time.Now(),
	}
	if err := d.deps.Sessions.Attach(e.session.ID, ref); err != nil {
		d.fail(e.conn, err)
		return
	}
	defer func() { _ = d.deps.Sessions.Detach(e.session.ID) }()
	e.Proceed()
}

func (d *Dispatcher) recordInvocation(e *Execution) {
	started := time.Now()
	if d.deps.History != nil {
		err := d.deps.History.StartInvocation(e.ctx, registry.Invocation{
			ID:        e.build.InvocationID,
			DaemonID:  d.deps.DaemonID,
			SessionID: e.session.ID,
			Args:      e.build.Args,
			WorkDir:   e.build.WorkDir,
			StartedAt: started,
		})
		if err != nil {
			logging.WarnWithContext(e.logger, "failed to record invocation start", "invocation_record_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "build history will miss this invocation"),
				logging.String(logging.FieldErrorHint, "check the registry database under the state directory"))
		}
	}

	e.Proceed()

	if e.result.Outcome == "" {
		e.result = protocol.Result{
			InvocationID: e.build.InvocationID,
			ExitCode:     -1,
			Outcome:      protocol.OutcomeFailed,
			Error:        "build did not run",
		}
	}
	duration := time.Since(started)
	d.deps.Metrics.ObserveBuild(string(e.result.Outcome), duration)
	e.logger.Info("build finished",
		logging.String("outcome", string(e.result.Outcome)),
		logging.Int("exit_code", e.result.ExitCode),
		logging.Duration("duration", duration),
		logging.String(logging.FieldEventType, "build_finished"))

	if d.deps.History == nil {
		return
	}
	// The request context may already be canceled by daemon shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), 5*time.Second)
	defer cancel()
	if err := d.deps.History.FinishInvocation(ctx, e.build.InvocationID, invocationStatus(e.result.Outcome),
		e.result.ExitCode, e.result.Error, time.Now()); err != nil {
		logging.WarnWithContext(e.logger, "failed to record invocation result", "invocation_record_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "build history shows this invocation as running"),
			logging.String(logging.FieldErrorHint, "check the registry database under the state directory"))
	}
}

func (d *Dispatcher) logToClient(e *Execution) {
	e.logger.Info("build started",
		logging.Strings("args", e.build.Args),
		logging.String("work_dir", e.build.WorkDir),
		logging.Int("client_pid", e.build.ClientPID),
		logging.String(logging.FieldEventType, "build_started"))
	started := protocol.BuildStarted{
		InvocationID: e.build.InvocationID,
		SessionID:    e.session.ID,
		DaemonID:     d.deps.DaemonID,
	}
	if !d.reply(e.conn, protocol.KindBuildStarted, started) {
		e.result = protocol.Result{
			InvocationID: e.build.InvocationID,
			ExitCode:     -1,
			Outcome:      protocol.OutcomeCanceled,
			Error:        "client disconnected before the build started",
		}
		return
	}
	e.Proceed()
}

// watchClient reads the client's follow-up messages while the build runs.
func (d *Dispatcher) watchClient(e *Execution) {
	var (
		stdinR *io.PipeReader
		stdinW *io.PipeWriter
	)
	if e.build.Interactive {
		stdinR, stdinW = io.Pipe()
		e.stdin = stdinR
	}

	inputs := make(chan []byte, inputQueue)
	go func() {
		for data := range inputs {
			if stdinW == nil {
				continue
			}
			if _, err := stdinW.Write(data); err != nil {
				stdinW = nil
			}
		}
		if stdinW != nil {
			_ = stdinW.Close()
		}
	}()

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		inputClosed := false
		closeInput := func() {
			if !inputClosed {
				inputClosed = true
				close(inputs)
			}
		}
		defer closeInput()
		for {
			env, err := e.conn.Receive()
			if err != nil {
				if !e.buildDone() {
					e.logger.Info("client disconnected during build; canceling",
						logging.Error(err),
						logging.String(logging.FieldEventType, "build_client_disconnected"))
					d.cancelBuild(e)
				}
				return
			}
			switch env.Kind {
			case protocol.KindInput:
				var in protocol.Input
				if err := protocol.Decode(env, &in); err != nil || inputClosed {
					continue
				}
				select {
				case inputs <- in.Data:
				default:
					// The receive loop never blocks: cancel and EOF must stay readable.
					logging.WarnWithContext(e.logger, "build input queue full; closing build stdin", "build_input_dropped",
						logging.Int("queued_frames", inputQueue),
						logging.String(logging.FieldImpact, "later interactive input is discarded"),
						logging.String(logging.FieldErrorHint, "the build program is not reading its standard input"))
					closeInput()
				}
			case protocol.KindCloseInput:
				closeInput()
			case protocol.KindCancel:
				e.logger.Info("client canceled build", logging.String(logging.FieldEventType, "build_cancel_requested"))
				d.cancelBuild(e)
			case protocol.KindFinished:
				return
			default:
				e.logger.Debug("ignoring unexpected client message", logging.String("kind", string(env.Kind)))
			}
		}
	}()

	e.Proceed()
	e.markFinished()
	if stdinR != nil {
		// Unblocks a stdin write the build never consumed.
		_ = stdinR.Close()
	}
	_ = e.conn.SetReadDeadline(time.Now().Add(finishTimeout))
	<-watcherDone
}

func (d *Dispatcher) cancelBuild(e *Execution) {
	if err := d.deps.Lifecycle.Cancel(e.build.InvocationID); err != nil && !errors.Is(err, lifecycle.ErrUnknownBuild) {
		e.logger.Debug("cancel build", logging.Error(err))
	}
}

func (d *Dispatcher) executeBuild(e *Execution) {
	env := make([]string, 0, len(e.build.Env))
	for key, value := range e.build.Env {
		env = append(env, key+"="+value)
	}
	inv := execute.Invocation{
		ID:      e.build.InvocationID,
		Args:    e.build.Args,
		WorkDir: e.build.WorkDir,
		Env:     env,
		Stdin:   e.stdin,
	}
	streams := execute.Streams{
		Stdout: &outputWriter{conn: e.conn, stream: protocol.Stdout, threshold: d.deps.CompressThreshold, logger: e.logger},
		Stderr: &outputWriter{conn: e.conn, stream: protocol.Stderr, threshold: d.deps.CompressThreshold, logger: e.logger},
	}
	e.outcome, e.execErr = d.deps.Executor.Execute(e.buildCtx, inv, streams)
	e.markFinished()
	e.Proceed()
}

func (d *Dispatcher) returnResult(e *Execution) {
	result := protocol.Result{
		InvocationID: e.build.InvocationID,
		ExitCode:     e.outcome.ExitCode,
		Duration:     e.outcome.Duration,
	}
	switch {
	case e.outcome.Canceled:
		result.Outcome = protocol.OutcomeCanceled
		if e.execErr != nil {
			result.Error = e.execErr.Error()
		}
	case e.execErr != nil:
		result.Outcome = protocol.OutcomeFailed
		result.Error = e.execErr.Error()
	case e.outcome.ExitCode == 0:
		result.Outcome = protocol.OutcomeSucceeded
	default:
		result.Outcome = protocol.OutcomeFailed
	}
	e.result = result

	if e.execErr != nil && !e.outcome.Canceled {
		d.fail(e.conn, e.execErr)
	} else {
		d.reply(e.conn, protocol.KindResult, result)
	}

	if d.deps.SingleUse {
		d.deps.Lifecycle.StopWhenIdle(lifecycle.ReasonSingleUse)
	}
}

func invocationStatus(outcome protocol.Outcome) registry.InvocationStatus {
	switch outcome {
	case protocol.OutcomeSucceeded:
		return registry.InvocationSucceeded
	case protocol.OutcomeCanceled:
		return registry.InvocationCanceled
	default:
		return registry.InvocationFailed
	}
}
