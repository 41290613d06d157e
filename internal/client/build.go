package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"kiln/internal/ipc"
	"kiln/internal/protocol"
)

// ErrUnavailable is returned when the daemon declines the build before
// starting it; the caller may retry against another daemon.
var ErrUnavailable = ipc.ErrUnavailable

const stdinChunk = 32 * 1024

// cancelGrace bounds how long a cancel frame may wait behind a stalled
// write. After it the connection is closed, which the daemon treats as a
// cancel.
var cancelGrace = 2 * time.Second

// Streams are the local ends of a remote build's standard streams.
type Streams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Started is called once the daemon accepts the build.
type Started func(protocol.BuildStarted)

// RunBuild sends build over conn and relays the exchange until the daemon
// reports a result. Canceling ctx asks the daemon to cancel the build; the
// canceled result is still returned.
func RunBuild(ctx context.Context, conn *ipc.Conn, build protocol.Build, streams Streams, onStart ...Started) (protocol.Result, error) {
	if conn == nil {
		return protocol.Result{}, errors.New("run build: connection is required")
	}
	if streams.Stdout == nil {
		streams.Stdout = io.Discard
	}
	if streams.Stderr == nil {
		streams.Stderr = io.Discard
	}

	if err := conn.Send(protocol.KindBuild, build); err != nil {
		return protocol.Result{}, fmt.Errorf("send build: %w", err)
	}

	env, err := conn.Receive()
	if err != nil {
		return protocol.Result{}, fmt.Errorf("await build start: %w", err)
	}
	var started protocol.BuildStarted
	if err := ipc.ExpectKind(env, protocol.KindBuildStarted, &started); err != nil {
		return protocol.Result{}, err
	}
	for _, fn := range onStart {
		fn(started)
	}

	stop := make(chan struct{})
	defer close(stop)

	var (
		cancelOnce sync.Once
		abandoned  atomic.Bool
	)
	requestCancel := func() {
		cancelOnce.Do(func() {
			sent := make(chan struct{})
			go func() {
				defer close(sent)
				_ = conn.Send(protocol.KindCancel, nil)
			}()
			go func() {
				timer := time.NewTimer(cancelGrace)
				defer timer.Stop()
				select {
				case <-sent:
				case <-stop:
				case <-timer.C:
					abandoned.Store(true)
					_ = conn.Close()
				}
			}()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			requestCancel()
		case <-stop:
		}
	}()

	if build.Interactive && streams.Stdin != nil {
		// Not awaited: a terminal read can block past the end of the build.
		go pumpInput(ctx, conn, streams.Stdin, stop)
	}

	for {
		env, err := conn.Receive()
		if err != nil {
			if abandoned.Load() {
				return protocol.Result{
					InvocationID: build.InvocationID,
					ExitCode:     -1,
					Outcome:      protocol.OutcomeCanceled,
					Error:        "daemon did not take the cancel request; connection closed",
				}, nil
			}
			return protocol.Result{}, fmt.Errorf("daemon connection lost during build: %w", err)
		}
		switch env.Kind {
		case protocol.KindOutput:
			var out protocol.Output
			if err := protocol.Decode(env, &out); err != nil {
				return protocol.Result{}, err
			}
			data, err := out.Bytes()
			if err != nil {
				return protocol.Result{}, err
			}
			w := streams.Stdout
			if out.Stream == protocol.Stderr {
				w = streams.Stderr
			}
			if _, err := w.Write(data); err != nil {
				requestCancel()
			}
		case protocol.KindResult:
			var result protocol.Result
			if err := protocol.Decode(env, &result); err != nil {
				return protocol.Result{}, err
			}
			_ = conn.Send(protocol.KindFinished, nil)
			return result, nil
		default:
			if err := ipc.ExpectKind(env, protocol.KindResult, nil); err != nil {
				return protocol.Result{}, err
			}
		}
	}
}

func pumpInput(ctx context.Context, conn *ipc.Conn, r io.Reader, stop <-chan struct{}) {
	buf := make([]byte, stdinChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			data := append([]byte(nil), buf[:n]...)
			if sendErr := conn.Send(protocol.KindInput, protocol.Input{Data: data}); sendErr != nil {
				return
			}
		}
		if err != nil {
			select {
			case <-stop:
			case <-ctx.Done():
			default:
				_ = conn.Send(protocol.KindCloseInput, nil)
			}
			return
		}
	}
}
