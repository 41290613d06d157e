package execute

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"kiln/internal/logging"
	"kiln/internal/testsupport"
)

type lockedBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
	marker string
	seen   chan struct{}
	once   sync.Once
}

func newLockedBuffer(marker string) *lockedBuffer {
	return &lockedBuffer{marker: marker, seen: make(chan struct{})}
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	n, err := b.buf.Write(p)
	if b.marker != "" && strings.Contains(b.buf.String(), b.marker) {
		b.once.Do(func() { close(b.seen) })
	}
	return n, err
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithBuildProgram("/bin/sh"))
	cfg.Daemon.StopGrace = 1
	return NewRunner(cfg, logging.NewNop())
}

func TestExecuteCapturesOutputAndExitCode(t *testing.T) {
	runner := newTestRunner(t)
	stdout := newLockedBuffer("")
	stderr := newLockedBuffer("")

	outcome, err := runner.Execute(context.Background(), Invocation{
		ID:      "inv-1",
		Args:    []string{"-c", "echo out; echo err >&2; exit 3"},
		WorkDir: t.TempDir(),
	}, Streams{Stdout: stdout, Stderr: stderr})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.ExitCode != 3 || outcome.Canceled {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if stdout.String() != "out\n" || stderr.String() != "err\n" {
		t.Fatalf("stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}

func TestExecuteRunsInWorkDirWithEnvironment(t *testing.T) {
	runner := newTestRunner(t)
	runner.passthrough = []string{"PATH", "KEEP"}
	runner.environ = func() []string {
		return []string{"PATH=/usr/bin:/bin", "KEEP=daemon", "DROP=secret"}
	}
	dir := t.TempDir()
	stdout := newLockedBuffer("")

	_, err := runner.Execute(context.Background(), Invocation{
		ID:      "inv-env",
		Args:    []string{"-c", `pwd; echo "$KEEP:$DROP:$CLIENT:$KILN_INVOCATION_ID"`},
		WorkDir: dir,
		Env:     []string{"CLIENT=yes", "KEEP=client"},
	}, Streams{Stdout: stdout})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output %q", stdout.String())
	}
	if !strings.HasSuffix(lines[0], dir) && lines[0] != dir {
		t.Fatalf("pwd = %q, want %q", lines[0], dir)
	}
	if lines[1] != "client::yes:inv-env" {
		t.Fatalf("env line = %q", lines[1])
	}
}

func TestExecuteForwardsStdin(t *testing.T) {
	runner := newTestRunner(t)
	stdout := newLockedBuffer("")

	outcome, err := runner.Execute(context.Background(), Invocation{
		Args:    []string{"-c", "cat"},
		WorkDir: t.TempDir(),
		Stdin:   strings.NewReader("from client\n"),
	}, Streams{Stdout: stdout})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.ExitCode != 0 || stdout.String() != "from client\n" {
		t.Fatalf("outcome=%+v stdout=%q", outcome, stdout.String())
	}
}

func TestExecuteCancelTerminatesProcessGroup(t *testing.T) {
	runner := newTestRunner(t)
	stdout := newLockedBuffer("ready")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := runner.Execute(ctx, Invocation{
			Args:    []string{"-c", "echo ready; sleep 30; echo late"},
			WorkDir: t.TempDir(),
		}, Streams{Stdout: stdout})
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		done <- outcome
	}()

	select {
	case <-stdout.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("build never became ready")
	}
	cancel()

	select {
	case outcome := <-done:
		if !outcome.Canceled {
			t.Fatalf("expected canceled outcome, got %+v", outcome)
		}
		if outcome.ExitCode != 143 {
			t.Fatalf("exit code = %d, want 143", outcome.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("canceled build did not exit")
	}
	if strings.Contains(stdout.String(), "late") {
		t.Fatalf("process kept running after cancel: %q", stdout.String())
	}
}

func TestExecuteEscalatesToKill(t *testing.T) {
	runner := newTestRunner(t)
	stdout := newLockedBuffer("ready")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := runner.Execute(ctx, Invocation{
			Args:    []string{"-c", "trap '' TERM; echo ready; sleep 30"},
			WorkDir: t.TempDir(),
		}, Streams{Stdout: stdout})
		done <- outcome
	}()

	select {
	case <-stdout.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("build never became ready")
	}
	cancel()

	select {
	case outcome := <-done:
		if outcome.ExitCode != 137 {
			t.Fatalf("exit code = %d, want 137", outcome.ExitCode)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("build ignoring SIGTERM was never killed")
	}
}

func TestExecuteStartFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBuildProgram("/nonexistent/kiln-build"))
	runner := NewRunner(cfg, logging.NewNop())

	_, err := runner.Execute(context.Background(), Invocation{WorkDir: t.TempDir()}, Streams{})
	var startErr *StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected StartError, got %v", err)
	}
	if startErr.ErrorKind() != "build" {
		t.Fatalf("kind = %q", startErr.ErrorKind())
	}
}

func TestChunkWriterSplitsWrites(t *testing.T) {
	sink := newLockedBuffer("")
	w := newChunkWriter(sink, 4)

	n, err := io.WriteString(w, "abcdefghij")
	if err != nil || n != 10 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if sink.writes != 3 {
		t.Fatalf("writes = %d, want 3", sink.writes)
	}
	if sink.String() != "abcdefghij" {
		t.Fatalf("content = %q", sink.String())
	}
}
