package execute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"kiln/internal/config"
	"kiln/internal/logging"
)

// Invocation describes one build to run.
type Invocation struct {
	ID      string
	Args    []string
	WorkDir string
	// Env holds the client's environment as KEY=VALUE pairs.
	Env   []string
	Stdin io.Reader
}

// Streams receives the build's output.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Outcome is the result of a finished build process.
type Outcome struct {
	ExitCode int
	Canceled bool
	Duration time.Duration
}

// StartError reports that the build program could not be started.
type StartError struct {
	Program string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start build program %s: %v", e.Program, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ErrorKind classifies start failures as build failures.
func (e *StartError) ErrorKind() string { return "build" }

// Runner executes build invocations.
type Runner struct {
	program     string
	passthrough []string
	grace       time.Duration
	maxChunk    int
	logger      *slog.Logger
	environ     func() []string
}

// NewRunner builds a runner from configuration.
func NewRunner(cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{
		program:     cfg.Build.Program,
		passthrough: append([]string(nil), cfg.Build.EnvPassthrough...),
		grace:       cfg.StopGrace(),
		maxChunk:    cfg.Build.MaxChunkBytes,
		logger:      logging.NewComponentLogger(logger, "execute"),
		environ:     os.Environ,
	}
}

// Program returns the configured build program.
func (r *Runner) Program() string {
	return r.program
}

// Execute runs the build and blocks until the process group exits. A non-zero
// exit is reported through Outcome, not as an error.
func (r *Runner) Execute(ctx context.Context, inv Invocation, streams Streams) (Outcome, error) {
	started := time.Now()
	logger := r.logger.With(logging.String(logging.FieldInvocationID, inv.ID))

	cmd := exec.CommandContext(ctx, r.program, inv.Args...) //nolint:gosec
	cmd.Dir = inv.WorkDir
	cmd.Env = r.environment(inv)
	cmd.Stdout = newChunkWriter(orDiscard(streams.Stdout), r.maxChunk)
	cmd.Stderr = newChunkWriter(orDiscard(streams.Stderr), r.maxChunk)
	configureProcessGroup(cmd, r.grace)
	cmd.WaitDelay = r.grace + time.Second

	var stdin io.WriteCloser
	if inv.Stdin != nil {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return Outcome{}, fmt.Errorf("stdin pipe: %w", err)
		}
		stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: -1, Duration: time.Since(started)}, &StartError{Program: r.program, Err: err}
	}
	logger.Debug("build process started",
		logging.Int("pid", cmd.Process.Pid),
		logging.String("program", r.program),
		logging.Strings("args", inv.Args),
		logging.String("work_dir", inv.WorkDir))

	if stdin != nil {
		go func() {
			_, _ = io.Copy(stdin, inv.Stdin)
			_ = stdin.Close()
		}()
	}

	waitErr := cmd.Wait()
	outcome := Outcome{
		Canceled: ctx.Err() != nil,
		Duration: time.Since(started),
	}
	if cmd.ProcessState != nil {
		outcome.ExitCode = exitCode(cmd.ProcessState)
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay):
		logging.WarnWithContext(logger, "build output still open after exit", "build_wait_delay",
			logging.Int("pid", cmd.Process.Pid),
			logging.String(logging.FieldImpact, "trailing output from background children was dropped"),
			logging.String(logging.FieldErrorHint, "avoid leaving background processes attached to build output"))
	case outcome.Canceled:
	default:
		return outcome, fmt.Errorf("wait for build process: %w", waitErr)
	}

	logger.Debug("build process exited",
		logging.Int("exit_code", outcome.ExitCode),
		logging.Bool("canceled", outcome.Canceled),
		logging.Duration("duration", outcome.Duration))
	return outcome, nil
}

// environment keeps the passthrough variables from the daemon environment and
// lets the client's values override them.
func (r *Runner) environment(inv Invocation) []string {
	values := make(map[string]string)
	allowed := make(map[string]bool, len(r.passthrough))
	for _, name := range r.passthrough {
		allowed[name] = true
	}
	for _, entry := range r.environ() {
		key, value, ok := strings.Cut(entry, "=")
		if ok && allowed[key] {
			values[key] = value
		}
	}
	for _, entry := range inv.Env {
		key, value, ok := strings.Cut(entry, "=")
		if ok && key != "" {
			values[key] = value
		}
	}
	if inv.ID != "" {
		values["KILN_INVOCATION_ID"] = inv.ID
	}

	env := make([]string, 0, len(values))
	for key, value := range values {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
