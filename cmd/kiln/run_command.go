package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"kiln/internal/client"
	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/daemonctl"
	"kiln/internal/protocol"
	"kiln/internal/registry"
)

// A daemon can turn busy between the idle probe and the build request; retry
// against another daemon a few times before giving up.
const maxBuildAttempts = 3

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		forwardStdin bool
		verbose      bool
		workDir      string
		noLaunch     bool
	)
	extraEnv := envVars{}

	cmd := &cobra.Command{
		Use:   "run [flags] -- [build args...]",
		Short: "Run a build through a compatible daemon",
		Long: "Run the configured build program with the given arguments inside an idle daemon\n" +
			"whose context matches this configuration, launching a new daemon when none is available.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			if workDir == "" {
				if workDir, err = os.Getwd(); err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			build := protocol.Build{
				InvocationID: uuid.NewString(),
				Args:         args,
				WorkDir:      workDir,
				Env:          buildEnv(cfg, extraEnv),
				ClientPID:    os.Getpid(),
				Interactive:  forwardStdin,
				StartedAt:    time.Now(),
				Context:      daemon.ContextFromConfig(cfg),
			}
			streams := client.Streams{
				Stdin:  cmd.InOrStdin(),
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			}
			var progress io.Writer = io.Discard
			if verbose {
				progress = cmd.ErrOrStderr()
			}

			opts := ctx.connectOptions()
			opts.NoLaunch = noLaunch
			result, err := runWithRetry(runCtx, cfg, store, build, streams, opts, progress)
			if err != nil {
				return err
			}
			return buildExit(cmd.ErrOrStderr(), result)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&forwardStdin, "stdin", "i", false, "Forward standard input to the build")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Report which daemon runs the build")
	flags.StringVarP(&workDir, "dir", "C", "", "Working directory for the build (default: current directory)")
	flags.BoolVar(&noLaunch, "no-launch", false, "Fail instead of launching a daemon when none is idle")
	flags.VarP(extraEnv, "env", "e", "Set an environment variable for the build (repeatable)")
	return cmd
}

func runWithRetry(ctx context.Context, cfg *config.Config, store *registry.Store, build protocol.Build, streams client.Streams, opts daemonctl.ConnectOptions, progress io.Writer) (protocol.Result, error) {
	var lastErr error
	for range maxBuildAttempts {
		conn, connected, err := daemonctl.Connect(ctx, cfg, store, build.Context, opts)
		if err != nil {
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				return protocol.Result{}, errors.New("no idle compatible daemon is running (remove --no-launch to start one)")
			}
			return protocol.Result{}, err
		}
		if connected.Launched {
			fmt.Fprintf(progress, "kiln: launched daemon %s\n", connected.DaemonID)
		} else {
			fmt.Fprintf(progress, "kiln: using daemon %s\n", connected.DaemonID)
		}

		result, err := client.RunBuild(ctx, conn.Conn(), build, streams, func(started protocol.BuildStarted) {
			fmt.Fprintf(progress, "kiln: invocation %s started\n", started.InvocationID)
		})
		conn.Close()
		if errors.Is(err, client.ErrUnavailable) {
			lastErr = err
			opts.Exclude = append(opts.Exclude, connected.DaemonID)
			continue
		}
		return result, err
	}
	return protocol.Result{}, fmt.Errorf("no daemon accepted the build after %d attempts: %w", maxBuildAttempts, lastErr)
}

// buildEnv forwards configured passthrough variables from the client's
// environment, then applies explicit --env overrides.
func buildEnv(cfg *config.Config, extra envVars) map[string]string {
	env := make(map[string]string, len(cfg.Build.EnvPassthrough)+len(extra))
	for _, key := range cfg.Build.EnvPassthrough {
		if value, ok := os.LookupEnv(key); ok {
			env[key] = value
		}
	}
	for key, value := range extra {
		env[key] = value
	}
	return env
}

func buildExit(stderr io.Writer, result protocol.Result) error {
	switch result.Outcome {
	case protocol.OutcomeSucceeded:
		if result.ExitCode != 0 {
			return exitCodeError{code: result.ExitCode}
		}
		return nil
	case protocol.OutcomeCanceled:
		fmt.Fprintln(stderr, "kiln: build canceled")
		return exitCodeError{code: max(result.ExitCode, 130)}
	default:
		if result.Error != "" {
			fmt.Fprintf(stderr, "kiln: %s\n", result.Error)
		}
		return exitCodeError{code: max(result.ExitCode, 1)}
	}
}
