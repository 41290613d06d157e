package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"kiln/internal/protocol"
	"kiln/internal/registry"
)

func TestRunCommandStreamsBuildOutput(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startDaemon(t, "cli-run")

	out, _, err := runCLI(t, []string{"run", "--no-launch", "-C", t.TempDir(), "--", "compile", "link"}, env.configPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "compile\nlink\n" {
		t.Fatalf("stdout = %q", out)
	}

	waitFor(t, 5*time.Second, func() bool {
		history, err := env.store.History(context.Background(), 1)
		return err == nil && len(history) == 1 && history[0].Status == registry.InvocationSucceeded
	})
}

func TestRunCommandPropagatesExitCode(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startDaemon(t, "cli-fail")

	_, stderr, err := runCLI(t, []string{"run", "--no-launch", "--", "fail"}, env.configPath)
	var exit exitCodeError
	if !errors.As(err, &exit) || exit.code != 3 {
		t.Fatalf("err = %v, want exit code 3", err)
	}
	requireContains(t, stderr, "build failed")
}

func TestRunCommandWithoutDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"run", "--no-launch", "--", "all"}, env.configPath)
	if err == nil {
		t.Fatal("expected error when no daemon is running")
	}
	requireContains(t, err.Error(), "no idle compatible daemon")
}

func TestRunCommandVerboseReportsDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startDaemon(t, "cli-verbose")

	_, stderr, err := runCLI(t, []string{"run", "--no-launch", "-v", "--", "all"}, env.configPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	requireContains(t, stderr, "using daemon cli-verbose")
	requireContains(t, stderr, "started")
}

func TestBuildExit(t *testing.T) {
	tests := []struct {
		name   string
		result protocol.Result
		code   int
	}{
		{"success", protocol.Result{Outcome: protocol.OutcomeSucceeded}, 0},
		{"failed with code", protocol.Result{Outcome: protocol.OutcomeFailed, ExitCode: 2}, 2},
		{"failed without code", protocol.Result{Outcome: protocol.OutcomeFailed, ExitCode: -1, Error: "spawn failed"}, 1},
		{"canceled", protocol.Result{Outcome: protocol.OutcomeCanceled, ExitCode: -1}, 130},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stderr bytes.Buffer
			err := buildExit(&stderr, tc.result)
			if tc.code == 0 {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				return
			}
			var exit exitCodeError
			if !errors.As(err, &exit) || exit.code != tc.code {
				t.Fatalf("err = %v, want code %d", err, tc.code)
			}
		})
	}
}

func TestBuildEnvAppliesOverrides(t *testing.T) {
	env := setupCLITestEnv(t)
	t.Setenv("KILN_TEST_PASS", "from-client")
	env.cfg.Build.EnvPassthrough = []string{"KILN_TEST_PASS", "KILN_TEST_UNSET"}

	extra := envVars{}
	if err := extra.Set("MODE=release"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got := buildEnv(env.cfg, extra)
	if got["KILN_TEST_PASS"] != "from-client" || got["MODE"] != "release" {
		t.Fatalf("env = %v", got)
	}
	if _, ok := got["KILN_TEST_UNSET"]; ok {
		t.Fatalf("unset variable forwarded: %v", got)
	}
}

func TestEnvVarsRejectsMissingKey(t *testing.T) {
	vars := envVars{}
	for _, value := range []string{"novalue", "=x"} {
		if err := vars.Set(value); err == nil {
			t.Fatalf("Set(%q) should fail", value)
		}
	}
	_ = vars.Set("B=2")
	_ = vars.Set("A=1")
	if vars.String() != "A=1,B=2" {
		t.Fatalf("String() = %q", vars.String())
	}
}
