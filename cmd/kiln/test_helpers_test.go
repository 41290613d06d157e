package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/execute"
	"kiln/internal/logging"
	"kiln/internal/registry"
	"kiln/internal/testsupport"
)

// echoExecutor prints each argument on its own line. A first argument of
// "fail" exits with code 3.
type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, inv execute.Invocation, streams execute.Streams) (execute.Outcome, error) {
	for _, arg := range inv.Args {
		_, _ = streams.Stdout.Write([]byte(arg + "\n"))
	}
	if len(inv.Args) > 0 && inv.Args[0] == "fail" {
		_, _ = streams.Stderr.Write([]byte("build failed\n"))
		return execute.Outcome{ExitCode: 3}, nil
	}
	return execute.Outcome{}, nil
}

type cliTestEnv struct {
	cfg        *config.Config
	store      *registry.Store
	configPath string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	// Commands load the file, so compare against what they will see.
	loaded, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}

	return &cliTestEnv{
		cfg:        loaded,
		store:      testsupport.MustOpenRegistry(t, loaded),
		configPath: configPath,
	}
}

func (env *cliTestEnv) startDaemon(t *testing.T, id string) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(env.cfg, daemon.Deps{
		ID:       id,
		Store:    env.store,
		Logger:   logging.NewNop(),
		Executor: echoExecutor{},
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
