package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"kiln/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The state directory lives under a short os.MkdirTemp path so daemon socket
// paths stay within the unix socket length limit.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base, err := os.MkdirTemp("", "kiln")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(base) })

	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Build.Program = "/bin/sh"
	cfgVal.API.Bind = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithBuildProgram overrides the program daemons execute for builds.
func WithBuildProgram(program string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Build.Program = program
	}
}

// WithScriptProgram writes a shell script to the temp directory and uses it
// as the build program.
func WithScriptProgram(script string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Build.Program = WriteExecutable(b.t, filepath.Join(b.baseDir, "bin"), "build", script)
	}
}

// WithSingleUse marks daemons as stopping after their first build.
func WithSingleUse() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.SingleUse = true
	}
}

// WithAPIBind enables the HTTP API on the given address.
func WithAPIBind(bind string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.Bind = bind
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
