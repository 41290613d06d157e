package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kiln/internal/logging"
	"kiln/internal/registry"
	"kiln/internal/testsupport"
)

func TestRunRegistersAndCleansUp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)

	// A record whose process is long gone must be pruned at startup.
	if err := store.Register(context.Background(), registry.Daemon{
		ID:         "ghost",
		PID:        999999,
		SocketPath: cfg.SocketPath("ghost"),
	}); err != nil {
		t.Fatalf("register ghost: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, cfg, Options{LogLevel: "error", DaemonID: "run-test"})
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := store.Get(context.Background(), "run-test")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon never registered")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if ghost, _ := store.Get(context.Background(), "ghost"); ghost != nil {
		t.Fatal("expected dead daemon record to be pruned")
	}
	if _, err := os.Stat(cfg.PIDPath("run-test")); err != nil {
		t.Fatalf("pid file missing: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(cfg.Paths.LogDir, "kiln.log")); err != nil {
		t.Fatalf("log pointer missing: %v", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got, _ := store.Get(context.Background(), "run-test"); got != nil {
		t.Fatal("expected daemon record removed after shutdown")
	}
	if _, err := os.Stat(cfg.PIDPath("run-test")); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err = %v", err)
	}
	if _, err := os.Stat(cfg.SocketPath("run-test")); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, stat err = %v", err)
	}
}

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestEnsureCurrentLogPointerReplacesLink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "kiln-1.log")
	second := filepath.Join(dir, "kiln-2.log")
	for _, p := range []string{first, second} {
		if err := os.WriteFile(p, []byte(filepath.Base(p)), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := ensureCurrentLogPointer(dir, first); err != nil {
		t.Fatal(err)
	}
	if err := ensureCurrentLogPointer(dir, second); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "kiln.log"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "kiln-2.log" {
		t.Fatalf("pointer resolves to %q", data)
	}
}

func TestHousekeepingPrunesOldStopEvents(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Logging.RetentionDays = 1
	store := testsupport.MustOpenRegistry(t, cfg)
	ctx := context.Background()

	old := registry.StopEvent{DaemonID: "a", Reason: "idle timeout", At: time.Now().Add(-72 * time.Hour)}
	recent := registry.StopEvent{DaemonID: "b", Reason: "idle timeout", At: time.Now()}
	for _, evt := range []registry.StopEvent{old, recent} {
		if err := store.AddStopEvent(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}

	housekeeping(ctx, store, cfg, logging.NewNop())

	events, err := store.StopEvents(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].DaemonID != "b" {
		t.Fatalf("events = %+v", events)
	}
}
