package registry_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"kiln/internal/lifecycle"
	"kiln/internal/protocol"
	"kiln/internal/registry"
	"kiln/internal/testsupport"
)

func baseContext() protocol.DaemonContext {
	return protocol.DaemonContext{
		BuildProgram: "make",
		Platform:     "linux/amd64",
		Version:      "1.0.0",
		Properties:   map[string]string{"CC": "gcc"},
	}
}

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)

	if store.Path() != cfg.RegistryPath() {
		t.Fatalf("path = %q, want %q", store.Path(), cfg.RegistryPath())
	}
	history, err := store.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}

	// Reopening an up-to-date database is a no-op.
	again, err := registry.Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	store.Close()

	db, err := sql.Open("sqlite", cfg.RegistryPath())
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES ('9999_future')"); err != nil {
		t.Fatalf("insert future migration: %v", err)
	}
	db.Close()

	_, err = registry.Open(cfg)
	if !errors.Is(err, registry.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestRegisterGetUpdateRemove(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	ctx := context.Background()

	dctx := baseContext()
	if err := store.Register(ctx, registry.Daemon{
		ID:         "d1",
		PID:        4242,
		SocketPath: cfg.SocketPath("d1"),
		Context:    dctx,
		Version:    "1.0.0",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := store.Get(ctx, "d1")
	if err != nil || got == nil {
		t.Fatalf("Get: %v %v", got, err)
	}
	if got.State != lifecycle.StateIdle {
		t.Fatalf("state = %s, want idle", got.State)
	}
	if got.Fingerprint != dctx.Fingerprint() {
		t.Fatalf("fingerprint not derived from context")
	}
	if got.Context.Properties["CC"] != "gcc" {
		t.Fatalf("context not round tripped: %+v", got.Context)
	}
	if got.StartedAt.IsZero() || !got.LastBusyAt.IsZero() {
		t.Fatalf("unexpected timestamps: %+v", got)
	}

	if err := store.UpdateState(ctx, "d1", lifecycle.StateBusy); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, _ = store.Get(ctx, "d1")
	if got.State != lifecycle.StateBusy || got.LastBusyAt.IsZero() {
		t.Fatalf("busy update not recorded: %+v", got)
	}

	if err := store.UpdateState(ctx, "missing", lifecycle.StateIdle); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Remove(ctx, "d1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err = store.Get(ctx, "d1")
	if err != nil || got != nil {
		t.Fatalf("expected nil after remove, got %+v %v", got, err)
	}
}

func TestSetAPIAddr(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	ctx := context.Background()

	if err := store.Register(ctx, registry.Daemon{ID: "d1", PID: 1, Context: baseContext(), Version: "1.0.0"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got, _ := store.Get(ctx, "d1"); got.APIAddr != "" {
		t.Fatalf("api addr = %q before the api started", got.APIAddr)
	}
	if err := store.SetAPIAddr(ctx, "d1", "127.0.0.1:41234"); err != nil {
		t.Fatalf("SetAPIAddr: %v", err)
	}
	daemons, err := store.List(ctx)
	if err != nil || len(daemons) != 1 || daemons[0].APIAddr != "127.0.0.1:41234" {
		t.Fatalf("List = %+v, %v", daemons, err)
	}
	if err := store.SetAPIAddr(ctx, "missing", "127.0.0.1:1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindCompatibleOrdering(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	exact := baseContext()
	superset := baseContext()
	superset.Properties = map[string]string{"CC": "gcc", "EXTRA": "1"}
	other := baseContext()
	other.Version = "2.0.0"

	daemons := []registry.Daemon{
		{ID: "busy-new", PID: 1, Context: exact, State: lifecycle.StateBusy, StartedAt: base.Add(5 * time.Minute)},
		{ID: "idle-old", PID: 2, Context: exact, State: lifecycle.StateIdle, StartedAt: base},
		{ID: "idle-new", PID: 3, Context: exact, State: lifecycle.StateIdle, StartedAt: base.Add(2 * time.Minute)},
		{ID: "idle-superset", PID: 4, Context: superset, State: lifecycle.StateIdle, StartedAt: base.Add(10 * time.Minute)},
		{ID: "stopping", PID: 5, Context: exact, State: lifecycle.StateStopRequested, StartedAt: base.Add(20 * time.Minute)},
		{ID: "wrong-version", PID: 6, Context: other, State: lifecycle.StateIdle, StartedAt: base.Add(30 * time.Minute)},
	}
	for _, d := range daemons {
		if err := store.Register(ctx, d); err != nil {
			t.Fatalf("Register %s: %v", d.ID, err)
		}
	}

	matches, err := store.FindCompatible(ctx, exact)
	if err != nil {
		t.Fatalf("FindCompatible: %v", err)
	}
	want := []string{"idle-new", "idle-old", "idle-superset", "busy-new"}
	if len(matches) != len(want) {
		t.Fatalf("got %d matches, want %d", len(matches), len(want))
	}
	for i, id := range want {
		if matches[i].ID != id {
			t.Fatalf("match[%d] = %s, want %s", i, matches[i].ID, id)
		}
	}
}

func TestPruneDeadRecordsCrash(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	ctx := context.Background()

	for _, d := range []registry.Daemon{
		{ID: "alive", PID: 100, Context: baseContext()},
		{ID: "dead", PID: 200, Context: baseContext()},
	} {
		if err := store.Register(ctx, d); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := store.StartInvocation(ctx, registry.Invocation{ID: "inv", DaemonID: "dead", Args: []string{"all"}, WorkDir: "/src"}); err != nil {
		t.Fatalf("StartInvocation: %v", err)
	}

	since := time.Now().Add(-time.Second)
	pruned, err := store.PruneDead(ctx, func(pid int) bool { return pid == 100 })
	if err != nil {
		t.Fatalf("PruneDead: %v", err)
	}
	if len(pruned) != 1 || pruned[0].ID != "dead" {
		t.Fatalf("unexpected pruned set: %+v", pruned)
	}

	remaining, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "alive" {
		t.Fatalf("unexpected remaining daemons: %+v", remaining)
	}

	events, err := store.StopEvents(ctx, since)
	if err != nil {
		t.Fatalf("StopEvents: %v", err)
	}
	if len(events) != 1 || events[0].Status != registry.StopStatusCrashed || events[0].DaemonID != "dead" {
		t.Fatalf("unexpected stop events: %+v", events)
	}

	inv, err := store.Invocation(ctx, "inv")
	if err != nil || inv == nil {
		t.Fatalf("Invocation: %v %v", inv, err)
	}
	if inv.Status != registry.InvocationInterrupted {
		t.Fatalf("status = %s, want interrupted", inv.Status)
	}
}

func TestStopEventsSinceFilter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	ctx := context.Background()

	now := time.Now()
	old := registry.StopEvent{DaemonID: "a", PID: 1, Reason: "expired after idle timeout", At: now.Add(-2 * time.Hour)}
	recent := registry.StopEvent{DaemonID: "b", PID: 2, Reason: "stop requested by client", At: now.Add(-time.Minute)}
	for _, ev := range []registry.StopEvent{old, recent} {
		if err := store.AddStopEvent(ctx, ev); err != nil {
			t.Fatalf("AddStopEvent: %v", err)
		}
	}

	events, err := store.StopEvents(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("StopEvents: %v", err)
	}
	if len(events) != 1 || events[0].DaemonID != "b" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].Status != registry.StopStatusStopped {
		t.Fatalf("default status = %q", events[0].Status)
	}

	removed, err := store.PruneStopEvents(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneStopEvents: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestInvocationHistoryAndStats(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	ctx := context.Background()

	start := time.Now().Add(-10 * time.Minute)
	for i, id := range []string{"first", "second", "third"} {
		inv := registry.Invocation{
			ID:        id,
			DaemonID:  "d1",
			SessionID: "s" + id,
			Args:      []string{"-j4", id},
			WorkDir:   "/src",
			StartedAt: start.Add(time.Duration(i) * time.Minute),
		}
		if err := store.StartInvocation(ctx, inv); err != nil {
			t.Fatalf("StartInvocation: %v", err)
		}
	}
	if err := store.FinishInvocation(ctx, "first", registry.InvocationSucceeded, 0, "", start.Add(30*time.Second)); err != nil {
		t.Fatalf("FinishInvocation: %v", err)
	}
	if err := store.FinishInvocation(ctx, "second", registry.InvocationFailed, 2, "exit status 2", start.Add(2*time.Minute)); err != nil {
		t.Fatalf("FinishInvocation: %v", err)
	}
	if err := store.FinishInvocation(ctx, "missing", registry.InvocationFailed, 1, "", time.Time{}); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	history, err := store.History(ctx, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].ID != "third" || history[1].ID != "second" {
		t.Fatalf("unexpected history order: %+v", history)
	}
	second := history[1]
	if second.ExitCode != 2 || second.Error != "exit status 2" || second.Duration != time.Minute {
		t.Fatalf("unexpected finished invocation: %+v", second)
	}
	if len(second.Args) != 2 || second.Args[1] != "second" || second.SessionID != "ssecond" {
		t.Fatalf("args/session not round tripped: %+v", second)
	}

	marked, err := store.MarkInterrupted(ctx, "d1")
	if err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}
	if marked != 1 {
		t.Fatalf("marked = %d, want 1", marked)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[registry.InvocationSucceeded] != 1 || stats[registry.InvocationFailed] != 1 || stats[registry.InvocationInterrupted] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
