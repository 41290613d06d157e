package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"kiln/internal/daemonctl"
	"kiln/internal/protocol"
	"kiln/internal/registry"
)

func TestSessionsCommandWithoutSessions(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startDaemon(t, "cli-sessions")

	out, _, err := runCLI(t, []string{"sessions"}, env.configPath)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	requireContains(t, out, "No active sessions")

	out, _, err = runCLI(t, []string{"sessions", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("sessions --json: %v", err)
	}
	var rows []sessionRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil || len(rows) != 0 {
		t.Fatalf("rows = %+v, err = %v", rows, err)
	}
}

func TestCollectSessionsSkipsUnreachable(t *testing.T) {
	now := time.Now()
	snapshot := &daemonctl.Snapshot{Daemons: []daemonctl.DaemonStatus{
		{ID: "gone"},
		{ID: "live", Live: &protocol.StatusReply{Sessions: []protocol.SessionInfo{
			{ID: "s1", PID: 10, ConnectedAt: now, InvocationID: "inv", Args: []string{"all"}},
		}}},
	}}
	rows := collectSessions(snapshot)
	if len(rows) != 1 || rows[0].DaemonID != "live" || rows[0].InvocationID != "inv" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestHistoryCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	if err := env.store.StartInvocation(ctx, registry.Invocation{
		ID:        "inv-history-1",
		DaemonID:  "d1",
		Args:      []string{"test", "./..."},
		WorkDir:   "/src",
		StartedAt: started,
	}); err != nil {
		t.Fatalf("StartInvocation: %v", err)
	}
	if err := env.store.FinishInvocation(ctx, "inv-history-1", registry.InvocationFailed, 2, "", started.Add(3*time.Second)); err != nil {
		t.Fatalf("FinishInvocation: %v", err)
	}

	out, _, err := runCLI(t, []string{"history"}, env.configPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	requireContains(t, out, "inv-hist")
	requireContains(t, out, "Failed")
	requireContains(t, out, "test ./...")

	out, _, err = runCLI(t, []string{"history", "--json", "-n", "5"}, env.configPath)
	if err != nil {
		t.Fatalf("history --json: %v", err)
	}
	var rows []historyRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(rows) != 1 || rows[0].ExitCode != 2 || rows[0].Duration != 3*time.Second {
		t.Fatalf("rows = %+v", rows)
	}

	if _, _, err := runCLI(t, []string{"history", "--limit", "-1"}, env.configPath); err == nil {
		t.Fatal("expected negative limit to fail")
	}
}

func TestHistoryCommandEmpty(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"history"}, env.configPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	requireContains(t, out, "No builds recorded")
}
