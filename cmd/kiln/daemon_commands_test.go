package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"kiln/internal/daemonctl"
	"kiln/internal/lifecycle"
	"kiln/internal/protocol"
	"kiln/internal/registry"
)

func TestStatusCommandJSON(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startDaemon(t, "cli-status")

	out, _, err := runCLI(t, []string{"status", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var snapshot daemonctl.Snapshot
	if err := json.Unmarshal([]byte(out), &snapshot); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if len(snapshot.Daemons) != 1 {
		t.Fatalf("daemons = %+v", snapshot.Daemons)
	}
	d := snapshot.Daemons[0]
	if d.ID != "cli-status" || !d.Compatible || d.Live == nil {
		t.Fatalf("daemon = %+v", d)
	}
	if d.Live.State != string(lifecycle.StateIdle) {
		t.Fatalf("live state = %q", d.Live.State)
	}
}

func TestStatusCommandTable(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startDaemon(t, "cli-table")

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Daemons")
	requireContains(t, out, "cli-tabl")
	requireContains(t, out, "Idle")
	requireContains(t, out, "Environment")
}

func TestStatusCommandRejectsBothFormats(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"status", "--json", "--yaml"}, env.configPath); err == nil {
		t.Fatal("expected error for --json with --yaml")
	}
}

func TestStopCommandStopsDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	d := env.startDaemon(t, "cli-stop")

	out, _, err := runCLI(t, []string{"stop"}, env.configPath)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Daemon cli-stop stopped")

	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	events, err := env.store.StopEvents(context.Background(), time.Now().Add(-time.Minute))
	if err != nil || len(events) != 1 || events[0].Reason != lifecycle.ReasonClientStop {
		t.Fatalf("stop events = %+v, %v", events, err)
	}

	out, _, err = runCLI(t, []string{"stop"}, env.configPath)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	requireContains(t, out, "No daemons are running")
}

func TestStopWhenIdleCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	d := env.startDaemon(t, "cli-idle-stop")

	if _, _, err := runCLI(t, []string{"stop", "--when-idle"}, env.configPath); err != nil {
		t.Fatalf("stop --when-idle: %v", err)
	}
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("idle daemon did not stop")
	}
}

func TestStartCommandReusesRunningDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startDaemon(t, "cli-start")

	out, _, err := runCLI(t, []string{"start"}, env.configPath)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	requireContains(t, out, "Daemon cli-start already running")
}

func TestRenderStatusShowsStopsAndHistory(t *testing.T) {
	snapshot := &daemonctl.Snapshot{
		Daemons: []daemonctl.DaemonStatus{{
			ID:       "0123456789abcdef",
			PID:      42,
			State:    string(lifecycle.StateBroken),
			Mismatch: "build program differs",
			Live:     &protocol.StatusReply{BuildsServed: 1200},
		}},
		StopEvents: []daemonctl.StopEvent{{
			DaemonID: "feedface",
			Reason:   "idle timeout",
			Status:   registry.StopStatusCrashed,
			At:       time.Now().Add(-time.Hour),
		}},
		History: map[string]int{"succeeded": 2, "failed": 1},
	}
	var out bytes.Buffer
	renderStatus(&out, snapshot, false)
	text := out.String()
	for _, want := range []string{"01234567", "1,200", "build program differs", "idle timeout (crashed", "3 builds recorded"} {
		if !strings.Contains(text, want) {
			t.Fatalf("status output missing %q:\n%s", want, text)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       "-",
		1500 * time.Microsecond: "2ms",
		2345 * time.Millisecond: "2.3s",
	}
	for in, want := range tests {
		if got := formatDuration(in); got != want {
			t.Errorf("formatDuration(%s) = %q, want %q", in, got, want)
		}
	}
}
