package logging

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestHubHandlerKeepsWithAttrs(t *testing.T) {
	hub := NewStreamHub(100)
	logger := slog.New(newHubHandler(hub, slog.LevelInfo)).With(slog.String(FieldInvocationID, "inv-42"))

	logger.Info("test message", slog.String("extra", "value"))

	events, _ := hub.Tail(10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].InvocationID != "inv-42" {
		t.Errorf("expected invocation_id=inv-42, got %q", events[0].InvocationID)
	}
	if events[0].Fields["extra"] != "value" {
		t.Errorf("expected extra field, got %v", events[0].Fields)
	}
}

func TestStreamHubEvictsOldest(t *testing.T) {
	hub := NewStreamHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish(LogEvent{Message: "line"})
	}
	if got := hub.FirstSequence(); got != 3 {
		t.Fatalf("FirstSequence = %d, want 3", got)
	}
	events, next := hub.Tail(0)
	if len(events) != 3 || next != 5 {
		t.Fatalf("Tail returned %d events next=%d", len(events), next)
	}
}

func TestStreamHubFetchSince(t *testing.T) {
	hub := NewStreamHub(10)
	for i := 0; i < 4; i++ {
		hub.Publish(LogEvent{Message: "line"})
	}
	events, next, err := hub.Fetch(context.Background(), 2, 1, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 3 || next != 4 {
		t.Fatalf("unexpected fetch result: %+v next=%d", events, next)
	}
}

func TestStreamHubFetchWaitsForPublish(t *testing.T) {
	hub := NewStreamHub(10)
	go func() {
		time.Sleep(20 * time.Millisecond)
		hub.Publish(LogEvent{Message: "late"})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, _, err := hub.Fetch(ctx, 0, 10, true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 || events[0].Message != "late" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStreamHubFetchHonorsCancellation(t *testing.T) {
	hub := NewStreamHub(10)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := hub.Fetch(ctx, 0, 10, true); err == nil {
		t.Fatal("expected context error")
	}
}

func TestEventArchiveReplaysSinkEvents(t *testing.T) {
	archive, err := NewEventArchive(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("NewEventArchive: %v", err)
	}
	t.Cleanup(func() { _ = archive.Close() })

	hub := NewStreamHub(2)
	hub.AddSink(archive)
	for i := 0; i < 4; i++ {
		hub.Publish(LogEvent{Message: "line"})
	}

	events, highest, err := archive.ReadSince(1, 0)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(events) != 3 || highest != 4 {
		t.Fatalf("ReadSince returned %d events highest=%d", len(events), highest)
	}
}
