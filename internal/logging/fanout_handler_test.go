package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type failingHandler struct{ err error }

func (failingHandler) Enabled(context.Context, slog.Level) bool    { return true }
func (f failingHandler) Handle(context.Context, slog.Record) error { return f.err }
func (f failingHandler) WithAttrs([]slog.Attr) slog.Handler        { return f }
func (f failingHandler) WithGroup(string) slog.Handler             { return f }

func TestCombineHandlersSkipsNil(t *testing.T) {
	if _, ok := combineHandlers(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler for all nil handlers")
	}
	inner := slog.NewJSONHandler(&bytes.Buffer{}, nil)
	if h := combineHandlers(nil, inner); h != inner {
		t.Fatal("expected single non-nil handler to be returned unwrapped")
	}
}

func TestDestinationsRespectPerHandlerLevel(t *testing.T) {
	var out bytes.Buffer
	hub := NewStreamHub(8)
	h := combineHandlers(
		slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo}),
		newHubHandler(hub, slog.LevelDebug),
	)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected destinations enabled for debug")
	}
	logger := slog.New(h).With(slog.String(FieldDaemonID, "d1"))
	logger.Debug("waiting for client")

	if out.Len() != 0 {
		t.Fatalf("info handler received debug record: %q", out.String())
	}
	events, _ := hub.Tail(0)
	if len(events) != 1 || events[0].DaemonID != "d1" || events[0].Message != "waiting for client" {
		t.Fatalf("hub events = %+v", events)
	}
}

func TestDestinationsJoinErrors(t *testing.T) {
	first := errors.New("disk full")
	second := errors.New("pipe closed")
	var out bytes.Buffer
	h := combineHandlers(failingHandler{first}, slog.NewTextHandler(&out, nil), failingHandler{second})

	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "build finished", 0))
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("err = %v, want both failures", err)
	}
	if !strings.Contains(out.String(), "build finished") {
		t.Fatalf("healthy destination skipped: %q", out.String())
	}
}
