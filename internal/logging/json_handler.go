package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"
)

// jsonLine is the on-disk shape of a JSON log record. Its keys match
// LogEvent, so log files and the /api/logs stream decode the same way.
type jsonLine struct {
	Timestamp    string            `json:"ts"`
	Level        string            `json:"level"`
	Message      string            `json:"msg"`
	Component    string            `json:"component,omitempty"`
	DaemonID     string            `json:"daemon_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	InvocationID string            `json:"invocation_id,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

type jsonHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	addSource bool
	attrs     []slog.Attr
	groups    []string
}

func newJSONHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return &jsonHandler{mu: &sync.Mutex{}, w: w, level: lvl, addSource: addSource}
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	attrs := slices.Clip(h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, h.qualify(attr))
		return true
	})
	evt := eventFromRecord(slog.NewRecord(record.Time, record.Level, record.Message, 0), attrs)

	line := jsonLine{
		Timestamp:    evt.Timestamp.Format(time.RFC3339Nano),
		Level:        strings.ToLower(record.Level.String()),
		Message:      evt.Message,
		Component:    evt.Component,
		DaemonID:     evt.DaemonID,
		SessionID:    evt.SessionID,
		InvocationID: evt.InvocationID,
		Fields:       evt.Fields,
	}
	if h.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if line.Fields == nil {
			line.Fields = make(map[string]string, 1)
		}
		line.Fields["source"] = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
	}

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(data)
	return err
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = slices.Clip(h.attrs)
	for _, attr := range attrs {
		clone.attrs = append(clone.attrs, h.qualify(attr))
	}
	return &clone
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(slices.Clip(h.groups), name)
	return &clone
}

// qualify prefixes attr's key with the open groups. Kiln's identity keys
// stay top-level regardless of grouping.
func (h *jsonHandler) qualify(attr slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return attr
	}
	switch attr.Key {
	case FieldComponent, FieldDaemonID, FieldSessionID, FieldInvocationID:
		return attr
	}
	attr.Key = strings.Join(h.groups, ".") + "." + attr.Key
	return attr
}
