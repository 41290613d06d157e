package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

// destinations delivers each record to every handler whose level accepts it.
// A daemon logger combines its output format handler with the stream hub
// publisher this way, so the two keep independent attrs and levels.
type destinations []slog.Handler

// combineHandlers drops nil handlers and returns the remaining one
// unwrapped when only one is left.
func combineHandlers(handlers ...slog.Handler) slog.Handler {
	handlers = slices.DeleteFunc(slices.Clone(handlers), func(h slog.Handler) bool { return h == nil })
	switch len(handlers) {
	case 0:
		return NoopHandler{}
	case 1:
		return handlers[0]
	}
	return destinations(handlers)
}

func (d destinations) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(d, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

// Handle reports every destination's failure, not only the first.
func (d destinations) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range d {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d destinations) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return d
	}
	return d.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (d destinations) WithGroup(name string) slog.Handler {
	if name == "" {
		return d
	}
	return d.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (d destinations) each(derive func(slog.Handler) slog.Handler) destinations {
	next := make(destinations, len(d))
	for i, h := range d {
		next[i] = derive(h)
	}
	return next
}
