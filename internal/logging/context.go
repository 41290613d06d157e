package logging

import (
	"context"
	"log/slog"
	"strings"
)

type contextKey int

const (
	daemonIDKey contextKey = iota
	sessionIDKey
	invocationIDKey
)

// WithDaemonID annotates ctx with the daemon identifier.
func WithDaemonID(ctx context.Context, id string) context.Context {
	return withValue(ctx, daemonIDKey, id)
}

// WithSessionID annotates ctx with a client session identifier.
func WithSessionID(ctx context.Context, id string) context.Context {
	return withValue(ctx, sessionIDKey, id)
}

// WithInvocationID annotates ctx with a build invocation identifier.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return withValue(ctx, invocationIDKey, id)
}

// SessionIDFromContext returns the session identifier stored in ctx.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, sessionIDKey)
}

// InvocationIDFromContext returns the invocation identifier stored in ctx.
func InvocationIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, invocationIDKey)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if id, ok := stringValue(ctx, daemonIDKey); ok {
		fields = append(fields, slog.String(FieldDaemonID, id))
	}
	if id, ok := stringValue(ctx, sessionIDKey); ok {
		fields = append(fields, slog.String(FieldSessionID, id))
	}
	if id, ok := stringValue(ctx, invocationIDKey); ok {
		fields = append(fields, slog.String(FieldInvocationID, id))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}
