// Package logging assembles structured slog loggers and formatting helpers used
// across Kiln's client and daemon.
//
// It owns the console handler and the JSON handler, whose records share the
// LogEvent schema, the in-memory StreamHub that backs live log streaming from
// a running daemon, the on-disk EventArchive journal indexed by build
// invocation, and context helpers that tag log lines with daemon, session, and
// invocation identifiers. A no-op logger is provided for tests and wiring code.
package logging
