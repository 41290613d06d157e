// Package logs backs `kiln logs`: it tails the daemon's current log file
// with bounded memory, optionally filtered to one invocation, and reads the
// structured event stream from a daemon's HTTP API when one is enabled.
package logs
