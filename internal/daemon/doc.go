// Package daemon coordinates one long-running kiln daemon process.
//
// It wires configuration, the daemon registry, the lifecycle controller, the
// session registry, the command dispatcher and the IPC server into a single
// lifecycle, with flock-based locking so a daemon id is served by exactly one
// process. The daemon mirrors its lifecycle state into the registry, records a
// stop event when it exits, and optionally exposes an HTTP status and metrics
// API.
//
// Keep orchestration here: protocol handling lives in dispatch and state rules
// in lifecycle.
package daemon
