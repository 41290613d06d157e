// Package ipc carries protocol envelopes between kiln clients and a daemon
// over a unix domain socket.
//
// Each frame is a 4-byte big-endian length followed by one CBOR encoded
// protocol.Envelope. The Server authenticates peers with SO_PEERCRED, applies
// a per-user connection rate limit, and hands each accepted connection to a
// Handler on its own goroutine. The Client offers one-shot helpers for status
// and stop requests and exposes the underlying Conn for streaming builds.
package ipc
