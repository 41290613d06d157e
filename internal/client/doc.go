// Package client runs builds against a kiln daemon over an established IPC
// connection: it sends the build command, forwards standard input, relays
// output to the caller's streams and turns context cancellation into a
// cancel request.
package client
