// Package execute runs the configured build program for one invocation.
//
// The program runs in its own process group with the client's arguments,
// working directory and environment. Output is split into bounded chunks
// before it reaches the caller's writers. Cancelling the context sends
// SIGTERM to the whole group and SIGKILL after the grace period.
package execute
