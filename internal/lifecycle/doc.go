// Package lifecycle implements the daemon state machine.
//
// A daemon is idle, busy running one build, canceled while that build winds
// down, stop_requested while a requested stop waits for the build, and finally
// stopped or broken. The Controller arms an idle-expiry timer whenever the
// daemon becomes idle, enforces the cancel timeout, and runs periodic health
// checks. Time flows through an injectable clock so tests drive it directly.
package lifecycle
