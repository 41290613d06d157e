//go:build unix

package fileutil

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ProcessAlive reports whether a process with pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM: the process exists but belongs to another user.
	return err == nil || errors.Is(err, unix.EPERM)
}

// TerminateProcess sends SIGTERM, or SIGKILL when force is set.
func TerminateProcess(pid int, force bool) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	return unix.Kill(pid, sig)
}
