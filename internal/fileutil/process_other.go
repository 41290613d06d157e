//go:build !unix

package fileutil

import (
	"errors"
	"os"
)

// ProcessAlive reports whether a process with pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// TerminateProcess kills the process; graceful termination is not available.
func TerminateProcess(pid int, _ bool) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
