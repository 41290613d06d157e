//go:build unix

package execute

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		group := -cmd.Process.Pid
		if err := unix.Kill(group, unix.SIGTERM); err != nil {
			return unix.Kill(group, unix.SIGKILL)
		}
		if grace > 0 {
			time.AfterFunc(grace, func() {
				// ESRCH once the group has exited.
				_ = unix.Kill(group, unix.SIGKILL)
			})
		} else {
			_ = unix.Kill(group, unix.SIGKILL)
		}
		return nil
	}
}

// exitCode maps termination by signal to the shell convention 128+signal.
func exitCode(state *os.ProcessState) int {
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}
