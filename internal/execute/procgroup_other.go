//go:build !unix

package execute

import (
	"os"
	"os/exec"
	"time"
)

func configureProcessGroup(cmd *exec.Cmd, _ time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}

func exitCode(state *os.ProcessState) int {
	return state.ExitCode()
}
