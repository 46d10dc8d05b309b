//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so a kill can
// reach everything the command forked.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
