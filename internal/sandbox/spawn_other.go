//go:build !unix

package sandbox

import "os/exec"

// Process groups are a Unix notion; elsewhere we fall back to killing the
// direct child only.
func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
