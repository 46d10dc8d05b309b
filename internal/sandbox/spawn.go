package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// spawnProcess is the default Spawner. It runs argv directly with no shell,
// captures stdout and stderr separately, and kills the whole process group
// on context cancellation so timed-out children cannot leave orphans behind.
func spawnProcess(ctx context.Context, argv []string, dir string, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}

	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// nonzero exit is reported through the code, not the error
		err = nil
	}
	return stdout.String(), stderr.String(), exitCode, err
}
