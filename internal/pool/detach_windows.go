//go:build windows

package pool

import (
	"os"
	"os/exec"
)

func detach(cmd *exec.Cmd) {
	// No process-group detach needed on Windows; the worker is not
	// attached to the daemon's console by default.
}

func killProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
