//go:build unix

package pool

import (
	"os/exec"
	"syscall"
)

// detach places the worker in its own process group so it is not tied to
// the daemon's controlling terminal or signal delivery.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup SIGKILLs the worker's whole process group
func killProcessGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Group may already be gone; fall back to the lone process.
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}
