//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes configures Unix-specific process attributes.
// Each service gets its own process group so termination signals reach
// the entire process tree.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// sendTerminationSignal sends SIGTERM to the process group (negative
// PID) so children are terminated together with the service process.
func sendTerminationSignal(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
