//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setupProcessAttributes(cmd *exec.Cmd) {
	// No process-group setup on Windows; termination falls back to
	// killing the service process itself.
}

// sendTerminationSignal has no graceful SIGTERM equivalent on Windows;
// the process is terminated directly and the supervisor's force-kill
// path becomes a no-op.
func sendTerminationSignal(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}
