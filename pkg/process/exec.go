package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/logging"
)

// execSpawner launches real OS processes via os/exec
type execSpawner struct {
	logger logging.Logger
}

// NewExecSpawner returns a Spawner backed by os/exec
func NewExecSpawner(logger logging.Logger) Spawner {
	return &execSpawner{logger: logger}
}

func (s *execSpawner) Spawn(ctx context.Context, request SpawnRequest) (Handle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("service", request.Service)
	}
	if request.Command == "" {
		return nil, errors.NewValidationError("command cannot be empty", nil).WithContext("service", request.Service)
	}

	workDir := request.WorkingDirectory
	if workDir == "" {
		if resolved, err := exec.LookPath(request.Command); err == nil {
			if absPath, err := filepath.Abs(resolved); err == nil {
				workDir = filepath.Dir(absPath)
			}
		}
	}

	env := os.Environ()
	env = append(env, request.Environment...)

	s.logger.Debugf("Spawning process, service: %s, command: '%s', args: %v, working directory: '%s'",
		request.Service, request.Command, request.Args, workDir)

	cmd := exec.Command(request.Command, request.Args...)
	cmd.Dir = workDir
	cmd.Env = env

	// Platform-specific setup lives in exec_unix.go / exec_windows.go
	setupProcessAttributes(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewSpawnError("failed to create stdout pipe", err).WithContext("service", request.Service)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.NewSpawnError("failed to start process", err).
			WithContext("service", request.Service).
			WithContext("command", request.Command)
	}

	if ctx.Err() != nil {
		s.logger.Infof("Context cancelled during spawn, killing process, service: %s", request.Service)
		cmd.Process.Kill()
		return nil, errors.NewCancelledError("spawn cancelled", ctx.Err()).WithContext("service", request.Service)
	}

	s.logger.Infof("Process spawned, service: %s, PID: %d", request.Service, cmd.Process.Pid)

	handle := &execHandle{
		cmd:     cmd,
		output:  newOutputBuffer(0),
		drained: make(chan struct{}),
		done:    make(chan ExitStatus, 1),
	}
	go handle.drain(stdout)
	go handle.wait()

	return handle, nil
}

// execHandle wraps a spawned exec.Cmd
type execHandle struct {
	cmd     *exec.Cmd
	output  *outputBuffer
	drained chan struct{}
	done    chan ExitStatus
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Stdout() io.ReadCloser {
	return h.output.NewReader()
}

func (h *execHandle) Terminate() error {
	return sendTerminationSignal(h.cmd.Process.Pid)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) Done() <-chan ExitStatus {
	return h.done
}

// drain consumes the merged output pipe continuously so the process
// never blocks on a full pipe buffer, whether or not a logs client is
// attached. The tail is retained for the logs operation.
func (h *execHandle) drain(pipe io.ReadCloser) {
	io.Copy(h.output, pipe)
	h.output.Close()
	close(h.drained)
}

func (h *execHandle) wait() {
	// the pipe must be fully consumed before Wait closes it
	<-h.drained
	err := h.cmd.Wait()
	status := ExitStatus{Code: -1}
	if err == nil {
		status = ExitStatus{Code: 0}
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		status = ExitStatus{Code: exitErr.ExitCode()}
	} else {
		status.Err = err
	}
	h.done <- status
}
