package process

import (
	"context"
	"io"
)

// ExitStatus describes how a process ended
type ExitStatus struct {
	Code int   // exit code, -1 if unknown
	Err  error // wait error, nil on clean exit
}

// Handle is the supervisor's view of one running process. Implemented
// by the exec-based spawner in production and by a scriptable fake in
// tests, so restart and backoff policy stays testable without a real
// process manager.
type Handle interface {
	// PID returns the operating system process ID
	PID() int

	// Stdout returns an independent reader over the retained merged
	// stdout/stderr output. Multiple readers may be open at once;
	// closing one never affects the process or other readers.
	Stdout() io.ReadCloser

	// Terminate requests graceful shutdown (SIGTERM to the process
	// group on Unix)
	Terminate() error

	// Kill forces immediate termination
	Kill() error

	// Done delivers the exit status exactly once when the process
	// exits, whether terminated by the supervisor or on its own
	Done() <-chan ExitStatus
}

// SpawnRequest carries everything needed to launch one service process
type SpawnRequest struct {
	Service          string
	Command          string
	Args             []string
	Environment      []string // fully resolved KEY=VALUE entries
	WorkingDirectory string
}

// Spawner launches service processes. The supervisor only ever talks to
// this interface.
type Spawner interface {
	Spawn(ctx context.Context, request SpawnRequest) (Handle, error)
}
