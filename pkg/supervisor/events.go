package supervisor

import (
	"io"

	"github.com/stackd/stackd/pkg/health"
	"github.com/stackd/stackd/pkg/process"
)

// All communication with the supervisor loop travels through a single
// inbound queue: external commands, spawn results, process exits and
// health transitions are just messages processed in arrival order by
// one goroutine. That makes run state a single-writer structure with no
// locks.

type event interface {
	isEvent()
}

// CommandKind enumerates the external lifecycle requests
type CommandKind string

const (
	CommandStart   CommandKind = "start"
	CommandStop    CommandKind = "stop"
	CommandRestart CommandKind = "restart"
	CommandStatus  CommandKind = "status"
)

// Command is a transient request targeting one service or the whole
// stack (empty Service means all)
type Command struct {
	Kind    CommandKind
	Service string
	Force   bool // stop only the target, do not cascade to dependents
}

// commandEvent carries a command plus its reply channel
type commandEvent struct {
	command Command
	reply   chan commandReply
}

func (commandEvent) isEvent() {}

type commandReply struct {
	err      error
	statuses []ServiceStatus
	logs     io.ReadCloser
}

// spawnResultEvent delivers the outcome of an off-loop spawn
type spawnResultEvent struct {
	service string
	gen     int
	handle  process.Handle
	err     error
}

func (spawnResultEvent) isEvent() {}

// processExitEvent delivers a process exit observed by the watcher
// goroutine
type processExitEvent struct {
	service string
	gen     int
	status  process.ExitStatus
}

func (processExitEvent) isEvent() {}

// healthEvent delivers a hysteresis-filtered health transition
type healthEvent struct {
	transition health.Transition
	gen        int
}

func (healthEvent) isEvent() {}

// restartDueEvent fires when a backoff delay has elapsed
type restartDueEvent struct {
	service string
	gen     int
}

func (restartDueEvent) isEvent() {}

// shutdownEvent asks the loop to drain and exit
type shutdownEvent struct {
	reply chan struct{}
}

func (shutdownEvent) isEvent() {}
