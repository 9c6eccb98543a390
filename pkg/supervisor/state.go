package supervisor

import (
	"fmt"
	"time"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/health"
	"github.com/stackd/stackd/pkg/process"
)

// Phase represents the current point of a service in its lifecycle
type Phase string

const (
	// PhasePending means a start has been requested but dependencies
	// are not yet satisfied
	PhasePending Phase = "pending"

	// PhaseStarting means the spawn is in flight or the process is up
	// but not yet confirmed healthy
	PhaseStarting Phase = "starting"

	// PhaseHealthy means the process is running and the health monitor
	// confirms readiness
	PhaseHealthy Phase = "healthy"

	// PhaseUnhealthy means the process is running but the health
	// monitor reports it unready
	PhaseUnhealthy Phase = "unhealthy"

	// PhaseRestarting means the supervisor is waiting out a backoff
	// delay before spawning again
	PhaseRestarting Phase = "restarting"

	// PhaseStopping means a termination sequence is in progress
	PhaseStopping Phase = "stopping"

	// PhaseStopped means the service stopped cleanly
	PhaseStopped Phase = "stopped"

	// PhaseFailed is terminal until an explicit new start; it always
	// carries the last failure reason
	PhaseFailed Phase = "failed"
)

// validTransitions defines the per-service state machine
var validTransitions = map[Phase][]Phase{
	PhasePending: {
		PhaseStarting, // dependencies satisfied, spawn initiated
		PhaseStopped,  // stop before the service ever spawned
		PhaseFailed,   // dependency failed terminally (cascade)
	},
	PhaseStarting: {
		PhaseHealthy,    // confirmed ready (or no health check configured)
		PhaseRestarting, // spawn failed or process exited, retrying
		PhaseStopping,   // stop honored mid-start
		PhaseStopped,    // clean exit before confirmed healthy
		PhaseFailed,     // spawn failed terminally
	},
	PhaseHealthy: {
		PhaseUnhealthy,  // health monitor threshold crossed
		PhaseRestarting, // process exited, policy restarts it
		PhaseStopping,   // stop requested
		PhaseStopped,    // clean exit under on-failure policy
		PhaseFailed,     // process exited terminally
	},
	PhaseUnhealthy: {
		PhaseHealthy,    // health recovered before intervention
		PhaseRestarting, // policy-driven restart
		PhaseStopping,   // stop requested
		PhaseStopped,    // clean exit under on-failure policy
		PhaseFailed,     // process exited terminally
	},
	PhaseRestarting: {
		PhaseStarting, // backoff elapsed, spawning again
		PhaseStopped,  // stop honored during backoff
		PhaseFailed,   // max restarts exceeded or cascade
	},
	PhaseStopping: {
		PhaseStopped, // termination completed
		PhaseFailed,  // cascade from a failed dependency
	},
	PhaseStopped: {
		PhasePending, // new start requested
	},
	PhaseFailed: {
		PhasePending, // explicit retry after terminal failure
	},
}

func canTransition(from, to Phase) bool {
	for _, valid := range validTransitions[from] {
		if valid == to {
			return true
		}
	}
	return false
}

// stopKind records why a stop sequence was initiated, so the exit event
// knows which phase to land in
type stopKind int

const (
	stopKindNone    stopKind = iota
	stopKindCommand          // external Stop command
	stopKindCascade          // dependency failed terminally
)

// runState is the per-service mutable record. It is created when a
// start is requested and owned exclusively by the supervisor loop;
// nothing outside the loop ever touches it.
type runState struct {
	name  string
	phase Phase

	handle  process.Handle
	monitor *health.Monitor

	// spawnGen correlates async spawn/exit/health events with the
	// process instance they belong to; stale events are dropped
	spawnGen int

	// exited is closed by the exit watcher; lets the termination
	// goroutine cancel its force-kill timer without consuming the exit
	// status
	exited chan struct{}

	desired        bool     // true while a start is in effect
	pendingStop    stopKind // stop intent, honored even mid-Starting
	forcedStop     bool
	manualRestart  bool // operator restart: skip backoff, budget reset
	restartCount   int
	lastTransition time.Time
	startedAt      time.Time // zero unless the process is up
	failureReason  string
	cascadeFrom    string // dependency whose failure cascaded here
}

// transition applies a phase change with state machine validation.
// Invalid transitions indicate a supervisor bug and are surfaced as
// internal errors.
func (rs *runState) transition(to Phase, reason string) error {
	if !canTransition(rs.phase, to) {
		return errors.NewInternalError(
			fmt.Sprintf("invalid phase transition from %s to %s", rs.phase, to),
			nil,
		).WithContext("service", rs.name).WithContext("reason", reason)
	}
	rs.phase = to
	rs.lastTransition = time.Now()
	if to == PhaseFailed {
		rs.failureReason = reason
	}
	return nil
}

// active reports whether the service currently has (or may soon have) a
// live process attached
func (rs *runState) active() bool {
	switch rs.phase {
	case PhaseStarting, PhaseHealthy, PhaseUnhealthy, PhaseRestarting, PhaseStopping:
		return true
	default:
		return false
	}
}

// ServiceStatus is the immutable snapshot of one service's run state,
// returned by status queries
type ServiceStatus struct {
	Name           string        `json:"name"`
	Phase          Phase         `json:"phase"`
	PID            int           `json:"pid,omitempty"`
	RestartCount   int           `json:"restart_count"`
	Uptime         time.Duration `json:"uptime,omitempty"`
	LastTransition time.Time     `json:"last_transition"`
	FailureReason  string        `json:"failure_reason,omitempty"`
}

func (rs *runState) snapshot() ServiceStatus {
	status := ServiceStatus{
		Name:           rs.name,
		Phase:          rs.phase,
		RestartCount:   rs.restartCount,
		LastTransition: rs.lastTransition,
		FailureReason:  rs.failureReason,
	}
	if rs.handle != nil {
		status.PID = rs.handle.PID()
	}
	if !rs.startedAt.IsZero() {
		status.Uptime = time.Since(rs.startedAt)
	}
	return status
}
