package supervisor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/graph"
	"github.com/stackd/stackd/pkg/health"
	"github.com/stackd/stackd/pkg/logging"
	"github.com/stackd/stackd/pkg/process"
	"github.com/stackd/stackd/pkg/secrets"
	"github.com/stackd/stackd/pkg/spec"
)

// Options configures supervisor behavior
type Options struct {
	// ReadinessGate controls whether dependents wait for healthy
	// dependencies or merely spawned ones
	ReadinessGate spec.ReadinessGate

	// GracePeriod bounds graceful termination before force kill
	GracePeriod time.Duration

	// ProbePoolSize bounds concurrently executing health probes
	ProbePoolSize int
}

// Metrics receives lifecycle observations. Implemented by the monitor
// package; a no-op implementation is used when metrics are disabled.
type Metrics interface {
	ServiceUp(service string, up bool)
	RestartRecorded(service string, reason string)
	HealthFailureRecorded(service string)
}

type nopMetrics struct{}

func (nopMetrics) ServiceUp(string, bool)         {}
func (nopMetrics) RestartRecorded(string, string) {}
func (nopMetrics) HealthFailureRecorded(string)   {}

// waiter is a deferred command reply, re-evaluated after every event
type waiter struct {
	check func() (bool, error)
	reply chan commandReply
}

// Supervisor owns the run state of every service in the graph. One
// control loop consumes a single inbound event queue; spawns, probes
// and terminations run off-loop and report back as events.
type Supervisor struct {
	options Options
	graph   *graph.Graph
	spawner process.Spawner
	store   secrets.Store
	metrics Metrics
	logger  logging.Logger

	events chan event
	pool   health.Pool

	// loop-owned state, never touched outside the loop goroutine
	states  map[string]*runState
	waiters []*waiter

	loopDone chan struct{}
}

// NewSupervisor creates a supervisor for a resolved service graph. Call
// Start to launch the control loop.
func NewSupervisor(g *graph.Graph, spawner process.Spawner, store secrets.Store, options Options, logger logging.Logger) *Supervisor {
	if options.GracePeriod <= 0 {
		options.GracePeriod = 10 * time.Second
	}
	if options.ReadinessGate == "" {
		options.ReadinessGate = spec.ReadinessGateHealthy
	}

	states := make(map[string]*runState)
	for _, name := range g.Names() {
		states[name] = &runState{
			name:           name,
			phase:          PhaseStopped,
			lastTransition: time.Now(),
		}
	}

	return &Supervisor{
		options:  options,
		graph:    g,
		spawner:  spawner,
		store:    store,
		metrics:  nopMetrics{},
		logger:   logger,
		events:   make(chan event, 256),
		pool:     health.NewPool(options.ProbePoolSize),
		states:   states,
		loopDone: make(chan struct{}),
	}
}

// SetMetrics installs a metrics sink. Must be called before Start.
func (s *Supervisor) SetMetrics(metrics Metrics) {
	if metrics != nil {
		s.metrics = metrics
	}
}

// Start launches the control loop
func (s *Supervisor) Start() {
	s.logger.Infof("Supervisor starting, services: %d, readiness gate: %s", s.graph.Len(), s.options.ReadinessGate)
	go s.loop()
}

// Shutdown stops all services (reverse-topological) and terminates the
// control loop. Bounded by the context deadline plus the grace period.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Infof("Supervisor shutting down...")

	err := s.StopAll(ctx)

	reply := make(chan struct{})
	select {
	case s.events <- shutdownEvent{reply: reply}:
		select {
		case <-reply:
		case <-ctx.Done():
			return errors.NewCancelledError("shutdown cancelled", ctx.Err())
		}
	case <-ctx.Done():
		return errors.NewCancelledError("shutdown cancelled", ctx.Err())
	}

	s.logger.Infof("Supervisor stopped")
	return err
}

// StartAll requests a start of every service. Returns once the request
// is accepted; use WaitSettled to block until the stack converges.
func (s *Supervisor) StartAll(ctx context.Context) error {
	_, err := s.submit(ctx, Command{Kind: CommandStart})
	return err
}

// StartService starts one service and its transitive dependencies.
// Blocks until the target's process has spawned (not until healthy) or
// the start failed terminally.
func (s *Supervisor) StartService(ctx context.Context, name string) error {
	_, err := s.submit(ctx, Command{Kind: CommandStart, Service: name})
	return err
}

// StopAll stops every service in reverse-topological order
func (s *Supervisor) StopAll(ctx context.Context) error {
	_, err := s.submit(ctx, Command{Kind: CommandStop})
	return err
}

// StopService stops one service. Dependents are stopped first
// (cascading, reverse-topological) unless force is set, in which case
// the dependency is stopped alone and the risk to dependents is
// reported but not enforced.
func (s *Supervisor) StopService(ctx context.Context, name string, force bool) error {
	_, err := s.submit(ctx, Command{Kind: CommandStop, Service: name, Force: force})
	return err
}

// RestartService stops and re-spawns one service, resetting its restart
// budget. Blocks until the new process has spawned.
func (s *Supervisor) RestartService(ctx context.Context, name string) error {
	_, err := s.submit(ctx, Command{Kind: CommandRestart, Service: name})
	return err
}

// Status returns a snapshot of every service's run state, sorted by
// name. The snapshot is taken inside the loop, so it is always
// internally consistent.
func (s *Supervisor) Status(ctx context.Context) ([]ServiceStatus, error) {
	reply, err := s.submit(ctx, Command{Kind: CommandStatus})
	if err != nil {
		return nil, err
	}
	return reply.statuses, nil
}

// ServiceStatusByName returns the snapshot of one service
func (s *Supervisor) ServiceStatusByName(ctx context.Context, name string) (ServiceStatus, error) {
	statuses, err := s.Status(ctx)
	if err != nil {
		return ServiceStatus{}, err
	}
	for _, status := range statuses {
		if status.Name == name {
			return status, nil
		}
	}
	return ServiceStatus{}, errors.NewNotFoundError("service not found", nil).WithContext("service", name)
}

// WaitSettled blocks until no service is in a transitional phase.
// Returns a CascadeError-bearing collection if any service settled in
// Failed.
func (s *Supervisor) WaitSettled(ctx context.Context) error {
	reply := make(chan commandReply, 1)
	event := commandEvent{
		command: Command{Kind: commandKindWait},
		reply:   reply,
	}
	select {
	case s.events <- event:
	case <-ctx.Done():
		return errors.NewCancelledError("wait cancelled", ctx.Err())
	}
	select {
	case r := <-reply:
		return r.err
	case <-ctx.Done():
		return errors.NewCancelledError("wait cancelled", ctx.Err())
	}
}

// Logs returns the merged stdout/stderr stream of a running service.
// Byte-stream retention is the process layer's concern; this is a pure
// pass-through.
func (s *Supervisor) Logs(ctx context.Context, name string) (io.ReadCloser, error) {
	reply, err := s.submit(ctx, Command{Kind: commandKindLogs, Service: name})
	if err != nil {
		return nil, err
	}
	return reply.logs, nil
}

// internal command kinds not part of the public enum
const (
	commandKindWait CommandKind = "wait"
	commandKindLogs CommandKind = "logs"
)

func (s *Supervisor) submit(ctx context.Context, command Command) (commandReply, error) {
	if ctx == nil {
		return commandReply{}, errors.NewValidationError("context cannot be nil", nil)
	}

	reply := make(chan commandReply, 1)
	select {
	case s.events <- commandEvent{command: command, reply: reply}:
	case <-ctx.Done():
		return commandReply{}, errors.NewCancelledError("command cancelled", ctx.Err())
	case <-s.loopDone:
		return commandReply{}, errors.NewInternalError("supervisor is not running", nil)
	}

	select {
	case r := <-reply:
		return r, r.err
	case <-ctx.Done():
		return commandReply{}, errors.NewCancelledError("command cancelled", ctx.Err())
	case <-s.loopDone:
		return commandReply{}, errors.NewInternalError("supervisor stopped before replying", nil)
	}
}

// ===== control loop =====

func (s *Supervisor) loop() {
	defer close(s.loopDone)

	for raw := range s.events {
		switch e := raw.(type) {
		case commandEvent:
			s.handleCommand(e)
		case spawnResultEvent:
			s.handleSpawnResult(e)
		case processExitEvent:
			s.handleProcessExit(e)
		case healthEvent:
			s.handleHealth(e)
		case restartDueEvent:
			s.handleRestartDue(e)
		case shutdownEvent:
			close(e.reply)
			return
		}

		s.reconcile()
		s.evaluateWaiters()
	}
}

func (s *Supervisor) post(e event) {
	select {
	case s.events <- e:
	case <-s.loopDone:
	}
}

// ===== command handling =====

func (s *Supervisor) handleCommand(e commandEvent) {
	command := e.command

	if command.Service != "" {
		if _, exists := s.states[command.Service]; !exists {
			e.reply <- commandReply{err: errors.NewNotFoundError("service not found", nil).WithContext("service", command.Service)}
			return
		}
	}

	switch command.Kind {
	case CommandStart:
		s.commandStart(e)
	case CommandStop:
		s.commandStop(e)
	case CommandRestart:
		s.commandRestart(e)
	case CommandStatus:
		e.reply <- commandReply{statuses: s.snapshotAll()}
	case commandKindWait:
		s.addWaiter(&waiter{check: s.checkSettled, reply: e.reply})
	case commandKindLogs:
		s.commandLogs(e)
	default:
		e.reply <- commandReply{err: errors.NewValidationError(
			fmt.Sprintf("unknown command kind: %s", command.Kind), nil)}
	}
}

func (s *Supervisor) commandStart(e commandEvent) {
	var targets []string
	if e.command.Service == "" {
		targets = s.graph.Names()
	} else {
		targets = s.withTransitiveDependencies(e.command.Service)
	}

	for _, name := range targets {
		state := s.states[name]
		if state.active() {
			// a stop may be completing; record the intent so the stop
			// completion re-enters Pending instead of settling Stopped
			state.desired = true
			continue
		}
		if state.phase == PhaseStopped || state.phase == PhaseFailed {
			if err := state.transition(PhasePending, "start requested"); err != nil {
				s.logger.Errorf("Start bookkeeping failed, service: %s, error: %v", name, err)
				continue
			}
		}
		state.desired = true
		state.pendingStop = stopKindNone
		state.forcedStop = false
		state.manualRestart = false
		state.cascadeFrom = ""
		state.failureReason = ""
		state.restartCount = 0
		s.logger.Infof("Start requested, service: %s", name)
	}

	if e.command.Service == "" {
		e.reply <- commandReply{}
		return
	}

	// Single-service start replies once the target has spawned (or
	// failed terminally); readiness is reported asynchronously.
	target := e.command.Service
	s.addWaiter(&waiter{
		check: func() (bool, error) { return s.checkSpawned(target) },
		reply: e.reply,
	})
}

func (s *Supervisor) commandStop(e commandEvent) {
	var set []string
	if e.command.Service == "" {
		set = s.graph.Names()
	} else if e.command.Force {
		set = []string{e.command.Service}
		for _, dependent := range s.graph.Dependents(e.command.Service) {
			if s.states[dependent].active() {
				s.logger.Warnf("Forced stop leaves dependent without its dependency, service: %s, dependent: %s",
					e.command.Service, dependent)
			}
		}
	} else {
		set = append(s.graph.TransitiveDependents(e.command.Service), e.command.Service)
	}

	for _, name := range set {
		state := s.states[name]
		state.desired = false
		if name == e.command.Service {
			state.forcedStop = e.command.Force
		}
		switch {
		case state.phase == PhasePending:
			if err := state.transition(PhaseStopped, "stopped before start"); err != nil {
				s.logger.Errorf("Stop bookkeeping failed, service: %s, error: %v", name, err)
			}
		case state.active():
			if state.pendingStop == stopKindNone {
				state.pendingStop = stopKindCommand
				s.logger.Infof("Stop requested, service: %s, phase: %s", name, state.phase)
			}
		}
	}

	stopSet := append([]string(nil), set...)
	s.addWaiter(&waiter{
		check: func() (bool, error) {
			for _, name := range stopSet {
				state := s.states[name]
				// a later start supersedes this stop
				if state.active() && !state.desired {
					return false, nil
				}
			}
			return true, nil
		},
		reply: e.reply,
	})
}

func (s *Supervisor) commandRestart(e commandEvent) {
	name := e.command.Service
	state := s.states[name]

	if !state.active() {
		// Equivalent to a fresh start
		s.commandStart(e)
		return
	}

	s.logger.Infof("Restart requested, service: %s, phase: %s", name, state.phase)
	state.restartCount = 0
	state.manualRestart = true
	state.desired = true

	switch {
	case state.phase == PhaseHealthy || state.phase == PhaseUnhealthy || (state.phase == PhaseStarting && state.handle != nil):
		if err := state.transition(PhaseRestarting, "manual restart"); err != nil {
			e.reply <- commandReply{err: err}
			return
		}
		s.beginTermination(state)
	case state.phase == PhaseRestarting && state.handle == nil:
		// waiting out a backoff delay; spawn now instead
		state.manualRestart = false
		s.beginSpawn(state)
	}
	// mid-spawn or mid-termination: intent is recorded, the spawn
	// result / exit handler picks it up

	s.addWaiter(&waiter{
		check: func() (bool, error) { return s.checkSpawned(name) },
		reply: e.reply,
	})
}

func (s *Supervisor) commandLogs(e commandEvent) {
	state := s.states[e.command.Service]
	if state.handle == nil {
		e.reply <- commandReply{err: errors.NewNotFoundError("service has no running process", nil).
			WithContext("service", e.command.Service).
			WithContext("phase", string(state.phase))}
		return
	}
	e.reply <- commandReply{logs: state.handle.Stdout()}
}

func (s *Supervisor) withTransitiveDependencies(name string) []string {
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range s.graph.Dependencies(current) {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	// follow resolved start order for determinism
	var result []string
	for _, ordered := range s.graph.StartOrder() {
		if seen[ordered] {
			result = append(result, ordered)
		}
	}
	return result
}

// ===== reconciliation =====

// reconcile drives pending starts and stops after every event. Start
// order follows the resolved topological sequence; services with no
// dependency relationship may proceed concurrently.
func (s *Supervisor) reconcile() {
	// Cascade terminal dependency failures to pending dependents
	for _, name := range s.graph.StartOrder() {
		state := s.states[name]
		if state.phase != PhasePending || !state.desired {
			continue
		}
		for _, dep := range s.graph.Dependencies(name) {
			if s.states[dep].phase == PhaseFailed {
				s.failCascade(state, dep)
				break
			}
		}
	}

	// Launch services whose dependencies are satisfied
	for _, name := range s.graph.StartOrder() {
		state := s.states[name]
		if state.phase != PhasePending || !state.desired {
			continue
		}
		if !s.dependenciesSatisfied(name) {
			continue
		}
		s.beginSpawn(state)
	}

	// Begin terminations once dependents are down (dependents stop
	// before their dependency unless the stop was forced)
	for _, name := range s.graph.StopOrder() {
		state := s.states[name]
		if state.pendingStop == stopKindNone || state.phase == PhaseStopping {
			continue
		}
		if !state.active() {
			continue
		}
		if state.phase == PhaseStarting && state.handle == nil {
			// spawn in flight; intent is honored when the handle
			// becomes available
			continue
		}
		if !state.forcedStop && s.anyDependentActive(name) {
			continue
		}
		if state.phase == PhaseRestarting {
			if state.handle == nil {
				// waiting out a backoff delay; nothing to terminate
				s.finishStopWithoutProcess(state)
				// the spawn pass above has already run this cycle
				if state.phase == PhasePending && state.desired && s.dependenciesSatisfied(name) {
					s.beginSpawn(state)
				}
			}
			// otherwise a restart termination is already in flight; the
			// exit handler lands the stop
			continue
		}
		if err := state.transition(PhaseStopping, "stop"); err != nil {
			s.logger.Errorf("Stop bookkeeping failed, service: %s, error: %v", name, err)
			continue
		}
		s.beginTermination(state)
	}
}

func (s *Supervisor) dependenciesSatisfied(name string) bool {
	for _, dep := range s.graph.Dependencies(name) {
		state := s.states[dep]
		switch s.options.ReadinessGate {
		case spec.ReadinessGateStarted:
			started := state.phase == PhaseHealthy || state.phase == PhaseUnhealthy ||
				(state.phase == PhaseStarting && state.handle != nil)
			if !started {
				return false
			}
		default:
			if state.phase != PhaseHealthy {
				return false
			}
		}
	}
	return true
}

func (s *Supervisor) anyDependentActive(name string) bool {
	for _, dependent := range s.graph.Dependents(name) {
		if s.states[dependent].active() {
			return true
		}
	}
	return false
}

// ===== spawn =====

func (s *Supervisor) beginSpawn(state *runState) {
	service, _ := s.graph.Service(state.name)
	state.spawnGen++
	gen := state.spawnGen

	if err := state.transition(PhaseStarting, "dependencies satisfied"); err != nil {
		s.logger.Errorf("Spawn bookkeeping failed, service: %s, error: %v", state.name, err)
		return
	}

	s.logger.Infof("Starting service, name: %s, attempt: %d", state.name, state.restartCount+1)

	go func() {
		env, err := secrets.BuildEnvironment(s.store, service.Start)
		if err != nil {
			s.post(spawnResultEvent{service: service.Name, gen: gen, err: err})
			return
		}
		handle, err := s.spawner.Spawn(context.Background(), process.SpawnRequest{
			Service:          service.Name,
			Command:          service.Start.Command,
			Args:             service.Start.Args,
			Environment:      env,
			WorkingDirectory: service.Start.WorkingDirectory,
		})
		s.post(spawnResultEvent{service: service.Name, gen: gen, handle: handle, err: err})
	}()
}

func (s *Supervisor) handleSpawnResult(e spawnResultEvent) {
	state := s.states[e.service]
	if e.gen != state.spawnGen {
		// stale spawn from a superseded generation
		if e.handle != nil {
			e.handle.Kill()
		}
		return
	}

	if e.err != nil {
		s.logger.Errorf("Failed to spawn service, name: %s, error: %v", e.service, e.err)
		if state.pendingStop != stopKindNone {
			if err := state.transition(PhaseStopping, "stop during start"); err != nil {
				s.logger.Errorf("Stop bookkeeping failed, service: %s, error: %v", e.service, err)
				return
			}
			s.finishStopWithoutProcess(state)
			return
		}
		s.applyExitPolicy(state, fmt.Sprintf("spawn failed: %v", e.err), false)
		return
	}

	state.handle = e.handle
	state.startedAt = time.Now()
	state.exited = make(chan struct{})
	s.logger.Infof("Service spawned, name: %s, PID: %d", e.service, e.handle.PID())

	// watcher is the sole consumer of the exit status; it unblocks the
	// termination goroutine before delivering the exit as an event
	gen := e.gen
	handle := e.handle
	exited := state.exited
	go func() {
		status := <-handle.Done()
		close(exited)
		s.post(processExitEvent{service: e.service, gen: gen, status: status})
	}()

	if state.pendingStop != stopKindNone {
		// stop was requested mid-Starting; terminate now that the
		// handle is available
		s.logger.Infof("Honoring stop requested during start, service: %s", e.service)
		if err := state.transition(PhaseStopping, "stop during start"); err != nil {
			s.logger.Errorf("Stop bookkeeping failed, service: %s, error: %v", e.service, err)
		}
		s.beginTermination(state)
		return
	}

	if state.manualRestart {
		state.manualRestart = false
	}

	service, _ := s.graph.Service(e.service)
	if service.HealthCheck == nil {
		// no probe configured; spawned is as healthy as we can know
		if err := state.transition(PhaseHealthy, "no health check configured"); err != nil {
			s.logger.Errorf("Health bookkeeping failed, service: %s, error: %v", e.service, err)
			return
		}
		s.metrics.ServiceUp(e.service, true)
		return
	}

	serviceLogger := logging.DeriveServiceLogger(s.logger, e.service)
	emit := func(transition health.Transition) {
		s.post(healthEvent{transition: transition, gen: gen})
	}
	monitor, err := health.NewMonitor(e.service, service.HealthCheck, s.pool, emit, serviceLogger)
	if err != nil {
		s.logger.Errorf("Failed to create health monitor, service: %s, error: %v", e.service, err)
		return
	}
	state.monitor = monitor
	monitor.Start()
}

// ===== health =====

func (s *Supervisor) handleHealth(e healthEvent) {
	state := s.states[e.transition.Service]
	if e.gen != state.spawnGen {
		return
	}

	if e.transition.Healthy {
		switch state.phase {
		case PhaseStarting:
			if err := state.transition(PhaseHealthy, "health check passed"); err != nil {
				s.logger.Errorf("Health bookkeeping failed, service: %s, error: %v", state.name, err)
				return
			}
			s.logger.Infof("Service is healthy, name: %s", state.name)
			s.metrics.ServiceUp(state.name, true)
		case PhaseUnhealthy:
			if err := state.transition(PhaseHealthy, "health recovered"); err != nil {
				s.logger.Errorf("Health bookkeeping failed, service: %s, error: %v", state.name, err)
				return
			}
			s.logger.Infof("Service health recovered, name: %s", state.name)
			s.metrics.ServiceUp(state.name, true)
		}
		return
	}

	s.metrics.HealthFailureRecorded(state.name)

	if state.phase != PhaseHealthy {
		return
	}
	if err := state.transition(PhaseUnhealthy, e.transition.Message); err != nil {
		s.logger.Errorf("Health bookkeeping failed, service: %s, error: %v", state.name, err)
		return
	}
	s.logger.Warnf("Service became unhealthy, name: %s, message: %s", state.name, e.transition.Message)
	s.metrics.ServiceUp(state.name, false)

	service, _ := s.graph.Service(state.name)
	switch service.RestartPolicy {
	case spec.RestartOnFailure, spec.RestartAlways:
		s.logger.Warnf("Restarting unhealthy service, name: %s", state.name)
		if err := state.transition(PhaseRestarting, "unhealthy: "+e.transition.Message); err != nil {
			s.logger.Errorf("Restart bookkeeping failed, service: %s, error: %v", state.name, err)
			return
		}
		s.beginTermination(state)
	case spec.RestartNever:
		// observed, reported via status, no intervention
	}
}

// ===== termination and exits =====

// beginTermination runs the graceful-then-forced sequence off-loop. The
// resulting exit is observed by the watcher and handled as an event, so
// shutdown latency is bounded by the grace period plus a short kill
// window.
func (s *Supervisor) beginTermination(state *runState) {
	handle := state.handle
	if handle == nil {
		return
	}
	if state.monitor != nil {
		monitor := state.monitor
		state.monitor = nil
		go monitor.Stop()
	}

	grace := s.options.GracePeriod
	name := state.name
	exited := state.exited

	go func() {
		s.logger.Infof("Terminating service, name: %s, PID: %d, grace: %v", name, handle.PID(), grace)
		if err := handle.Terminate(); err != nil {
			s.logger.Warnf("Failed to send termination signal, service: %s, error: %v", name, err)
		}
		select {
		case <-time.After(grace):
			s.logger.Warnf("Service did not terminate within %v, force killing, name: %s", grace, name)
			if err := handle.Kill(); err != nil {
				s.logger.Errorf("Failed to kill service, name: %s, error: %v", name, err)
			}
		case <-exited:
		}
	}()
}

func (s *Supervisor) handleProcessExit(e processExitEvent) {
	state := s.states[e.service]
	if e.gen != state.spawnGen {
		return
	}

	if state.monitor != nil {
		monitor := state.monitor
		state.monitor = nil
		go monitor.Stop()
	}
	state.handle = nil
	state.startedAt = time.Time{}
	s.metrics.ServiceUp(e.service, false)

	exitReason := fmt.Sprintf("process exited with code %d", e.status.Code)
	if e.status.Err != nil {
		exitReason = fmt.Sprintf("process wait failed: %v", e.status.Err)
	}

	switch state.phase {
	case PhaseStopping:
		s.finishStopWithoutProcess(state)

	case PhaseRestarting:
		s.scheduleRestart(state, exitReason)

	case PhaseStarting, PhaseHealthy, PhaseUnhealthy:
		s.logger.Warnf("Service exited unexpectedly, name: %s, %s", e.service, exitReason)
		if state.pendingStop != stopKindNone {
			if err := state.transition(PhaseStopping, "stop"); err == nil {
				s.finishStopWithoutProcess(state)
			}
			return
		}
		clean := e.status.Code == 0 && e.status.Err == nil
		s.applyExitPolicy(state, exitReason, clean)
	}
}

// applyExitPolicy handles an unexpected exit (or spawn failure) under
// the service's restart policy
func (s *Supervisor) applyExitPolicy(state *runState, reason string, cleanExit bool) {
	service, _ := s.graph.Service(state.name)

	switch service.RestartPolicy {
	case spec.RestartNever:
		s.failTerminally(state, reason)

	case spec.RestartOnFailure:
		if cleanExit {
			s.logger.Infof("Service exited cleanly, not restarting, name: %s", state.name)
			state.desired = false
			if err := state.transition(PhaseStopped, "clean exit"); err != nil {
				s.logger.Errorf("Exit bookkeeping failed, service: %s, error: %v", state.name, err)
			}
			return
		}
		if err := state.transition(PhaseRestarting, reason); err != nil {
			s.logger.Errorf("Restart bookkeeping failed, service: %s, error: %v", state.name, err)
			return
		}
		s.scheduleRestart(state, reason)

	case spec.RestartAlways:
		if err := state.transition(PhaseRestarting, reason); err != nil {
			s.logger.Errorf("Restart bookkeeping failed, service: %s, error: %v", state.name, err)
			return
		}
		s.scheduleRestart(state, reason)
	}
}

// scheduleRestart increments the restart budget and arms the backoff
// timer. Called with the service in PhaseRestarting and no process.
func (s *Supervisor) scheduleRestart(state *runState, reason string) {
	if state.pendingStop != stopKindNone {
		if err := state.transition(PhaseStopped, "stopped during restart"); err != nil {
			s.logger.Errorf("Stop bookkeeping failed, service: %s, error: %v", state.name, err)
		}
		state.pendingStop = stopKindNone
		return
	}

	service, _ := s.graph.Service(state.name)

	if state.manualRestart {
		// operator-requested restart: no backoff, budget already reset
		s.beginSpawn(state)
		return
	}

	state.restartCount++
	s.metrics.RestartRecorded(state.name, reason)

	maxRestarts := service.Restart.MaxRestarts
	if maxRestarts > 0 && state.restartCount > maxRestarts {
		s.failTerminally(state, fmt.Sprintf("max restarts exceeded (%d): %s", maxRestarts, reason))
		return
	}

	delay := restartBackoff(service.Restart, state.restartCount)
	s.logger.Warnf("Scheduling restart, service: %s, attempt: %d/%d, delay: %v, reason: %s",
		state.name, state.restartCount, maxRestarts, delay, reason)

	gen := state.spawnGen
	name := state.name
	time.AfterFunc(delay, func() {
		s.post(restartDueEvent{service: name, gen: gen})
	})
}

func (s *Supervisor) handleRestartDue(e restartDueEvent) {
	state := s.states[e.service]
	if e.gen != state.spawnGen || state.phase != PhaseRestarting {
		return
	}
	if state.pendingStop != stopKindNone {
		s.finishStopWithoutProcess(state)
		return
	}
	s.beginSpawn(state)
}

// finishStopWithoutProcess lands a stop sequence in its final phase
// once no process remains
func (s *Supervisor) finishStopWithoutProcess(state *runState) {
	kind := state.pendingStop
	state.pendingStop = stopKindNone
	restart := state.desired && kind != stopKindCascade
	state.desired = false

	if kind == stopKindCascade {
		reason := fmt.Sprintf("dependency %s failed terminally", state.cascadeFrom)
		if err := state.transition(PhaseFailed, reason); err != nil {
			s.logger.Errorf("Cascade bookkeeping failed, service: %s, error: %v", state.name, err)
			return
		}
		s.logger.Errorf("Service stopped by cascading failure, name: %s, dependency: %s", state.name, state.cascadeFrom)
		return
	}

	if err := state.transition(PhaseStopped, "stopped"); err != nil {
		s.logger.Errorf("Stop bookkeeping failed, service: %s, error: %v", state.name, err)
		return
	}
	s.logger.Infof("Service stopped, name: %s", state.name)

	if restart {
		// a start arrived while the stop was in flight
		if err := state.transition(PhasePending, "start requested during stop"); err != nil {
			s.logger.Errorf("Start bookkeeping failed, service: %s, error: %v", state.name, err)
			return
		}
		state.desired = true
		s.logger.Infof("Start honored after stop completed, service: %s", state.name)
	}
}

// failTerminally marks a service Failed and propagates the failure to
// its dependents: pending dependents fail immediately, running ones are
// stopped (dependents first) and then marked failed. Cascading failure
// is explicit, never silent.
func (s *Supervisor) failTerminally(state *runState, reason string) {
	state.desired = false
	state.pendingStop = stopKindNone
	if err := state.transition(PhaseFailed, reason); err != nil {
		s.logger.Errorf("Failure bookkeeping failed, service: %s, error: %v", state.name, err)
		return
	}
	s.logger.Errorf("Service failed terminally, name: %s, reason: %s", state.name, reason)

	for _, dependent := range s.graph.TransitiveDependents(state.name) {
		depState := s.states[dependent]
		switch {
		case depState.phase == PhasePending:
			s.failCascade(depState, state.name)
		case depState.active():
			if depState.pendingStop == stopKindNone {
				depState.pendingStop = stopKindCascade
				depState.cascadeFrom = state.name
				s.logger.Warnf("Stopping dependent of failed service, dependent: %s, dependency: %s",
					dependent, state.name)
			}
		}
	}
}

// failCascade fails a pending dependent without a stop sequence
func (s *Supervisor) failCascade(state *runState, failedDependency string) {
	state.desired = false
	state.cascadeFrom = failedDependency
	reason := fmt.Sprintf("dependency %s failed terminally", failedDependency)
	if err := state.transition(PhaseFailed, reason); err != nil {
		s.logger.Errorf("Cascade bookkeeping failed, service: %s, error: %v", state.name, err)
		return
	}
	s.logger.Errorf("Service failed by cascade, name: %s, dependency: %s", state.name, failedDependency)
}

// ===== waiters and snapshots =====

func (s *Supervisor) addWaiter(w *waiter) {
	s.waiters = append(s.waiters, w)
	s.evaluateWaiters()
}

func (s *Supervisor) evaluateWaiters() {
	remaining := s.waiters[:0]
	for _, w := range s.waiters {
		done, err := w.check()
		if done {
			w.reply <- commandReply{err: err}
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
}

// checkSpawned reports completion for single-service start/restart
// commands: spawned, or settled somewhere terminal
func (s *Supervisor) checkSpawned(name string) (bool, error) {
	state := s.states[name]
	switch state.phase {
	case PhaseStarting:
		return state.handle != nil, nil
	case PhaseHealthy, PhaseUnhealthy:
		return true, nil
	case PhaseFailed:
		return true, errors.NewSpawnError("service failed to start", nil).
			WithContext("service", name).
			WithContext("reason", state.failureReason)
	case PhaseStopped:
		if !state.desired {
			return true, errors.NewCancelledError("start superseded by stop", nil).WithContext("service", name)
		}
	}
	return false, nil
}

// checkSettled reports completion once no service is transitioning; the
// error lists every service that settled in Failed
func (s *Supervisor) checkSettled() (bool, error) {
	for _, name := range s.graph.Names() {
		state := s.states[name]
		switch state.phase {
		case PhasePending, PhaseStarting, PhaseRestarting, PhaseStopping:
			return false, nil
		case PhaseUnhealthy:
			service, _ := s.graph.Service(name)
			if service.RestartPolicy != spec.RestartNever {
				return false, nil
			}
		}
	}

	collection := errors.NewErrorCollection()
	for _, name := range s.graph.Names() {
		state := s.states[name]
		if state.phase == PhaseFailed {
			collection.Add(errors.NewCascadeError("service failed", nil).
				WithContext("service", name).
				WithContext("reason", state.failureReason))
		}
	}
	return true, collection.ToError()
}

func (s *Supervisor) snapshotAll() []ServiceStatus {
	names := s.graph.Names()
	statuses := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, s.states[name].snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
