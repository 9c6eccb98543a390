package process

import (
	"context"
	"io"
	"sync"

	"github.com/stackd/stackd/pkg/errors"
)

// FakeHandle is a scriptable process handle for supervisor tests. Exits
// are driven by the test via ExitWith; Terminate and Kill record the
// call and, unless configured otherwise, complete the exit themselves.
type FakeHandle struct {
	pid int

	mutex      sync.Mutex
	terminated bool
	killed     bool
	exited     bool
	ignoreTerm bool // simulate a process that ignores SIGTERM
	output     *outputBuffer
	done       chan ExitStatus
}

// NewFakeHandle creates a fake handle with the given PID
func NewFakeHandle(pid int) *FakeHandle {
	return &FakeHandle{
		pid:    pid,
		output: newOutputBuffer(0),
		done:   make(chan ExitStatus, 1),
	}
}

// EmitOutput appends to the fake's retained output, as if the process
// had written it
func (h *FakeHandle) EmitOutput(text string) {
	h.output.Write([]byte(text))
}

// IgnoreTermination makes Terminate a no-op so tests can exercise the
// force-kill path
func (h *FakeHandle) IgnoreTermination() *FakeHandle {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.ignoreTerm = true
	return h
}

func (h *FakeHandle) PID() int {
	return h.pid
}

func (h *FakeHandle) Stdout() io.ReadCloser {
	return h.output.NewReader()
}

func (h *FakeHandle) Terminate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.terminated = true
	if h.ignoreTerm {
		return nil
	}
	h.exitLocked(ExitStatus{Code: 0})
	return nil
}

func (h *FakeHandle) Kill() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.killed = true
	h.exitLocked(ExitStatus{Code: -1})
	return nil
}

func (h *FakeHandle) Done() <-chan ExitStatus {
	return h.done
}

// ExitWith simulates the process exiting on its own with the given code
func (h *FakeHandle) ExitWith(code int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.exitLocked(ExitStatus{Code: code})
}

// Terminated reports whether a graceful termination was requested
func (h *FakeHandle) Terminated() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.terminated
}

// Killed reports whether a force kill was requested
func (h *FakeHandle) Killed() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.killed
}

func (h *FakeHandle) exitLocked(status ExitStatus) {
	if h.exited {
		return
	}
	h.exited = true
	h.output.Close()
	h.done <- status
}

// FakeSpawner hands out fake handles and records spawn order. Spawn
// failures can be scripted per service.
type FakeSpawner struct {
	mutex      sync.Mutex
	nextPID    int
	spawnOrder []string
	handles    map[string][]*FakeHandle
	failures   map[string]int // remaining spawn failures per service
	ignoreTerm map[string]bool
}

// NewFakeSpawner creates an empty fake spawner
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{
		nextPID:    1000,
		handles:    make(map[string][]*FakeHandle),
		failures:   make(map[string]int),
		ignoreTerm: make(map[string]bool),
	}
}

// FailSpawns makes the next count Spawn calls for service fail
func (s *FakeSpawner) FailSpawns(service string, count int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failures[service] = count
}

// IgnoreTermination makes handles for service ignore Terminate
func (s *FakeSpawner) IgnoreTermination(service string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ignoreTerm[service] = true
}

func (s *FakeSpawner) Spawn(ctx context.Context, request SpawnRequest) (Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if remaining := s.failures[request.Service]; remaining > 0 {
		s.failures[request.Service] = remaining - 1
		return nil, errors.NewSpawnError("scripted spawn failure", nil).WithContext("service", request.Service)
	}

	s.nextPID++
	handle := NewFakeHandle(s.nextPID)
	if s.ignoreTerm[request.Service] {
		handle.IgnoreTermination()
	}

	s.spawnOrder = append(s.spawnOrder, request.Service)
	s.handles[request.Service] = append(s.handles[request.Service], handle)

	return handle, nil
}

// SpawnOrder returns the order in which services were spawned
func (s *FakeSpawner) SpawnOrder() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	order := make([]string, len(s.spawnOrder))
	copy(order, s.spawnOrder)
	return order
}

// Handles returns all handles spawned for a service, oldest first
func (s *FakeSpawner) Handles(service string) []*FakeHandle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	handles := make([]*FakeHandle, len(s.handles[service]))
	copy(handles, s.handles[service])
	return handles
}

// SpawnCount returns how many times a service was spawned
func (s *FakeSpawner) SpawnCount(service string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.handles[service])
}

// LastHandle returns the most recent handle for a service, nil if none
func (s *FakeSpawner) LastHandle(service string) *FakeHandle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	handles := s.handles[service]
	if len(handles) == 0 {
		return nil
	}
	return handles[len(handles)-1]
}
