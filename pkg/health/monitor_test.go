package health

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stackd/stackd/pkg/logging"
	"github.com/stackd/stackd/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitionRecorder struct {
	mutex       sync.Mutex
	transitions []Transition
}

func (r *transitionRecorder) emit(t Transition) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *transitionRecorder) snapshot() []Transition {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	result := make([]Transition, len(r.transitions))
	copy(result, r.transitions)
	return result
}

func newTestMonitor(t *testing.T, config *spec.HealthCheckConfig) (*Monitor, *transitionRecorder) {
	t.Helper()
	recorder := &transitionRecorder{}
	monitor, err := NewMonitor("svc", config, NewPool(4), recorder.emit, logging.NewLogger("", logging.LogFuncs{}))
	require.NoError(t, err)
	return monitor, recorder
}

func checkConfig(healthyThreshold, unhealthyThreshold int) *spec.HealthCheckConfig {
	return &spec.HealthCheckConfig{
		Type:               spec.HealthCheckTypeCommand,
		Target:             "true",
		IntervalSeconds:    1,
		TimeoutSeconds:     2,
		HealthyThreshold:   healthyThreshold,
		UnhealthyThreshold: unhealthyThreshold,
	}
}

func TestHysteresis(t *testing.T) {
	t.Run("healthy after N consecutive successes", func(t *testing.T) {
		monitor, recorder := newTestMonitor(t, checkConfig(2, 3))

		monitor.applyResult(true, "ok")
		assert.Empty(t, recorder.snapshot(), "one success is below the threshold")

		monitor.applyResult(true, "ok")
		transitions := recorder.snapshot()
		require.Len(t, transitions, 1)
		assert.True(t, transitions[0].Healthy)
		assert.Equal(t, "svc", transitions[0].Service)
	})

	t.Run("unhealthy after M consecutive failures", func(t *testing.T) {
		monitor, recorder := newTestMonitor(t, checkConfig(1, 3))

		monitor.applyResult(true, "ok")
		monitor.applyResult(false, "boom")
		monitor.applyResult(false, "boom")
		assert.Len(t, recorder.snapshot(), 1, "two failures are below the threshold")

		monitor.applyResult(false, "boom")
		transitions := recorder.snapshot()
		require.Len(t, transitions, 2)
		assert.False(t, transitions[1].Healthy)
		assert.Equal(t, "boom", transitions[1].Message)
	})

	t.Run("a success resets the failure streak", func(t *testing.T) {
		monitor, recorder := newTestMonitor(t, checkConfig(1, 3))

		monitor.applyResult(true, "ok")
		monitor.applyResult(false, "blip")
		monitor.applyResult(false, "blip")
		monitor.applyResult(true, "recovered")
		monitor.applyResult(false, "blip")
		monitor.applyResult(false, "blip")

		transitions := recorder.snapshot()
		require.Len(t, transitions, 1, "interleaved blips never cross the threshold")
		assert.True(t, transitions[0].Healthy)
	})

	t.Run("no duplicate reports for a steady state", func(t *testing.T) {
		monitor, recorder := newTestMonitor(t, checkConfig(1, 2))

		for i := 0; i < 5; i++ {
			monitor.applyResult(true, "ok")
		}
		assert.Len(t, recorder.snapshot(), 1)

		for i := 0; i < 5; i++ {
			monitor.applyResult(false, "down")
		}
		assert.Len(t, recorder.snapshot(), 2)
	})

	t.Run("initial state reports unhealthy too", func(t *testing.T) {
		// a service that never passes a probe still gets reported
		monitor, recorder := newTestMonitor(t, checkConfig(1, 2))

		monitor.applyResult(false, "down")
		monitor.applyResult(false, "down")

		transitions := recorder.snapshot()
		require.Len(t, transitions, 1)
		assert.False(t, transitions[0].Healthy)
	})
}

func TestMonitorLoop(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ready")
	require.NoError(t, os.WriteFile(marker, []byte("ok"), 0o644))

	config := &spec.HealthCheckConfig{
		Type:               spec.HealthCheckTypeCommand,
		Target:             "test -f " + marker,
		IntervalSeconds:    1,
		TimeoutSeconds:     2,
		HealthyThreshold:   1,
		UnhealthyThreshold: 2,
	}
	monitor, recorder := newTestMonitor(t, config)

	monitor.Start()
	defer monitor.Stop()

	// the first probe runs immediately
	require.Eventually(t, func() bool {
		transitions := recorder.snapshot()
		return len(transitions) == 1 && transitions[0].Healthy
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(marker))

	require.Eventually(t, func() bool {
		transitions := recorder.snapshot()
		return len(transitions) == 2 && !transitions[1].Healthy
	}, 10*time.Second, 20*time.Millisecond)
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	monitor, _ := newTestMonitor(t, checkConfig(1, 3))
	monitor.Start()
	monitor.Stop()
	monitor.Stop()
}
