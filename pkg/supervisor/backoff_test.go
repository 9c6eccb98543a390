package supervisor

import (
	"testing"
	"time"

	"github.com/stackd/stackd/pkg/spec"
	"github.com/stretchr/testify/assert"
)

func TestRestartBackoff(t *testing.T) {
	t.Run("doubles per attempt until the cap", func(t *testing.T) {
		tuning := spec.RestartTuning{BackoffSeconds: 1, BackoffCapSeconds: 60}

		assert.Equal(t, 1*time.Second, restartBackoff(tuning, 1))
		assert.Equal(t, 2*time.Second, restartBackoff(tuning, 2))
		assert.Equal(t, 4*time.Second, restartBackoff(tuning, 3))
		assert.Equal(t, 32*time.Second, restartBackoff(tuning, 6))
		assert.Equal(t, 60*time.Second, restartBackoff(tuning, 7))
		assert.Equal(t, 60*time.Second, restartBackoff(tuning, 20))
	})

	t.Run("strictly increasing below the cap", func(t *testing.T) {
		tuning := spec.RestartTuning{BackoffSeconds: 2, BackoffCapSeconds: 300}

		previous := time.Duration(0)
		for attempt := 1; attempt <= 7; attempt++ {
			delay := restartBackoff(tuning, attempt)
			assert.Greater(t, delay, previous, "attempt %d", attempt)
			previous = delay
		}
	})

	t.Run("base larger than cap is clamped", func(t *testing.T) {
		tuning := spec.RestartTuning{BackoffSeconds: 120, BackoffCapSeconds: 30}
		assert.Equal(t, 30*time.Second, restartBackoff(tuning, 1))
	})

	t.Run("zero tuning falls back to defaults", func(t *testing.T) {
		tuning := spec.RestartTuning{}
		assert.Equal(t, 1*time.Second, restartBackoff(tuning, 1))
		assert.Equal(t, 60*time.Second, restartBackoff(tuning, 10))
	})
}
