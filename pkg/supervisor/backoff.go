package supervisor

import (
	"time"

	"github.com/stackd/stackd/pkg/spec"
)

// restartBackoff computes the delay before restart attempt number
// attempt (1-based): base doubled per prior attempt, capped. The delay
// is strictly increasing until the cap is reached.
func restartBackoff(tuning spec.RestartTuning, attempt int) time.Duration {
	base := tuning.Backoff()
	if base <= 0 {
		base = time.Second
	}
	cap := tuning.BackoffCap()
	if cap <= 0 {
		cap = 60 * time.Second
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
