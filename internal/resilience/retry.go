package resilience

import (
	"context"
	"math"
	"time"
)

// backoffDelay returns the sleep inserted after the given 1-based attempt
// fails: base^attempt seconds, so with the default base of 2 the delays run
// 2s, 4s, 8s. Fractional bases work and keep test schedules short.
func backoffDelay(base float64, attempt int) time.Duration {
	return time.Duration(math.Pow(base, float64(attempt)) * float64(time.Second))
}

// sleep blocks for d or until ctx is done, whichever comes first. Only the
// calling goroutine suspends; no shared state is held across the wait.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
