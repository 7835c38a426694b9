package resilience

import (
	"context"
	"time"
)

// attemptResult carries an operation outcome out of the guard goroutine.
type attemptResult struct {
	val any
	err error
}

// runWithTimeout bounds one attempt with its own deadline. The operation runs
// in a goroutine while the guard waits for completion or the deadline; on
// overrun the derived context cancels the in-flight call cooperatively and
// the guard returns *TimeoutError without waiting for it. A late result lands
// in the buffered channel and is discarded, so the goroutine never leaks.
//
// The caller's own context going away takes precedence over the attempt
// deadline: that case returns ctx.Err() so it is never mistaken for upstream
// slowness.
func runWithTimeout(ctx context.Context, limit time.Duration, op Operation) (any, error) {
	actx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		val, err := op(actx)
		done <- attemptResult{val: val, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &TimeoutError{Limit: limit}
	}
}
