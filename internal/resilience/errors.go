package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without invoking
// upstream. It is never retried and consumes no retry budget; callers are
// expected to serve a fallback rather than surface it as a hard error.
var ErrCircuitOpen = errors.New("circuit open")

// TimeoutError reports that a single attempt exceeded its deadline. The
// retry policy treats it as transient; the original limit is preserved for
// diagnostics.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %s", e.Limit)
}

// Unwrap makes errors.Is(err, context.DeadlineExceeded) hold, which is what
// the default classifier keys on.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// RetriesExhaustedError is the terminal failure after every attempt in the
// budget came back transient. Cause carries the last attempt's error.
type RetriesExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Cause }

// Kind labels an Execute result for metrics and response mapping. It is
// derived from the error chain, never from message text. Values: "none",
// "circuit_open", "exhausted", "timeout", "canceled", "fatal", "transient".
func Kind(err error) string {
	if err == nil {
		return "none"
	}
	var (
		exhausted *RetriesExhaustedError
		timeout   *TimeoutError
		tmp       temporary
	)
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &exhausted):
		return "exhausted"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		// Attempt timeouts matched above as *TimeoutError; a bare deadline
		// error comes from the caller's own context.
		return "canceled"
	case errors.As(err, &tmp) && !tmp.Temporary():
		return "fatal"
	default:
		return "transient"
	}
}
