package resilience

import "time"

// AttemptEvent is emitted after every attempt that reached upstream,
// successful or not. Calls rejected by the open circuit and attempts
// abandoned by caller cancellation are not reported.
type AttemptEvent struct {
	Attempt  int // 1-based index within one Execute call
	Class    Classification
	Duration time.Duration
	Probe    bool // this attempt was the half-open trial
}

// RetryEvent is emitted before the backoff sleep that precedes the next
// attempt. Attempt is the index about to run; Cause is the failure that
// triggered the retry.
type RetryEvent struct {
	Attempt int
	Delay   time.Duration
	Cause   error
}

// OpenEvent is emitted when the circuit trips open, either from the closed
// state crossing the failure threshold or from a failed half-open probe.
type OpenEvent struct {
	Duration time.Duration // length of the break window
	Failures int           // consecutive transient failures on record
	Cause    error         // the failure that tripped it
}

// HalfOpenEvent is emitted when a probe call is admitted.
type HalfOpenEvent struct{}

// ResetEvent is emitted when the circuit closes, after a successful probe or
// an explicit reset.
type ResetEvent struct{}

// Observer receives pipeline lifecycle events. Implementations must be safe
// for concurrent use. Events are delivered outside the breaker's critical
// section with values captured inside it, so a handler may call back into the
// pipeline without deadlocking.
type Observer interface {
	OnAttempt(AttemptEvent)
	OnRetry(RetryEvent)
	OnOpen(OpenEvent)
	OnHalfOpen(HalfOpenEvent)
	OnReset(ResetEvent)
}

// NopObserver discards all events. It is the default when no observer is
// registered.
type NopObserver struct{}

func (NopObserver) OnAttempt(AttemptEvent)   {}
func (NopObserver) OnRetry(RetryEvent)       {}
func (NopObserver) OnOpen(OpenEvent)         {}
func (NopObserver) OnHalfOpen(HalfOpenEvent) {}
func (NopObserver) OnReset(ResetEvent)       {}
