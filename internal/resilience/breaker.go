package resilience

import (
	"sync"
	"time"
)

// State represents the circuit state.
type State int

const (
	StateClosed   State = iota // normal operation; calls pass through
	StateOpen                  // tripped; calls fast-fail without reaching upstream
	StateHalfOpen              // probing; exactly one trial call is in flight
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of circuit state for the health and admin
// surfaces.
type Snapshot struct {
	State         State
	Failures      int
	BreakUntil    time.Time
	TrialInFlight bool
}

// breaker is the shared circuit state machine. Every transition happens
// inside one critical section, so concurrent callers observe a total order.
// Observer notifications are captured as values inside the section and
// delivered after unlock; a handler that calls back into the breaker cannot
// deadlock.
//
// gen increments on every transition. A result recorded under an older
// generation is dropped: a slow call admitted before a transition must not
// corrupt the state that replaced it.
type breaker struct {
	mu sync.Mutex

	state      State
	failures   int       // consecutive transient failures; meaningful only while closed
	breakUntil time.Time // set on transitions to open, never read while closed
	trial      bool      // the single half-open probe is in flight
	gen        uint64

	threshold         int
	breakDuration     time.Duration
	closeOnFatalProbe bool

	obs Observer
}

func newBreaker(threshold int, breakDuration time.Duration, closeOnFatalProbe bool, obs Observer) *breaker {
	return &breaker{
		state:             StateClosed,
		threshold:         threshold,
		breakDuration:     breakDuration,
		closeOnFatalProbe: closeOnFatalProbe,
		obs:               obs,
	}
}

// allow reports whether a call may proceed. The returned generation must be
// passed back to record or releaseTrial. probe is true when this call was
// admitted as the half-open trial. Rejections return ErrCircuitOpen without
// any upstream work; the only cost is this lock and a clock read.
func (b *breaker) allow() (gen uint64, probe bool, err error) {
	var notify func()

	b.mu.Lock()
	switch b.state {
	case StateClosed:
		gen = b.gen
	case StateOpen:
		if time.Now().Before(b.breakUntil) {
			err = ErrCircuitOpen
			break
		}
		// Break window elapsed: claim the probe. The check-and-set runs
		// under the same lock as every transition, so of N concurrent
		// arrivals exactly one wins; the rest keep fast-failing below.
		b.trial = true
		b.transition(StateHalfOpen)
		gen, probe = b.gen, true
		notify = func() { b.obs.OnHalfOpen(HalfOpenEvent{}) }
	case StateHalfOpen:
		err = ErrCircuitOpen
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
	return gen, probe, err
}

// record applies one attempt outcome to the circuit. cause is the attempt
// error, nil on success.
func (b *breaker) record(gen uint64, probe bool, class Classification, cause error) {
	var notify func()

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateClosed:
		switch class {
		case Success:
			b.failures = 0
		case Transient:
			b.failures++
			if b.failures >= b.threshold {
				notify = b.trip(cause)
			}
		case Fatal:
			// A definitive upstream "no" proves nothing about its health;
			// only transient failures count toward the threshold.
		}
	case StateHalfOpen:
		if !probe {
			break
		}
		if class == Success || (class == Fatal && b.closeOnFatalProbe) {
			b.trial = false
			b.failures = 0
			b.transition(StateClosed)
			notify = func() { b.obs.OnReset(ResetEvent{}) }
		} else {
			notify = b.trip(cause)
		}
	case StateOpen:
		// Unreachable with a matching gen: every transition to open bumps
		// gen, so results from calls admitted earlier fail the check above.
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// releaseTrial returns a claimed probe without judging the upstream, used
// when the probe call is abandoned by caller cancellation. The circuit goes
// back to open with breakUntil already in the past, so the next arrival is
// admitted as a fresh probe.
func (b *breaker) releaseTrial(gen uint64) {
	b.mu.Lock()
	if b.state == StateHalfOpen && gen == b.gen && b.trial {
		b.trial = false
		b.transition(StateOpen)
	}
	b.mu.Unlock()
}

// reset forces the circuit closed and clears the failure streak.
func (b *breaker) reset() {
	var notify func()

	b.mu.Lock()
	b.trial = false
	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
		notify = func() { b.obs.OnReset(ResetEvent{}) }
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (b *breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		Failures:      b.failures,
		BreakUntil:    b.breakUntil,
		TrialInFlight: b.trial,
	}
}

// trip opens the circuit and starts a fresh break window. Must be called
// with b.mu held; the returned notification runs after unlock.
func (b *breaker) trip(cause error) func() {
	b.trial = false
	b.breakUntil = time.Now().Add(b.breakDuration)
	b.transition(StateOpen)
	ev := OpenEvent{Duration: b.breakDuration, Failures: b.failures, Cause: cause}
	return func() { b.obs.OnOpen(ev) }
}

// transition must be called with b.mu held.
func (b *breaker) transition(to State) {
	b.state = to
	b.gen++
}
