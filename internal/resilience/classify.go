package resilience

import (
	"context"
	"errors"
)

// Classification buckets one attempt outcome for the retry and breaker
// policies. Both policies consume the same classifier verdict; neither
// re-derives it, so they can never disagree about what counts as a failure.
type Classification int

const (
	Success   Classification = iota // usable result; stop retrying, reset the failure streak
	Transient                       // likely to succeed on retry; counts toward the trip threshold
	Fatal                           // retrying cannot fix it; surfaced immediately, not counted
)

// String returns a stable label used in logs and metrics.
func (c Classification) String() string {
	switch c {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier maps a call outcome to a Classification. A nil error must map
// to Success.
type Classifier func(err error) Classification

// temporary is implemented by upstream errors that know whether retrying can
// help. upstream.Error satisfies it.
type temporary interface {
	Temporary() bool
}

// DefaultClassifier classifies structurally, never by message text:
// attempt deadline overruns are transient, errors carrying Temporary() speak
// for themselves, and unknown errors are presumed transient.
func DefaultClassifier(err error) Classification {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var tmp temporary
	if errors.As(err, &tmp) {
		if tmp.Temporary() {
			return Transient
		}
		return Fatal
	}
	return Transient
}
