// Package observe connects resilience pipeline events to structured logs and
// Prometheus metrics. The pipeline itself stays free of logging and metrics
// concerns; a Recorder subscribes to its events and translates them.
package observe

import (
	"log/slog"
	"sync"

	"github.com/jtully/shield-core/internal/metrics"
	"github.com/jtully/shield-core/internal/resilience"
)

// Recorder implements resilience.Observer. Events arrive after the breaker
// releases its lock, so the recorder keeps its own view of the last known
// state to label transition metrics.
type Recorder struct {
	log *slog.Logger

	mu   sync.Mutex
	last resilience.State
}

// NewRecorder returns a Recorder that logs through the given logger.
func NewRecorder(log *slog.Logger) *Recorder {
	return &Recorder{log: log, last: resilience.StateClosed}
}

// OnAttempt records the classification and latency of a finished attempt.
func (r *Recorder) OnAttempt(e resilience.AttemptEvent) {
	metrics.AttemptsTotal.WithLabelValues(e.Class.String()).Inc()
	metrics.AttemptDuration.Observe(e.Duration.Seconds())
	r.log.Debug("upstream attempt finished",
		"attempt", e.Attempt,
		"classification", e.Class.String(),
		"duration_ms", e.Duration.Milliseconds(),
		"probe", e.Probe,
	)
}

// OnRetry records a scheduled retry and its backoff delay.
func (r *Recorder) OnRetry(e resilience.RetryEvent) {
	metrics.RetriesTotal.Inc()
	r.log.Info("retrying upstream call",
		"next_attempt", e.Attempt,
		"delay_ms", e.Delay.Milliseconds(),
		"cause", e.Cause.Error(),
	)
}

// OnOpen records a transition into the open state.
func (r *Recorder) OnOpen(e resilience.OpenEvent) {
	from := r.swap(resilience.StateOpen)
	metrics.BreakerTransitions.WithLabelValues(from.String(), resilience.StateOpen.String()).Inc()
	metrics.BreakerState.Set(float64(resilience.StateOpen))

	cause := ""
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	r.log.Warn("circuit opened",
		"break_duration_ms", e.Duration.Milliseconds(),
		"consecutive_failures", e.Failures,
		"cause", cause,
	)
}

// OnHalfOpen records a transition into the half-open state.
func (r *Recorder) OnHalfOpen(resilience.HalfOpenEvent) {
	from := r.swap(resilience.StateHalfOpen)
	metrics.BreakerTransitions.WithLabelValues(from.String(), resilience.StateHalfOpen.String()).Inc()
	metrics.BreakerState.Set(float64(resilience.StateHalfOpen))
	r.log.Info("circuit half-open, admitting probe")
}

// OnReset records a transition back to the closed state.
func (r *Recorder) OnReset(resilience.ResetEvent) {
	from := r.swap(resilience.StateClosed)
	metrics.BreakerTransitions.WithLabelValues(from.String(), resilience.StateClosed.String()).Inc()
	metrics.BreakerState.Set(float64(resilience.StateClosed))
	r.log.Info("circuit closed")
}

// swap replaces the tracked state and returns the previous one.
func (r *Recorder) swap(to resilience.State) resilience.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.last
	r.last = to
	return from
}
