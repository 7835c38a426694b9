// Package resilience composes bounded retry with exponential backoff, a
// circuit breaker, and a per-attempt timeout into a single execution pipeline
// that protects callers from a slow, intermittently-failing upstream.
//
// One Pipeline instance is shared by every caller of the same upstream so
// that all of them contend on, and benefit from, the same circuit state. The
// nesting order is fixed: retry drives attempts, each attempt passes the
// breaker gate, and each admitted attempt runs under its own deadline.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Operation is one upstream invocation. Implementations must honor ctx: the
// pipeline cancels it on per-attempt timeout and on caller cancellation, and
// discards results that arrive after either.
type Operation func(ctx context.Context) (any, error)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultMaxAttempts       = 3
	DefaultBackoffBase       = 2.0
	DefaultFailureThreshold  = 3
	DefaultBreakDuration     = 30 * time.Second
	DefaultPerAttemptTimeout = 5 * time.Second
)

// Config carries pipeline tuning. Zero values fall back to the defaults
// above. Thresholds are fixed once the pipeline is built; there is no runtime
// reconfiguration.
//
// MaxAttempts bounds upstream invocations per Execute call, including the
// first. The backoff delay before attempt k is BackoffBase^(k-1) seconds.
// FailureThreshold consecutive transient failures open the circuit for
// BreakDuration, and every attempt runs under PerAttemptTimeout. A probe
// that fails fatally reopens the circuit unless CloseOnFatalProbe is set.
type Config struct {
	MaxAttempts       int           `json:"max_attempts"`
	BackoffBase       float64       `json:"backoff_base"`
	FailureThreshold  int           `json:"failure_threshold"`
	BreakDuration     time.Duration `json:"break_duration"`
	PerAttemptTimeout time.Duration `json:"per_attempt_timeout"`
	CloseOnFatalProbe bool          `json:"close_on_fatal_probe"`
}

// Option configures optional pipeline collaborators.
type Option func(*Pipeline)

// WithObserver registers the observer that receives lifecycle events.
func WithObserver(obs Observer) Option {
	return func(p *Pipeline) { p.obs = obs }
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(fn Classifier) Option {
	return func(p *Pipeline) { p.classify = fn }
}

// Pipeline wraps upstream operations in the full policy stack. Safe for
// concurrent use.
type Pipeline struct {
	cfg      Config
	br       *breaker
	classify Classifier
	obs      Observer
}

// New validates cfg, applies defaults, and builds a pipeline. The returned
// error covers misconfiguration only; expected failure modes surface from
// Execute as values.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.BreakDuration == 0 {
		cfg.BreakDuration = DefaultBreakDuration
	}
	if cfg.PerAttemptTimeout == 0 {
		cfg.PerAttemptTimeout = DefaultPerAttemptTimeout
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.BackoffBase <= 0 {
		return nil, fmt.Errorf("backoff base must be positive, got %g", cfg.BackoffBase)
	}
	if cfg.FailureThreshold < 1 {
		return nil, fmt.Errorf("failure threshold must be at least 1, got %d", cfg.FailureThreshold)
	}
	if cfg.BreakDuration < 0 {
		return nil, fmt.Errorf("break duration must be positive, got %s", cfg.BreakDuration)
	}
	if cfg.PerAttemptTimeout < 0 {
		return nil, fmt.Errorf("per-attempt timeout must be positive, got %s", cfg.PerAttemptTimeout)
	}

	p := &Pipeline{
		cfg:      cfg,
		classify: DefaultClassifier,
		obs:      NopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.br = newBreaker(cfg.FailureThreshold, cfg.BreakDuration, cfg.CloseOnFatalProbe, p.obs)
	return p, nil
}

// Execute runs op under the full policy stack and returns its result or one
// error from the closed taxonomy: ErrCircuitOpen, *RetriesExhaustedError, the
// upstream's own fatal error, or the caller's context error. Upstream is
// invoked at most MaxAttempts times, and zero further times once the circuit
// opens mid-sequence.
func (p *Pipeline) Execute(ctx context.Context, op Operation) (any, error) {
	for attempt := 1; ; attempt++ {
		gen, probe, err := p.br.allow()
		if err != nil {
			// Fast-fail. Retrying against an open circuit is guaranteed
			// useless, so the rejection surfaces as-is with no budget spent.
			return nil, err
		}

		start := time.Now()
		val, err := runWithTimeout(ctx, p.cfg.PerAttemptTimeout, op)
		elapsed := time.Since(start)

		if err != nil && ctx.Err() != nil && !isAttemptTimeout(err) {
			// The caller walked away; that says nothing about upstream
			// health, so nothing is recorded. A claimed probe is handed
			// back for the next arrival.
			if probe {
				p.br.releaseTrial(gen)
			}
			return nil, err
		}

		class := p.classify(err)
		p.obs.OnAttempt(AttemptEvent{Attempt: attempt, Class: class, Duration: elapsed, Probe: probe})
		p.br.record(gen, probe, class, err)

		switch class {
		case Success:
			return val, nil
		case Fatal:
			return nil, err
		}

		if attempt >= p.cfg.MaxAttempts {
			return nil, &RetriesExhaustedError{Attempts: attempt, Cause: err}
		}

		delay := backoffDelay(p.cfg.BackoffBase, attempt)
		p.obs.OnRetry(RetryEvent{Attempt: attempt + 1, Delay: delay, Cause: err})
		if serr := sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

// isAttemptTimeout distinguishes the guard's own deadline from the caller's
// context going away while an attempt was in flight.
func isAttemptTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// State returns the current circuit state.
func (p *Pipeline) State() State {
	return p.br.snapshot().State
}

// Snapshot returns a point-in-time view of the circuit for health and admin
// surfaces.
func (p *Pipeline) Snapshot() Snapshot {
	return p.br.snapshot()
}

// Config returns the settings the pipeline was built with, after defaulting.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Reset forces the circuit closed. Intended for the admin surface; normal
// recovery goes through the half-open probe.
func (p *Pipeline) Reset() {
	p.br.reset()
}
