// Package retry runs remote calls with bounded, classified retries.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/replguard/pkg/backoff"
	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/rs/zerolog"
)

// Policy bounds one retried call
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Jitter spreads each delay over [d*(1-Jitter), d]. Zero keeps delays
	// exact.
	Jitter float64
}

// DefaultPolicy returns the probe retry budget
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Validate checks the policy for impossible combinations
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fault.Errorf(fault.CodePolicyConfigInvalid, "retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fault.Errorf(fault.CodePolicyConfigInvalid, "retry: delays must not be negative")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return fault.Errorf(fault.CodePolicyConfigInvalid, "retry: initial delay %s exceeds max delay %s", p.InitialDelay, p.MaxDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fault.Errorf(fault.CodePolicyConfigInvalid, "retry: jitter must be within [0, 1], got %v", p.Jitter)
	}
	return nil
}

// Attempt describes one try of a retried call. Attempts only live for the
// duration of a single Do call.
type Attempt struct {
	Number    int
	Delay     time.Duration
	Kind      backoff.Kind
	Err       error
	Timestamp time.Time
}

// Error is returned when a retried call gives up
type Error struct {
	Op       string
	Attempts int
	Kind     backoff.Kind
	Err      error

	// Aborted holds the context error when the call was cancelled between
	// attempts.
	Aborted error
}

func (e *Error) Error() string {
	if e.Aborted != nil {
		return fmt.Sprintf("%s: aborted after %d attempt(s): %v (last error: %v)", e.Op, e.Attempts, e.Aborted, e.Err)
	}
	return fmt.Sprintf("%s: failed after %d attempt(s) (%s): %v", e.Op, e.Attempts, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Aborted != nil {
		errs = append(errs, e.Aborted)
	}
	return errs
}

// Executor applies a Policy. It holds no mutable state and may be shared by
// concurrent callers.
type Executor struct {
	policy    Policy
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	observe   func(Attempt)
	component string
}

// NewExecutor creates an executor for the given policy
func NewExecutor(policy Policy, logger zerolog.Logger) *Executor {
	return &Executor{
		policy:    policy,
		logger:    logger,
		sleep:     sleepContext,
		component: "probe",
	}
}

// Policy returns the executor's policy
func (e *Executor) Policy() Policy {
	return e.policy
}

// WithLogger returns a copy logging to logger
func (e *Executor) WithLogger(logger zerolog.Logger) *Executor {
	c := *e
	c.logger = logger
	return &c
}

// WithObserver returns a copy that reports every attempt to fn
func (e *Executor) WithObserver(fn func(Attempt)) *Executor {
	c := *e
	c.observe = fn
	return &c
}

// WithComponent returns a copy labelling its metrics with component
func (e *Executor) WithComponent(component string) *Executor {
	c := *e
	c.component = component
	return &c
}

// Do calls fn until it succeeds, fails with a non-transient error, or the
// attempt budget runs out. It returns the value, the number of attempts
// made and, on failure, an *Error carrying the last error.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	var lastKind backoff.Kind

	maxAttempts := e.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt, &Error{Op: op, Attempts: attempt, Kind: lastKind, Err: lastErr, Aborted: err}
		}

		value, err := fn(ctx)
		number := attempt + 1
		if err == nil {
			e.logger.Debug().
				Str("op", op).
				Int("attempt", number).
				Msg("attempt succeeded")
			e.record(Attempt{Number: number, Timestamp: time.Now()})
			return value, number, nil
		}

		kind := backoff.Classify(err)
		lastErr, lastKind = err, kind

		if !kind.Retryable() || number == maxAttempts {
			e.logger.Warn().
				Err(err).
				Str("op", op).
				Int("attempt", number).
				Int("max_attempts", maxAttempts).
				Str("kind", string(kind)).
				Msg("attempt failed, giving up")
			e.record(Attempt{Number: number, Kind: kind, Err: err, Timestamp: time.Now()})
			return zero, number, &Error{Op: op, Attempts: number, Kind: kind, Err: err}
		}

		delay := backoff.Delay(attempt, e.policy.InitialDelay, e.policy.MaxDelay)
		if e.policy.Jitter > 0 {
			delay = backoff.Jittered(delay, e.policy.Jitter, nil)
		}

		e.logger.Info().
			Err(err).
			Str("op", op).
			Int("attempt", number).
			Int("max_attempts", maxAttempts).
			Str("kind", string(kind)).
			Dur("delay", delay).
			Msg("attempt failed, retrying")
		e.record(Attempt{Number: number, Delay: delay, Kind: kind, Err: err, Timestamp: time.Now()})

		if err := e.sleep(ctx, delay); err != nil {
			return zero, number, &Error{Op: op, Attempts: number, Kind: kind, Err: lastErr, Aborted: err}
		}
	}

	// unreachable: the loop always returns on its last iteration
	return zero, maxAttempts, &Error{Op: op, Attempts: maxAttempts, Kind: lastKind, Err: lastErr}
}

func (e *Executor) record(a Attempt) {
	kind := a.Kind
	if a.Err == nil {
		kind = "success"
	}
	metrics.RetryAttemptsTotal.WithLabelValues(e.component, string(kind)).Inc()
	if e.observe != nil {
		e.observe(a)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
