package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Operation is a unit of work run by an Executor. The result is opaque to the executor.
type Operation func(ctx context.Context) (any, error)

// AttemptOutcome describes one invocation of an Operation.
type AttemptOutcome struct {
	// Attempt is the 1-based attempt number
	Attempt int
	// StartedAt is when the attempt began
	StartedAt time.Time
	// Duration is how long the operation ran
	Duration time.Duration
	// Err is the attempt error, nil on success
	Err error
	// Delay is the backoff waited after this attempt (0 when no retry followed)
	Delay time.Duration
}

// Executor runs operations under a Policy. The zero value is ready to use.
type Executor struct {
	// now returns current time (for testing, defaults to time.Now)
	now func() time.Time
	// after creates a timer channel (for testing, defaults to time.After)
	after func(d time.Duration) <-chan time.Time
	// rand is the jitter source in [0, 1)
	rand func() float64
	// retryable decides whether a failed attempt may be retried (nil = always)
	retryable func(err error) bool
	// onAttempt observes every finished attempt
	onAttempt func(AttemptOutcome)
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces the time source and timer factory.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(e *Executor) {
		e.now = now
		e.after = after
	}
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(e *Executor) {
		e.rand = fn
	}
}

// WithRetryable sets a predicate consulted after every failed attempt. Returning false
// ends the run with that error. By default every error is retried.
func WithRetryable(fn func(err error) bool) Option {
	return func(e *Executor) {
		e.retryable = fn
	}
}

// OnAttempt registers a callback invoked synchronously after every attempt.
// Multiple callbacks run in registration order.
func OnAttempt(fn func(AttemptOutcome)) Option {
	return func(e *Executor) {
		prev := e.onAttempt
		if prev == nil {
			e.onAttempt = fn
			return
		}
		e.onAttempt = func(o AttemptOutcome) {
			prev(o)
			fn(o)
		}
	}
}

// NewExecutor creates an executor with the given options.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) nowFn() func() time.Time {
	if e == nil || e.now == nil {
		return time.Now
	}
	return e.now
}

func (e *Executor) afterFn() func(time.Duration) <-chan time.Time {
	if e == nil || e.after == nil {
		return time.After
	}
	return e.after
}

func (e *Executor) randFn() func() float64 {
	if e == nil || e.rand == nil {
		return rand.Float64
	}
	return e.rand
}

// Run executes op up to policy.MaxAttempts times, sleeping between attempts.
//
// It returns the first successful result, or the error of the last attempt together
// with the full attempt trace. An error wrapped with Stop ends the run immediately and
// is returned unwrapped. If ctx is cancelled before the first attempt or during a
// backoff wait, Run returns a *CancellationError without performing further attempts.
func (e *Executor) Run(ctx context.Context, op Operation, policy Policy) (any, []AttemptOutcome, error) {
	if err := policy.Validate(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, &CancellationError{Cause: err}
	}

	now := e.nowFn()
	after := e.afterFn()
	rnd := e.randFn()

	trace := make([]AttemptOutcome, 0, policy.MaxAttempts)
	record := func(o AttemptOutcome) {
		trace = append(trace, o)
		if e != nil && e.onAttempt != nil {
			e.onAttempt(o)
		}
	}

	for attempt := 1; ; attempt++ {
		startedAt := now()
		result, err := op(ctx)
		outcome := AttemptOutcome{
			Attempt:   attempt,
			StartedAt: startedAt,
			Duration:  now().Sub(startedAt),
			Err:       err,
		}

		if err == nil {
			record(outcome)
			return result, trace, nil
		}

		var stop *stopError
		if errors.As(err, &stop) {
			outcome.Err = stop.err
			record(outcome)
			return nil, trace, stop.err
		}

		// Don't wait after the last attempt or a non-retryable error
		if attempt >= policy.MaxAttempts || (e != nil && e.retryable != nil && !e.retryable(err)) {
			record(outcome)
			return nil, trace, err
		}

		delay := policy.delay(attempt, rnd)
		outcome.Delay = delay
		record(outcome)

		select {
		case <-ctx.Done():
			return nil, trace, &CancellationError{Last: err, Cause: ctx.Err(), Attempts: attempt}
		case <-after(delay):
		}

		// The timer and cancellation can race; cancellation wins
		if cerr := ctx.Err(); cerr != nil {
			return nil, trace, &CancellationError{Last: err, Cause: cerr, Attempts: attempt}
		}
	}
}

// Run executes op with a zero-value Executor.
func Run(ctx context.Context, op Operation, policy Policy) (any, []AttemptOutcome, error) {
	var e Executor
	return e.Run(ctx, op, policy)
}
