package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"idemcore/internal/shared"
	"idemcore/pkg/fallback"
	"idemcore/pkg/idempotency"
	"idemcore/pkg/retry"
)

// Outcome describes the terminal result of one leader execution.
type Outcome struct {
	Key       string
	State     idempotency.State
	Err       error
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
}

// Observer receives execution events. Calls are synchronous and made on the leader's
// goroutine; implementations must be fast and must not panic (see SafeObserver).
type Observer interface {
	OnAttempt(key string, attempt retry.AttemptOutcome)
	OnOutcome(outcome Outcome)
}

// PanicError is recorded as the failure of an execution whose operation panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("resilience: operation panicked: %v", e.Value)
}

// Facade deduplicates executions by idempotency key and retries them under a policy.
type Facade struct {
	store     *idempotency.Store
	execOpts  []retry.Option
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Facade.
type Option func(*Facade)

// WithObserver adds an observer. Observers are notified in registration order.
func WithObserver(o Observer) Option {
	return func(f *Facade) {
		if o != nil {
			f.observers = append(f.observers, o)
		}
	}
}

// WithExecutorOptions passes options to the executor used by leaders.
func WithExecutorOptions(opts ...retry.Option) Option {
	return func(f *Facade) {
		f.execOpts = append(f.execOpts, opts...)
	}
}

// WithLogger sets the logger used for lifecycle problems (defaults to slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) {
		f.logger = l
	}
}

// WithClock replaces the time source used for outcome timing.
func WithClock(now func() time.Time) Option {
	return func(f *Facade) {
		f.now = now
	}
}

// New creates a facade backed by store. A nil store gets a fresh one without retention.
func New(store *idempotency.Store, opts ...Option) *Facade {
	if store == nil {
		store = idempotency.NewStore()
	}
	f := &Facade{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Store returns the underlying idempotency store.
func (f *Facade) Store() *idempotency.Store { return f.store }

// Execute runs op for key under policy, or joins the execution already registered for key.
func (f *Facade) Execute(ctx context.Context, key string, op retry.Operation, policy retry.Policy) (any, error) {
	res, _, err := f.ExecuteTrace(ctx, key, op, policy)
	return res, err
}

// ExecuteTrace is Execute that also returns the leader's attempt trace. Followers get a
// nil trace.
func (f *Facade) ExecuteTrace(ctx context.Context, key string, op retry.Operation, policy retry.Policy) (any, []retry.AttemptOutcome, error) {
	ex, err := f.ExecuteDetailed(ctx, key, op, policy)
	return ex.Result, ex.Trace, err
}

// Execution describes how an ExecuteDetailed call was served.
type Execution struct {
	Result any
	Trace  []retry.AttemptOutcome
	Role   idempotency.Role
	// Admitted is false when the call was rejected before reaching the store
	Admitted bool
}

// ExecuteDetailed is Execute that reports the caller's role and the leader's trace.
// A follower whose own context ends gets a *retry.CancellationError, the same type a
// cancelled leader returns.
func (f *Facade) ExecuteDetailed(ctx context.Context, key string, op retry.Operation, policy retry.Policy) (Execution, error) {
	if key == "" {
		return Execution{}, shared.Validationf("resilience: empty idempotency key")
	}
	if err := policy.Validate(); err != nil {
		return Execution{}, err
	}

	role, rec := f.store.BeginOrJoin(key)
	ex := Execution{Role: role, Admitted: true}
	if role == idempotency.Follower {
		res, err := f.store.Wait(ctx, rec)
		if err != nil && !retry.IsCancellation(err) && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = &retry.CancellationError{Cause: err}
		}
		ex.Result = res
		return ex, err
	}
	res, trace, err := f.lead(ctx, key, op, policy)
	ex.Result, ex.Trace = res, trace
	return ex, err
}

// lead executes op as the leader for key and publishes the outcome
func (f *Facade) lead(ctx context.Context, key string, op retry.Operation, policy retry.Policy) (res any, trace []retry.AttemptOutcome, err error) {
	startedAt := f.now()
	if serr := f.store.Start(key); serr != nil {
		return nil, nil, serr
	}

	attempts := 0
	finished := false
	defer func() {
		if finished {
			return
		}
		// The operation panicked: fail the record so followers are released, then re-panic
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: debug.Stack()}
			f.publish(key, nil, perr, attempts, startedAt)
			panic(r)
		}
	}()

	opts := make([]retry.Option, 0, len(f.execOpts)+1)
	opts = append(opts, f.execOpts...)
	opts = append(opts, retry.OnAttempt(func(a retry.AttemptOutcome) {
		attempts++
		for _, o := range f.observers {
			o.OnAttempt(key, a)
		}
	}))

	res, trace, err = retry.NewExecutor(opts...).Run(ctx, op, policy)
	finished = true

	f.publish(key, res, err, len(trace), startedAt)
	if retry.IsCancellation(err) {
		// Current followers already woke up with the error; the next caller leads anew
		f.store.Forget(key)
	}
	return res, trace, err
}

func (f *Facade) publish(key string, res any, opErr error, attempts int, startedAt time.Time) {
	state := idempotency.Completed
	var storeErr error
	if opErr == nil {
		storeErr = f.store.Complete(key, res)
	} else {
		state = idempotency.Failed
		storeErr = f.store.Fail(key, opErr)
	}
	if storeErr != nil {
		f.logger.Error("failed to publish outcome", "key", key, "error", storeErr)
	}

	out := Outcome{
		Key:       key,
		State:     state,
		Err:       opErr,
		Attempts:  attempts,
		StartedAt: startedAt,
		Duration:  f.now().Sub(startedAt),
	}
	for _, o := range f.observers {
		o.OnOutcome(out)
	}
}

// ExecuteWithFallback runs primary with retries under key and switches to alt when the
// capability behind primary is missing. probe is evaluated once per attempt; a primary
// error classified as capability-related ends retries of primary and runs alt once.
func (f *Facade) ExecuteWithFallback(ctx context.Context, key string, primary retry.Operation, probe func() bool, alt retry.Operation, policy retry.Policy, opts ...fallback.Option) (any, error) {
	return f.Execute(ctx, key, withFallback(primary, probe, alt, opts...), policy)
}

// withFallback builds the per-attempt operation of ExecuteWithFallback
func withFallback(primary retry.Operation, probe func() bool, alt retry.Operation, opts ...fallback.Option) retry.Operation {
	stopOnCapability := func(ctx context.Context) (any, error) {
		res, err := primary(ctx)
		if err != nil && fallback.IsCapabilityError(err) {
			return nil, retry.Stop(err)
		}
		return res, err
	}
	return func(ctx context.Context) (any, error) {
		return fallback.WithFallback(ctx, stopOnCapability, probe, alt, opts...)
	}
}
