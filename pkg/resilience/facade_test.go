package resilience

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"idemcore/internal/shared"
	"idemcore/pkg/idempotency"
	"idemcore/pkg/retry"
)

func instant(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Strategy: retry.Exponential}
}

func newTestFacade(store *idempotency.Store, opts ...Option) *Facade {
	opts = append([]Option{WithExecutorOptions(retry.WithClock(time.Now, instant))}, opts...)
	return New(store, opts...)
}

// recorder collects observer events
type recorder struct {
	mu       sync.Mutex
	attempts []retry.AttemptOutcome
	outcomes []Outcome
}

func (r *recorder) OnAttempt(key string, a retry.AttemptOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func (r *recorder) OnOutcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func TestExecuteAtMostOnce(t *testing.T) {
	store := idempotency.NewStore()
	f := newTestFacade(store)

	const callers = 50
	gate := make(chan struct{})
	var executions atomic.Int32
	op := func(ctx context.Context) (any, error) {
		executions.Add(1)
		<-gate
		return "charged", nil
	}

	results := make([]any, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			res, err := f.Execute(context.Background(), "payment-1", op, fastPolicy(3))
			results[i] = res
			return err
		})
	}

	assert.Eventually(t, func() bool {
		info, ok := store.Get("payment-1")
		return ok && info.Waiters == callers-1
	}, 2*time.Second, time.Millisecond)
	close(gate)

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), executions.Load())
	for _, res := range results {
		assert.Equal(t, "charged", res)
	}
}

func TestExecuteAtMostOnceSharedError(t *testing.T) {
	f := newTestFacade(nil)

	failure := errors.New("card declined")
	gate := make(chan struct{})
	var attempts atomic.Int32
	op := func(ctx context.Context) (any, error) {
		<-gate
		attempts.Add(1)
		return nil, failure
	}

	const callers = 20
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.Execute(context.Background(), "k", op, fastPolicy(3))
		}()
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(3), attempts.Load(), "exactly the leader's attempts")
	for _, err := range errs {
		assert.Same(t, failure, err)
	}
}

func TestExecuteExhaustionReturnsLastError(t *testing.T) {
	f := newTestFacade(nil)
	errs := []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}

	var n atomic.Int32
	_, trace, err := f.ExecuteTrace(context.Background(), "k", func(ctx context.Context) (any, error) {
		return nil, errs[n.Add(1)-1]
	}, fastPolicy(3))

	assert.Same(t, errs[2], err)
	assert.Len(t, trace, 3)

	info, ok := f.Store().Get("k")
	require.True(t, ok)
	assert.Equal(t, idempotency.Failed, info.State)
	assert.Equal(t, "e3", info.Error)
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	store := idempotency.NewStore()
	f := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	op := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			time.AfterFunc(10*time.Millisecond, cancel)
		}
		return nil, errors.New("unavailable")
	}

	start := time.Now()
	_, err := f.Execute(ctx, "k", op, retry.Policy{MaxAttempts: 5, BaseDelay: 10 * time.Second, Strategy: retry.Fixed})

	assert.Less(t, time.Since(start), 2*time.Second)
	var ce *retry.CancellationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int32(1), calls.Load())

	// The cancelled run is not cached, so the next caller executes again
	_, err = f.Execute(context.Background(), "k", op, fastPolicy(1))
	require.Error(t, err)
	assert.False(t, retry.IsCancellation(err))
	assert.EqualError(t, err, "unavailable")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCancelledLeaderReleasesKey(t *testing.T) {
	tests := []struct {
		name      string
		policy    retry.Policy
		cancelAt  int32 // cancel the context during this call; 0 cancels before the run
		wantCalls int32
	}{
		{name: "before first attempt", policy: fastPolicy(3), wantCalls: 0},
		{name: "during backoff", policy: retry.Policy{MaxAttempts: 5, BaseDelay: 10 * time.Second, Strategy: retry.Fixed}, cancelAt: 1, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := idempotency.NewStore(idempotency.WithRetention(time.Hour))
			f := New(store)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancelAt == 0 {
				cancel()
			}
			var calls atomic.Int32
			failing := func(context.Context) (any, error) {
				if calls.Add(1) == tt.cancelAt {
					time.AfterFunc(10*time.Millisecond, cancel)
				}
				return nil, errors.New("unavailable")
			}

			_, err := f.Execute(ctx, "order-7", failing, tt.policy)
			require.True(t, retry.IsCancellation(err), "got %v", err)
			assert.Equal(t, tt.wantCalls, calls.Load())
			_, ok := store.Get("order-7")
			assert.False(t, ok, "cancelled run must not be cached")

			var fresh atomic.Int32
			res, err := f.Execute(context.Background(), "order-7", func(context.Context) (any, error) {
				return fresh.Add(1), nil
			}, fastPolicy(1))
			require.NoError(t, err)
			assert.Equal(t, int32(1), res)
			assert.Equal(t, int32(1), fresh.Load())

			// The successful run is the one that stays cached
			res, err = f.Execute(context.Background(), "order-7", failing, fastPolicy(1))
			require.NoError(t, err)
			assert.Equal(t, int32(1), res)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestLeaderCancellationReleasesFollowers(t *testing.T) {
	f := New(nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	started := make(chan struct{})
	op := func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.Execute(leaderCtx, "k", op, fastPolicy(3))
		leaderErr <- err
	}()
	<-started

	followerErr := make(chan error, 1)
	go func() {
		_, err := f.Execute(context.Background(), "k", op, fastPolicy(3))
		followerErr <- err
	}()

	cancelLeader()

	select {
	case err := <-followerErr:
		assert.True(t, shared.IsCanceled(err))
	case <-time.After(2 * time.Second):
		t.Fatal("follower was left waiting")
	}
	assert.True(t, retry.IsCancellation(<-leaderErr))
}

func TestFollowerCancellationDoesNotAffectLeader(t *testing.T) {
	f := New(nil)

	gate := make(chan struct{})
	started := make(chan struct{})
	op := func(ctx context.Context) (any, error) {
		close(started)
		<-gate
		return "done", nil
	}

	leaderRes := make(chan any, 1)
	go func() {
		res, _ := f.Execute(context.Background(), "k", op, fastPolicy(1))
		leaderRes <- res
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex, err := f.ExecuteDetailed(ctx, "k", op, fastPolicy(1))
	assert.True(t, shared.IsCanceled(err))
	var ce *retry.CancellationError
	require.ErrorAs(t, err, &ce, "followers report cancellation like leaders do")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ce.Attempts)
	assert.Equal(t, idempotency.Follower, ex.Role)

	close(gate)
	assert.Equal(t, "done", <-leaderRes)
}

func TestFollowerJoinAfterCompletion(t *testing.T) {
	f := newTestFacade(idempotency.NewStore(idempotency.WithRetention(time.Hour)))

	var calls atomic.Int32
	op := func(ctx context.Context) (any, error) {
		return calls.Add(1), nil
	}

	first, err := f.Execute(context.Background(), "k", op, fastPolicy(1))
	require.NoError(t, err)

	second, trace, err := f.ExecuteTrace(context.Background(), "k", op, fastPolicy(1))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Nil(t, trace, "followers have no trace")
	assert.Equal(t, int32(1), calls.Load())
}

func TestEvictionReexecutes(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := idempotency.NewStore(idempotency.WithRetention(time.Minute), idempotency.WithClock(clock))
	f := newTestFacade(store)

	var calls atomic.Int32
	op := func(ctx context.Context) (any, error) {
		return calls.Add(1), nil
	}

	_, err := f.Execute(context.Background(), "k", op, fastPolicy(1))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	res, err := f.Execute(context.Background(), "k", op, fastPolicy(1))
	require.NoError(t, err)
	assert.Equal(t, int32(2), res)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLeaderPanicFailsRecord(t *testing.T) {
	f := New(nil)

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = f.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
			panic("boom")
		}, fastPolicy(3))
	})

	_, err := f.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		return "never", nil
	}, fastPolicy(1))

	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
}

func TestExecuteValidation(t *testing.T) {
	f := New(nil)
	op := func(ctx context.Context) (any, error) { return nil, nil }

	_, err := f.Execute(context.Background(), "", op, fastPolicy(1))
	assert.True(t, shared.IsValidation(err))

	_, err = f.Execute(context.Background(), "k", op, retry.Policy{})
	assert.True(t, shared.IsValidation(err))
	assert.Zero(t, f.Store().Len(), "invalid policy must not create a record")
}

func TestObservers(t *testing.T) {
	rec := &recorder{}
	f := newTestFacade(nil, WithObserver(rec))

	var n atomic.Int32
	_, err := f.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		if n.Add(1) < 2 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}, fastPolicy(3))
	require.NoError(t, err)

	require.Len(t, rec.attempts, 2)
	assert.Error(t, rec.attempts[0].Err)
	assert.NoError(t, rec.attempts[1].Err)

	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, "k", rec.outcomes[0].Key)
	assert.Equal(t, idempotency.Completed, rec.outcomes[0].State)
	assert.Equal(t, 2, rec.outcomes[0].Attempts)

	// followers do not emit events
	_, _ = f.Execute(context.Background(), "k", nil, fastPolicy(1))
	assert.Len(t, rec.outcomes, 1)
}

func TestSafeObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	panicky := ObserverFuncs{
		Attempt: func(string, retry.AttemptOutcome) { panic("metrics backend exploded") },
		Outcome: func(Outcome) { panic("journal exploded") },
	}
	f := newTestFacade(nil, WithObserver(SafeObserver(panicky, logger)))

	res, err := f.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		return 1, nil
	}, fastPolicy(1))

	require.NoError(t, err)
	assert.Equal(t, 1, res)
	assert.Contains(t, buf.String(), "observer panicked")
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := newTestFacade(nil, WithObserver(LogObserver{Logger: logger}))

	_, _ = f.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		return nil, shared.ErrTransient
	}, fastPolicy(2))

	out := buf.String()
	assert.Contains(t, out, "attempt failed")
	assert.Contains(t, out, "execution failed")
	assert.Contains(t, out, "kind=Transient")
}
