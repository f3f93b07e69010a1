package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idemcore/internal/shared"
	"idemcore/pkg/fallback"
	"idemcore/pkg/idempotency"
	"idemcore/pkg/retry"
)

func newTestQueue(opts ...QueueOption) (*DeferredQueue, *Facade) {
	f := newTestFacade(idempotency.NewStore(idempotency.WithRetention(time.Hour)))
	opts = append([]QueueOption{WithQueueLogger(slog.New(slog.DiscardHandler))}, opts...)
	return NewDeferredQueue(f, opts...), f
}

func counting(calls *atomic.Int32, res any, err error) retry.Operation {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return res, err
	}
}

func available(ok bool) func() bool { return func() bool { return ok } }

func TestDeferredQueueDefersAndReplays(t *testing.T) {
	var reasons []error
	q, f := newTestQueue(OnDefer(func(capability string, reason error) {
		assert.Equal(t, "billing", capability)
		reasons = append(reasons, reason)
	}))
	ctx := context.Background()

	var calls atomic.Int32
	op := counting(&calls, "charged", nil)

	_, _, err := q.Submit(ctx, "billing", available(false), "invoice-1", op, fastPolicy(3))
	require.ErrorIs(t, err, ErrDeferred)
	assert.True(t, shared.IsCapabilityUnavailable(err))
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, []string{"invoice-1"}, q.Pending("billing"))
	require.Len(t, reasons, 1)
	assert.ErrorIs(t, reasons[0], shared.ErrCapabilityUnavailable)

	// Callers joining the key before the replay see the deferral, not a second entry
	_, _, err = q.Submit(ctx, "billing", available(false), "invoice-1", op, fastPolicy(3))
	assert.ErrorIs(t, err, ErrDeferred)
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, 1, q.Drain(ctx, "billing"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, q.Len())

	res, err := f.Execute(ctx, "invoice-1", op, fastPolicy(1))
	require.NoError(t, err)
	assert.Equal(t, "charged", res)
	assert.Equal(t, int32(1), calls.Load(), "the replayed result is cached")
}

func TestDeferredQueueSubmit(t *testing.T) {
	unavailable := shared.MarkKind(errors.New("ledger offline"), shared.KindCapabilityUnavailable)

	tests := []struct {
		name      string
		available bool
		opErr     error
		wantErr   error
		wantCalls int32
		wantLen   int
	}{
		{name: "capability present", available: true, wantCalls: 1},
		{name: "probe reports missing", available: false, wantErr: ErrDeferred, wantCalls: 0, wantLen: 1},
		{name: "capability error stops retries", available: true, opErr: unavailable, wantErr: ErrDeferred, wantCalls: 1, wantLen: 1},
		{name: "other errors are retried", available: true, opErr: errors.New("flaky"), wantErr: errors.New("flaky"), wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue()
			var calls atomic.Int32

			res, trace, err := q.Submit(context.Background(), "ledger", available(tt.available), "k", counting(&calls, "ok", tt.opErr), fastPolicy(3))
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, tt.wantLen, q.Len())
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "ok", res)
				assert.Len(t, trace, 1)
				return
			}
			require.Error(t, err)
			if errors.Is(tt.wantErr, ErrDeferred) {
				assert.ErrorIs(t, err, ErrDeferred)
				assert.Len(t, trace, 1, "deferral ends the run")
				return
			}
			assert.EqualError(t, err, tt.wantErr.Error())
		})
	}
}

func TestDeferredQueueCapacity(t *testing.T) {
	q, _ := newTestQueue(WithQueueCapacity(2))
	ctx := context.Background()
	op := counting(new(atomic.Int32), nil, nil)

	for _, key := range []string{"a", "b"} {
		_, _, err := q.Submit(ctx, "ledger", available(false), key, op, fastPolicy(1))
		require.ErrorIs(t, err, ErrDeferred)
	}
	_, _, err := q.Submit(ctx, "ledger", available(false), "c", op, fastPolicy(1))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, shared.IsCapabilityUnavailable(err))
	assert.Equal(t, []string{"a", "b"}, q.Pending("ledger"))
}

func TestDeferredQueueReplayFailures(t *testing.T) {
	q, _ := newTestQueue(WithMaxReplays(2))
	ctx := context.Background()

	var calls atomic.Int32
	_, _, err := q.Submit(ctx, "ledger", available(false), "k", counting(&calls, nil, errors.New("still down")), fastPolicy(1))
	require.ErrorIs(t, err, ErrDeferred)

	assert.Zero(t, q.Drain(ctx, "ledger"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, q.Len(), "kept for another replay")

	assert.Zero(t, q.Drain(ctx, "ledger"))
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, q.Len(), "dropped after the last replay")
}

func TestDeferredQueueSkipsCompletedKeys(t *testing.T) {
	q, f := newTestQueue()
	ctx := context.Background()

	var queued atomic.Int32
	_, _, err := q.Submit(ctx, "ledger", available(false), "k", counting(&queued, nil, nil), fastPolicy(1))
	require.ErrorIs(t, err, ErrDeferred)

	require.True(t, f.Store().Forget("k"))
	_, err = f.Execute(ctx, "k", counting(new(atomic.Int32), "direct", nil), fastPolicy(1))
	require.NoError(t, err)

	assert.Equal(t, 1, q.Drain(ctx, "ledger"))
	assert.Zero(t, queued.Load(), "a completed key is not executed twice")
}

func TestDeferredQueueDrainCancelled(t *testing.T) {
	q, _ := newTestQueue()
	var calls atomic.Int32
	for _, key := range []string{"a", "b"} {
		_, _, err := q.Submit(context.Background(), "ledger", available(false), key, counting(&calls, nil, nil), fastPolicy(1))
		require.ErrorIs(t, err, ErrDeferred)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, q.Drain(ctx, "ledger"))
	assert.Zero(t, calls.Load())
	assert.Equal(t, []string{"a", "b"}, q.Pending("ledger"))
}

func TestDeferredQueueDrainAvailable(t *testing.T) {
	var executed []string
	var q *DeferredQueue
	q, _ = newTestQueue(WithExecFunc(func(ctx context.Context, key string, op retry.Operation, policy retry.Policy) (any, []retry.AttemptOutcome, error) {
		executed = append(executed, key)
		return q.facade.ExecuteTrace(ctx, key, op, policy)
	}))
	ctx := context.Background()
	op := counting(new(atomic.Int32), nil, nil)

	for _, sub := range []struct{ capability, key string }{{"ledger", "l1"}, {"search", "s1"}, {"ledger", "l2"}} {
		_, _, err := q.Submit(ctx, sub.capability, available(false), sub.key, op, fastPolicy(1))
		require.ErrorIs(t, err, ErrDeferred)
	}
	executed = nil

	n := q.DrainAvailable(ctx, []fallback.CapabilityProbe{
		{Name: "ledger", Available: true},
		{Name: "search", Available: false},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"l1", "l2"}, executed)
	assert.Equal(t, []string{"s1"}, q.Pending("search"))
}
