package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idemcore/internal/shared"
	"idemcore/pkg/idempotency"
	"idemcore/pkg/resilience"
	"idemcore/pkg/retry"
)

// fakeBackend records appended batches; Append can be gated or made to fail.
type fakeBackend struct {
	mu      sync.Mutex
	entries []Entry
	calls   int
	failN   int
	failErr error
	entered chan struct{}
	gate    chan struct{}
	closed  bool
}

func (f *fakeBackend) Append(ctx context.Context, entries []Entry) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return f.failErr
	}
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeBackend) List(context.Context, Filter) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.entries...), nil
}

func (f *fakeBackend) Prune(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.entries[:0]
	var n int64
	for _, e := range f.entries {
		if e.RecordedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	f.entries = kept
	return n, nil
}

func (f *fakeBackend) Ping(context.Context) error { return nil }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeBackend) stored() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.entries...)
}

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Strategy: retry.Fixed}

func TestEntryFromOutcome(t *testing.T) {
	started := t0.Add(-time.Second)

	ok := EntryFromOutcome(resilience.Outcome{
		Key: "k", State: idempotency.Completed, Attempts: 1, StartedAt: started, Duration: time.Second,
	}, t0)
	assert.Equal(t, Entry{Key: "k", State: "completed", Attempts: 1, StartedAt: started, Duration: time.Second, RecordedAt: t0}, ok)

	failed := EntryFromOutcome(resilience.Outcome{
		Key: "k", State: idempotency.Failed, Attempts: 3,
		Err: fmt.Errorf("call: %w", shared.ErrTimeout),
	}, t0)
	assert.Equal(t, "failed", failed.State)
	assert.Equal(t, "Timeout", failed.Kind)
	assert.Equal(t, "call: operation timed out", failed.Error)
}

func TestJournal_FlushesOnClose(t *testing.T) {
	backend := &fakeBackend{}
	j := New(backend, WithClock(func() time.Time { return t0 }), WithFlushInterval(time.Hour))

	for i := range 5 {
		j.OnOutcome(resilience.Outcome{Key: fmt.Sprintf("k%d", i), State: idempotency.Completed, Attempts: 1})
	}
	j.OnAttempt("k0", retry.AttemptOutcome{Attempt: 1})

	require.NoError(t, j.Close(context.Background()))

	stored := backend.stored()
	require.Len(t, stored, 5)
	for _, e := range stored {
		assert.Equal(t, t0, e.RecordedAt)
	}
	assert.Zero(t, j.Dropped())
	assert.True(t, backend.closed)
}

func TestJournal_WritesToSQLite(t *testing.T) {
	backend := newSQLiteBackend(t)
	j := New(backend, WithClock(func() time.Time { return t0 }), WithBatchSize(2), WithFlushInterval(5*time.Millisecond))
	t.Cleanup(func() { _ = j.Close(context.Background()) })

	j.OnOutcome(resilience.Outcome{Key: "a", State: idempotency.Completed, Attempts: 1})
	j.OnOutcome(resilience.Outcome{Key: "b", State: idempotency.Failed, Attempts: 3, Err: errors.New("boom")})
	j.OnOutcome(resilience.Outcome{Key: "c", State: idempotency.Completed, Attempts: 2})

	require.Eventually(t, func() bool {
		got, err := j.List(context.Background(), Filter{})
		return err == nil && len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	failed, err := j.List(context.Background(), Filter{State: "failed"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Key)
	assert.Equal(t, "boom", failed[0].Error)
	assert.NoError(t, j.Ping(context.Background()))
}

func TestJournal_DropsWhenBufferFull(t *testing.T) {
	backend := &fakeBackend{entered: make(chan struct{}, 4), gate: make(chan struct{})}
	var drops atomic.Int32
	j := New(backend, WithBufferSize(1), WithBatchSize(1), OnDrop(func() { drops.Add(1) }))

	require.True(t, j.Enqueue(Entry{Key: "first"}))
	<-backend.entered // writer is now blocked inside Append

	assert.True(t, j.Enqueue(Entry{Key: "buffered"}))
	assert.False(t, j.Enqueue(Entry{Key: "dropped"}))
	assert.Equal(t, int64(1), j.Dropped())
	assert.Equal(t, int32(1), drops.Load())

	close(backend.gate)
	require.NoError(t, j.Close(context.Background()))

	var keys []string
	for _, e := range backend.stored() {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"first", "buffered"}, keys)
	assert.True(t, backend.closed)
}

func TestJournal_RetriesFailedWrites(t *testing.T) {
	backend := &fakeBackend{failN: 2, failErr: errors.New("database is locked")}
	j := New(backend, WithWritePolicy(fastPolicy))

	j.Enqueue(Entry{Key: "k"})
	require.NoError(t, j.Close(context.Background()))

	assert.Len(t, backend.stored(), 1)
	assert.Zero(t, j.Dropped())
}

func TestJournal_DropsBatchAfterExhaustion(t *testing.T) {
	backend := &fakeBackend{failN: 10, failErr: errors.New("disk full")}
	var drops atomic.Int32
	j := New(backend, WithWritePolicy(fastPolicy), OnDrop(func() { drops.Add(1) }))

	j.Enqueue(Entry{Key: "a"})
	j.Enqueue(Entry{Key: "b"})
	require.NoError(t, j.Close(context.Background()))

	assert.Empty(t, backend.stored())
	assert.Equal(t, int64(2), j.Dropped())
	assert.Equal(t, int32(2), drops.Load())
}

func TestJournal_PermanentErrorsAreNotRetried(t *testing.T) {
	backend := &fakeBackend{failN: 10, failErr: shared.Validationf("bad row")}
	j := New(backend, WithWritePolicy(fastPolicy))

	j.Enqueue(Entry{Key: "a"})
	require.NoError(t, j.Close(context.Background()))

	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, int64(1), j.Dropped())
}

func TestJournal_EnqueueAfterCloseDrops(t *testing.T) {
	j := New(&fakeBackend{})
	require.NoError(t, j.Close(context.Background()))
	require.NoError(t, j.Close(context.Background()), "Close is idempotent")

	assert.False(t, j.Enqueue(Entry{Key: "late"}))
	assert.Equal(t, int64(1), j.Dropped())
}

func TestJournal_Prune(t *testing.T) {
	backend := &fakeBackend{}
	j := New(backend, WithClock(func() time.Time { return t0 }), WithFlushInterval(5*time.Millisecond))

	j.Enqueue(Entry{Key: "old", RecordedAt: t0.Add(-2 * time.Hour)})
	j.Enqueue(Entry{Key: "new", RecordedAt: t0.Add(-time.Minute)})
	require.Eventually(t, func() bool { return len(backend.stored()) == 2 }, 3*time.Second, 5*time.Millisecond)

	n, err := j.Prune(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, j.Close(context.Background()))
}

func TestJournal_CloseDeadlineStillClosesBackend(t *testing.T) {
	backend := &fakeBackend{entered: make(chan struct{}, 4), gate: make(chan struct{})}
	j := New(backend, WithFlushInterval(time.Hour))
	require.True(t, j.Enqueue(Entry{Key: "k"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := j.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-backend.entered
	assert.False(t, backend.isClosed())
	close(backend.gate)

	assert.Eventually(t, backend.isClosed, time.Second, 5*time.Millisecond)
	assert.Len(t, backend.stored(), 1)
	require.NoError(t, j.Close(context.Background()))
}
