package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"idemcore/internal/shared"
	"idemcore/pkg/fallback"
	"idemcore/pkg/idempotency"
	"idemcore/pkg/retry"
)

var (
	// ErrDeferred is returned by Submit when the capability is missing and the
	// operation was queued until it returns.
	ErrDeferred = shared.MarkKind(errors.New("resilience: operation deferred until capability returns"), shared.KindCapabilityUnavailable)

	// ErrQueueFull is returned by Submit when the capability is missing and the queue
	// has no room left.
	ErrQueueFull = shared.MarkKind(errors.New("resilience: deferred queue is full"), shared.KindCapabilityUnavailable)
)

// ExecFunc runs op under key. Facade.ExecuteTrace is the default.
type ExecFunc func(ctx context.Context, key string, op retry.Operation, policy retry.Policy) (any, []retry.AttemptOutcome, error)

type deferred struct {
	capability string
	key        string
	op         retry.Operation
	policy     retry.Policy
	queuedAt   time.Time
	replays    int
}

// DeferredQueue holds operations whose capability was unavailable and replays them
// through the facade once the capability is back. Operations are keyed by their
// idempotency key; a key is queued at most once.
type DeferredQueue struct {
	facade     *Facade
	exec       ExecFunc
	logger     *slog.Logger
	now        func() time.Time
	capacity   int
	maxReplays int
	onDefer    func(capability string, reason error)

	mu      sync.Mutex
	entries []*deferred
	keys    map[string]struct{}
}

// QueueOption configures a DeferredQueue.
type QueueOption func(*DeferredQueue)

// WithQueueCapacity bounds the number of queued operations (defaults to 1000).
func WithQueueCapacity(n int) QueueOption {
	return func(q *DeferredQueue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithMaxReplays sets how many failed replays an operation survives before it is
// dropped (defaults to 3).
func WithMaxReplays(n int) QueueOption {
	return func(q *DeferredQueue) {
		if n > 0 {
			q.maxReplays = n
		}
	}
}

// WithExecFunc replaces the function used to run submitted and replayed operations.
func WithExecFunc(fn ExecFunc) QueueOption {
	return func(q *DeferredQueue) {
		if fn != nil {
			q.exec = fn
		}
	}
}

// WithQueueLogger sets the logger (defaults to the facade logger).
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *DeferredQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithQueueClock replaces the time source.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *DeferredQueue) {
		q.now = now
	}
}

// OnDefer registers a callback invoked each time Submit switches away from the
// primary operation of capability.
func OnDefer(fn func(capability string, reason error)) QueueOption {
	return func(q *DeferredQueue) {
		q.onDefer = fn
	}
}

// NewDeferredQueue creates an empty queue in front of f.
func NewDeferredQueue(f *Facade, opts ...QueueOption) *DeferredQueue {
	q := &DeferredQueue{
		facade:     f,
		exec:       f.ExecuteTrace,
		logger:     f.logger,
		now:        time.Now,
		capacity:   1000,
		maxReplays: 3,
		keys:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Facade returns the facade the queue runs operations through.
func (q *DeferredQueue) Facade() *Facade { return q.facade }

// Submit runs op under key like Facade.ExecuteWithFallback, with queueing as the
// fallback: when probe reports capability missing, or op fails with a
// capability error, op is queued and Submit returns ErrDeferred (ErrQueueFull if
// there is no room). Callers that join key before the replay get the same error.
func (q *DeferredQueue) Submit(ctx context.Context, capability string, probe func() bool, key string, op retry.Operation, policy retry.Policy) (any, []retry.AttemptOutcome, error) {
	enqueue := func(context.Context) (any, error) {
		if err := q.push(capability, key, op, policy); err != nil {
			return nil, retry.Stop(err)
		}
		return nil, retry.Stop(ErrDeferred)
	}
	notify := fallback.OnFallback(func(reason error) {
		if q.onDefer != nil {
			q.onDefer(capability, reason)
		}
	})
	return q.exec(ctx, key, withFallback(op, probe, enqueue, notify), policy)
}

func (q *DeferredQueue) push(capability, key string, op retry.Operation, policy retry.Policy) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.keys[key]; ok {
		return nil
	}
	if len(q.entries) >= q.capacity {
		q.logger.Warn("deferred queue full", "capability", capability, "key", key, "capacity", q.capacity)
		return ErrQueueFull
	}
	q.entries = append(q.entries, &deferred{
		capability: capability,
		key:        key,
		op:         op,
		policy:     policy,
		queuedAt:   q.now(),
	})
	q.keys[key] = struct{}{}
	q.logger.Info("operation deferred", "capability", capability, "key", key, "queued", len(q.entries))
	return nil
}

// take removes the entries of capability, oldest first
func (q *DeferredQueue) take(capability string) []*deferred {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*deferred
	kept := q.entries[:0]
	for _, d := range q.entries {
		if d.capability == capability {
			batch = append(batch, d)
			delete(q.keys, d.key)
			continue
		}
		kept = append(kept, d)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	return batch
}

func (q *DeferredQueue) requeue(batch ...*deferred) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, d := range batch {
		if _, ok := q.keys[d.key]; ok {
			continue
		}
		q.entries = append(q.entries, d)
		q.keys[d.key] = struct{}{}
	}
}

// Drain replays the queued operations of capability in submission order and returns
// how many completed. A failed replay is queued again until it has failed
// WithMaxReplays times. Entries left when ctx ends stay queued.
func (q *DeferredQueue) Drain(ctx context.Context, capability string) int {
	batch := q.take(capability)
	if len(batch) == 0 {
		return 0
	}

	store := q.facade.Store()
	completed := 0
	for i, d := range batch {
		if ctx.Err() != nil {
			q.requeue(batch[i:]...)
			break
		}

		// Another caller may have run the key successfully in the meantime
		if info, ok := store.Get(d.key); ok && info.State == idempotency.Completed {
			completed++
			continue
		}
		store.Forget(d.key)

		_, _, err := q.exec(ctx, d.key, d.op, d.policy)
		switch {
		case err == nil:
			completed++
			q.logger.Info("deferred operation replayed", "capability", capability, "key", d.key, "waited", q.now().Sub(d.queuedAt))
		case retry.IsCancellation(err):
			q.requeue(d)
		default:
			d.replays++
			if d.replays >= q.maxReplays {
				q.logger.Error("deferred operation dropped", "capability", capability, "key", d.key, "replays", d.replays, "error", err)
				continue
			}
			q.logger.Warn("deferred operation failed", "capability", capability, "key", d.key, "replays", d.replays, "error", err)
			q.requeue(d)
		}
	}
	return completed
}

// DrainAvailable drains every capability reported available in probes.
func (q *DeferredQueue) DrainAvailable(ctx context.Context, probes []fallback.CapabilityProbe) int {
	n := 0
	for _, p := range probes {
		if p.Available {
			n += q.Drain(ctx, p.Name)
		}
	}
	return n
}

// Len returns the number of queued operations.
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns the keys queued for capability, oldest first.
func (q *DeferredQueue) Pending(capability string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var keys []string
	for _, d := range q.entries {
		if d.capability == capability {
			keys = append(keys, d.key)
		}
	}
	return keys
}
