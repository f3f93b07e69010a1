// Package journal persists execution outcomes for later inspection.
//
// A Journal is a resilience.Observer. OnOutcome never blocks the leader: entries
// go into a bounded buffer and a background goroutine writes them in batches.
// When the buffer is full, or a batch still fails after retries, entries are
// dropped and counted.
package journal

import (
	"context"
	"embed"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"idemcore/internal/shared"
	"idemcore/pkg/resilience"
	"idemcore/pkg/retry"
)

//go:embed migrations
var migrations embed.FS

// Entry is one persisted outcome.
type Entry struct {
	ID         int64         `json:"id"`
	Key        string        `json:"key"`
	State      string        `json:"state"`
	Kind       string        `json:"kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Key   string
	State string
	// Limit caps the number of entries (DefaultListLimit when 0).
	Limit int
}

// DefaultListLimit bounds List when Filter.Limit is unset.
const DefaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Backend stores entries.
type Backend interface {
	Append(ctx context.Context, entries []Entry) error
	// List returns matching entries, newest first.
	List(ctx context.Context, f Filter) ([]Entry, error)
	// Prune deletes entries recorded before the cutoff and reports how many.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Journal buffers outcomes and writes them to a Backend.
type Journal struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	onDrop  func()

	policy       retry.Policy
	batchSize    int
	flushEvery   time.Duration
	writeTimeout time.Duration

	queue     chan Entry
	stop      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Int64
}

// Option configures a Journal.
type Option func(*Journal)

// WithBufferSize sets how many entries may wait for the writer.
func WithBufferSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.queue = make(chan Entry, n)
		}
	}
}

// WithBatchSize sets the maximum number of entries per write.
func WithBatchSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait.
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.flushEvery = d
		}
	}
}

// WithWritePolicy sets the retry policy for batch writes.
func WithWritePolicy(p retry.Policy) Option {
	return func(j *Journal) { j.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithClock sets the clock stamping RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// OnDrop registers a callback invoked once per dropped entry.
func OnDrop(fn func()) Option {
	return func(j *Journal) { j.onDrop = fn }
}

// New starts a journal writing to backend. Close must be called to flush.
func New(backend Backend, opts ...Option) *Journal {
	j := &Journal{
		backend:      backend,
		logger:       slog.Default(),
		now:          time.Now,
		onDrop:       func() {},
		policy:       retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, Strategy: retry.Exponential, Jitter: true},
		batchSize:    64,
		flushEvery:   time.Second,
		writeTimeout: 10 * time.Second,
		queue:        make(chan Entry, 1024),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}

	go j.run()
	return j
}

// OnAttempt implements resilience.Observer. Attempts are not journaled.
func (j *Journal) OnAttempt(string, retry.AttemptOutcome) {}

// OnOutcome implements resilience.Observer.
func (j *Journal) OnOutcome(o resilience.Outcome) {
	j.Enqueue(EntryFromOutcome(o, j.now()))
}

// Enqueue hands e to the writer without blocking. It reports false when e was dropped.
func (j *Journal) Enqueue(e Entry) bool {
	if j.closed.Load() {
		j.drop(1)
		return false
	}
	select {
	case j.queue <- e:
		return true
	default:
		j.drop(1)
		return false
	}
}

// Dropped returns how many entries were not persisted.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// List reads entries from the backend.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	return j.backend.List(ctx, f)
}

// Prune deletes entries older than retention relative to the journal clock.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := j.backend.Prune(ctx, j.now().Add(-retention))
	if err != nil {
		return 0, shared.Wrap(err, "prune journal")
	}
	return n, nil
}

// Ping checks the backend. It fits a capability check.
func (j *Journal) Ping(ctx context.Context) error {
	return j.backend.Ping(ctx)
}

// Close flushes buffered entries and closes the backend. Entries enqueued
// afterwards are dropped. If ctx ends before the flush does, Close returns the
// context error and the backend is closed once the writer exits.
func (j *Journal) Close(ctx context.Context) error {
	var err error
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		close(j.stop)
		select {
		case <-j.done:
		case <-ctx.Done():
			err = shared.Wrap(ctx.Err(), "flush journal")
			go func() {
				<-j.done
				if cerr := j.backend.Close(); cerr != nil {
					j.logger.Error("close journal backend", "error", cerr)
				}
			}()
			return
		}
		err = j.backend.Close()
	})
	return err
}

func (j *Journal) run() {
	defer close(j.done)

	ticker := time.NewTicker(j.flushEvery)
	defer ticker.Stop()

	batch := make([]Entry, 0, j.batchSize)
	for {
		select {
		case e := <-j.queue:
			batch = append(batch, e)
			if len(batch) >= j.batchSize {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-j.stop:
			for {
				select {
				case e := <-j.queue:
					batch = append(batch, e)
					if len(batch) >= j.batchSize {
						j.flush(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						j.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (j *Journal) flush(batch []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
	defer cancel()

	err := retry.DoWithRetryable(ctx, j.policy, func(ctx context.Context) error {
		return j.backend.Append(ctx, batch)
	}, shared.IsTransient)
	if err != nil {
		j.logger.Error("journal write failed", "entries", len(batch), "error", err)
		j.drop(len(batch))
	}
}

func (j *Journal) drop(n int) {
	j.dropped.Add(int64(n))
	for range n {
		j.onDrop()
	}
}

// EntryFromOutcome converts a facade outcome into a journal entry.
func EntryFromOutcome(o resilience.Outcome, recordedAt time.Time) Entry {
	e := Entry{
		Key:        o.Key,
		State:      o.State.String(),
		Attempts:   o.Attempts,
		StartedAt:  o.StartedAt,
		Duration:   o.Duration,
		RecordedAt: recordedAt,
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
		e.Kind = shared.KindOf(o.Err).String()
	}
	return e
}
