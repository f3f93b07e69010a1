package idempotency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"idemcore/internal/shared"
)

// Store is an in-process registry of operations keyed by idempotency key.
// It guarantees that for a given key at most one record exists at a time and that
// exactly one caller (the Leader) is told to execute it.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record

	retention time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long terminal records are kept. Zero keeps them until Forget.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// WithClock replaces the time source (for testing, defaults to time.Now).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration { return s.retention }

// BeginOrJoin returns the record for key, creating it if absent or expired.
// The caller that created the record gets Leader; everyone else gets Follower.
func (s *Store) BeginOrJoin(key string) (Role, *Record) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && !rec.expired(now, s.retention) {
		return Follower, rec
	}

	rec := newRecord(key, now)
	s.records[key] = rec
	return Leader, rec
}

// Start moves the record for key from Pending to Running.
func (s *Store) Start(key string) error {
	rec, err := s.lookup(key)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state != Pending {
		return invariantf("idempotency: start %q in state %s", key, rec.state)
	}
	rec.state = Running
	rec.startedAt = s.now()
	return nil
}

// Complete stores result and wakes all followers.
func (s *Store) Complete(key string, result any) error {
	return s.finish(key, Completed, result, nil)
}

// Fail stores err and wakes all followers. Followers receive err unchanged.
func (s *Store) Fail(key string, err error) error {
	if err == nil {
		return invariantf("idempotency: fail %q with nil error", key)
	}
	return s.finish(key, Failed, nil, err)
}

func (s *Store) finish(key string, state State, result any, opErr error) error {
	rec, err := s.lookup(key)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state.Terminal() {
		return invariantf("idempotency: %q already %s", key, rec.state)
	}

	rec.state = state
	rec.result = result
	rec.err = opErr
	rec.finishedAt = s.now()
	if rec.startedAt.IsZero() {
		rec.startedAt = rec.finishedAt
	}
	close(rec.done)
	return nil
}

func (s *Store) lookup(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, invariantf("idempotency: no record for key %q", key)
	}
	return rec, nil
}

// Wait blocks until rec is terminal and returns its outcome. If ctx ends first,
// Wait returns a canceled-kind error; the leader is not affected.
func (s *Store) Wait(ctx context.Context, rec *Record) (any, error) {
	// A finished record wins over a cancelled context
	select {
	case <-rec.done:
		return rec.Outcome()
	default:
	}

	rec.waiters.Add(1)
	defer rec.waiters.Add(-1)

	select {
	case <-rec.done:
		return rec.Outcome()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for %q: %w", shared.ErrCanceled, rec.key, ctx.Err())
	}
}

// Forget evicts the terminal record for key. It returns false if there is no record
// or the record is still in flight.
func (s *Store) Forget(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !rec.State().Terminal() {
		return false
	}
	delete(s.records, key)
	return true
}

// Sweep evicts every terminal record whose retention window ended before now.
// It returns the number of evicted records.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, rec := range s.records {
		if rec.expired(now, s.retention) {
			delete(s.records, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of records, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// InFlight returns the number of records that are not terminal.
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if !rec.State().Terminal() {
			n++
		}
	}
	return n
}

// Get returns a snapshot of the live record for key.
func (s *Store) Get(key string) (RecordInfo, bool) {
	now := s.now()

	s.mu.Lock()
	rec, ok := s.records[key]
	s.mu.Unlock()

	if !ok || rec.expired(now, s.retention) {
		return RecordInfo{}, false
	}
	return rec.Info(), true
}

// Snapshot returns all live records sorted by key.
func (s *Store) Snapshot() []RecordInfo {
	now := s.now()

	s.mu.Lock()
	recs := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	out := make([]RecordInfo, 0, len(recs))
	for _, rec := range recs {
		if rec.expired(now, s.retention) {
			continue
		}
		out = append(out, rec.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func invariantf(format string, args ...any) error {
	return shared.InvariantF(false, format, args...)
}
