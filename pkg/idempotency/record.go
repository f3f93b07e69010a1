package idempotency

import (
	"sync"
	"sync/atomic"
	"time"

	"idemcore/internal/shared"
)

// State is the lifecycle position of a Record. Transitions are monotonic:
// Pending -> Running -> Completed | Failed.
type State int

const (
	// Pending means a leader was elected but has not started executing
	Pending State = iota
	// Running means the leader is executing the operation
	Running
	// Completed means the operation succeeded and Result is cached
	Completed
	// Failed means the operation failed and Err is cached
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Pending, Running, Completed, Failed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return shared.Validationf("idempotency: unknown state %q", text)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Role tells a BeginOrJoin caller what it must do with the record.
type Role int

const (
	// Leader must execute the operation and call Complete or Fail
	Leader Role = iota
	// Follower must Wait for the leader's outcome
	Follower
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// Record tracks one execution for one key. Fields are guarded by the record's own
// lock, separate from the store's map lock.
type Record struct {
	key       string
	createdAt time.Time

	mu         sync.RWMutex
	state      State
	result     any
	err        error
	startedAt  time.Time
	finishedAt time.Time

	waiters atomic.Int32
	done    chan struct{}
}

func newRecord(key string, now time.Time) *Record {
	return &Record{
		key:       key,
		createdAt: now,
		state:     Pending,
		done:      make(chan struct{}),
	}
}

// Key returns the idempotency key.
func (r *Record) Key() string { return r.key }

// State returns the current state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Done is closed exactly once, when the record reaches a terminal state.
func (r *Record) Done() <-chan struct{} { return r.done }

// Waiters returns the number of followers currently blocked in Wait.
func (r *Record) Waiters() int { return int(r.waiters.Load()) }

// Outcome returns the cached result and error. Both are nil until the record is terminal.
func (r *Record) Outcome() (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result, r.err
}

// Info returns a point-in-time copy of the record.
func (r *Record) Info() RecordInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := RecordInfo{
		Key:        r.key,
		State:      r.state,
		CreatedAt:  r.createdAt,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Waiters:    int(r.waiters.Load()),
	}
	if r.err != nil {
		info.Error = r.err.Error()
	}
	return info
}

func (r *Record) expired(now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Terminal() && now.Sub(r.finishedAt) >= retention
}

// RecordInfo is a read-only snapshot of a Record, safe to serialize.
type RecordInfo struct {
	Key        string    `json:"key"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Waiters    int       `json:"waiters"`
	Error      string    `json:"error,omitempty"`
}
