package fault

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"idemcore/internal/shared"
)

// WildcardTarget matches every target.
const WildcardTarget = "*"

// Operation matches retry.Operation so wrapped operations can be passed straight to an executor.
type Operation = func(ctx context.Context) (any, error)

type entry struct {
	inj  Injection
	hits int64
}

// Injector registers faults and applies them to wrapped operations.
type Injector struct {
	mu     sync.RWMutex
	faults map[string]*entry

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
	newID func() string
}

// Option configures an Injector.
type Option func(*Injector)

// WithClock replaces the time source and timer factory.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(i *Injector) {
		i.now = now
		i.after = after
	}
}

// WithIDGenerator replaces the injection id generator (defaults to uuid v4).
func WithIDGenerator(fn func() string) Option {
	return func(i *Injector) {
		i.newID = fn
	}
}

// NewInjector creates an injector without faults.
func NewInjector(opts ...Option) *Injector {
	i := &Injector{
		faults: make(map[string]*entry),
		now:    time.Now,
		after:  time.After,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inject registers a fault for target. Operations wrapped for target are faulted from
// this moment until Recover. The injection reports Injecting until duration has
// elapsed and Active afterwards. Unknown fault types behave like Error.
func (i *Injector) Inject(typ Type, target string, duration time.Duration) Injection {
	e := &entry{inj: Injection{
		ID:         i.newID(),
		Type:       typ,
		Target:     target,
		Duration:   duration,
		State:      Injecting,
		InjectedAt: i.now(),
	}}

	i.mu.Lock()
	i.faults[e.inj.ID] = e
	i.mu.Unlock()

	return i.snapshot(e, e.inj.InjectedAt)
}

// Recover restores normal behavior for the injection. Recovering an already recovered
// injection returns it unchanged; an unknown id returns a not-found error.
func (i *Injector) Recover(id string) (Injection, error) {
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.faults[id]
	if !ok {
		return Injection{}, shared.Wrapf(shared.ErrNotFound, "fault %s", id)
	}
	if e.inj.RecoveredAt.IsZero() {
		e.inj.RecoveredAt = now
	}
	return i.snapshotLocked(e, now), nil
}

// Get returns the injection with the given id.
func (i *Injector) Get(id string) (Injection, error) {
	now := i.now()

	i.mu.RLock()
	defer i.mu.RUnlock()

	e, ok := i.faults[id]
	if !ok {
		return Injection{}, shared.Wrapf(shared.ErrNotFound, "fault %s", id)
	}
	return i.snapshotLocked(e, now), nil
}

// List returns all injections, oldest first.
func (i *Injector) List() []Injection {
	now := i.now()

	i.mu.RLock()
	out := make([]Injection, 0, len(i.faults))
	for _, e := range i.faults {
		out = append(out, i.snapshotLocked(e, now))
	}
	i.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].InjectedAt.Equal(out[b].InjectedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].InjectedAt.Before(out[b].InjectedAt)
	})
	return out
}

// Active returns the injections not yet recovered that apply to target, oldest first.
func (i *Injector) Active(target string) []Injection {
	var out []Injection
	for _, inj := range i.List() {
		if inj.State == Recovered {
			continue
		}
		if inj.Target == target || inj.Target == WildcardTarget {
			out = append(out, inj)
		}
	}
	return out
}

// Reachable returns a capability check for target that fails while a Partition fault
// applies to it. The error has kind shared.KindCapabilityUnavailable.
func (i *Injector) Reachable(target string) func(context.Context) error {
	return func(context.Context) error {
		for _, inj := range i.Active(target) {
			if inj.Type == Partition {
				return shared.MarkKind(fmt.Errorf("%w (fault %s on %s)", ErrPartitioned, inj.ID, inj.Target), shared.KindCapabilityUnavailable)
			}
		}
		return nil
	}
}

// Wrap returns op decorated with the faults currently enforced for target.
// Faults are looked up on every call, so injecting or recovering affects operations
// that were wrapped earlier.
func (i *Injector) Wrap(target string, op Operation) Operation {
	return func(ctx context.Context) (any, error) {
		if err := i.apply(ctx, target); err != nil {
			return nil, err
		}
		return op(ctx)
	}
}

// apply enforces latency faults first, then the oldest failing fault
func (i *Injector) apply(ctx context.Context, target string) error {
	var latency time.Duration
	var failing *entry

	i.mu.Lock()
	for _, e := range i.faults {
		if !e.inj.RecoveredAt.IsZero() {
			continue
		}
		if e.inj.Target != target && e.inj.Target != WildcardTarget {
			continue
		}
		e.hits++
		if e.inj.Type == Latency {
			latency += e.inj.Duration
			continue
		}
		if failing == nil || e.inj.InjectedAt.Before(failing.inj.InjectedAt) {
			failing = e
		}
	}
	var failType Type
	if failing != nil {
		failType = failing.inj.Type
	}
	i.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.after(latency):
		}
	}

	if failing == nil {
		return nil
	}
	switch failType {
	case Network:
		return &NetworkError{Target: target}
	case Partition:
		return ErrPartitioned
	default:
		return ErrInjected
	}
}

func (i *Injector) snapshot(e *entry, now time.Time) Injection {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.snapshotLocked(e, now)
}

func (i *Injector) snapshotLocked(e *entry, now time.Time) Injection {
	inj := e.inj
	inj.Hits = e.hits
	switch {
	case !inj.RecoveredAt.IsZero():
		inj.State = Recovered
	case now.Sub(inj.InjectedAt) >= inj.Duration:
		inj.State = Active
	default:
		inj.State = Injecting
	}
	return inj
}
