package fallback

import (
	"context"
	"sort"
	"sync"
	"time"

	"idemcore/internal/shared"
)

// CapabilityProbe is a read-only snapshot of a capability check.
type CapabilityProbe struct {
	Name      string    `json:"name"`
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// CheckFunc reports whether a capability is present. A non-nil error means unavailable.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn   CheckFunc
	last CapabilityProbe
	seen bool
}

// Registry holds named capability checks. Results are recomputed on every call
// unless a cache TTL is configured.
type Registry struct {
	mu     sync.Mutex
	checks map[string]*check

	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCacheTTL reuses a probe result for ttl. Zero (the default) disables caching.
func WithCacheTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithCheckTimeout bounds a single check (defaults to 2s).
func WithCheckTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

// WithRegistryClock replaces the time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		checks:  make(map[string]*check),
		timeout: 2 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the check for name.
func (r *Registry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = &check{fn: fn}
}

// Check runs (or reuses, within the cache TTL) the check for name.
// Unknown names are reported unavailable.
func (r *Registry) Check(ctx context.Context, name string) CapabilityProbe {
	now := r.now()

	r.mu.Lock()
	c, ok := r.checks[name]
	if !ok {
		r.mu.Unlock()
		return CapabilityProbe{Name: name, CheckedAt: now, Error: shared.Wrapf(shared.ErrNotFound, "capability %s", name).Error()}
	}
	if r.ttl > 0 && c.seen && now.Sub(c.last.CheckedAt) < r.ttl {
		probe := c.last
		r.mu.Unlock()
		return probe
	}
	fn := c.fn
	r.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	probe := CapabilityProbe{Name: name, CheckedAt: now, Available: true}
	if err := fn(checkCtx); err != nil {
		probe.Available = false
		probe.Error = err.Error()
	}

	r.mu.Lock()
	if cur, ok := r.checks[name]; ok && cur == c {
		c.last = probe
		c.seen = true
	}
	r.mu.Unlock()

	return probe
}

// Probe adapts the named check to the probe argument of WithFallback.
func (r *Registry) Probe(ctx context.Context, name string) func() bool {
	return func() bool {
		return r.Check(ctx, name).Available
	}
}

// Refresh re-runs every check, bypassing the cache, and returns the results sorted by name.
func (r *Registry) Refresh(ctx context.Context) []CapabilityProbe {
	r.mu.Lock()
	for _, c := range r.checks {
		c.seen = false
	}
	r.mu.Unlock()
	return r.Snapshot(ctx)
}

// Snapshot checks every registered capability and returns the results sorted by name.
func (r *Registry) Snapshot(ctx context.Context) []CapabilityProbe {
	r.mu.Lock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	out := make([]CapabilityProbe, 0, len(names))
	for _, name := range names {
		out = append(out, r.Check(ctx, name))
	}
	return out
}
