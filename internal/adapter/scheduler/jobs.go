package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"idemcore/pkg/fallback"
	"idemcore/pkg/resilience"
	"idemcore/pkg/retry"
)

// Sweeper evicts expired idempotency records.
type Sweeper interface {
	Sweep(now time.Time) int
}

// SweepJob evicts expired records and passes the count to report.
func SweepJob(store Sweeper, now func() time.Time, report func(n int)) JobFunc {
	return func(context.Context) error {
		n := store.Sweep(now())
		if report != nil {
			report(n)
		}
		return nil
	}
}

// Pruner deletes journal entries older than a retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// PruneJob trims the outcome journal.
func PruneJob(p Pruner, retention time.Duration, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := p.Prune(ctx, retention)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("journal pruned", "deleted", n, "retention", retention)
		}
		return nil
	}
}

// Drainer replays operations deferred while a capability was missing.
type Drainer interface {
	DrainAvailable(ctx context.Context, probes []fallback.CapabilityProbe) int
}

// RefreshJob re-runs every capability check so Snapshot stays current, then hands
// the fresh results to drain (may be nil) so deferred work resumes.
func RefreshJob(reg *fallback.Registry, drain Drainer, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		probes := reg.Refresh(ctx)
		for _, p := range probes {
			if !p.Available {
				logger.Warn("capability unavailable", "capability", p.Name, "error", p.Error)
			}
		}
		if drain != nil {
			if n := drain.DrainAvailable(ctx, probes); n > 0 {
				logger.Info("deferred operations replayed", "count", n)
			}
		}
		return nil
	}
}

// CanaryTarget is the fault-injection target and capability exercised by CanaryJob.
const CanaryTarget = "canary"

// CanaryJob submits a no-op operation to q under policy, with faults for
// CanaryTarget applied. While the CanaryTarget capability in reg is missing the run
// is deferred and counts as healthy. It fails only when the retries could not
// absorb the injected faults.
func CanaryJob(q *resilience.DeferredQueue, reg *fallback.Registry, decorate resilience.Decorator, policy retry.Policy) JobFunc {
	return func(ctx context.Context) error {
		key := "canary-" + uuid.NewString()
		op := resilience.Chain(func(context.Context) (any, error) { return "ok", nil }, decorate)

		_, trace, err := q.Submit(ctx, CanaryTarget, reg.Probe(ctx, CanaryTarget), key, op, policy)
		if errors.Is(err, resilience.ErrDeferred) {
			return nil
		}
		q.Facade().Store().Forget(key)
		if err != nil {
			return fmt.Errorf("canary failed after %d attempts: %w", len(trace), err)
		}
		return nil
	}
}
