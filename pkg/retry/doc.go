// Package retry runs operations under a bounded retry policy with fixed, linear or
// exponential backoff.
//
// Key Features:
//   - Three backoff strategies (Fixed, Linear, Exponential) with saturating arithmetic
//   - Optional jitter in [0.5, 1.0] of the computed delay, off by default
//   - Context-aware waits: cancellation during backoff returns a *CancellationError
//   - Per-attempt trace (AttemptOutcome) for diagnostics and assertions
//   - Stop(err) marker for errors that must not be retried
//   - Full testability support (time and randomness abstraction)
//
// Basic Usage:
//
//	exec := retry.NewExecutor()
//	res, trace, err := exec.Run(ctx, func(ctx context.Context) (any, error) {
//	    return client.Fetch(ctx, id)
//	}, retry.Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Strategy: retry.Exponential})
//
// On exhaustion Run returns the error of the last attempt unchanged, so callers can
// match it with errors.Is/As exactly as if the operation had been called directly.
//
// Infrastructure Usage:
//
//	err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
//	    return pool.Ping(ctx)
//	})
//
// Do only retries errors accepted by DefaultRetryable (network and timeout failures);
// use DoWithRetryable for a custom predicate.
package retry
