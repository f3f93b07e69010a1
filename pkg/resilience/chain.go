package resilience

import (
	"context"
	"time"

	"idemcore/internal/shared"
	"idemcore/pkg/fault"
	"idemcore/pkg/retry"
)

// Decorator wraps an operation with extra behavior.
type Decorator func(retry.Operation) retry.Operation

// Chain applies decorators to op. The first decorator is the outermost one.
func Chain(op retry.Operation, decorators ...Decorator) retry.Operation {
	for i := len(decorators) - 1; i >= 0; i-- {
		if decorators[i] != nil {
			op = decorators[i](op)
		}
	}
	return op
}

// WithFaults applies the faults injected for target. A nil injector is a no-op.
func WithFaults(inj *fault.Injector, target string) Decorator {
	return func(op retry.Operation) retry.Operation {
		if inj == nil {
			return op
		}
		return inj.Wrap(target, op)
	}
}

// AttemptTimeout bounds every single attempt. A timed-out attempt fails with a
// timeout-kind error and may be retried; the caller's own cancellation is reported as is.
func AttemptTimeout(d time.Duration) Decorator {
	return func(op retry.Operation) retry.Operation {
		if d <= 0 {
			return op
		}
		return func(ctx context.Context) (any, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			res, err := op(attemptCtx)
			if err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
				return nil, shared.MarkKind(err, shared.KindTimeout)
			}
			return res, err
		}
	}
}

// StopOn ends retries as soon as the operation fails with an error accepted by terminal.
func StopOn(terminal func(error) bool) Decorator {
	return func(op retry.Operation) retry.Operation {
		return func(ctx context.Context) (any, error) {
			res, err := op(ctx)
			if err != nil && terminal(err) {
				return nil, retry.Stop(err)
			}
			return res, err
		}
	}
}

// StopOnPermanent ends retries for errors that IsTransient rejects (capability,
// validation, conflict and similar kinds).
func StopOnPermanent() Decorator {
	return StopOn(func(err error) bool { return !shared.IsTransient(err) })
}
