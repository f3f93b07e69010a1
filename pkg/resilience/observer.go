package resilience

import (
	"log/slog"

	"idemcore/internal/shared"
	"idemcore/pkg/idempotency"
	"idemcore/pkg/retry"
)

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Attempt func(key string, attempt retry.AttemptOutcome)
	Outcome func(outcome Outcome)
}

// OnAttempt implements Observer.
func (o ObserverFuncs) OnAttempt(key string, attempt retry.AttemptOutcome) {
	if o.Attempt != nil {
		o.Attempt(key, attempt)
	}
}

// OnOutcome implements Observer.
func (o ObserverFuncs) OnOutcome(outcome Outcome) {
	if o.Outcome != nil {
		o.Outcome(outcome)
	}
}

// Observers fans events out to several observers in order.
type Observers []Observer

// OnAttempt implements Observer.
func (obs Observers) OnAttempt(key string, attempt retry.AttemptOutcome) {
	for _, o := range obs {
		o.OnAttempt(key, attempt)
	}
}

// OnOutcome implements Observer.
func (obs Observers) OnOutcome(outcome Outcome) {
	for _, o := range obs {
		o.OnOutcome(outcome)
	}
}

type safeObserver struct {
	inner  Observer
	logger *slog.Logger
}

// SafeObserver shields the execution from a misbehaving observer: panics are recovered
// and logged.
func SafeObserver(inner Observer, logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &safeObserver{inner: inner, logger: logger}
}

func (s *safeObserver) OnAttempt(key string, attempt retry.AttemptOutcome) {
	defer s.guard("attempt", key)
	s.inner.OnAttempt(key, attempt)
}

func (s *safeObserver) OnOutcome(outcome Outcome) {
	defer s.guard("outcome", outcome.Key)
	s.inner.OnOutcome(outcome)
}

func (s *safeObserver) guard(event, key string) {
	if r := recover(); r != nil {
		s.logger.Error("observer panicked", "event", event, "key", key, "panic", r)
	}
}

// LogObserver logs failed attempts at debug level and failed executions at warn level.
type LogObserver struct {
	Logger *slog.Logger
}

// OnAttempt implements Observer.
func (l LogObserver) OnAttempt(key string, attempt retry.AttemptOutcome) {
	if attempt.Err == nil {
		return
	}
	l.Logger.Debug("attempt failed",
		"key", key,
		"attempt", attempt.Attempt,
		"duration", attempt.Duration,
		"next_delay", attempt.Delay,
		"kind", shared.KindOf(attempt.Err).String(),
		"error", attempt.Err,
	)
}

// OnOutcome implements Observer.
func (l LogObserver) OnOutcome(outcome Outcome) {
	if outcome.State == idempotency.Completed {
		l.Logger.Debug("execution completed", "key", outcome.Key, "attempts", outcome.Attempts, "duration", outcome.Duration)
		return
	}
	l.Logger.Warn("execution failed",
		"key", outcome.Key,
		"attempts", outcome.Attempts,
		"duration", outcome.Duration,
		"kind", shared.KindOf(outcome.Err).String(),
		"error", outcome.Err,
	)
}
