package retry

import (
	"errors"
	"fmt"

	"idemcore/internal/shared"
)

// CancellationError is returned when the caller's context ends a run before it finished.
// It matches shared.ErrCanceled, the context error and the last attempt error.
type CancellationError struct {
	// Last is the error of the last attempt before cancellation (nil if none ran)
	Last error
	// Cause is the context error
	Cause error
	// Attempts is the number of attempts performed
	Attempts int
}

func (e *CancellationError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("retry: canceled before first attempt: %v", e.Cause)
	}
	return fmt.Sprintf("retry: canceled after %d attempts: %v (last error: %v)", e.Attempts, e.Cause, e.Last)
}

func (e *CancellationError) Unwrap() []error {
	errs := []error{shared.ErrCanceled}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	return errs
}

// IsCancellation reports whether err is (or wraps) a *CancellationError.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}

type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks err as terminal: Run returns it (unwrapped) without further attempts.
// Stop(nil) returns nil.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}
