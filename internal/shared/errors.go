// Package shared contains common error types and utilities.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors that can be used across the module
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates that input validation failed
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates that the request conflicts with current state
	ErrConflict = errors.New("conflict")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrInvariantViolated indicates that a lifecycle rule was violated
	ErrInvariantViolated = errors.New("invariant violated")

	// ErrCanceled indicates that an operation was aborted by its caller
	ErrCanceled = errors.New("operation canceled")

	// ErrTransient indicates a failure that is expected to go away on retry
	ErrTransient = errors.New("transient failure")

	// ErrCapabilityUnavailable indicates that a required capability is missing
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrFaultInjected indicates a synthetic failure produced by fault injection
	ErrFaultInjected = errors.New("fault injected")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindNotFound represents resource not found errors
	KindNotFound
	// KindValidation represents input validation errors
	KindValidation
	// KindConflict represents conflicting use of an idempotency key
	KindConflict
	// KindTimeout represents timeout errors
	KindTimeout
	// KindInvariantViolated represents lifecycle rule violations
	KindInvariantViolated
	// KindCanceled represents caller-driven cancellation
	KindCanceled
	// KindTransient represents retryable failures
	KindTransient
	// KindCapabilityUnavailable represents missing capabilities
	KindCapabilityUnavailable
	// KindFaultInjected represents synthetic failures from fault injection
	KindFaultInjected
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "Validation"
	case KindConflict:
		return "Conflict"
	case KindTimeout:
		return "Timeout"
	case KindInvariantViolated:
		return "InvariantViolated"
	case KindCanceled:
		return "Canceled"
	case KindTransient:
		return "Transient"
	case KindCapabilityUnavailable:
		return "CapabilityUnavailable"
	case KindFaultInjected:
		return "FaultInjected"
	default:
		return "Unknown"
	}
}

// kindToSentinel maps error kinds to their corresponding sentinel errors.
var kindToSentinel = map[Kind]error{
	KindNotFound:              ErrNotFound,
	KindValidation:            ErrValidation,
	KindConflict:              ErrConflict,
	KindTimeout:               ErrTimeout,
	KindInvariantViolated:     ErrInvariantViolated,
	KindCanceled:              ErrCanceled,
	KindTransient:             ErrTransient,
	KindCapabilityUnavailable: ErrCapabilityUnavailable,
	KindFaultInjected:         ErrFaultInjected,
}

// kindPriorities defines the deterministic order for error classification.
// Higher priority (lower index) kinds are checked first in KindOf.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},       // context.Canceled and ErrCanceled (special case)
	{KindTimeout, ErrTimeout}, // timeout errors have high priority
	{KindCapabilityUnavailable, ErrCapabilityUnavailable},
	{KindFaultInjected, ErrFaultInjected},
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindConflict, ErrConflict},
	{KindInvariantViolated, ErrInvariantViolated},
	{KindTransient, ErrTransient},
}

// KindOf returns the Kind of the given error by checking against known sentinel errors.
// It traverses the error chain to find the root classification using a deterministic priority order.
//
// The classification priority (highest to lowest):
//  1. KindCanceled (context.Canceled, ErrCanceled)
//  2. KindTimeout (context.DeadlineExceeded, ErrTimeout, net timeout errors)
//  3. KindCapabilityUnavailable, KindFaultInjected
//  4. KindNotFound, KindValidation, KindConflict, KindInvariantViolated
//  5. KindTransient (lowest priority)
//
// For errors created with errors.Join, the first matching kind in priority order is returned.
// Returns KindUnknown for unrecognized errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if priority.err != nil && errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// HasKind reports whether the given error has the specified kind.
// It is equivalent to KindOf(err) == kind but provides a more explicit API.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns the sentinel error for the given Kind.
// For KindUnknown it returns nil.
func SentinelOf(kind Kind) error {
	if sentinel, exists := kindToSentinel[kind]; exists {
		return sentinel
	}
	return nil
}

// MarkKind wraps an error with the appropriate sentinel error for the given kind,
// preserving the original error through error wrapping.
// This allows both KindOf(MarkKind(err, kind)) == kind and errors.Is(MarkKind(err, kind), err) to be true.
// If err is nil, returns the sentinel error for the kind (or nil for KindUnknown).
// If kind is KindUnknown, returns the original error unchanged.
//
// This function is idempotent: marking an error with a kind it already has returns the error unchanged.
//
// Example usage for classifying errors returned by an operation:
//
//	if resp.StatusCode == http.StatusNotImplemented {
//	    return shared.MarkKind(err, shared.KindCapabilityUnavailable)
//	}
//	return shared.MarkKind(err, shared.KindTransient)
func MarkKind(err error, kind Kind) error {
	if err == nil {
		return SentinelOf(kind)
	}
	if kind == KindUnknown {
		return err
	}

	sentinel := SentinelOf(kind)
	if sentinel == nil {
		return err
	}

	// If the error already has this kind, return as-is to avoid double wrapping
	if KindOf(err) == kind {
		return err
	}

	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap wraps an error with additional context.
// It returns a new error that formats as "context: err".
// If err is nil, Wrap returns nil.
// If context is empty, returns the original error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
// If err is nil, Wrapf returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(format, args...)
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Invariant checks a condition and returns an error if it's false.
func Invariant(condition bool, message string) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvariantViolated, message)
}

// InvariantF checks a condition and returns a formatted error if it's false.
func InvariantF(condition bool, format string, args ...any) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvariantViolated, fmt.Sprintf(format, args...))
}

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsCanceled reports whether the error indicates a canceled operation.
// It checks for context.Canceled and ErrCanceled.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded, net.Error timeouts, and our ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsTransient reports whether err should be treated as retryable.
// Unclassified errors are transient by default.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown, KindTimeout, KindFaultInjected:
		return err != nil
	default:
		return false
	}
}

// IsNotFound reports whether the error indicates a resource not found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether the error indicates input validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict reports whether the error indicates a key conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInvariantViolated reports whether the error indicates a lifecycle rule violation.
func IsInvariantViolated(err error) bool {
	return errors.Is(err, ErrInvariantViolated)
}

// IsCapabilityUnavailable reports whether the error indicates a missing capability.
func IsCapabilityUnavailable(err error) bool {
	return errors.Is(err, ErrCapabilityUnavailable)
}

// IsFaultInjected reports whether the error was produced by fault injection.
func IsFaultInjected(err error) bool {
	return errors.Is(err, ErrFaultInjected)
}

// Cause returns the underlying cause of the error by repeatedly unwrapping it.
// For errors.Join, returns the first root cause found in breadth-first order.
// If err is nil, Cause returns nil.
func Cause(err error) error {
	if err == nil {
		return nil
	}

	all := UnwrapAll(err)
	for i := len(all) - 1; i >= 0; i-- {
		candidate := all[i]

		hasNested := false
		if unwrapper, ok := candidate.(interface{ Unwrap() []error }); ok {
			hasNested = len(unwrapper.Unwrap()) > 0
		} else {
			hasNested = errors.Unwrap(candidate) != nil
		}

		if !hasNested {
			return candidate
		}
	}

	return err
}

// UnwrapAll returns all errors in the error chain, from outermost to innermost.
// For errors created with errors.Join, this flattens the entire error graph.
// If err is nil, returns nil slice.
func UnwrapAll(err error) []error {
	if err == nil {
		return nil
	}

	var result []error
	seen := make(map[error]bool) // prevent infinite loops
	queue := []error{err}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)

		if unwrapper, ok := current.(interface{ Unwrap() []error }); ok {
			queue = append(queue, unwrapper.Unwrap()...)
		} else if nested := errors.Unwrap(current); nested != nil {
			queue = append(queue, nested)
		}
	}

	return result
}
