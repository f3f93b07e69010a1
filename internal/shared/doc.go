// Package shared contains the error taxonomy used across the module.
//
// # Error Types and Classification
//
//   - ErrTransient: failure expected to go away on retry (the default assumption)
//   - ErrCanceled: caller-driven abort (context cancellation or deadline during a wait)
//   - ErrCapabilityUnavailable: a required capability is missing, drives fallback
//   - ErrConflict: an idempotency key reused for a different operation
//   - ErrFaultInjected: synthetic failure produced by fault injection
//   - ErrNotFound, ErrValidation, ErrTimeout, ErrInvariantViolated
//
// Use KindOf() to classify errors into categories:
//
//	switch shared.KindOf(err) {
//	case shared.KindCapabilityUnavailable:
//	    // switch to the fallback path
//	case shared.KindCanceled:
//	    // caller gave up
//	default:
//	    // retry
//	}
//
// # Kind Priority Table
//
// When multiple error kinds are present (e.g., with errors.Join), KindOf returns the highest priority kind:
//
//	Priority | Kind                      | Description
//	---------|---------------------------|----------------------------
//	1        | KindCanceled              | Cancellation (highest)
//	2        | KindTimeout               | Timeout/deadline errors
//	3        | KindCapabilityUnavailable | Missing capability
//	4        | KindFaultInjected         | Synthetic failures
//	5        | KindNotFound              | Unknown resource
//	6        | KindValidation            | Invalid policy or config
//	7        | KindConflict              | Key conflicts
//	8        | KindInvariantViolated     | Lifecycle misuse
//	9        | KindTransient             | Retryable failures (lowest)
//
// Unclassified errors have KindUnknown and are treated as transient by IsTransient.
//
// # Error Marking
//
// Operations mark their own failures with MarkKind while preserving the original error:
//
//	if resp.StatusCode == http.StatusNotImplemented {
//	    return nil, shared.MarkKind(err, shared.KindCapabilityUnavailable)
//	}
//
// # Error Message Style Guide
//
// - Use lowercase messages: "record not found" not "Record not found"
// - Avoid punctuation and keep messages composable, they will often be wrapped
package shared
