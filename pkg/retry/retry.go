package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"

	"idemcore/internal/shared"
)

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// IsRetryableFunc determines if an error should trigger a retry
type IsRetryableFunc func(err error) bool

// DefaultRetryable returns true for temporary network errors, timeouts and errors
// explicitly marked transient.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Don't retry cancellation
	if shared.IsCanceled(err) {
		return false
	}

	if shared.IsTimeout(err) {
		return true
	}

	if errors.Is(err, shared.ErrTransient) || errors.Is(err, shared.ErrFaultInjected) {
		return true
	}

	// Check for specific network errors
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		switch syscallErr.Err {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
			syscall.ENETDOWN, syscall.ENETUNREACH, syscall.EPIPE,
			syscall.EHOSTUNREACH, syscall.ETIMEDOUT:
			return true
		}
	}

	// Check for temporary interface (fallback for compatibility)
	type temporary interface {
		Temporary() bool
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}

	return false
}

// Do executes fn under policy, retrying errors accepted by DefaultRetryable.
func Do(ctx context.Context, policy Policy, fn RetryableFunc, opts ...Option) error {
	return DoWithRetryable(ctx, policy, fn, DefaultRetryable, opts...)
}

// DoWithRetryable executes fn under policy with a custom retryable check.
func DoWithRetryable(ctx context.Context, policy Policy, fn RetryableFunc, isRetryable IsRetryableFunc, opts ...Option) error {
	e := NewExecutor(opts...)
	e.retryable = isRetryable
	_, _, err := e.Run(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}, policy)
	return err
}
