// Package fallback selects between a primary and an alternate strategy depending on
// whether a required capability is present.
package fallback

import (
	"context"
	"errors"

	"idemcore/internal/shared"
)

// Operation matches retry.Operation.
type Operation = func(ctx context.Context) (any, error)

// Classifier reports whether a primary failure means the capability is unavailable.
type Classifier func(err error) bool

// IsCapabilityError is the default classifier.
func IsCapabilityError(err error) bool {
	return errors.Is(err, shared.ErrCapabilityUnavailable)
}

type options struct {
	classify Classifier
	onSwitch func(reason error)
}

// Option configures WithFallback.
type Option func(*options)

// WithClassifier replaces the capability failure classifier.
func WithClassifier(fn Classifier) Option {
	return func(o *options) {
		o.classify = fn
	}
}

// OnFallback registers a callback invoked before the fallback runs. reason is the
// primary error, or shared.ErrCapabilityUnavailable when the probe failed.
func OnFallback(fn func(reason error)) Option {
	return func(o *options) {
		o.onSwitch = fn
	}
}

// WithFallback evaluates probe once. If it reports the capability missing, only
// fallback runs. Otherwise primary runs, and fallback runs once if the primary error
// is classified as capability-related; any other primary error is returned untouched.
func WithFallback(ctx context.Context, primary Operation, probe func() bool, fallback Operation, opts ...Option) (any, error) {
	o := options{classify: IsCapabilityError}
	for _, opt := range opts {
		opt(&o)
	}

	if probe != nil && !probe() {
		o.notify(shared.ErrCapabilityUnavailable)
		return fallback(ctx)
	}

	res, err := primary(ctx)
	if err == nil || !o.classify(err) {
		return res, err
	}

	o.notify(err)
	return fallback(ctx)
}

func (o options) notify(reason error) {
	if o.onSwitch != nil {
		o.onSwitch(reason)
	}
}
