// Package resilience is the entry point of the execution core. A Facade combines an
// idempotency.Store with a retry.Executor so that, for a given key, the operation is
// driven by exactly one leader while every concurrent or later caller (within the
// store's retention window) receives the same result or error.
//
// Basic Usage:
//
//	f := resilience.New(idempotency.NewStore(idempotency.WithRetention(10*time.Minute)))
//	res, err := f.Execute(ctx, "invoice-2026-0042", op, retry.DefaultPolicy())
//
// Fault injection and capability fallback are composed around the operation by the
// caller:
//
//	op = resilience.Chain(op,
//	    resilience.WithFaults(injector, "billing"),
//	    resilience.AttemptTimeout(2*time.Second),
//	)
//
// A DeferredQueue parks operations whose capability is missing and replays them
// once a registry refresh reports the capability available again.
//
// Using the same key for two semantically different operations is a caller error; the
// second caller receives the first operation's cached outcome.
package resilience
