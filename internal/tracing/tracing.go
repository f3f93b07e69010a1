// Package tracing records executions and attempts as OpenTelemetry spans.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"idemcore/internal/shared"
	"idemcore/pkg/idempotency"
	"idemcore/pkg/resilience"
	"idemcore/pkg/retry"
)

const instrumentationName = "idemcore"

// Config holds tracing configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
}

// NewProvider creates a tracer provider that exports finished spans to logger and
// installs it as the global provider.
func NewProvider(cfg Config, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, shared.Wrap(err, "tracing: create resource")
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(NewLogExporter(logger)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer wraps facade executions in spans.
type Tracer struct {
	tracer oteltrace.Tracer
}

// New creates a Tracer from provider. A nil provider uses the global one.
func New(provider oteltrace.TracerProvider) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(instrumentationName)}
}

// Execute runs facade.ExecuteDetailed inside an "execute" span and returns the
// result with the leader's attempt trace. Leader attempts become child spans;
// followers only record the wait. Calls rejected before reaching the store are
// labelled "rejected".
func (t *Tracer) Execute(ctx context.Context, facade *resilience.Facade, key string, op retry.Operation, policy retry.Policy) (any, []retry.AttemptOutcome, error) {
	ctx, span := t.tracer.Start(ctx, "idemcore.execute",
		oteltrace.WithAttributes(
			attribute.String("idempotency.key", key),
			attribute.Int("retry.max_attempts", policy.MaxAttempts),
			attribute.String("retry.strategy", policy.Strategy.String()),
		),
	)
	defer span.End()

	ex, err := facade.ExecuteDetailed(ctx, key, t.Decorator("attempt")(op), policy)

	span.SetAttributes(attribute.String("idempotency.role", roleLabel(ex)), attribute.Int("retry.attempts", len(ex.Trace)))
	recordError(span, err)
	return ex.Result, ex.Trace, err
}

func roleLabel(ex resilience.Execution) string {
	switch {
	case !ex.Admitted:
		return "rejected"
	case ex.Role == idempotency.Follower:
		return "follower"
	default:
		return "leader"
	}
}

// Decorator wraps every call of an operation in a span named name.
func (t *Tracer) Decorator(name string) resilience.Decorator {
	return func(op retry.Operation) retry.Operation {
		return func(ctx context.Context) (any, error) {
			ctx, span := t.tracer.Start(ctx, "idemcore."+name)
			defer span.End()

			res, err := op(ctx)
			recordError(span, err)
			return res, err
		}
	}
}

func recordError(span oteltrace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetAttributes(attribute.String("error.kind", shared.KindOf(err).String()))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
