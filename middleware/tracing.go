package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftlock/muster/job"
)

// tracerName is the instrumentation scope name for muster tracing.
const tracerName = "github.com/driftlock/muster"

// Tracing returns middleware that wraps handler execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: muster.run.id, muster.job.id,
// muster.job.name, muster.triggered_by. On error, the span status is
// set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, e *job.Execution, next Handler) error {
		ctx, span := tracer.Start(ctx, "muster.execution.run",
			trace.WithAttributes(
				attribute.String("muster.run.id", e.ID.String()),
				attribute.String("muster.job.id", e.JobID.String()),
				attribute.String("muster.job.name", e.JobName),
				attribute.String("muster.triggered_by", string(e.TriggeredBy)),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
