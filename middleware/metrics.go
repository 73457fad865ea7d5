package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftlock/muster/job"
)

// meterName is the instrumentation scope name for muster metrics.
const meterName = "github.com/driftlock/muster"

// Metrics returns middleware that records per-execution metrics using
// the global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - muster.execution.duration (Float64Histogram): handler time in
//     seconds, with attributes: job_name, status ("ok" or "error")
//   - muster.execution.count (Int64Counter): total executions,
//     with attributes: job_name, status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"muster.execution.duration",
		metric.WithDescription("Duration of handler execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	count, cErr := meter.Int64Counter(
		"muster.execution.count",
		metric.WithDescription("Total number of handler executions"),
		metric.WithUnit("{execution}"),
	)
	_ = cErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, e *job.Execution, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("job_name", e.JobName),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		count.Add(ctx, 1, attrs)

		return err
	}
}
