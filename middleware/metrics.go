package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/cascade/queue"
)

// meterName is the instrumentation scope of job metrics.
const meterName = "github.com/xraph/cascade"

// Metrics records job metrics on the global MeterProvider.
//
// Instruments, each with step, queue and outcome (ok, retry, failed)
// attributes:
//   - cascade.job.duration (Float64Histogram): seconds per attempt
//   - cascade.job.executions (Int64Counter): attempts
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter records job metrics on meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram( //nolint:errcheck // noop fallback
		"cascade.job.duration",
		metric.WithDescription("Duration of one job attempt"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter( //nolint:errcheck // noop fallback
		"cascade.job.executions",
		metric.WithDescription("Job attempts by outcome"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, j *queue.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		attrs := metric.WithAttributes(
			attribute.String("step", j.Name),
			attribute.String("queue", j.Queue),
			attribute.String("outcome", Outcome(j, err)),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
