package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/cascade/queue"
)

// tracerName is the instrumentation scope of job spans.
const tracerName = "github.com/xraph/cascade"

// Tracing wraps each attempt in a consumer span on the global
// TracerProvider. Attributes: cascade.job.id, cascade.run.id,
// cascade.step, cascade.queue, cascade.attempt (1-based); failures add
// cascade.final.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer is Tracing on tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *queue.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "cascade.job "+j.Name,
			trace.WithAttributes(
				attribute.String("cascade.job.id", j.ID),
				attribute.String("cascade.run.id", RunID(j)),
				attribute.String("cascade.step", j.Name),
				attribute.String("cascade.queue", j.Queue),
				attribute.Int("cascade.attempt", j.Attempt+1),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("cascade.final", j.Final()))
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}
