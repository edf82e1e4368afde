package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/cascade/event"
)

const meterName = "github.com/xraph/cascade/observability"

// Metrics counts lifecycle events published on the bus.
//
// Instruments:
//   - cascade.flow.started, cascade.flow.completed, cascade.flow.failed
//     with attribute flow
//   - cascade.step.started, cascade.step.completed, cascade.step.failed,
//     cascade.step.retried with attributes flow and step; failed also
//     carries final
//   - cascade.emits with attributes flow and event
//   - cascade.await.registered, cascade.await.resolved,
//     cascade.await.timed_out with attributes flow, type and position
type Metrics struct {
	FlowStarted     metric.Int64Counter
	FlowCompleted   metric.Int64Counter
	FlowFailed      metric.Int64Counter
	StepStarted     metric.Int64Counter
	StepCompleted   metric.Int64Counter
	StepFailed      metric.Int64Counter
	StepRetried     metric.Int64Counter
	Emits           metric.Int64Counter
	AwaitRegistered metric.Int64Counter
	AwaitResolved   metric.Int64Counter
	AwaitTimedOut   metric.Int64Counter
}

// NewMetrics creates Metrics using the global OTel MeterProvider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates Metrics with the provided meter.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	counter := func(name, desc string) metric.Int64Counter {
		// On error the API returns a noop instrument.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc)) //nolint:errcheck // noop fallback
		return c
	}
	return &Metrics{
		FlowStarted:     counter("cascade.flow.started", "Flow runs started"),
		FlowCompleted:   counter("cascade.flow.completed", "Flow runs completed"),
		FlowFailed:      counter("cascade.flow.failed", "Flow runs failed"),
		StepStarted:     counter("cascade.step.started", "Step executions started"),
		StepCompleted:   counter("cascade.step.completed", "Step executions completed"),
		StepFailed:      counter("cascade.step.failed", "Step executions failed"),
		StepRetried:     counter("cascade.step.retried", "Step executions scheduled for retry"),
		Emits:           counter("cascade.emits", "Named events emitted by steps"),
		AwaitRegistered: counter("cascade.await.registered", "Awaits registered"),
		AwaitResolved:   counter("cascade.await.resolved", "Awaits resolved"),
		AwaitTimedOut:   counter("cascade.await.timed_out", "Awaits that timed out with the fail action"),
	}
}

// Subscribe registers m for every event type on bus.
func (m *Metrics) Subscribe(bus *event.Bus) {
	bus.SubscribeAll("metrics", m.Handle)
}

// Handle is the event.Handler. It never fails.
func (m *Metrics) Handle(ctx context.Context, rec *event.Record) error {
	if !rec.IsIngress() || rec.RunID == "" {
		return nil
	}
	flowAttr := attribute.String("flow", rec.FlowName)
	stepAttrs := metric.WithAttributes(flowAttr, attribute.String("step", rec.StepName))

	switch rec.Type {
	case event.FlowStart:
		m.FlowStarted.Add(ctx, 1, metric.WithAttributes(flowAttr))
	case event.FlowCompleted:
		m.FlowCompleted.Add(ctx, 1, metric.WithAttributes(flowAttr))
	case event.FlowFailed:
		m.FlowFailed.Add(ctx, 1, metric.WithAttributes(flowAttr))
	case event.StepStarted:
		m.StepStarted.Add(ctx, 1, stepAttrs)
	case event.StepCompleted:
		m.StepCompleted.Add(ctx, 1, stepAttrs)
	case event.StepFailed:
		var data event.FailedData
		_ = rec.Decode(&data) //nolint:errcheck // counted either way
		m.StepFailed.Add(ctx, 1, metric.WithAttributes(
			flowAttr,
			attribute.String("step", rec.StepName),
			attribute.Bool("final", data.Final),
		))
	case event.StepRetry:
		m.StepRetried.Add(ctx, 1, stepAttrs)
	case event.Emit:
		var data event.EmitData
		_ = rec.Decode(&data) //nolint:errcheck // counted either way
		m.Emits.Add(ctx, 1, metric.WithAttributes(flowAttr, attribute.String("event", data.Name)))
	case event.AwaitRegistered:
		m.AwaitRegistered.Add(ctx, 1, awaitAttrs(flowAttr, rec))
	case event.AwaitResolved:
		m.AwaitResolved.Add(ctx, 1, awaitAttrs(flowAttr, rec))
	case event.AwaitTimedOut:
		m.AwaitTimedOut.Add(ctx, 1, awaitAttrs(flowAttr, rec))
	}
	return nil
}

func awaitAttrs(flowAttr attribute.KeyValue, rec *event.Record) metric.MeasurementOption {
	var data event.AwaitData
	_ = rec.Decode(&data) //nolint:errcheck // counted either way
	return metric.WithAttributes(
		flowAttr,
		attribute.String("type", data.Type),
		attribute.String("position", data.Position),
	)
}
