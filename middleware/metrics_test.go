package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	mw "github.com/xraph/cascade/middleware"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), newTestJob(), func(_ context.Context) error { return nil })

	metric := findMetric(collectMetrics(t, reader), "cascade.job.duration")
	if metric == nil {
		t.Fatal("cascade.job.duration metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("unexpected data points: %+v", hist.DataPoints)
	}
}

func TestMetrics_CountsByOutcome(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))
	j := newTestJob()
	last := newTestJob()
	last.Attempt = last.MaxRetries

	_ = m(context.Background(), j, func(_ context.Context) error { return nil })
	_ = m(context.Background(), j, func(_ context.Context) error { return errors.New("x") })
	_ = m(context.Background(), j, func(_ context.Context) error { return errors.New("y") })
	_ = m(context.Background(), last, func(_ context.Context) error { return errors.New("z") })

	metric := findMetric(collectMetrics(t, reader), "cascade.job.executions")
	if metric == nil {
		t.Fatal("cascade.job.executions metric not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("expected Sum[int64] data type")
	}

	got := map[string]int64{}
	for _, dp := range sum.DataPoints {
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		got[outcome.AsString()] = dp.Value
	}
	if got[mw.OutcomeOK] != 1 || got[mw.OutcomeRetry] != 2 || got[mw.OutcomeFailed] != 1 {
		t.Fatalf("executions by outcome = %v, want ok=1 retry=2 failed=1", got)
	}
}
