package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

func TestInstallTraceProviderCapturesGlobalSpans(t *testing.T) {
	tp := InstallTraceProvider(t)

	tracer := otel.Tracer("helpers-test")
	_, span := tracer.Start(context.Background(), "uow.teardown")
	span.SetAttributes(attribute.String("uow.teardown.mode", "commit"))
	span.End()
	_, failed := tracer.Start(context.Background(), "uow.teardown")
	failed.SetAttributes(attribute.String("uow.teardown.mode", "rollback"))
	failed.RecordError(errors.New("boom"))
	failed.SetStatus(codes.Error, "boom")
	failed.End()

	spans := NewSpanCollector(t, tp.Exporter).WithName("uow.teardown").AssertCount(2)
	rollback := spans.WithAttribute(attribute.String("uow.teardown.mode", "rollback")).AssertCount(1).First()
	AssertSpanError(t, &rollback)
	AssertSpanAttribute(t, &rollback, attribute.String("uow.teardown.mode", "rollback"))
}

func TestInstallMeterProviderCollects(t *testing.T) {
	mp := InstallMeterProvider(t)

	meter := otel.Meter("helpers-test")
	counter, err := meter.Int64Counter("tx.ops")
	assert.NoError(t, err)
	counter.Add(context.Background(), 2, metricAttrs("commit"))
	counter.Add(context.Background(), 1, metricAttrs("rollback"))
	hist, err := meter.Int64Histogram("payload.size")
	assert.NoError(t, err)
	hist.Record(context.Background(), 40)
	hist.Record(context.Background(), 2)

	rm := mp.Collect(t)
	assert.Equal(t, int64(3), SumInt64(t, rm, "tx.ops"))
	assert.Equal(t, int64(2), SumInt64(t, rm, "tx.ops", attribute.String("op", "commit")))
	count, sum := HistogramInt64(t, rm, "payload.size")
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, int64(42), sum)
	assert.Nil(t, FindMetric(rm, "missing"))
}

func metricAttrs(op string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("op", op))
}
