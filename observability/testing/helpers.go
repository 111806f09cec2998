// Package testing provides in-memory OpenTelemetry providers and assertions
// for the spans and metrics emitted by the transaction packages.
//
//	tp := obstest.InstallTraceProvider(t)
//	... run code that opens spans ...
//	obstest.NewSpanCollector(t, tp.Exporter).WithName("uow.teardown").AssertCount(1)
package testing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTraceProvider wraps the SDK TracerProvider and its in-memory exporter.
type TestTraceProvider struct {
	*sdktrace.TracerProvider
	Exporter *tracetest.InMemoryExporter
}

// NewTestTraceProvider creates a TracerProvider that exports synchronously
// to memory.
func NewTestTraceProvider() *TestTraceProvider {
	exporter := tracetest.NewInMemoryExporter()
	return &TestTraceProvider{
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)),
		Exporter:       exporter,
	}
}

// InstallTraceProvider makes a test trace provider the global one for the
// duration of t. Tracers obtained from otel.Tracer before the call follow
// the new provider.
func InstallTraceProvider(t *testing.T) *TestTraceProvider {
	t.Helper()
	original := otel.GetTracerProvider()
	tp := NewTestTraceProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(original)
	})
	return tp
}

// TestMeterProvider wraps the SDK MeterProvider and its manual reader.
type TestMeterProvider struct {
	*sdkmetric.MeterProvider
	Reader *sdkmetric.ManualReader
}

// NewTestMeterProvider creates a MeterProvider collected on demand.
func NewTestMeterProvider() *TestMeterProvider {
	reader := sdkmetric.NewManualReader()
	return &TestMeterProvider{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		Reader:        reader,
	}
}

// InstallMeterProvider makes a test meter provider the global one for the
// duration of t. Packages that cache instruments need their own reset hook.
func InstallMeterProvider(t *testing.T) *TestMeterProvider {
	t.Helper()
	original := otel.GetMeterProvider()
	mp := NewTestMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		otel.SetMeterProvider(original)
	})
	return mp
}

// Collect reads every metric recorded so far.
func (tmp *TestMeterProvider) Collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, tmp.Reader.Collect(context.Background(), &rm), "failed to collect metrics")
	return rm
}

// FindMetric returns the named metric, or nil.
func FindMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// SumInt64 adds the data points of an int64 counter whose attributes
// include every given pair.
func SumInt64(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m := FindMetric(rm, name)
	require.NotNil(t, m, "metric %s not found", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T, not an int64 sum", name, m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		if hasAttributes(dp.Attributes, attrs) {
			total += dp.Value
		}
	}
	return total
}

// HistogramInt64 returns the count and sum of an int64 histogram.
func HistogramInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) (count uint64, sum int64) {
	t.Helper()
	m := FindMetric(rm, name)
	require.NotNil(t, m, "metric %s not found", name)
	hist, ok := m.Data.(metricdata.Histogram[int64])
	require.True(t, ok, "metric %s is %T, not an int64 histogram", name, m.Data)
	for _, dp := range hist.DataPoints {
		count += dp.Count
		sum += dp.Sum
	}
	return count, sum
}

func hasAttributes(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

// SpanCollector filters captured spans.
type SpanCollector struct {
	t     *testing.T
	spans tracetest.SpanStubs
}

// NewSpanCollector snapshots the spans an exporter holds.
func NewSpanCollector(t *testing.T, exporter *tracetest.InMemoryExporter) *SpanCollector {
	t.Helper()
	return &SpanCollector{t: t, spans: exporter.GetSpans()}
}

// Len returns the number of collected spans.
func (sc *SpanCollector) Len() int {
	return len(sc.spans)
}

// WithName keeps spans with the given name.
func (sc *SpanCollector) WithName(name string) *SpanCollector {
	return sc.filter(func(s *tracetest.SpanStub) bool { return s.Name == name })
}

// WithAttribute keeps spans carrying the given attribute.
func (sc *SpanCollector) WithAttribute(kv attribute.KeyValue) *SpanCollector {
	return sc.filter(func(s *tracetest.SpanStub) bool {
		return hasAttributes(attribute.NewSet(s.Attributes...), []attribute.KeyValue{kv})
	})
}

func (sc *SpanCollector) filter(keep func(*tracetest.SpanStub) bool) *SpanCollector {
	filtered := make(tracetest.SpanStubs, 0, len(sc.spans))
	for i := range sc.spans {
		if keep(&sc.spans[i]) {
			filtered = append(filtered, sc.spans[i])
		}
	}
	return &SpanCollector{t: sc.t, spans: filtered}
}

// First returns the first span, failing the test when there is none.
func (sc *SpanCollector) First() tracetest.SpanStub {
	sc.t.Helper()
	require.NotEmpty(sc.t, sc.spans, "no spans in collection")
	return sc.spans[0]
}

// AssertCount asserts the number of collected spans.
func (sc *SpanCollector) AssertCount(expected int) *SpanCollector {
	sc.t.Helper()
	assert.Len(sc.t, sc.spans, expected, "unexpected number of spans")
	return sc
}

// AssertSpanAttribute asserts that span carries kv.
func AssertSpanAttribute(t *testing.T, span *tracetest.SpanStub, kv attribute.KeyValue) {
	t.Helper()
	for _, attr := range span.Attributes {
		if attr.Key == kv.Key {
			assert.Equal(t, kv.Value.Emit(), attr.Value.Emit(), "attribute %s value mismatch", kv.Key)
			return
		}
	}
	assert.Failf(t, "attribute not found", "span %s has no attribute %s", span.Name, kv.Key)
}

// AssertSpanError asserts that span ended with an error status.
func AssertSpanError(t *testing.T, span *tracetest.SpanStub) {
	t.Helper()
	assert.Equal(t, codes.Error, span.Status.Code, "span %s status", span.Name)
}
