// Package tracking records OpenTelemetry metrics for the read cache.
package tracking

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	cacheMeterName = "go-bricks-txn/cache"

	metricCacheHit   = "cache.hit"
	metricCacheMiss  = "cache.miss"
	metricCacheBytes = "cache.stored.size"

	attrCacheName = "cache.name"
)

var (
	cacheMeter  metric.Meter
	meterOnce   sync.Once
	meterInitMu sync.Mutex

	cacheHitCounter  metric.Int64Counter
	cacheMissCounter metric.Int64Counter
	storedSize       metric.Int64Histogram
)

func logMetricError(metricName string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize cache metric %s: %v\n", metricName, err)
	}
}

func initCacheMeter() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	if cacheMeter != nil {
		return
	}
	cacheMeter = otel.Meter(cacheMeterName)

	var err error
	cacheHitCounter, err = cacheMeter.Int64Counter(
		metricCacheHit,
		metric.WithDescription("Number of read cache hits"),
		metric.WithUnit("{hit}"),
	)
	logMetricError(metricCacheHit, err)

	cacheMissCounter, err = cacheMeter.Int64Counter(
		metricCacheMiss,
		metric.WithDescription("Number of read cache misses, including lookups while disabled"),
		metric.WithUnit("{miss}"),
	)
	logMetricError(metricCacheMiss, err)

	storedSize, err = cacheMeter.Int64Histogram(
		metricCacheBytes,
		metric.WithDescription("Encoded size of values stored in the read cache"),
		metric.WithUnit("By"),
	)
	logMetricError(metricCacheBytes, err)
}

// RecordLookup counts one hit or miss.
func RecordLookup(ctx context.Context, name string, hit bool) {
	meterOnce.Do(initCacheMeter)
	attrs := metric.WithAttributes(attribute.String(attrCacheName, name))
	if hit {
		if cacheHitCounter != nil {
			cacheHitCounter.Add(ctx, 1, attrs)
		}
		return
	}
	if cacheMissCounter != nil {
		cacheMissCounter.Add(ctx, 1, attrs)
	}
}

// RecordStore records the encoded size of a stored value.
func RecordStore(ctx context.Context, name string, size int) {
	meterOnce.Do(initCacheMeter)
	if storedSize != nil {
		storedSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String(attrCacheName, name)))
	}
}

// ResetForTesting drops the meter so the next call binds to the current
// global provider.
func ResetForTesting() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()
	cacheMeter = nil
	cacheHitCounter = nil
	cacheMissCounter = nil
	storedSize = nil
	meterOnce = sync.Once{}
}
