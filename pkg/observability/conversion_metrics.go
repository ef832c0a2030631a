package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricSessionsTotal      = "iblnwb.sessions.total"
	metricInterfaceFailures  = "iblnwb.interface.failures.total"
	metricDatasetsLoaded     = "iblnwb.datasets.loaded.total"
	metricBytesWritten       = "iblnwb.bytes.written.total"
	metricConversionDuration = "iblnwb.conversion.duration.seconds"
	metricCacheHitsTotal     = "iblnwb.cache.hits.total"
	metricCacheMissesTotal   = "iblnwb.cache.misses.total"

	attrInterface = "interface"
	attrCache     = "cache"
)

// ConversionMetrics holds the instruments of session conversions.
type ConversionMetrics struct {
	sessions  metric.Int64Counter
	failures  metric.Int64Counter
	datasets  metric.Int64Counter
	bytes     metric.Int64Counter
	duration  metric.Float64Histogram
	cacheHits metric.Int64Counter
	cacheMiss metric.Int64Counter
}

// ConversionStats is the outcome of one session conversion, decoupled from
// the converter types.
type ConversionStats struct {
	// Status is succeeded, partial or failed.
	Status           string
	Duration         time.Duration
	DatasetsLoaded   int64
	BytesWritten     int64
	FailedInterfaces []string
	AlyxCacheHits    int64
	AlyxCacheMisses  int64
}

// NewConversionMetrics creates conversion instruments from the given meter.
func NewConversionMetrics(mt metric.Meter) (*ConversionMetrics, error) {
	var (
		cm  ConversionMetrics
		err error
	)

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&cm.sessions, metricSessionsTotal, "Sessions converted by outcome", "{session}"},
		{&cm.failures, metricInterfaceFailures, "Data interface failures", "{failure}"},
		{&cm.datasets, metricDatasetsLoaded, "ALF datasets loaded", "{dataset}"},
		{&cm.bytes, metricBytesWritten, "NWB bytes written", "By"},
		{&cm.cacheHits, metricCacheHitsTotal, "Alyx response cache hits", "{hit}"},
		{&cm.cacheMiss, metricCacheMissesTotal, "Alyx response cache misses", "{miss}"},
	}

	for _, c := range counters {
		*c.dst, err = mt.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	cm.duration, err = mt.Float64Histogram(metricConversionDuration,
		metric.WithDescription("Per-session conversion duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricConversionDuration, err)
	}

	return &cm, nil
}

// RecordSession records one finished conversion. Safe on a nil receiver.
func (cm *ConversionMetrics) RecordSession(ctx context.Context, stats ConversionStats) {
	if cm == nil {
		return
	}

	cm.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, stats.Status)))
	cm.duration.Record(ctx, stats.Duration.Seconds())
	cm.datasets.Add(ctx, stats.DatasetsLoaded)
	cm.bytes.Add(ctx, stats.BytesWritten)

	for _, name := range stats.FailedInterfaces {
		cm.failures.Add(ctx, 1, metric.WithAttributes(attribute.String(attrInterface, name)))
	}

	alyx := metric.WithAttributes(attribute.String(attrCache, "alyx"))
	cm.cacheHits.Add(ctx, stats.AlyxCacheHits, alyx)
	cm.cacheMiss.Add(ctx, stats.AlyxCacheMisses, alyx)
}
