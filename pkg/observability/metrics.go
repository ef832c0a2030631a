package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRequestsTotal    = "iblnwb.requests.total"
	metricRequestDuration  = "iblnwb.request.duration.seconds"
	metricErrorsTotal      = "iblnwb.errors.total"
	metricInflightRequests = "iblnwb.inflight.requests"

	attrOp     = "op"
	attrStatus = "status"

	// Request outcomes.
	StatusOK    = "ok"
	StatusError = "error"
)

// durationBucketBoundaries covers 10ms Alyx lookups up to hour long
// sessions with raw ephys.
var durationBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600}

// REDMetrics holds the Rate, Error, Duration instruments of CLI commands
// and MCP tools.
type REDMetrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	errorsTotal      metric.Int64Counter
	inflightRequests metric.Int64UpDownCounter
}

// NewREDMetrics creates RED metric instruments from the given meter.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	var (
		rm   REDMetrics
		errs []error
	)

	record := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", name, err))
		}
	}

	var err error

	rm.requestsTotal, err = mt.Int64Counter(metricRequestsTotal,
		metric.WithDescription("Commands, batch sessions and MCP tool calls"), metric.WithUnit("{request}"))
	record(metricRequestsTotal, err)

	rm.requestDuration, err = mt.Float64Histogram(metricRequestDuration,
		metric.WithDescription("Operation wall time"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...))
	record(metricRequestDuration, err)

	rm.errorsTotal, err = mt.Int64Counter(metricErrorsTotal,
		metric.WithDescription("Operations that returned an error"), metric.WithUnit("{error}"))
	record(metricErrorsTotal, err)

	rm.inflightRequests, err = mt.Int64UpDownCounter(metricInflightRequests,
		metric.WithDescription("Operations currently running"), metric.WithUnit("{request}"))
	record(metricInflightRequests, err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &rm, nil
}

// RecordRequest records one finished operation. Errors are also counted
// per op without the status label.
func (rm *REDMetrics) RecordRequest(ctx context.Context, op, status string, duration time.Duration) {
	opAttr := attribute.String(attrOp, op)
	attrs := metric.WithAttributes(opAttr, attribute.String(attrStatus, status))

	rm.requestsTotal.Add(ctx, 1, attrs)
	rm.requestDuration.Record(ctx, duration.Seconds(), attrs)

	if status == StatusError {
		rm.errorsTotal.Add(ctx, 1, metric.WithAttributes(opAttr))
	}
}

// TrackInflight counts op as running until the returned func is called.
func (rm *REDMetrics) TrackInflight(ctx context.Context, op string) func() {
	attrs := metric.WithAttributes(attribute.String(attrOp, op))
	rm.inflightRequests.Add(ctx, 1, attrs)

	return func() {
		rm.inflightRequests.Add(ctx, -1, attrs)
	}
}

// Observe runs fn as operation op and records its outcome. A nil receiver
// only runs fn.
func (rm *REDMetrics) Observe(ctx context.Context, op string, fn func(context.Context) error) error {
	if rm == nil {
		return fn(ctx)
	}

	done := rm.TrackInflight(ctx, op)
	defer done()

	start := time.Now()
	err := fn(ctx)

	status := StatusOK
	if err != nil {
		status = StatusError
	}

	rm.RecordRequest(ctx, op, status, time.Since(start))

	return err
}
