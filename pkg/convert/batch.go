package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/iblnwb/pkg/catalog"
	"github.com/Sumatoshi-tech/iblnwb/pkg/checkpoint"
)

// ErrInvalidWorkers indicates a batch with fewer than one worker.
var ErrInvalidWorkers = errors.New("workers must be at least 1")

// SessionConverter converts one session; *Converter implements it.
type SessionConverter interface {
	Convert(ctx context.Context, eid string) (*Result, error)
}

// BatchReport summarises a batch run. Results follow the input order;
// sessions skipped from the checkpoint or never started have no result.
type BatchReport struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Partial   int           `json:"partial"`
	Failed    int           `json:"failed"`
	Resumed   int           `json:"resumed"`
	Results   []*Result     `json:"results"`
	Duration  time.Duration `json:"duration"`
}

// Batch converts many sessions with a bounded number of workers. Sessions
// share nothing but the converter, which is safe for concurrent use.
type Batch struct {
	converter  SessionConverter
	workers    int
	checkpoint *checkpoint.Manager
	logger     *slog.Logger
}

// BatchOption customizes a Batch.
type BatchOption func(*Batch)

// WithCheckpoint skips sessions finished by an earlier run and records new outcomes.
func WithCheckpoint(m *checkpoint.Manager) BatchOption {
	return func(b *Batch) { b.checkpoint = m }
}

// WithBatchLogger sets the logger.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *Batch) { b.logger = logger }
}

// NewBatch creates a batch runner.
func NewBatch(converter SessionConverter, workers int, opts ...BatchOption) (*Batch, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkers, workers)
	}

	b := &Batch{converter: converter, workers: workers, logger: slog.Default()}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// Run converts eids. Duplicates are converted once. A failed session does
// not stop the others; the returned error joins every session error and,
// when ctx is cancelled, the cancellation cause. Cancellation stops
// scheduling new sessions and lets running ones observe ctx.
func (b *Batch) Run(ctx context.Context, eids []string) (*BatchReport, error) {
	start := time.Now()
	eids = unique(eids)

	report := &BatchReport{Total: len(eids), Results: make([]*Result, len(eids))}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)

	g.SetLimit(b.workers)

	for i, eid := range eids {
		if ctx.Err() != nil {
			break
		}

		if b.checkpoint != nil && b.checkpoint.Done(eid) {
			report.Resumed++

			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			res, err := b.converter.Convert(ctx, eid)

			mu.Lock()
			defer mu.Unlock()

			report.Results[i] = res
			b.tally(report, res, err)

			if err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", eid, err))
			}

			b.record(eid, res, err)

			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("batch interrupted: %w", context.Cause(ctx)))
	}

	report.Results = compact(report.Results)
	report.Duration = time.Since(start)

	b.logger.InfoContext(ctx, "batch finished",
		"total", report.Total, "succeeded", report.Succeeded, "partial", report.Partial,
		"failed", report.Failed, "resumed", report.Resumed, "duration", report.Duration)

	return report, errors.Join(errs...)
}

func (b *Batch) tally(report *BatchReport, res *Result, err error) {
	switch {
	case err != nil || res == nil:
		report.Failed++
	case res.Status == catalog.StatusPartial:
		report.Partial++
	default:
		report.Succeeded++
	}
}

func (b *Batch) record(eid string, res *Result, convErr error) {
	if b.checkpoint == nil {
		return
	}

	out := checkpoint.Outcome{Status: checkpoint.StatusFailed}

	switch {
	case convErr != nil:
		out.Error = convErr.Error()
	case res != nil:
		out.Status = string(res.Status)
		out.Path = res.Path
	}

	err := b.checkpoint.Record(eid, out)
	if err != nil {
		b.logger.Warn("checkpoint not saved", "eid", eid, "error", err)
	}
}

func unique(eids []string) []string {
	seen := make(map[string]bool, len(eids))
	out := make([]string, 0, len(eids))

	for _, eid := range eids {
		if eid == "" || seen[eid] {
			continue
		}

		seen[eid] = true

		out = append(out, eid)
	}

	return out
}

func compact(results []*Result) []*Result {
	out := results[:0]

	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}

	return out
}
