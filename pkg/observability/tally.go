package observability

import (
	"context"
	"sync/atomic"
)

// Tally counts the work done on behalf of one session. Shared loaders and
// clients add to the tally found in the request context, so sessions
// converted side by side keep separate counts. A nil *Tally ignores adds.
type Tally struct {
	datasets    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

type tallyKey struct{}

// WithTally attaches t to ctx.
func WithTally(ctx context.Context, t *Tally) context.Context {
	return context.WithValue(ctx, tallyKey{}, t)
}

// TallyFromContext returns the tally set by [WithTally], or nil.
func TallyFromContext(ctx context.Context) *Tally {
	t, _ := ctx.Value(tallyKey{}).(*Tally)

	return t
}

// AddDataset counts a decoded dataset.
func (t *Tally) AddDataset() {
	if t != nil {
		t.datasets.Add(1)
	}
}

// AddCacheLookup counts a response cache hit or miss.
func (t *Tally) AddCacheLookup(hit bool) {
	if t == nil {
		return
	}

	if hit {
		t.cacheHits.Add(1)
	} else {
		t.cacheMisses.Add(1)
	}
}

// Datasets returns the number of decoded datasets.
func (t *Tally) Datasets() int64 { return t.datasets.Load() }

// CacheHits returns the response cache hits.
func (t *Tally) CacheHits() int64 { return t.cacheHits.Load() }

// CacheMisses returns the response cache misses.
func (t *Tally) CacheMisses() int64 { return t.cacheMisses.Load() }
