package observability_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
)

func TestTally_PerContext(t *testing.T) {
	t.Parallel()

	assert.Nil(t, observability.TallyFromContext(context.Background()))

	// A missing tally swallows adds.
	observability.TallyFromContext(context.Background()).AddDataset()

	first, second := &observability.Tally{}, &observability.Tally{}
	ctxA := observability.WithTally(context.Background(), first)
	ctxB := observability.WithTally(context.Background(), second)

	var wg sync.WaitGroup

	for range 50 {
		wg.Add(2)

		go func() {
			defer wg.Done()

			observability.TallyFromContext(ctxA).AddDataset()
		}()

		go func() {
			defer wg.Done()

			tally := observability.TallyFromContext(ctxB)
			tally.AddCacheLookup(true)
			tally.AddCacheLookup(false)
		}()
	}

	wg.Wait()

	require.Same(t, first, observability.TallyFromContext(ctxA))
	assert.Equal(t, int64(50), first.Datasets())
	assert.Zero(t, first.CacheHits())
	assert.Zero(t, second.Datasets())
	assert.Equal(t, int64(50), second.CacheHits())
	assert.Equal(t, int64(50), second.CacheMisses())
}
