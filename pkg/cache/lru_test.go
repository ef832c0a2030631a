package cache_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/cache"
)

func TestResponseCache_GetPut(t *testing.T) {
	t.Parallel()

	c := cache.New(1024)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", []byte("alpha"))

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), got)

	got[0] = 'X'

	again, _ := c.Get("a")
	assert.Equal(t, []byte("alpha"), again, "returned values must be copies")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(5), stats.CurrentSize)
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 1e-9)
}

func TestResponseCache_EvictsWithinBound(t *testing.T) {
	t.Parallel()

	c := cache.New(100)

	for i := range 20 {
		c.Put(fmt.Sprintf("k%d", i), make([]byte, 10))
	}

	stats := c.Stats()
	assert.LessOrEqual(t, stats.CurrentSize, int64(100))
	assert.Equal(t, 10, stats.Entries)

	_, ok := c.Get("k19")
	assert.True(t, ok, "most recent entry survives")
}

func TestResponseCache_OversizedIgnored(t *testing.T) {
	t.Parallel()

	c := cache.New(8)
	c.Put("big", make([]byte, 9))

	_, ok := c.Get("big")
	assert.False(t, ok)
}

func TestResponseCache_ReplaceAndDelete(t *testing.T) {
	t.Parallel()

	c := cache.New(64)
	c.Put("a", []byte("one"))
	c.Put("a", []byte("three"))

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "three", string(got))
	assert.Equal(t, int64(5), c.Stats().CurrentSize)

	c.Delete("a")
	c.Delete("missing")

	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Stats().CurrentSize)

	c.Put("b", []byte("x"))
	c.Clear()
	assert.Zero(t, c.Stats().Entries)
}

func TestResponseCache_Concurrent(t *testing.T) {
	t.Parallel()

	c := cache.New(4096)

	var wg sync.WaitGroup

	for g := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 100 {
				key := fmt.Sprintf("g%d-%d", g, i%10)
				c.Put(key, []byte(key))
				c.Get(key)
			}
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, c.Stats().CurrentSize, int64(4096))
}
