package safeconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMustIntToUint32(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(37), MustIntToUint32(37))
	assert.Equal(t, MaxUint32, MustIntToUint32(int(MaxUint32)))

	for _, v := range []int{-1, int(MaxUint32) + 1} {
		assert.PanicsWithValue(t, "safeconv: int to uint32 out of bounds", func() { MustIntToUint32(v) })
	}
}

func TestMustIntToUint64(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(384), MustIntToUint64(384))
	assert.Zero(t, MustIntToUint64(0))
	assert.PanicsWithValue(t, "safeconv: negative int to uint64 conversion", func() { MustIntToUint64(-1) })
}
