package one_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/one"
)

const sampleMeta = `acqApLfSy=384,384,1
imAiRangeMax=0.6
imSampRate=30000
nSavedChans=3
~imroTbl=(0,384)(0 0 0 500 250 1)
`

func TestParseSpikeGLXMeta(t *testing.T) {
	t.Parallel()

	meta, err := one.ParseSpikeGLXMeta(strings.NewReader(sampleMeta))
	require.NoError(t, err)

	n, err := meta.NChannels()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rate, err := meta.SampleRate()
	require.NoError(t, err)
	assert.InDelta(t, 30000.0, rate, 1e-9)

	assert.Contains(t, meta, "imroTbl")
	assert.InDelta(t, 0.6/512/500, meta.Conversion(500), 1e-12)
}

func TestSpikeGLXMeta_Missing(t *testing.T) {
	t.Parallel()

	meta := one.SpikeGLXMeta{}

	_, err := meta.NChannels()
	require.ErrorIs(t, err, one.ErrInvalidMeta)

	_, err = meta.SampleRate()
	require.ErrorIs(t, err, one.ErrInvalidMeta)

	assert.InDelta(t, 1.0, meta.Conversion(500), 1e-12)
}

func TestReadSpikeGLXBin(t *testing.T) {
	t.Parallel()

	samples := []int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, -11, 12}

	var buf bytes.Buffer

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, samples))

	path := filepath.Join(t.TempDir(), "ephys.ap.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	all, err := one.ReadSpikeGLXBin(path, 3, 0, one.DefaultSpikeGLXSamples)
	require.NoError(t, err)
	assert.Equal(t, 4, all.Samples)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, samples, all.Data)

	window, err := one.ReadSpikeGLXBin(path, 3, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, window.Samples)
	assert.Equal(t, 2, window.Channels)
	assert.Equal(t, []int16{1, 2, 4, 5, 7, 8}, window.Data)

	_, err = one.ReadSpikeGLXBin(path, 0, 0, 1)
	require.ErrorIs(t, err, one.ErrInvalidMeta)

	_, err = one.ReadSpikeGLXBin(path, 3, 3, 0)
	require.ErrorIs(t, err, one.ErrUnboundedRead)
}

func TestReadSpikeGLXBin_SpansReadWindows(t *testing.T) {
	t.Parallel()

	const (
		channels = 4
		total    = 10000
	)

	samples := make([]int16, channels*total)
	for i := range samples {
		samples[i] = int16(i % 3000)
	}

	var buf bytes.Buffer

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, samples))

	path := filepath.Join(t.TempDir(), "ephys.lf.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	got, err := one.ReadSpikeGLXBin(path, channels, 1, 9000)
	require.NoError(t, err)
	assert.Equal(t, total, got.Total)
	require.Len(t, got.Data, 9000)

	for s := range 9000 {
		require.Equal(t, samples[s*channels], got.Data[s], "sample %d", s)
	}
}
