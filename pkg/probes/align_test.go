package probes_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/probes"
)

func twoProbes() []probes.Input {
	return []probes.Input{
		{
			Label:           "probe00",
			SpikeTimes:      []float64{0.5, 0.1, 0.3, 0.9, 0.2},
			SpikeClusters:   []int64{1, 0, 1, 0, 2},
			SpikeAmps:       []float64{5, 1, 3, 9, 2},
			ClusterColumns:  map[string][]float64{"clusters.depths": {100, 200, 300}},
			ClusterChannels: []int64{3, 7, 7},
			NumChannels:     384,
		},
		{
			Label:           "probe01",
			SpikeTimes:      []float64{1.0, 0.4},
			SpikeClusters:   []int64{0, 2},
			SpikeAmps:       []float64{10, 4},
			ClusterColumns:  map[string][]float64{"clusters.amps": {1e-4, 2e-4, 3e-4}},
			ClusterChannels: []int64{0, 1, 2},
			NumChannels:     384,
		},
	}
}

func TestAlign_GlobalIDsAndRaggedSpikes(t *testing.T) {
	t.Parallel()

	aligned, err := probes.Align(twoProbes())
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, aligned.UnitIDs)
	assert.Equal(t, []int64{0, 1, 2, 0, 1, 2}, aligned.ClusterIDs)
	assert.Equal(t, []string{"probe00", "probe00", "probe00", "probe01", "probe01", "probe01"}, aligned.UnitProbe)

	assert.Equal(t, []float64{0.1, 0.9, 0.3, 0.5, 0.2, 1.0, 0.4}, aligned.SpikeTimes)
	assert.Equal(t, []int64{2, 4, 5, 6, 6, 7}, aligned.SpikeTimesIndex, "empty cluster repeats the index")
	assert.Equal(t, []float64{1, 9, 3, 5, 2, 10, 4}, aligned.SpikeAmps)
	assert.Nil(t, aligned.SpikeDepths)

	assert.Equal(t, []float64{0.3, 0.5}, aligned.UnitSpikes(1))
	assert.Empty(t, aligned.UnitSpikes(4))
	assert.Equal(t, 6, aligned.Units())
}

func TestAlign_ElectrodeOffsets(t *testing.T) {
	t.Parallel()

	aligned, err := probes.Align(twoProbes())
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 7, 7, 384, 385, 386}, aligned.UnitElectrode)
	assert.Equal(t, []int64{3, 7, 7, 0, 1, 2}, aligned.UnitChannel)
	assert.Len(t, aligned.ElectrodeProbe, 768)
	assert.Equal(t, "probe01", aligned.ElectrodeProbe[384])
	assert.Equal(t, int64(0), aligned.ElectrodeChannel[384])

	require.Len(t, aligned.Probes, 2)
	assert.Equal(t, int64(384), aligned.Probes[1].ChannelOffset)
	assert.Equal(t, int64(3), aligned.Probes[1].ClusterOffset)
}

func TestAlign_ClusterColumnsPadded(t *testing.T) {
	t.Parallel()

	aligned, err := probes.Align(twoProbes())
	require.NoError(t, err)

	assert.Equal(t, []string{"clusters.amps", "clusters.depths"}, aligned.ColumnNames())

	depths := aligned.ClusterColumns["clusters.depths"]
	require.Len(t, depths, 6)
	assert.InDelta(t, 300.0, depths[2], 1e-9)
	assert.True(t, math.IsNaN(depths[3]))

	amps := aligned.ClusterColumns["clusters.amps"]
	assert.True(t, math.IsNaN(amps[0]))
	assert.InDelta(t, 2e-4, amps[4], 1e-12)
}

func TestAlign_FiringRates(t *testing.T) {
	t.Parallel()

	aligned, err := probes.Align(twoProbes())
	require.NoError(t, err)

	// probe00 spans 0.1..0.9 s.
	assert.InDelta(t, 2/0.8, aligned.FiringRates[0], 1e-9)
	assert.InDelta(t, 1/0.8, aligned.FiringRates[2], 1e-9)
	assert.InDelta(t, 0.0, aligned.FiringRates[4], 1e-9)

	summary := aligned.Probes[0]
	assert.Equal(t, 3, summary.Units)
	assert.Equal(t, 5, summary.Spikes)
	assert.InDelta(t, 5/0.8/3, summary.MeanRate, 1e-9)
	assert.Positive(t, summary.StdRate)
}

func TestAlign_ClusterCountFromSpikes(t *testing.T) {
	t.Parallel()

	aligned, err := probes.Align([]probes.Input{{
		Label:         "probe00",
		SpikeTimes:    []float64{1, 2},
		SpikeClusters: []int64{4, 4},
	}})
	require.NoError(t, err)

	assert.Equal(t, 5, aligned.Units())
	assert.Equal(t, []int64{-1, -1, -1, -1, -1}, aligned.UnitElectrode)
	assert.Equal(t, []int64{-1, -1, -1, -1, -1}, aligned.UnitChannel)
	assert.Empty(t, aligned.ElectrodeProbe)
}

func TestAlign_Errors(t *testing.T) {
	t.Parallel()

	_, err := probes.Align(nil)
	require.ErrorIs(t, err, probes.ErrNoProbes)

	_, err = probes.Align([]probes.Input{{Label: "p", SpikeTimes: []float64{1}, SpikeClusters: nil}})
	require.ErrorIs(t, err, probes.ErrShapeMismatch)

	_, err = probes.Align([]probes.Input{{
		Label: "p", SpikeTimes: []float64{1}, SpikeClusters: []int64{0}, SpikeDepths: []float64{1, 2},
	}})
	require.ErrorIs(t, err, probes.ErrShapeMismatch)

	_, err = probes.Align([]probes.Input{{Label: "p", SpikeTimes: []float64{1}, SpikeClusters: []int64{-1}}})
	require.ErrorIs(t, err, probes.ErrClusterOutOfRange)

	_, err = probes.Align([]probes.Input{{
		Label: "p", SpikeTimes: []float64{1}, SpikeClusters: []int64{0}, ClusterChannels: []int64{400}, NumChannels: 384,
	}})
	require.ErrorIs(t, err, probes.ErrChannelOutOfRange)
}
