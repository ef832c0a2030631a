// Package probes merges the spike sorting output of several Neuropixels
// probes into one units table with globally unique unit ids, ragged spike
// vectors and a shared electrodes index.
package probes

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Alignment errors.
var (
	// ErrNoProbes indicates an empty input.
	ErrNoProbes = errors.New("no probes to align")
	// ErrShapeMismatch indicates spike vectors of unequal length.
	ErrShapeMismatch = errors.New("spike vectors differ in length")
	// ErrClusterOutOfRange indicates a negative cluster id.
	ErrClusterOutOfRange = errors.New("cluster id out of range")
	// ErrChannelOutOfRange indicates a cluster channel outside the probe.
	ErrChannelOutOfRange = errors.New("channel out of range")
)

// Input is the spike sorting of one probe.
type Input struct {
	Label         string
	SpikeTimes    []float64
	SpikeClusters []int64
	// SpikeAmps and SpikeDepths are optional; when set they match SpikeTimes.
	SpikeAmps   []float64
	SpikeDepths []float64
	// ClusterColumns holds per-cluster vectors keyed by dataset key (clusters.amps, ...).
	ClusterColumns map[string][]float64
	// ClusterChannels maps cluster id to its peak channel.
	ClusterChannels []int64
	// NumChannels is the channel count; zero infers it from ClusterChannels.
	NumChannels int
}

// ProbeSummary describes one probe after alignment.
type ProbeSummary struct {
	Label         string  `json:"label"`
	Units         int     `json:"units"`
	Spikes        int     `json:"spikes"`
	ClusterOffset int64   `json:"cluster_offset"`
	ChannelOffset int64   `json:"channel_offset"`
	Channels      int     `json:"channels"`
	Duration      float64 `json:"duration"`
	MeanRate      float64 `json:"mean_rate"`
	StdRate       float64 `json:"std_rate"`
}

// Aligned is the merged units table in columnar form.
type Aligned struct {
	UnitIDs    []int64
	ClusterIDs []int64
	UnitProbe  []string
	// UnitElectrode is the global electrode of each unit, -1 when unknown.
	UnitElectrode []int64
	// UnitChannel is the peak channel within the unit's own probe, -1 when unknown.
	UnitChannel []int64

	SpikeTimes      []float64
	SpikeTimesIndex []int64
	// SpikeAmps and SpikeDepths share SpikeTimesIndex; nil unless every probe has them.
	SpikeAmps   []float64
	SpikeDepths []float64

	// ClusterColumns are padded with NaN where a probe lacks the column.
	ClusterColumns map[string][]float64
	FiringRates    []float64

	ElectrodeProbe   []string
	ElectrodeChannel []int64

	Probes []ProbeSummary
}

// Units returns the number of aligned units.
func (a *Aligned) Units() int {
	return len(a.UnitIDs)
}

// UnitSpikes returns the spike times of unit i.
func (a *Aligned) UnitSpikes(i int) []float64 {
	start := int64(0)
	if i > 0 {
		start = a.SpikeTimesIndex[i-1]
	}

	return a.SpikeTimes[start:a.SpikeTimesIndex[i]]
}

// ColumnNames returns the cluster column keys, sorted.
func (a *Aligned) ColumnNames() []string {
	out := make([]string, 0, len(a.ClusterColumns))
	for k := range a.ClusterColumns {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

// Align merges probes in the given order.
func Align(inputs []Input) (*Aligned, error) {
	if len(inputs) == 0 {
		return nil, ErrNoProbes
	}

	out := &Aligned{ClusterColumns: make(map[string][]float64)}
	withAmps, withDepths := true, true

	for _, in := range inputs {
		withAmps = withAmps && in.SpikeAmps != nil
		withDepths = withDepths && in.SpikeDepths != nil
	}

	columnKeys := unionKeys(inputs)

	var clusterOffset, channelOffset int64

	for _, in := range inputs {
		err := validate(in)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", in.Label, err)
		}

		nClusters := clusterCount(in)

		nChannels, err := channelCount(in)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", in.Label, err)
		}

		grouped := group(in, nClusters)
		duration := span(in.SpikeTimes)
		rates := make([]float64, nClusters)

		for c := range nClusters {
			out.UnitIDs = append(out.UnitIDs, int64(c)+clusterOffset)
			out.ClusterIDs = append(out.ClusterIDs, int64(c))
			out.UnitProbe = append(out.UnitProbe, in.Label)
			out.UnitElectrode = append(out.UnitElectrode, unitElectrode(in, c, channelOffset))
			out.UnitChannel = append(out.UnitChannel, unitElectrode(in, c, 0))

			for _, idx := range grouped[c] {
				out.SpikeTimes = append(out.SpikeTimes, in.SpikeTimes[idx])

				if withAmps {
					out.SpikeAmps = append(out.SpikeAmps, in.SpikeAmps[idx])
				}

				if withDepths {
					out.SpikeDepths = append(out.SpikeDepths, in.SpikeDepths[idx])
				}
			}

			out.SpikeTimesIndex = append(out.SpikeTimesIndex, int64(len(out.SpikeTimes)))

			if duration > 0 {
				rates[c] = float64(len(grouped[c])) / duration
			}
		}

		out.FiringRates = append(out.FiringRates, rates...)

		for _, key := range columnKeys {
			out.ClusterColumns[key] = append(out.ClusterColumns[key], padded(in.ClusterColumns[key], nClusters)...)
		}

		for ch := range nChannels {
			out.ElectrodeProbe = append(out.ElectrodeProbe, in.Label)
			out.ElectrodeChannel = append(out.ElectrodeChannel, int64(ch))
		}

		summary := ProbeSummary{
			Label:         in.Label,
			Units:         nClusters,
			Spikes:        len(in.SpikeTimes),
			ClusterOffset: clusterOffset,
			ChannelOffset: channelOffset,
			Channels:      nChannels,
			Duration:      duration,
		}

		if nClusters > 0 {
			summary.MeanRate, summary.StdRate = stat.MeanStdDev(rates, nil)
			if math.IsNaN(summary.StdRate) {
				summary.StdRate = 0
			}
		}

		out.Probes = append(out.Probes, summary)

		clusterOffset += int64(nClusters)
		channelOffset += int64(nChannels)
	}

	return out, nil
}

func validate(in Input) error {
	n := len(in.SpikeTimes)
	if len(in.SpikeClusters) != n {
		return fmt.Errorf("%w: %d times, %d clusters", ErrShapeMismatch, n, len(in.SpikeClusters))
	}

	if in.SpikeAmps != nil && len(in.SpikeAmps) != n {
		return fmt.Errorf("%w: %d times, %d amps", ErrShapeMismatch, n, len(in.SpikeAmps))
	}

	if in.SpikeDepths != nil && len(in.SpikeDepths) != n {
		return fmt.Errorf("%w: %d times, %d depths", ErrShapeMismatch, n, len(in.SpikeDepths))
	}

	for i, c := range in.SpikeClusters {
		if c < 0 {
			return fmt.Errorf("%w: spike %d has cluster %d", ErrClusterOutOfRange, i, c)
		}
	}

	return nil
}

// clusterCount is max(len of cluster vectors, max spike cluster + 1).
func clusterCount(in Input) int {
	n := len(in.ClusterChannels)

	for _, col := range in.ClusterColumns {
		n = max(n, len(col))
	}

	for _, c := range in.SpikeClusters {
		n = max(n, int(c)+1)
	}

	return n
}

func channelCount(in Input) (int, error) {
	inferred := 0

	for i, ch := range in.ClusterChannels {
		if ch < 0 || (in.NumChannels > 0 && ch >= int64(in.NumChannels)) {
			return 0, fmt.Errorf("%w: cluster %d on channel %d of %d", ErrChannelOutOfRange, i, ch, in.NumChannels)
		}

		inferred = max(inferred, int(ch)+1)
	}

	if in.NumChannels > 0 {
		return in.NumChannels, nil
	}

	return inferred, nil
}

// group returns spike indices per cluster, each ordered by time. Spikes with
// equal times keep their input order.
func group(in Input, nClusters int) [][]int {
	out := make([][]int, nClusters)

	for i, c := range in.SpikeClusters {
		out[c] = append(out[c], i)
	}

	for _, idx := range out {
		sort.SliceStable(idx, func(a, b int) bool { return in.SpikeTimes[idx[a]] < in.SpikeTimes[idx[b]] })
	}

	return out
}

func unitElectrode(in Input, cluster int, offset int64) int64 {
	if cluster >= len(in.ClusterChannels) {
		return -1
	}

	return in.ClusterChannels[cluster] + offset
}

func span(times []float64) float64 {
	if len(times) < 2 {
		return 0
	}

	return floats.Max(times) - floats.Min(times)
}

func padded(col []float64, n int) []float64 {
	out := make([]float64, n)

	for i := range out {
		if i < len(col) {
			out[i] = col[i]
		} else {
			out[i] = math.NaN()
		}
	}

	return out
}

func unionKeys(inputs []Input) []string {
	seen := make(map[string]struct{})

	for _, in := range inputs {
		for k := range in.ClusterColumns {
			seen[k] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
