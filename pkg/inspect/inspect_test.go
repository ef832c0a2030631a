package inspect_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/inspect"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
)

func sessionFile(t *testing.T) *nwb.File {
	t.Helper()

	f := nwb.NewFile(nwb.FileInfo{
		Identifier:         "4ecb5d24-f5cc-402c-be28-9d0f7cb14b3a",
		SessionDescription: "ephys session",
		SessionStartTime:   time.Date(2019, 12, 10, 13, 24, 10, 0, time.UTC),
		SessionID:          "KS023_2019-12-10_001",
		Lab:                "cortexlab",
	})

	subject, err := nwb.Subject(nwb.SubjectInfo{SubjectID: "KS023", Sex: "M", Species: "Mus musculus", Age: "P131D"})
	require.NoError(t, err)
	f.SetSubject(subject)

	device := f.AddDevice(nwb.Device("probe00", "Neuropixels 1.0", "IMEC"))
	f.AddElectrodeGroup(nwb.ElectrodeGroup("probe00", "", "VISp", device))
	device = f.AddDevice(nwb.Device("probe01", "Neuropixels 1.0", "IMEC"))
	f.AddElectrodeGroup(nwb.ElectrodeGroup("probe01", "", "CA1", device))

	electrodes := nwb.DynamicTable("electrodes", "", "electrodes")
	require.NoError(t, electrodes.Column("group_name", "probe", []string{"probe00", "probe00", "probe01"}))
	f.SetElectrodes(electrodes)

	units := nwb.DynamicTable("units", "Units", "units")
	require.NoError(t, units.RaggedColumn("spike_times", "spikes", []float64{1, 2, 3, 4, 5, 10}, []int64{4, 5, 6}))
	require.NoError(t, units.Column("probe", "probe", []string{"probe00", "probe00", "probe01"}))
	f.SetUnits(units)

	trials, err := nwb.TimeIntervals("trials", "trials", []float64{0, 2, 4, 6}, []float64{1, 3, 5, 7})
	require.NoError(t, err)
	require.NoError(t, trials.Column("feedback_type", "feedback", []float64{1, -1, 1, -1}))
	require.NoError(t, trials.Column("choice", "choice", []float64{1, -1, -1, 0}))
	f.AddIntervals(trials)

	licks := nwb.DynamicTable("LickTimes", "", "licks")
	require.NoError(t, licks.Column("lick_time", "licks", []float64{1.5}))
	f.Processing("behavior", "behavior").AddGroup(licks.Group())

	return f
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	s := inspect.Summarize(sessionFile(t).Root)

	assert.Equal(t, "KS023_2019-12-10_001", s.Header.SessionID)
	assert.Equal(t, "KS023", s.Header.Subject)
	assert.Equal(t, nwb.Version, s.Header.NWBVersion)
	assert.Equal(t, 3, s.Units)
	assert.Equal(t, 4, s.Trials)
	assert.Equal(t, 3, s.Electrodes)

	require.Len(t, s.Probes, 2)
	assert.Equal(t, inspect.Probe{Name: "probe00", Location: "VISp", Electrodes: 2, Units: 2, Spikes: 5, MeanRate: 0.25}, s.Probes[0])
	assert.Equal(t, "probe01", s.Probes[1].Name)
	assert.Equal(t, 1, s.Probes[1].Units)

	assert.InDeltaSlice(t, []float64{0.4, 0.1, 0.1}, s.FiringRates, 1e-9)
	assert.Equal(t, map[string]int{inspect.OutcomeCorrect: 2, inspect.OutcomeError: 1, inspect.OutcomeNoGo: 1}, s.TrialOutcomes)

	paths := make([]string, 0, len(s.Objects))
	for _, o := range s.Objects {
		paths = append(paths, o.Path)
	}

	assert.Equal(t, []string{"/intervals/trials", "/processing/behavior/LickTimes"}, paths)
}

func TestSummarize_EmptyFile(t *testing.T) {
	t.Parallel()

	s := inspect.Summarize(nwb.NewFile(nwb.FileInfo{Identifier: "x"}).Root)

	assert.Equal(t, "x", s.Header.Identifier)
	assert.Zero(t, s.Units)
	assert.Empty(t, s.Probes)
	assert.Nil(t, s.TrialOutcomes)
}

func TestRateHistogram(t *testing.T) {
	t.Parallel()

	edges, counts := inspect.RateHistogram([]float64{0.5, 1, 1, 9.5, 10})
	require.Len(t, counts, len(edges)-1)

	total := 0.0
	for _, c := range counts {
		total += c
	}

	assert.InDelta(t, 5, total, 1e-9)
	assert.InDelta(t, 0.5, edges[0], 1e-9)

	edges, counts = inspect.RateHistogram(nil)
	assert.Nil(t, edges)
	assert.Nil(t, counts)

	_, counts = inspect.RateHistogram([]float64{3, 3})
	assert.InDelta(t, 2, counts[0], 1e-9)
}

func TestRenderTable(t *testing.T) {
	t.Parallel()

	s := inspect.Summarize(sessionFile(t).Root)
	s.Size = 2048
	s.Unread = []string{"/acquisition/ElectricalSeriesAPProbe00/data"}

	var buf bytes.Buffer
	require.NoError(t, inspect.RenderTable(&buf, s))

	out := buf.String()
	assert.Contains(t, out, "KS023_2019-12-10_001")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "probe00")
	assert.Contains(t, out, "VISp")
	assert.Contains(t, out, "no-go")
	assert.Contains(t, out, "/processing/behavior/LickTimes")
	assert.Contains(t, out, "Unread:\n  /acquisition/ElectricalSeriesAPProbe00/data")
}

func TestRenderHTML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, inspect.RenderHTML(&buf, inspect.Summarize(sessionFile(t).Root)))

	out := buf.String()
	assert.Contains(t, out, "Units per probe")
	assert.Contains(t, out, "Firing rate distribution")
	assert.Contains(t, out, "Trial outcomes")
	assert.Contains(t, out, "NWB summary 4ecb5d24-f5cc-402c-be28-9d0f7cb14b3a")
}

func TestRenderHTML_SkipsEmptyCharts(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, inspect.RenderHTML(&buf, inspect.Summarize(nwb.NewFile(nwb.FileInfo{Identifier: "x"}).Root)))

	assert.NotContains(t, buf.String(), "Units per probe")
}
