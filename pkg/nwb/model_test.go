package nwb_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
)

func header() nwb.FileInfo {
	return nwb.FileInfo{
		Identifier:         "4ecb5d24-f5cc-402c-be28-9d0f7cb14b3a",
		SessionDescription: "ephysChoiceWorld",
		SessionStartTime:   time.Date(2019, 12, 10, 13, 24, 10, 0, time.UTC),
		SessionID:          "KS023_2019-12-10_001",
		Experimenter:       []string{"nate"},
		Institution:        "University College London",
		Keywords:           []string{"IBL", "Neuropixels"},
		Created:            time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNewFile_Layout(t *testing.T) {
	t.Parallel()

	f := nwb.NewFile(header())

	assert.Equal(t, "NWBFile", f.Root.NeurodataType)
	assert.Equal(t, nwb.Version, f.Root.Attrs["nwb_version"])

	_, err := uuid.Parse(f.Root.Attrs["object_id"].(string))
	require.NoError(t, err)

	start, err := f.Root.String("session_start_time")
	require.NoError(t, err)
	assert.Equal(t, "2019-12-10T13:24:10.000000+00:00", start)

	institution, err := f.Root.String("general/institution")
	require.NoError(t, err)
	assert.Equal(t, "University College London", institution)

	keywords, err := f.Root.Strings("/general/keywords")
	require.NoError(t, err)
	assert.Equal(t, []string{"IBL", "Neuropixels"}, keywords)

	_, ok := f.Root.DatasetAt("general/notes")
	assert.False(t, ok, "empty fields are omitted")

	for _, p := range []string{nwb.PathAcquisition, nwb.PathDevices, nwb.PathStimulus, nwb.PathIntervals} {
		_, ok := f.Root.Find(p)
		assert.True(t, ok, p)
	}

	assert.Empty(t, f.Modalities())
}

func TestTable_Columns(t *testing.T) {
	t.Parallel()

	trials, err := nwb.TimeIntervals("trials", "trial table", []float64{0, 2, 4}, []float64{1.5, 3.5, 5.5})
	require.NoError(t, err)

	require.NoError(t, trials.Column("choice", "choice", []int64{-1, 1, 0}))
	require.ErrorIs(t, trials.Column("bad", "", []float64{1}), nwb.ErrShapeMismatch)
	require.ErrorIs(t, trials.Column("bad", "", []bool{true}), nwb.ErrUnsupportedData)

	g := trials.Group()

	assert.Equal(t, "TimeIntervals", g.NeurodataType)
	assert.Equal(t, "start_time,stop_time,choice", g.Attrs["colnames"])
	assert.Equal(t, 3, trials.Rows())

	ids, err := g.Floats("id")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, ids)

	choice := g.Dataset("choice")
	require.NotNil(t, choice)
	assert.Equal(t, "VectorData", choice.Attrs["neurodata_type"])
	assert.Equal(t, "choice", choice.Attrs["description"])
}

func TestTable_RaggedAndRegion(t *testing.T) {
	t.Parallel()

	units := nwb.DynamicTable("units", "Units", "sorted units")

	require.NoError(t, units.RaggedColumn("spike_times", "", []float64{0.1, 0.2, 0.3}, []int64{2, 2, 3}))
	require.NoError(t, units.RegionColumn("electrodes", "", []int64{3, 7, 384}, nwb.PathElectrodes))
	require.NoError(t, units.SetIDs([]int64{10, 11, 12}))
	require.ErrorIs(t, units.SetIDs([]int64{1}), nwb.ErrShapeMismatch)

	err := units.RaggedColumn("spike_amplitudes", "", []float64{1}, []int64{1, 1, 2})
	require.ErrorIs(t, err, nwb.ErrShapeMismatch)

	g := units.Group()

	assert.Equal(t, "spike_times,electrodes", g.Attrs["colnames"])

	index := g.Dataset("spike_times_index")
	require.NotNil(t, index)
	assert.Equal(t, "VectorIndex", index.Attrs["neurodata_type"])
	assert.Equal(t, "spike_times", index.Attrs["target"])

	region := g.Dataset("electrodes")
	assert.Equal(t, nwb.PathElectrodes, region.Attrs["table"])

	ids, err := g.Floats("id")
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 12}, ids)
}

func TestSeriesBuilders(t *testing.T) {
	t.Parallel()

	pos, err := nwb.SpatialSeries(nwb.Series{
		Name:       "wheel_position",
		Unit:       "radians",
		Data:       []float64{0, 0.1, 0.2},
		Timestamps: []float64{0, 0.001, 0.002},
	}, "clockwise positive")
	require.NoError(t, err)
	assert.Equal(t, "SpatialSeries", pos.NeurodataType)
	assert.Equal(t, "radians", pos.Dataset("data").Attrs["unit"])
	assert.Equal(t, "seconds", pos.Dataset("timestamps").Attrs["unit"])

	_, err = nwb.TimeSeries(nwb.Series{Name: "x", Data: []float64{1, 2}, Timestamps: []float64{1}})
	require.ErrorIs(t, err, nwb.ErrShapeMismatch)

	rms, err := nwb.ElectricalSeries(nwb.Series{
		Name: "rms_ap", Data: []float64{1, 2, 3, 4, 5, 6}, Cols: 3, Rate: 0.5,
	}, []int64{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, rms.Dataset("data").Dims())
	assert.Equal(t, "volts", rms.Dataset("data").Attrs["unit"])
	assert.InDelta(t, 0.5, rms.Dataset("starting_time").Attrs["rate"], 1e-12)
	assert.Equal(t, nwb.PathElectrodes, rms.Dataset("electrodes").Attrs["table"])

	_, err = nwb.ElectricalSeries(nwb.Series{Name: "bad", Data: []float64{1, 2}, Cols: 2}, []int64{0})
	require.ErrorIs(t, err, nwb.ErrShapeMismatch)

	_, err = nwb.Matrix("m", []float64{1, 2, 3}, 2)
	require.ErrorIs(t, err, nwb.ErrShapeMismatch)
}

func TestFile_Containers(t *testing.T) {
	t.Parallel()

	f := nwb.NewFile(header())

	device := f.AddDevice(nwb.Device("probe00", "Neuropixels 1.0", "IMEC"))
	assert.Equal(t, "/general/devices/probe00", device)

	group := f.AddElectrodeGroup(nwb.ElectrodeGroup("probe00", "", "", device))
	eg, ok := f.Root.Find(group)
	require.True(t, ok)
	assert.Equal(t, "unknown", eg.Attrs["location"])
	assert.Equal(t, []nwb.Link{{Name: "device", Target: device}}, eg.Links)

	subject, err := nwb.Subject(nwb.SubjectInfo{
		SubjectID:     "KS023",
		Sex:           "F",
		NeurodataType: "IblSubject",
		Namespace:     "ndx-ibl",
		Extra:         map[string]any{"weighings": []float64{22.4}, "alive": true, "lab": ""},
	})
	require.NoError(t, err)
	f.SetSubject(subject)

	sex, err := f.Root.String("general/subject/sex")
	require.NoError(t, err)
	assert.Equal(t, "F", sex)

	alive, err := f.Root.String("general/subject/alive")
	require.NoError(t, err)
	assert.Equal(t, "true", alive)

	_, ok = f.Root.DatasetAt("general/subject/lab")
	assert.False(t, ok)

	_, err = nwb.LabMetaData("ibl", "IblSessionData", "ndx-ibl", map[string]any{"x": struct{}{}})
	require.ErrorIs(t, err, nwb.ErrUnsupportedData)

	behavior := f.Processing("behavior", "behavioural data")
	assert.Same(t, behavior, f.Processing("behavior", "ignored"))

	pos, err := nwb.SpatialSeries(nwb.Series{Name: "wheel", Data: []float64{1}, Timestamps: []float64{0}}, "")
	require.NoError(t, err)
	behavior.AddGroup(nwb.Container("Wheel", "Position", pos))

	f.AddAcquisition(nwb.ImageSeries("leftCamera", "", []string{"left.mp4"}, []float64{0, 0.016}))

	units := nwb.DynamicTable("units", "Units", "")
	require.NoError(t, units.Column("depth", "", []float64{1}))
	f.SetUnits(units)

	assert.Equal(t, []string{"ecephys", "image", "behavior"}, f.Modalities())
	assert.Len(t, f.Root.ByType("SpatialSeries"), 1)
	assert.Contains(t, f.Root.ByType("ImageSeries"), "/acquisition/leftCamera")
}

func TestGroup_Lookups(t *testing.T) {
	t.Parallel()

	f := nwb.NewFile(header())

	_, err := f.Root.Floats("missing")
	require.ErrorIs(t, err, nwb.ErrNotFound)

	_, err = f.Root.Floats("identifier")
	require.ErrorIs(t, err, nwb.ErrWrongType)

	_, err = f.Root.Strings("missing/x")
	require.ErrorIs(t, err, nwb.ErrNotFound)

	v, ok := f.Root.Attr("", "neurodata_type")
	assert.False(t, ok, "type lives on the field, not the attributes")
	assert.Nil(t, v)

	v, ok = f.Root.Attr("/", "nwb_version")
	assert.True(t, ok)
	assert.Equal(t, nwb.Version, v)

	var paths []string

	f.Root.Walk(func(path string, _ *nwb.Group) { paths = append(paths, path) })
	assert.Equal(t, "/", paths[0])
	assert.Contains(t, paths, "/stimulus/templates")
}

func TestDandiPath(t *testing.T) {
	t.Parallel()

	got := nwb.DandiPath("KS_023", "4ecb5d24-f5cc", "raw", []string{"ecephys", "behavior", "ecephys"})
	assert.Equal(t, "sub-KS-023/sub-KS-023_ses-4ecb5d24-f5cc_desc-raw_behavior+ecephys.nwb", got)

	assert.Equal(t, "sub-NYU-12/sub-NYU-12_ses-1.nwb", nwb.DandiPath("NYU 12/", "1", "", nil))
}
