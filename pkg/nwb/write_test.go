package nwb_test

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
)

// flatFile keeps groups one level deep so the read back covers every member.
func flatFile() *nwb.File {
	root := nwb.NewGroup("/")
	root.NeurodataType = "NWBFile"
	root.Namespace = nwb.CoreNamespace
	root.Attrs["nwb_version"] = nwb.Version
	root.AddDataset(nwb.Text("identifier", "eid-1"))
	root.AddDataset(nwb.Text("session_description", "a longer description", "x"))
	root.AddDataset(nwb.Float("empty", nil))

	units := nwb.NewGroup("units")
	units.NeurodataType = "Units"
	units.Namespace = nwb.CoreNamespace
	units.Attrs["colnames"] = []string{"spike_times", "depth"}
	units.Attrs["description"] = "sorted units"

	depth := nwb.Float("depth", []float64{100, 250.5})
	depth.Attrs["unit"] = "um"
	units.AddDataset(depth)
	units.AddDataset(nwb.Int("id", []int64{0, 1}))
	root.AddGroup(units)

	return &nwb.File{Root: root}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "session.nwb")

	report, err := nwb.Write(path, flatFile(), nwb.WriteOptions{})
	require.NoError(t, err)

	assert.Equal(t, path, report.Path)
	assert.Equal(t, 1, report.Groups)
	assert.Equal(t, []string{"/empty"}, report.Skipped)
	assert.Positive(t, report.Bytes)
	assert.NoFileExists(t, path+".partial")

	f, err := nwb.Read(path)
	require.NoError(t, err)

	assert.Equal(t, "NWBFile", f.Root.NeurodataType)
	assert.Equal(t, nwb.Version, f.Root.Attrs["nwb_version"])
	assert.Nil(t, f.Root.Dataset(".nwb_root"))

	id, err := f.Root.String("identifier")
	require.NoError(t, err)
	assert.Equal(t, "eid-1", id)

	desc, err := f.Root.Strings("session_description")
	require.NoError(t, err)
	assert.Equal(t, []string{"a longer description", "x"}, desc)

	units, ok := f.Root.Find("units")
	require.True(t, ok)
	assert.Equal(t, "Units", units.NeurodataType)
	assert.Equal(t, "spike_times,depth", units.Attrs["colnames"])

	depth, err := f.Root.Floats("units/depth")
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 250.5}, depth)

	unit, ok := f.Root.Attr("units/depth", "unit")
	require.True(t, ok)
	assert.Equal(t, "um", unit)

	ids, err := f.Root.Floats("units/id")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, ids)
}

func TestWrite_FullLayoutWithCompression(t *testing.T) {
	t.Parallel()

	f := nwb.NewFile(header())

	samples := make([]float64, 3*5000)
	for i := range samples {
		samples[i] = float64(i % 17)
	}

	series, err := nwb.TimeSeries(nwb.Series{Name: "rms", Data: samples, Cols: 3, Rate: 30000})
	require.NoError(t, err)
	f.AddAcquisition(series)

	device := f.AddDevice(nwb.Device("probe00", "", ""))
	f.AddElectrodeGroup(nwb.ElectrodeGroup("probe00", "", "CA1", device))

	path := filepath.Join(t.TempDir(), "full.nwb")

	report, err := nwb.Write(path, f, nwb.WriteOptions{Compression: 4, ChunkRows: 1024})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Compressed)
	assert.Equal(t, 1, report.Links)
	assert.Equal(t, 13, report.Groups)
	assert.FileExists(t, path)
}

func TestWrite_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "exists.nwb")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	_, err := nwb.Write(path, flatFile(), nwb.WriteOptions{})
	require.ErrorIs(t, err, nwb.ErrExists)

	_, err = nwb.Write(filepath.Join(dir, "c.nwb"), flatFile(), nwb.WriteOptions{Compression: 10})
	require.ErrorIs(t, err, nwb.ErrInvalidCompression)

	_, err = nwb.Write(filepath.Join(dir, "nil.nwb"), nil, nwb.WriteOptions{})
	require.ErrorIs(t, err, nwb.ErrUnsupportedData)

	bad := flatFile()
	bad.Root.AddDataset(&nwb.Dataset{Name: "flags", Data: []bool{true}})

	_, err = nwb.Write(filepath.Join(dir, "bad.nwb"), bad, nwb.WriteOptions{})
	require.ErrorIs(t, err, nwb.ErrUnsupportedData)
	assert.NoFileExists(t, filepath.Join(dir, "bad.nwb.partial"))

	shaped := flatFile()
	shaped.Root.AddDataset(&nwb.Dataset{Name: "m", Data: []float64{1, 2, 3}, Shape: []uint64{2, 2}})

	_, err = nwb.Write(filepath.Join(dir, "shape.nwb"), shaped, nwb.WriteOptions{})
	require.ErrorIs(t, err, nwb.ErrShapeMismatch)
}

func TestWriteRead_LinksAndCounts(t *testing.T) {
	t.Parallel()

	f := nwb.NewFile(header())

	device := f.AddDevice(nwb.Device("probe00", "", "IMEC"))
	f.AddElectrodeGroup(nwb.ElectrodeGroup("probe00", "", "CA1", device))

	series, err := nwb.TimeSeries(nwb.Series{
		Name:       "ElectricalSeriesAP",
		Counts:     []int16{1, -2, 3, -4, 5, -6},
		Cols:       2,
		Rate:       30000,
		Conversion: 2.34e-6,
	})
	require.NoError(t, err)
	f.AddAcquisition(series)

	path := filepath.Join(t.TempDir(), "counts.nwb")

	report, err := nwb.Write(path, f, nwb.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Links)

	var logs bytes.Buffer

	back, err := nwb.Read(path, nwb.WithReadLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)

	group, ok := back.Root.Find("general/extracellular_ephys/probe00")
	require.True(t, ok)
	assert.Equal(t, []nwb.Link{{Name: "device", Target: device}}, group.Links)
	assert.Nil(t, group.Child("device"))
	assert.NotContains(t, back.Root.Attrs, "soft_links")

	// int16 samples are written but the decoder only reads wider types.
	assert.Equal(t, []string{"/acquisition/ElectricalSeriesAP/data"}, back.Unread)
	assert.Contains(t, logs.String(), "nwb object unreadable")

	data, ok := back.Root.DatasetAt("acquisition/ElectricalSeriesAP/data")
	require.True(t, ok)
	assert.Nil(t, data.Data)
	assert.InDelta(t, 2.34e-6, data.Attrs["conversion"], 1e-18)
}

func TestCheckLayout(t *testing.T) {
	t.Parallel()

	require.NoError(t, nwb.CheckLayout(nwb.NewFile(header()).Root))

	wide := flatFile()
	subject := wide.Root.AddGroup(nwb.NewGroup("subject"))

	for i := range 33 {
		subject.AddDataset(nwb.Float(fmt.Sprintf("f%02d", i), []float64{1}))
	}

	err := nwb.CheckLayout(wide.Root)
	require.ErrorIs(t, err, nwb.ErrGroupTooLarge)
	assert.Contains(t, err.Error(), "/subject has 33 members")

	long := flatFile()
	subject = long.Root.AddGroup(nwb.NewGroup("subject"))

	for i := range 12 {
		subject.AddDataset(nwb.Float(fmt.Sprintf("a_rather_long_field_name_%02d", i), []float64{1}))
	}

	// Empty datasets are never written and take no name.
	subject.AddDataset(nwb.Float("unset", nil))

	path := filepath.Join(t.TempDir(), "long.nwb")

	_, err = nwb.Write(path, long, nwb.WriteOptions{})
	require.ErrorIs(t, err, nwb.ErrGroupTooLarge)
	assert.Contains(t, err.Error(), "member names of /subject take 336 bytes")
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".partial")
}

func TestRead_NotNWB(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	plain := &nwb.File{Root: nwb.NewGroup("/")}
	plain.Root.AddDataset(nwb.Float("x", []float64{1}))

	path := filepath.Join(dir, "plain.h5")

	_, err := nwb.Write(path, plain, nwb.WriteOptions{})
	require.NoError(t, err)

	_, err = nwb.Read(path)
	require.ErrorIs(t, err, nwb.ErrNotNWB)

	_, err = nwb.Read(filepath.Join(dir, "missing.nwb"))
	require.Error(t, err)
}
