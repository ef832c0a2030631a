package convert

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
	"github.com/Sumatoshi-tech/iblnwb/pkg/metadata"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
	"github.com/Sumatoshi-tech/iblnwb/pkg/one"
	"github.com/Sumatoshi-tech/iblnwb/pkg/probes"
)

const (
	rawEphysCollection = "raw_ephys_data"
	ecephysModule      = "ecephys"
	ecephysModuleDesc  = "Processed extracellular electrophysiology."
	probeManufacturer  = "IMEC"

	spikeGLXBin  = "bin"
	spikeGLXMeta = "meta"

	// Nominal Neuropixels 1.0 amplifier gains.
	gainAP = 500
	gainLF = 250
)

// rmsObjects maps the band label to the QC object holding its RMS.
var rmsObjects = map[string]string{"AP": "ephysTimeRmsAP", "LF": "ephysTimeRmsLF"}

type ecephysInterface struct{}

func (ecephysInterface) Name() string { return "ecephys" }

func (ecephysInterface) Available(cc *Context) bool {
	return len(cc.Inventory.Probes()) > 0
}

func (ecephysInterface) Add(ctx context.Context, cc *Context) error {
	labels := cc.Inventory.Probes()
	collections := cc.Inventory.ProbeCollections()

	inputs := make([]probes.Input, 0, len(labels))
	channels := make(map[string]map[string]*one.Array, len(labels))

	for _, label := range labels {
		in, chans, err := loadProbe(ctx, cc, label, collections[label])
		if err != nil {
			return fmt.Errorf("probe %s: %w", label, err)
		}

		inputs = append(inputs, in)
		channels[label] = chans
	}

	aligned, err := probes.Align(inputs)
	if err != nil {
		return err
	}

	groupPaths := make(map[string]string, len(labels))

	for _, label := range labels {
		probe, _ := cc.Metadata.ProbeByName(label)

		device := cc.File.AddDevice(nwb.Device(label, orLabel(probe.Description, label), probeManufacturer))
		groupPaths[label] = cc.File.AddElectrodeGroup(nwb.ElectrodeGroup(label, orLabel(probe.Description, label), probe.Location, device))
	}

	electrodes, err := electrodesTable(cc, aligned, channels, groupPaths)
	if err != nil {
		return fmt.Errorf("electrodes: %w", err)
	}

	cc.File.SetElectrodes(electrodes)

	units, err := unitsTable(aligned)
	if err != nil {
		return fmt.Errorf("units: %w", err)
	}

	cc.File.SetUnits(units)

	for _, p := range aligned.Probes {
		cc.ElectrodeOffsets[p.Label] = p.ChannelOffset
		cc.ElectrodeCounts[p.Label] = p.Channels
	}

	return nil
}

// loadProbe reads the spike sorting of one probe and its channel datasets.
func loadProbe(ctx context.Context, cc *Context, label, collection string) (probes.Input, map[string]*one.Array, error) {
	in := probes.Input{Label: label, ClusterColumns: make(map[string][]float64)}

	times, err := cc.Array(ctx, collection, "spikes.times")
	if err != nil {
		return in, nil, err
	}

	clusters, err := cc.Array(ctx, collection, "spikes.clusters")
	if err != nil {
		return in, nil, err
	}

	in.SpikeTimes = times.Data
	in.SpikeClusters = clusters.Int64s()

	amps, err := cc.Optional(ctx, collection, "spikes.amps")
	if err != nil {
		return in, nil, err
	}

	depths, err := cc.Optional(ctx, collection, "spikes.depths")
	if err != nil {
		return in, nil, err
	}

	// Stub mode truncates each array on its own; keep spike vectors aligned.
	if amps != nil && amps.Len() == times.Len() {
		in.SpikeAmps = amps.Data
	}

	if depths != nil && depths.Len() == times.Len() {
		in.SpikeDepths = depths.Data
	}

	for _, col := range metadata.ColumnsFor(metadata.TableUnits) {
		if !strings.HasPrefix(col.DatasetKey, "clusters.") {
			continue
		}

		arr, loadErr := cc.Optional(ctx, collection, col.DatasetKey)
		if loadErr != nil {
			return in, nil, loadErr
		}

		switch {
		case arr == nil:
		case col.DatasetKey == "clusters.channels":
			in.ClusterChannels = arr.Int64s()
		default:
			in.ClusterColumns[col.DatasetKey] = columnValues(arr, col)
		}
	}

	chans := make(map[string]*one.Array)

	for _, key := range metadata.DatasetKeys(metadata.TableElectrodes) {
		arr, loadErr := cc.Optional(ctx, collection, key)
		if loadErr != nil {
			return in, nil, loadErr
		}

		if arr != nil {
			chans[key] = arr
		}
	}

	if raw, ok := chans["channels.rawInd"]; ok {
		in.NumChannels = raw.Len()
	}

	return in, chans, nil
}

func electrodesTable(cc *Context, aligned *probes.Aligned, channels map[string]map[string]*one.Array, groupPaths map[string]string) (*nwb.Table, error) {
	rows := len(aligned.ElectrodeProbe)
	t := nwb.DynamicTable("electrodes", "", "Recording channels of every probe; rows of a probe are contiguous.")

	location := make([]string, rows)
	groups := make([]string, rows)

	for i, label := range aligned.ElectrodeProbe {
		probe, _ := cc.Metadata.ProbeByName(label)
		location[i] = orLabel(probe.Location, "unknown")
		groups[i] = groupPaths[label]
	}

	err := t.Column("location", "Brain region of the electrode.", location)
	if err != nil {
		return nil, err
	}

	err = t.Column("group", "Path of the electrode group of the electrode.", groups)
	if err != nil {
		return nil, err
	}

	err = t.Column("group_name", "Probe label of the electrode.", slices.Clone(aligned.ElectrodeProbe))
	if err != nil {
		return nil, err
	}

	err = t.Column("probe_channel", "Channel index on its probe.", slices.Clone(aligned.ElectrodeChannel))
	if err != nil {
		return nil, err
	}

	for _, col := range metadata.ColumnsFor(metadata.TableElectrodes) {
		values, ok := electrodeColumn(aligned, channels, col)
		if !ok {
			continue
		}

		err = t.Column(col.Column, col.Description, values)
		if err != nil {
			return nil, err
		}
	}

	return t, nil
}

// electrodeColumn concatenates a channel column over probes, NaN where a
// probe lacks it. It reports false when no probe has it.
func electrodeColumn(aligned *probes.Aligned, channels map[string]map[string]*one.Array, col metadata.Column) ([]float64, bool) {
	values := make([]float64, len(aligned.ElectrodeProbe))
	for i := range values {
		values[i] = math.NaN()
	}

	found := false

	for _, p := range aligned.Probes {
		arr, ok := channels[p.Label][col.DatasetKey]
		if !ok || arr.Len() != p.Channels || col.Component >= arr.Cols() {
			continue
		}

		copy(values[p.ChannelOffset:], columnValues(arr, col))

		found = true
	}

	return values, found
}

func unitsTable(aligned *probes.Aligned) (*nwb.Table, error) {
	t := nwb.DynamicTable("units", "Units", "Sorted units of every probe; ids are unique across probes.")

	err := t.SetIDs(aligned.UnitIDs)
	if err != nil {
		return nil, err
	}

	spikeCols := map[string][]float64{
		"spikes.times":  aligned.SpikeTimes,
		"spikes.amps":   aligned.SpikeAmps,
		"spikes.depths": aligned.SpikeDepths,
	}

	for _, col := range metadata.ColumnsFor(metadata.TableUnits) {
		values, ok := spikeCols[col.DatasetKey]
		if !ok || values == nil {
			continue
		}

		err = t.RaggedColumn(col.Column, col.Description, values, aligned.SpikeTimesIndex)
		if err != nil {
			return nil, err
		}
	}

	err = t.Column("cluster_id", "Cluster id within the probe spike sorting.", aligned.ClusterIDs)
	if err != nil {
		return nil, err
	}

	err = t.Column("probe", "Label of the probe that recorded the unit.", aligned.UnitProbe)
	if err != nil {
		return nil, err
	}

	err = t.Column("firing_rate", "Spikes per second over the recording span.", aligned.FiringRates)
	if err != nil {
		return nil, err
	}

	for _, key := range aligned.ColumnNames() {
		cols := metadata.ColumnFor(key)
		if len(cols) == 0 {
			continue
		}

		err = t.Column(cols[0].Column, cols[0].Description, aligned.ClusterColumns[key])
		if err != nil {
			return nil, err
		}
	}

	if !slices.Contains(aligned.UnitChannel, -1) {
		col := metadata.ColumnFor("clusters.channels")[0]

		err = t.Column(col.Column, col.Description, aligned.UnitChannel)
		if err != nil {
			return nil, err
		}
	}

	if !slices.Contains(aligned.UnitElectrode, -1) {
		err = t.RegionColumn("electrodes", "Peak channel electrode of the unit.", aligned.UnitElectrode, nwb.PathElectrodes)
		if err != nil {
			return nil, err
		}
	}

	return t, nil
}

type ephysQCInterface struct{}

func (ephysQCInterface) Name() string { return "ephys_qc" }

func (ephysQCInterface) Available(cc *Context) bool {
	return len(rmsDatasets(cc.Inventory)) > 0
}

type rmsDataset struct {
	label      string
	band       string
	collection string
	object     string
}

// rmsDatasets lists the RMS QC objects per probe and band.
func rmsDatasets(inv *alf.Inventory) []rmsDataset {
	var out []rmsDataset

	for _, c := range inv.Collections() {
		label := alf.ProbeLabel(c)
		if label == "" || !strings.HasPrefix(c, rawEphysCollection) {
			continue
		}

		for _, band := range []string{"AP", "LF"} {
			obj := rmsObjects[band]
			if inv.Has(c, obj+".rms", obj+".timestamps") {
				out = append(out, rmsDataset{label: label, band: band, collection: c, object: obj})
			}
		}
	}

	return out
}

func (ephysQCInterface) Add(ctx context.Context, cc *Context) error {
	module := cc.File.Processing(ecephysModule, ecephysModuleDesc)

	for _, ds := range rmsDatasets(cc.Inventory) {
		rms, err := cc.Array(ctx, ds.collection, ds.object+".rms")
		if err != nil {
			return err
		}

		timestamps, err := cc.Array(ctx, ds.collection, ds.object+".timestamps")
		if err != nil {
			return err
		}

		series := nwb.Series{
			Name:        fmt.Sprintf("Rms%s%s", ds.band, probeSuffix(ds.label)),
			Description: fmt.Sprintf("RMS of the %s band over time windows, per channel of %s.", ds.band, ds.label),
			Unit:        "volts",
			Data:        rms.Data,
			Cols:        rms.Cols(),
			Timestamps:  timestamps.Data,
		}

		var g *nwb.Group

		if rows, ok := cc.electrodes(ds.label, rms.Cols()); ok {
			g, err = nwb.ElectricalSeries(series, rows)
		} else {
			g, err = nwb.TimeSeries(series)
		}

		if err != nil {
			return fmt.Errorf("%s rms %s: %w", ds.label, ds.band, err)
		}

		module.AddGroup(g)
	}

	return nil
}

type rawEphysInterface struct{}

func (rawEphysInterface) Name() string { return "raw_ephys" }

func (rawEphysInterface) Available(cc *Context) bool {
	return cc.Options.IncludeRawEphys && len(rawBins(cc.Inventory)) > 0
}

type rawBin struct {
	label string
	band  string
	bin   alf.Dataset
	meta  alf.Dataset
}

// rawBins pairs every SpikeGLX .bin of a probe with its .meta sidecar.
func rawBins(inv *alf.Inventory) []rawBin {
	var out []rawBin

	for _, ds := range inv.All() {
		label := alf.ProbeLabel(ds.Collection)
		if label == "" || ds.Name.Extension != spikeGLXBin || len(ds.Name.Extra) == 0 {
			continue
		}

		for _, cand := range inv.Object(ds.Collection, ds.Name.Object) {
			if cand.Name.Extension == spikeGLXMeta && cand.Name.Attribute == ds.Name.Attribute &&
				slices.Equal(cand.Name.Extra, ds.Name.Extra) {
				band := strings.ToUpper(ds.Name.Extra[len(ds.Name.Extra)-1])
				out = append(out, rawBin{label: label, band: band, bin: ds, meta: cand})

				break
			}
		}
	}

	return out
}

func (rawEphysInterface) Add(ctx context.Context, cc *Context) error {
	maxSamples := cc.Options.RawSamples
	if maxSamples <= 0 {
		maxSamples = one.DefaultSpikeGLXSamples
	}

	if cc.Options.Stub && cc.Options.StubSamples > 0 {
		maxSamples = min(maxSamples, cc.Options.StubSamples)
	}

	for _, rb := range rawBins(cc.Inventory) {
		series, err := rawSeries(ctx, cc, rb, maxSamples)
		if err != nil {
			return fmt.Errorf("%s %s: %w", rb.label, rb.band, err)
		}

		cc.File.AddAcquisition(series)
	}

	return nil
}

func rawSeries(ctx context.Context, cc *Context, rb rawBin, maxSamples int) (*nwb.Group, error) {
	metaPath, err := cc.Loader.Ensure(ctx, cc.Session, rb.meta)
	if err != nil {
		return nil, err
	}

	binPath, err := cc.Loader.Ensure(ctx, cc.Session, rb.bin)
	if err != nil {
		return nil, err
	}

	meta, err := one.ReadSpikeGLXMeta(metaPath)
	if err != nil {
		return nil, err
	}

	nChannels, err := meta.NChannels()
	if err != nil {
		return nil, err
	}

	rate, err := meta.SampleRate()
	if err != nil {
		return nil, err
	}

	gain := float64(gainAP)
	if rb.band == "LF" {
		gain = gainLF
	}

	// The sync channel trails the recording channels; keep only channels
	// with an electrode when the probe has some.
	keep := nChannels
	rows, ok := cc.electrodes(rb.label, min(nChannels, cc.ElectrodeCounts[rb.label]))

	if ok && len(rows) > 0 {
		keep = len(rows)
	}

	raw, err := one.ReadSpikeGLXBin(binPath, nChannels, keep, maxSamples)
	if err != nil {
		return nil, err
	}

	if raw.Samples < raw.Total {
		cc.Logger.InfoContext(ctx, "raw ephys truncated",
			slog.String("probe", rb.label), slog.String("band", rb.band),
			slog.Int("samples", raw.Samples), slog.Int("total", raw.Total))
	}

	series := nwb.Series{
		Name:        fmt.Sprintf("ElectricalSeries%s%s", rb.band, probeSuffix(rb.label)),
		Description: fmt.Sprintf("Raw %s band voltage of %s, SpikeGLX integer counts.", rb.band, rb.label),
		Unit:        "volts",
		Counts:      raw.Data,
		Cols:        raw.Channels,
		Rate:        rate,
		Conversion:  meta.Conversion(gain),
	}

	if ok && len(rows) > 0 {
		return nwb.ElectricalSeries(series, rows)
	}

	return nwb.TimeSeries(series)
}

// probeSuffix turns probe00 into Probe00.
func probeSuffix(label string) string {
	if label == "" {
		return ""
	}

	return strings.ToUpper(label[:1]) + label[1:]
}

func orLabel(value, fallback string) string {
	if value == "" {
		return fallback
	}

	return value
}
