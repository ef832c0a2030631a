// Package inspect summarises NWB files for humans: header, object counts,
// per-probe statistics and trial outcomes, rendered as terminal tables or
// an HTML report.
package inspect

import (
	"math"
	"os"
	"path"
	"slices"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
)

// Trial outcome labels.
const (
	OutcomeCorrect = "correct"
	OutcomeError   = "error"
	OutcomeNoGo    = "no-go"
)

const (
	unitsProbeColumn      = "probe"
	electrodesGroupColumn = "group_name"
	rateHistogramBins     = 20
)

// Header is the file and subject header.
type Header struct {
	Identifier         string `json:"identifier"`
	SessionID          string `json:"session_id,omitempty"`
	SessionDescription string `json:"session_description,omitempty"`
	SessionStartTime   string `json:"session_start_time,omitempty"`
	NWBVersion         string `json:"nwb_version,omitempty"`
	Lab                string `json:"lab,omitempty"`
	Institution        string `json:"institution,omitempty"`
	Subject            string `json:"subject,omitempty"`
	Sex                string `json:"sex,omitempty"`
	Species            string `json:"species,omitempty"`
	Age                string `json:"age,omitempty"`
}

// Probe holds the counts of one probe.
type Probe struct {
	Name       string  `json:"name"`
	Location   string  `json:"location,omitempty"`
	Electrodes int     `json:"electrodes"`
	Units      int     `json:"units"`
	Spikes     int     `json:"spikes"`
	MeanRate   float64 `json:"mean_rate_hz"`
}

// Object is a data object of the acquisition or processing groups.
type Object struct {
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}

// Summary is what Summarize found in a file.
type Summary struct {
	Header     Header   `json:"header"`
	Size       int64    `json:"size,omitempty"`
	Modalities []string `json:"modalities,omitempty"`
	Units      int      `json:"units"`
	Trials     int      `json:"trials"`
	Electrodes int      `json:"electrodes"`
	Probes     []Probe  `json:"probes,omitempty"`
	Objects    []Object `json:"objects,omitempty"`
	// FiringRates holds the mean rate of every unit, in Hz.
	FiringRates   []float64      `json:"firing_rates,omitempty"`
	TrialOutcomes map[string]int `json:"trial_outcomes,omitempty"`
	// Unread lists what the decoder could not read.
	Unread []string `json:"unread,omitempty"`
}

// SummarizeFile reads and summarises the NWB file at path.
func SummarizeFile(filePath string, opts ...nwb.ReadOption) (*Summary, error) {
	f, err := nwb.Read(filePath, opts...)
	if err != nil {
		return nil, err
	}

	s := Summarize(f.Root)
	s.Unread = f.Unread

	info, err := os.Stat(filePath)
	if err == nil {
		s.Size = info.Size()
	}

	return s, nil
}

// Summarize walks an NWB tree.
func Summarize(root *nwb.Group) *Summary {
	s := &Summary{
		Header:     headerFrom(root),
		Modalities: (&nwb.File{Root: root}).Modalities(),
	}

	probes := make(map[string]*Probe)
	probe := func(name string) *Probe {
		p, ok := probes[name]
		if !ok {
			p = &Probe{Name: name}
			probes[name] = p
		}

		return p
	}

	if eph, ok := root.Find(nwb.PathExtracellular); ok {
		for _, g := range eph.Groups {
			if g.NeurodataType == "ElectrodeGroup" {
				loc, _ := g.Attrs["location"].(string)
				probe(g.Name).Location = loc
			}
		}
	}

	if electrodes, ok := root.Find(nwb.PathElectrodes); ok {
		s.Electrodes = rows(electrodes)

		for _, name := range texts(electrodes, electrodesGroupColumn) {
			probe(name).Electrodes++
		}
	}

	if units, ok := root.Find(nwb.PathUnits); ok {
		s.Units = rows(units)
		summarizeUnits(s, units, probe)
	}

	if trials, ok := root.Find(path.Join(nwb.PathIntervals, "trials")); ok {
		s.Trials = rows(trials)
		s.TrialOutcomes = outcomes(trials)
	}

	for _, name := range sortedKeys(probes) {
		s.Probes = append(s.Probes, *probes[name])
	}

	s.Objects = objects(root)

	return s
}

func headerFrom(root *nwb.Group) Header {
	h := Header{
		Identifier:         text(root, "identifier"),
		SessionID:          text(root, "general/session_id"),
		SessionDescription: text(root, "session_description"),
		SessionStartTime:   text(root, "session_start_time"),
		Lab:                text(root, "general/lab"),
		Institution:        text(root, "general/institution"),
		Subject:            text(root, "general/subject/subject_id"),
		Sex:                text(root, "general/subject/sex"),
		Species:            text(root, "general/subject/species"),
		Age:                text(root, "general/subject/age"),
	}

	if v, ok := root.Attrs["nwb_version"].(string); ok {
		h.NWBVersion = v
	}

	return h
}

// summarizeUnits derives per-unit firing rates from the ragged spike times,
// using the last spike of the file as the recording duration.
func summarizeUnits(s *Summary, units *nwb.Group, probe func(string) *Probe) {
	labels := texts(units, unitsProbeColumn)
	times, _ := units.Floats("spike_times")
	index, _ := units.Floats("spike_times_index")

	duration := 0.0
	if len(times) > 0 {
		duration = floats.Max(times)
	}

	perProbe := make(map[string][]float64)

	start := 0
	for i, end := range index {
		n := int(end) - start
		start = int(end)

		rate := 0.0
		if duration > 0 {
			rate = float64(n) / duration
		}

		s.FiringRates = append(s.FiringRates, rate)

		if i < len(labels) {
			p := probe(labels[i])
			p.Units++
			p.Spikes += n
			perProbe[labels[i]] = append(perProbe[labels[i]], rate)
		}
	}

	if len(index) == 0 {
		for _, label := range labels {
			probe(label).Units++
		}
	}

	for name, rates := range perProbe {
		probe(name).MeanRate = stat.Mean(rates, nil)
	}
}

// outcomes classifies trials by feedback type, with a zero choice as no-go.
func outcomes(trials *nwb.Group) map[string]int {
	feedback, err := trials.Floats("feedback_type")
	if err != nil {
		return nil
	}

	choice, _ := trials.Floats("choice")

	out := make(map[string]int)

	for i, fb := range feedback {
		switch {
		case i < len(choice) && choice[i] == 0:
			out[OutcomeNoGo]++
		case fb > 0:
			out[OutcomeCorrect]++
		default:
			out[OutcomeError]++
		}
	}

	return out
}

func objects(root *nwb.Group) []Object {
	var out []Object

	if acq, ok := root.Find(nwb.PathAcquisition); ok {
		for _, g := range acq.Groups {
			out = append(out, Object{Path: path.Join(nwb.PathAcquisition, g.Name), Type: g.NeurodataType})
		}
	}

	if proc, ok := root.Find(nwb.PathProcessing); ok {
		for _, mod := range proc.Groups {
			for _, g := range mod.Groups {
				out = append(out, Object{Path: path.Join(nwb.PathProcessing, mod.Name, g.Name), Type: g.NeurodataType})
			}
		}
	}

	if intervals, ok := root.Find(nwb.PathIntervals); ok {
		for _, g := range intervals.Groups {
			out = append(out, Object{Path: path.Join(nwb.PathIntervals, g.Name), Type: g.NeurodataType})
		}
	}

	slices.SortFunc(out, func(a, b Object) int { return strings.Compare(a.Path, b.Path) })

	return out
}

// RateHistogram bins the firing rates into equal-width bins and returns the
// bin edges and counts.
func RateHistogram(rates []float64) (edges, counts []float64) {
	if len(rates) == 0 {
		return nil, nil
	}

	sorted := slices.Clone(rates)
	sort.Float64s(sorted)

	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi <= lo {
		hi = lo + 1
	}

	edges = make([]float64, rateHistogramBins+1)
	floats.Span(edges, lo, hi)
	// stat.Histogram excludes the upper edge.
	edges[len(edges)-1] = math.Nextafter(hi, math.Inf(1))

	counts = stat.Histogram(nil, edges, sorted, nil)

	return edges, counts
}

// rows is the length of the id column of a table.
func rows(table *nwb.Group) int {
	if ds := table.Dataset("id"); ds != nil {
		return ds.Len()
	}

	return 0
}

func text(g *nwb.Group, p string) string {
	v, err := g.String(p)
	if err != nil {
		return ""
	}

	return v
}

func texts(g *nwb.Group, p string) []string {
	v, err := g.Strings(p)
	if err != nil {
		return nil
	}

	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
