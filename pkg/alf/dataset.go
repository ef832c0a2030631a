package alf

import (
	"path"
	"sort"
	"strconv"
	"strings"
)

const probePrefix = "probe"

// Dataset is a file registered for a session, as listed by Alyx.
type Dataset struct {
	ID         string `json:"id,omitempty"         yaml:"id,omitempty"`
	Collection string `json:"collection"           yaml:"collection"`
	Revision   string `json:"revision,omitempty"   yaml:"revision,omitempty"`
	Name       Name   `json:"name"                 yaml:"name"`
	Size       int64  `json:"size,omitempty"       yaml:"size,omitempty"`
	Hash       string `json:"hash,omitempty"       yaml:"hash,omitempty"`
	URL        string `json:"url,omitempty"        yaml:"url,omitempty"`
	QC         string `json:"qc,omitempty"         yaml:"qc,omitempty"`
}

// RelativePath returns the path of the file relative to the session directory.
func (d Dataset) RelativePath() string {
	parts := []string{}
	if d.Collection != "" {
		parts = append(parts, d.Collection)
	}

	if d.Revision != "" {
		parts = append(parts, "#"+d.Revision+"#")
	}

	parts = append(parts, d.Name.String())

	return path.Join(parts...)
}

// Probe returns the probe label carried by the dataset collection, if any.
func (d Dataset) Probe() string {
	return ProbeLabel(d.Collection)
}

// ProbeLabel extracts a `probeNN` component from a collection such as
// `alf/probe00/pykilosort`. It returns "" when the collection has none.
func ProbeLabel(collection string) string {
	for part := range strings.SplitSeq(collection, "/") {
		if isProbeLabel(part) {
			return part
		}
	}

	return ""
}

func isProbeLabel(s string) bool {
	if !strings.HasPrefix(s, probePrefix) || len(s) == len(probePrefix) {
		return false
	}

	_, err := strconv.Atoi(s[len(probePrefix):])

	return err == nil
}

// SortProbeLabels orders probe labels by their numeric suffix; labels that
// do not carry a number sort last, alphabetically.
func SortProbeLabels(labels []string) {
	sort.SliceStable(labels, func(i, j int) bool {
		ni, okI := probeNumber(labels[i])
		nj, okJ := probeNumber(labels[j])

		switch {
		case okI && okJ:
			return ni < nj
		case okI != okJ:
			return okI
		default:
			return labels[i] < labels[j]
		}
	})
}

func probeNumber(label string) (int, bool) {
	if !isProbeLabel(label) {
		return 0, false
	}

	n, err := strconv.Atoi(label[len(probePrefix):])

	return n, err == nil
}

// Inventory indexes datasets by collection and namespace-free key.
type Inventory struct {
	byCollection map[string]map[string]Dataset
}

// NewInventory builds an inventory. When several revisions of one dataset
// exist the lexically greatest revision wins.
func NewInventory(datasets []Dataset) *Inventory {
	inv := &Inventory{byCollection: make(map[string]map[string]Dataset)}

	for _, ds := range datasets {
		keys, ok := inv.byCollection[ds.Collection]
		if !ok {
			keys = make(map[string]Dataset)
			inv.byCollection[ds.Collection] = keys
		}

		key := ds.Name.Key()

		prev, exists := keys[key]
		if exists && prev.Revision > ds.Revision {
			continue
		}

		keys[key] = ds
	}

	return inv
}

// Lookup returns the dataset with the given key in the collection.
func (inv *Inventory) Lookup(collection, key string) (Dataset, bool) {
	ds, ok := inv.byCollection[collection][key]

	return ds, ok
}

// Has reports whether every key exists in the collection.
func (inv *Inventory) Has(collection string, keys ...string) bool {
	for _, key := range keys {
		if _, ok := inv.Lookup(collection, key); !ok {
			return false
		}
	}

	return true
}

// HasObject reports whether any attribute of the object exists in the collection.
func (inv *Inventory) HasObject(collection, object string) bool {
	for _, ds := range inv.byCollection[collection] {
		if ds.Name.Object == object {
			return true
		}
	}

	return false
}

// Object returns every dataset of an ALF object in the collection, sorted by attribute.
func (inv *Inventory) Object(collection, object string) []Dataset {
	var out []Dataset

	for _, ds := range inv.byCollection[collection] {
		if ds.Name.Object == object {
			out = append(out, ds)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name.Attribute < out[j].Name.Attribute })

	return out
}

// Collections returns all collections, sorted.
func (inv *Inventory) Collections() []string {
	out := make([]string, 0, len(inv.byCollection))
	for c := range inv.byCollection {
		out = append(out, c)
	}

	sort.Strings(out)

	return out
}

// ProbeCollections maps each probe label to the collection holding its
// spike sorting. When a probe has several sortings the deepest collection
// containing spikes wins (e.g. alf/probe00/pykilosort over alf/probe00).
func (inv *Inventory) ProbeCollections() map[string]string {
	out := make(map[string]string)

	for _, c := range inv.Collections() {
		label := ProbeLabel(c)
		if label == "" || !inv.HasObject(c, "spikes") {
			continue
		}

		if prev, ok := out[label]; !ok || len(c) > len(prev) {
			out[label] = c
		}
	}

	return out
}

// Probes returns the sorted probe labels that have spike sorting output.
func (inv *Inventory) Probes() []string {
	collections := inv.ProbeCollections()

	labels := make([]string, 0, len(collections))
	for label := range collections {
		labels = append(labels, label)
	}

	SortProbeLabels(labels)

	return labels
}

// All returns every dataset, ordered by relative path.
func (inv *Inventory) All() []Dataset {
	var out []Dataset

	for _, keys := range inv.byCollection {
		for _, ds := range keys {
			out = append(out, ds)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath() < out[j].RelativePath() })

	return out
}

// Len returns the number of indexed datasets.
func (inv *Inventory) Len() int {
	n := 0
	for _, keys := range inv.byCollection {
		n += len(keys)
	}

	return n
}
