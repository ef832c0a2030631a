package nwb2alyx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/metadata"
)

// AlyxReader is the part of the Alyx client FromAlyx reads.
type AlyxReader interface {
	Session(ctx context.Context, eid string) (*alyx.Session, error)
	Subject(ctx context.Context, nickname string) (*alyx.Subject, error)
	Insertions(ctx context.Context, eid string) ([]alyx.Insertion, error)
	Datasets(ctx context.Context, eid string) ([]alyx.DatasetRecord, error)
	WaterAdministrations(ctx context.Context, nickname string) ([]alyx.WaterAdministration, error)
	Weighings(ctx context.Context, nickname string) ([]alyx.Weighing, error)
}

// FromAlyx gathers the records of a session as Alyx holds them.
func FromAlyx(ctx context.Context, client AlyxReader, eid string) (*Records, error) {
	session, err := client.Session(ctx, eid)
	if err != nil {
		return nil, err
	}

	subject, err := client.Subject(ctx, session.Subject)
	if err != nil {
		return nil, err
	}

	insertions, err := client.Insertions(ctx, eid)
	if err != nil {
		return nil, err
	}

	weighings, err := client.Weighings(ctx, session.Subject)
	if err != nil {
		return nil, err
	}

	water, err := client.WaterAdministrations(ctx, session.Subject)
	if err != nil {
		return nil, err
	}

	records, err := client.Datasets(ctx, eid)
	if err != nil {
		return nil, err
	}

	rec := &Records{
		Subject:              *subject,
		Session:              *session,
		Weighings:            weighings,
		WaterAdministrations: water,
		Insertions:           insertions,
	}

	datasets, _ := alyx.ToALFDatasets(records)
	for _, ds := range datasets {
		rec.Datasets = append(rec.Datasets, Dataset{DatasetType: ds.Name.Key(), Collection: ds.Collection})
	}

	return rec, nil
}

// FieldDiff is a field whose value differs.
type FieldDiff struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// DiffReport compares the records Alyx holds with those read from a file.
type DiffReport struct {
	Fields []FieldDiff `json:"fields,omitempty"`
	// MissingDatasets are dataset types of the file that Alyx does not list.
	MissingDatasets []string `json:"missing_datasets,omitempty"`
	// Unified is a line diff of the compared JSON renderings.
	Unified string `json:"unified,omitempty"`
}

// Equal reports whether nothing differs.
func (r *DiffReport) Equal() bool {
	return len(r.Fields) == 0 && len(r.MissingDatasets) == 0
}

// Diff compares expected (from Alyx) with actual (from the NWB file). Only
// fields that survive a conversion round trip are compared.
func Diff(expected, actual *Records) (*DiffReport, error) {
	want, err := flatten(roundTripped(expected))
	if err != nil {
		return nil, err
	}

	got, err := flatten(roundTripped(actual))
	if err != nil {
		return nil, err
	}

	report := &DiffReport{}

	keys := make([]string, 0, len(want)+len(got))
	for k := range want {
		keys = append(keys, k)
	}

	for k := range got {
		if _, ok := want[k]; !ok {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	for _, k := range keys {
		if want[k] != got[k] {
			report.Fields = append(report.Fields, FieldDiff{Field: k, Expected: want[k], Actual: got[k]})
		}
	}

	known := make(map[string]bool, len(expected.Datasets))
	for _, ds := range expected.Datasets {
		known[ds.DatasetType] = true
	}

	for _, ds := range actual.Datasets {
		if !known[ds.DatasetType] && !slices.Contains(report.MissingDatasets, ds.DatasetType) {
			report.MissingDatasets = append(report.MissingDatasets, ds.DatasetType)
		}
	}

	if len(report.Fields) > 0 {
		report.Unified, err = unified(roundTripped(expected), roundTripped(actual))
		if err != nil {
			return nil, err
		}
	}

	return report, nil
}

// comparableRecords are the fields of Records that an NWB file preserves.
type comparableRecords struct {
	Subject              alyx.Subject               `json:"subject"`
	Session              alyx.Session               `json:"session"`
	Weighings            []alyx.Weighing            `json:"weighings,omitempty"`
	WaterAdministrations []alyx.WaterAdministration `json:"water_administrations,omitempty"`
	Insertions           []string                   `json:"insertions,omitempty"`
}

func roundTripped(rec *Records) comparableRecords {
	s := rec.Subject
	s.ID = ""
	s.Sex = metadata.NormalizeSex(s.Sex)
	s.Species = ""
	s.AgeWeeks = 0
	s.ReferenceWeight = 0
	s.Weighings = nil
	s.WaterAdministrations = nil

	if s.Alive == nil {
		alive := true
		s.Alive = &alive
	}

	if len(s.BirthDate) > len(alyxDateLayout) {
		s.BirthDate = s.BirthDate[:len(alyxDateLayout)]
	}

	sess := rec.Session
	sess.Datasets = nil
	sess.WaterAdminSessionRelated = nil
	sess.ExtendedQC = compact(sess.ExtendedQC)
	sess.JSON = compact(sess.JSON)

	out := comparableRecords{Subject: s, Session: sess}

	for _, w := range rec.Weighings {
		out.Weighings = append(out.Weighings, alyx.Weighing{DateTime: w.DateTime, Weight: w.Weight})
	}

	for _, w := range rec.WaterAdministrations {
		out.WaterAdministrations = append(out.WaterAdministrations,
			alyx.WaterAdministration{DateTime: w.DateTime, WaterAdministered: w.WaterAdministered, WaterType: w.WaterType})
	}

	sort.Slice(out.Weighings, func(i, j int) bool { return out.Weighings[i].DateTime < out.Weighings[j].DateTime })
	sort.SliceStable(out.WaterAdministrations, func(i, j int) bool {
		return out.WaterAdministrations[i].DateTime < out.WaterAdministrations[j].DateTime
	})

	for _, ins := range rec.Insertions {
		out.Insertions = append(out.Insertions, ins.Name)
	}

	slices.Sort(out.Insertions)

	return out
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}

	var v any
	if json.Unmarshal(raw, &v) != nil {
		return raw
	}

	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}

	return out
}

// flatten renders v as JSON and maps every leaf to its dotted path.
func flatten(v any) (map[string]string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}

	var doc any

	err = json.Unmarshal(raw, &doc)
	if err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	out := make(map[string]string)
	flattenInto(out, "", doc)

	return out, nil
}

func flattenInto(out map[string]string, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flattenInto(out, joinField(prefix, k), child)
		}
	case []any:
		for i, child := range val {
			flattenInto(out, fmt.Sprintf("%s[%d]", prefix, i), child)
		}
	default:
		raw, _ := json.Marshal(val)
		out[prefix] = string(raw)
	}
}

func joinField(prefix, key string) string {
	if prefix == "" {
		return key
	}

	return prefix + "." + key
}

// unified renders a line diff of the indented JSON of both sides.
func unified(expected, actual any) (string, error) {
	a, err := json.MarshalIndent(expected, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode expected: %w", err)
	}

	b, err := json.MarshalIndent(actual, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode actual: %w", err)
	}

	dmp := diffmatchpatch.New()
	src, dst, lines := dmp.DiffLinesToChars(string(a)+"\n", string(b)+"\n")
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(src, dst, false), lines)

	var sb strings.Builder

	sb.WriteString("--- alyx\n+++ nwb\n")

	for _, d := range diffs {
		prefix := " "

		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffEqual:
		}

		for line := range strings.SplitSeq(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(prefix + line + "\n")
		}
	}

	return sb.String(), nil
}
