package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
)

// ErrInvalidTime indicates an Alyx timestamp that cannot be parsed.
var ErrInvalidTime = errors.New("invalid alyx timestamp")

const (
	species        = "Mus musculus"
	sexUnknown     = "U"
	unknownRegion  = "unknown"
	keywordIBL     = "International Brain Laboratory"
	hoursPerDay    = 24
	dateLayout     = "2006-01-02"
	probeModelNP1  = "Neuropixels 1.0"
	listSeparator  = ", "
	sessionNumbers = 3
)

// alyxLayouts are the timestamp shapes Alyx emits, tried in order.
var alyxLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	dateLayout,
}

// Source bundles the Alyx records of one session.
type Source struct {
	Session              *alyx.Session
	Subject              *alyx.Subject
	Lab                  *alyx.Lab
	Insertions           []alyx.Insertion
	WaterAdministrations []alyx.WaterAdministration
	Weighings            []alyx.Weighing
	// ProbeCollections maps probe labels to the collection holding their
	// spike sorting; used to name the sorter.
	ProbeCollections map[string]string
}

// FromAlyx maps Alyx records onto NWB metadata.
func FromAlyx(src Source) (*Metadata, error) {
	if src.Session == nil || src.Subject == nil {
		return nil, fmt.Errorf("%w: session and subject are required", ErrInvalidMetadata)
	}

	loc := time.UTC

	if src.Lab != nil && src.Lab.Timezone != "" {
		tz, err := time.LoadLocation(src.Lab.Timezone)
		if err == nil {
			loc = tz
		}
	}

	start, err := ParseAlyxTime(src.Session.StartTime, loc)
	if err != nil {
		return nil, fmt.Errorf("session start: %w", err)
	}

	md := &Metadata{
		NWBFile:     nwbFileFrom(src, start),
		SessionData: sessionDataFrom(src.Session),
		Probes:      probesFrom(src.Insertions, src.ProbeCollections),
	}

	md.Subject, err = subjectFrom(src, start, loc)
	if err != nil {
		return nil, err
	}

	return md, nil
}

// SplitList undoes the joining of Alyx lists into single NWB strings.
func SplitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	parts := strings.Split(value, listSeparator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	return parts
}

// SessionID formats `<subject>_<date>_<NNN>`.
func SessionID(subject, date string, number int) string {
	return fmt.Sprintf("%s_%s_%0*d", subject, date, sessionNumbers, number)
}

func nwbFileFrom(src Source, start time.Time) NWBFile {
	s := src.Session

	f := NWBFile{
		SessionDescription:    sessionDescription(s),
		Identifier:            s.ID,
		SessionStartTime:      start,
		Experimenter:          append([]string(nil), s.Users...),
		Lab:                   s.Lab,
		Protocol:              s.TaskProtocol,
		ExperimentDescription: strings.Join(s.Projects, listSeparator),
		SessionID:             SessionID(s.Subject, s.Date(), s.Number),
		Keywords:              keywords(s),
		Notes:                 s.Narrative,
		Surgery:               strings.Join(s.Procedures, listSeparator),
		DataCollection:        dataCollection(s, src.Insertions),
	}

	if src.Lab != nil {
		f.Institution = src.Lab.Institution
	}

	return f
}

func sessionDescription(s *alyx.Session) string {
	switch {
	case s.TaskProtocol != "":
		return "IBL session running task protocol " + s.TaskProtocol
	case s.Narrative != "":
		return s.Narrative
	default:
		return "IBL experimental session"
	}
}

func keywords(s *alyx.Session) []string {
	out := []string{keywordIBL}
	if s.Type != "" {
		out = append(out, s.Type)
	}

	return append(out, s.Projects...)
}

func dataCollection(s *alyx.Session, insertions []alyx.Insertion) string {
	parts := make([]string, 0, 2)
	if s.Location != "" {
		parts = append(parts, "Recorded in "+s.Location)
	}

	if len(insertions) > 0 {
		parts = append(parts, fmt.Sprintf("%d Neuropixels probe(s) acquired with SpikeGLX", len(insertions)))
	}

	return strings.Join(parts, "; ")
}

func sessionDataFrom(s *alyx.Session) SessionData {
	sd := SessionData{
		Location:       s.Location,
		Projects:       append([]string(nil), s.Projects...),
		Type:           s.Type,
		Number:         s.Number,
		EndTime:        s.EndTime,
		ParentSession:  s.ParentSession,
		URL:            s.URL,
		QC:             s.QC,
		ExtendedQC:     compactJSON(s.ExtendedQC),
		JSON:           compactJSON(s.JSON),
		NTrials:        s.NTrials,
		NCorrectTrials: s.NCorrectTrials,
	}

	if len(s.WaterAdminSessionRelated) > 0 {
		raw, err := json.Marshal(s.WaterAdminSessionRelated)
		if err == nil {
			sd.WaterAdminSessionRelated = string(raw)
		}
	}

	return sd
}

func subjectFrom(src Source, start time.Time, loc *time.Location) (Subject, error) {
	a := src.Subject

	sub := Subject{
		SubjectID:            a.Nickname,
		Description:          a.Description,
		Sex:                  NormalizeSex(a.Sex),
		Species:              species,
		Strain:               a.Strain,
		Genotype:             strings.Join(a.Genotype, listSeparator),
		DateOfBirth:          a.BirthDate,
		Nickname:             a.Nickname,
		URL:                  a.URL,
		ResponsibleUser:      a.ResponsibleUser,
		DeathDate:            a.DeathDate,
		Litter:               a.Litter,
		Lab:                  a.Lab,
		Source:               a.Source,
		Line:                 a.Line,
		Projects:             append([]string(nil), a.Projects...),
		Alive:                a.Alive == nil || *a.Alive,
		LastWaterRestriction: a.LastWaterRestriction,
		ExpectedWater:        a.ExpectedWater,
		RemainingWater:       a.RemainingWater,
	}

	if a.BirthDate != "" {
		birth, err := ParseAlyxTime(a.BirthDate, loc)
		if err != nil {
			return Subject{}, fmt.Errorf("subject birth date: %w", err)
		}

		sub.Age = ISODuration(start.Sub(birth))
	}

	weighings := src.Weighings
	if len(weighings) == 0 {
		weighings = a.Weighings
	}

	weighings = sortedWeighings(weighings)
	for _, w := range weighings {
		sub.WeighingDates = append(sub.WeighingDates, w.DateTime)
		sub.Weights = append(sub.Weights, w.Weight)
	}

	if w, ok := closestWeighing(weighings, start, loc); ok {
		sub.Weight = strconv.FormatFloat(w.Weight, 'f', -1, 64) + " g"
	}

	admins := src.WaterAdministrations
	if len(admins) == 0 {
		admins = a.WaterAdministrations
	}

	admins = append([]alyx.WaterAdministration(nil), admins...)
	sort.SliceStable(admins, func(i, j int) bool { return admins[i].DateTime < admins[j].DateTime })

	for _, w := range admins {
		sub.WaterAdminDates = append(sub.WaterAdminDates, w.DateTime)
		sub.WaterAdministered = append(sub.WaterAdministered, w.WaterAdministered)
		sub.WaterTypes = append(sub.WaterTypes, w.WaterType)
	}

	return sub, nil
}

func sortedWeighings(in []alyx.Weighing) []alyx.Weighing {
	out := append([]alyx.Weighing(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DateTime < out[j].DateTime })

	return out
}

// closestWeighing returns the last weighing taken no later than start.
func closestWeighing(sorted []alyx.Weighing, start time.Time, loc *time.Location) (alyx.Weighing, bool) {
	var (
		best  alyx.Weighing
		found bool
	)

	for _, w := range sorted {
		at, err := ParseAlyxTime(w.DateTime, loc)
		if err != nil || at.After(start) {
			continue
		}

		best, found = w, true
	}

	return best, found
}

func probesFrom(insertions []alyx.Insertion, collections map[string]string) []Probe {
	out := make([]Probe, 0, len(insertions))

	for _, ins := range insertions {
		p := Probe{
			Name:        ins.Name,
			InsertionID: ins.ID,
			Model:       ins.Model,
			Serial:      ins.Serial,
			Location:    unknownRegion,
		}

		if p.Model == "" {
			p.Model = probeModelNP1
		}

		p.Description = fmt.Sprintf("%s probe %s (insertion %s)", p.Model, p.Name, ins.ID)

		if extra := insertionExtra(ins.JSON); extra != nil {
			if region, ok := extra["location"].(string); ok && region != "" {
				p.Location = region
			}

			if traj, ok := extra["trajectory"]; ok {
				raw, err := json.Marshal(traj)
				if err == nil {
					p.Trajectory = string(raw)
				}
			}
		}

		if c, ok := collections[ins.Name]; ok {
			p.Sorter = sorterName(c)
		}

		out = append(out, p)
	}

	return sortProbes(out)
}

func sortProbes(probes []Probe) []Probe {
	labels := make([]string, len(probes))
	byName := make(map[string]Probe, len(probes))

	for i, p := range probes {
		labels[i] = p.Name
		byName[p.Name] = p
	}

	alf.SortProbeLabels(labels)

	out := make([]Probe, 0, len(probes))
	for _, label := range labels {
		out = append(out, byName[label])
	}

	return out
}

func sorterName(collection string) string {
	parts := strings.Split(collection, "/")
	last := parts[len(parts)-1]

	if alf.ProbeLabel(last) == last {
		return "ks2"
	}

	return last
}

func insertionExtra(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}

	var out map[string]any

	err := json.Unmarshal(raw, &out)
	if err != nil {
		return nil
	}

	return out
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var out bytes.Buffer

	err := json.Compact(&out, raw)
	if err != nil {
		return string(raw)
	}

	return out.String()
}

// ParseAlyxTime parses an Alyx timestamp. Timestamps without an offset are
// interpreted in loc.
func ParseAlyxTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)

	for _, layout := range alyxLayouts {
		var (
			t   time.Time
			err error
		)

		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, value)
		} else {
			t, err = time.ParseInLocation(layout, value, loc)
		}

		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, value)
}

// ISODuration renders d as an ISO-8601 day duration (P<days>D), the form
// NWB expects for subject age.
func ISODuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	return fmt.Sprintf("P%dD", int(d.Hours())/hoursPerDay)
}

// NormalizeSex maps Alyx sex values onto the NWB vocabulary M, F, U.
func NormalizeSex(sex string) string {
	switch strings.ToUpper(strings.TrimSpace(sex)) {
	case "M", "MALE":
		return "M"
	case "F", "FEMALE":
		return "F"
	default:
		return sexUnknown
	}
}
