// Package nwb2alyx reads IBL NWB files back into Alyx records so that a
// converted session can be registered on another Alyx instance or checked
// against the database it came from.
package nwb2alyx

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/metadata"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
)

const (
	// alyxTimeLayout is the naive local time Alyx stores.
	alyxTimeLayout = "2006-01-02T15:04:05.999999"
	alyxDateLayout = "2006-01-02"

	sessionDataGroup = "ibl_session"
	sessionDataType  = "IblSessionData"

	alfCollection      = "alf"
	videoCollection    = "raw_video_data"
	rawEphysCollection = "raw_ephys_data"
)

// Dataset is an ALF dataset type an NWB object was built from.
type Dataset struct {
	DatasetType string `json:"dataset_type"`
	Collection  string `json:"collection,omitempty"`
	// Source is the NWB path of the object holding the data.
	Source string `json:"source,omitempty"`
}

// Records are the Alyx records of one session.
type Records struct {
	Subject              alyx.Subject               `json:"subject"`
	Session              alyx.Session               `json:"session"`
	Weighings            []alyx.Weighing            `json:"weighings,omitempty"`
	WaterAdministrations []alyx.WaterAdministration `json:"water_administrations,omitempty"`
	Insertions           []alyx.Insertion           `json:"insertions,omitempty"`
	Datasets             []Dataset                  `json:"datasets,omitempty"`
}

// Extract reads the NWB file at path.
func Extract(filePath string, opts ...nwb.ReadOption) (*Records, error) {
	f, err := nwb.Read(filePath, opts...)
	if err != nil {
		return nil, err
	}

	return ExtractFile(f)
}

// ExtractFile maps an NWB tree to Alyx records.
func ExtractFile(f *nwb.File) (*Records, error) {
	root := f.Root

	identifier := text(root, "identifier")
	if identifier == "" {
		return nil, fmt.Errorf("%w: missing identifier", nwb.ErrNotNWB)
	}

	subjectGroup, ok := root.Find(nwb.PathSubject)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", nwb.ErrNotFound, nwb.PathSubject)
	}

	rec := &Records{Subject: subjectFrom(subjectGroup)}
	nickname := rec.Subject.Nickname

	session, err := sessionFrom(root, identifier, nickname)
	if err != nil {
		return nil, err
	}

	rec.Session = session
	rec.Weighings = weighingsFrom(subjectGroup, nickname)
	rec.WaterAdministrations = waterFrom(subjectGroup, nickname)
	rec.Insertions = insertionsFrom(root, identifier)
	rec.Datasets = datasetsFrom(root)

	return rec, nil
}

func subjectFrom(g *nwb.Group) alyx.Subject {
	s := alyx.Subject{
		Nickname:             text(g, "nickname"),
		Sex:                  text(g, "sex"),
		Species:              text(g, "species"),
		Strain:               text(g, "strain"),
		Genotype:             metadata.SplitList(text(g, "genotype")),
		Description:          text(g, "description"),
		URL:                  text(g, "url"),
		ResponsibleUser:      text(g, "responsible_user"),
		DeathDate:            text(g, "death_date"),
		Litter:               text(g, "litter"),
		Lab:                  text(g, "lab"),
		Source:               text(g, "source"),
		Line:                 text(g, "line"),
		Projects:             texts(g, "projects"),
		LastWaterRestriction: text(g, "last_water_restriction"),
		ExpectedWater:        scalar(g, "expected_water"),
		RemainingWater:       scalar(g, "remaining_water"),
	}

	if s.Nickname == "" {
		s.Nickname = text(g, "subject_id")
	}

	if birth, err := time.Parse(nwb.TimeLayout, text(g, "date_of_birth")); err == nil {
		s.BirthDate = birth.Format(alyxDateLayout)
	}

	switch text(g, "alive") {
	case "true":
		alive := true
		s.Alive = &alive
	case "false":
		alive := false
		s.Alive = &alive
	}

	return s
}

func sessionFrom(root *nwb.Group, identifier, nickname string) (alyx.Session, error) {
	s := alyx.Session{
		ID:           identifier,
		Subject:      nickname,
		Users:        texts(root, "general/experimenter"),
		Lab:          text(root, "general/lab"),
		TaskProtocol: text(root, "general/protocol"),
		Narrative:    text(root, "general/notes"),
		Procedures:   metadata.SplitList(text(root, "general/surgery")),
		Projects:     metadata.SplitList(text(root, "general/experiment_description")),
	}

	start, err := time.Parse(nwb.TimeLayout, text(root, "session_start_time"))
	if err != nil {
		return s, fmt.Errorf("%w: session_start_time: %w", nwb.ErrNotNWB, err)
	}

	s.StartTime = start.Format(alyxTimeLayout)
	s.Number = numberFromSessionID(text(root, "general/session_id"))

	sd := sessionData(root)
	if sd == nil {
		return s, nil
	}

	s.Location = text(sd, "location")
	s.Type = text(sd, "type")
	s.EndTime = text(sd, "end_time")
	s.ParentSession = text(sd, "parent_session")
	s.URL = text(sd, "url")
	s.QC = text(sd, "qc")
	s.ExtendedQC = rawJSON(text(sd, "extended_qc"))
	s.JSON = rawJSON(text(sd, "json"))
	s.NTrials = int(scalar(sd, "n_trials"))
	s.NCorrectTrials = int(scalar(sd, "n_correct_trials"))

	if projects := texts(sd, "projects"); len(projects) > 0 {
		s.Projects = projects
	}

	if _, ok := sd.DatasetAt("number"); ok {
		s.Number = int(scalar(sd, "number"))
	}

	if raw := text(sd, "wateradmin_session_related"); raw != "" {
		var admins []alyx.WaterAdministration
		if json.Unmarshal([]byte(raw), &admins) == nil {
			s.WaterAdminSessionRelated = admins
		}
	}

	return s, nil
}

// sessionData finds the IBL session lab metadata group.
func sessionData(root *nwb.Group) *nwb.Group {
	if g, ok := root.Find(path.Join(nwb.PathGeneral, sessionDataGroup)); ok {
		return g
	}

	for _, g := range root.ByType(sessionDataType) {
		return g
	}

	return nil
}

func numberFromSessionID(id string) int {
	i := strings.LastIndexByte(id, '_')
	if i < 0 {
		return 0
	}

	var n int

	_, err := fmt.Sscanf(id[i+1:], "%d", &n)
	if err != nil {
		return 0
	}

	return n
}

func weighingsFrom(g *nwb.Group, nickname string) []alyx.Weighing {
	dates := texts(g, "weighings/date")
	weights, _ := g.Floats("weighings/weight")

	out := make([]alyx.Weighing, 0, len(dates))
	for i := range min(len(dates), len(weights)) {
		out = append(out, alyx.Weighing{Subject: nickname, DateTime: dates[i], Weight: weights[i]})
	}

	return out
}

func waterFrom(g *nwb.Group, nickname string) []alyx.WaterAdministration {
	dates := texts(g, "water/date")
	volumes, _ := g.Floats("water/volume")
	types := texts(g, "water/water_type")

	out := make([]alyx.WaterAdministration, 0, len(dates))
	for i := range min(len(dates), len(volumes)) {
		w := alyx.WaterAdministration{Subject: nickname, DateTime: dates[i], WaterAdministered: volumes[i]}
		if i < len(types) {
			w.WaterType = types[i]
		}

		out = append(out, w)
	}

	return out
}

func insertionsFrom(root *nwb.Group, identifier string) []alyx.Insertion {
	ephys, ok := root.Find(nwb.PathExtracellular)
	if !ok {
		return nil
	}

	var out []alyx.Insertion

	for _, g := range ephys.Groups {
		if g.NeurodataType != "ElectrodeGroup" {
			continue
		}

		ins := alyx.Insertion{Name: g.Name, Session: identifier}

		if loc, ok := g.Attrs["location"].(string); ok && loc != "" {
			raw, err := json.Marshal(map[string]string{"location": loc})
			if err == nil {
				ins.JSON = raw
			}
		}

		out = append(out, ins)
	}

	slices.SortFunc(out, func(a, b alyx.Insertion) int { return strings.Compare(a.Name, b.Name) })

	return out
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
	if err != nil || len(v) == 0 {
		return nil
	}

	return v
}

func scalar(g *nwb.Group, p string) float64 {
	v, err := g.Floats(p)
	if err != nil || len(v) == 0 {
		return 0
	}

	return v[0]
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}

	return json.RawMessage(s)
}

// probeLabel turns the Probe00 suffix of an object name into probe00.
func probeLabel(suffix string) string {
	label := strings.ToLower(suffix[:min(1, len(suffix))]) + suffix[min(1, len(suffix)):]
	if alf.ProbeLabel(label) == "" {
		return ""
	}

	return label
}
