package convert

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Sumatoshi-tech/iblnwb/pkg/metadata"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
)

// BuildFile creates the NWB tree holding the header, subject and session
// metadata. Data interfaces fill in the rest.
func BuildFile(md *metadata.Metadata, now time.Time) (*nwb.File, error) {
	h := md.NWBFile

	f := nwb.NewFile(nwb.FileInfo{
		Identifier:            h.Identifier,
		SessionDescription:    h.SessionDescription,
		SessionStartTime:      h.SessionStartTime,
		SessionID:             h.SessionID,
		Experimenter:          h.Experimenter,
		Institution:           h.Institution,
		Lab:                   h.Lab,
		Protocol:              h.Protocol,
		ExperimentDescription: h.ExperimentDescription,
		Keywords:              h.Keywords,
		Notes:                 h.Notes,
		Surgery:               h.Surgery,
		DataCollection:        h.DataCollection,
		Created:               now,
	})

	subject, err := subjectGroup(md)
	if err != nil {
		return nil, err
	}

	f.SetSubject(subject)

	sd := md.SessionData

	lab, err := nwb.LabMetaData(iblSessionDataGroup, iblSessionDataType, iblNamespace, map[string]any{
		"location":                   sd.Location,
		"projects":                   sd.Projects,
		"type":                       sd.Type,
		"number":                     int64(sd.Number),
		"end_time":                   sd.EndTime,
		"parent_session":             sd.ParentSession,
		"url":                        sd.URL,
		"qc":                         sd.QC,
		"extended_qc":                sd.ExtendedQC,
		"json":                       sd.JSON,
		"n_trials":                   int64(sd.NTrials),
		"n_correct_trials":           int64(sd.NCorrectTrials),
		"wateradmin_session_related": sd.WaterAdminSessionRelated,
	})
	if err != nil {
		return nil, err
	}

	f.AddLabMetaData(lab)

	return f, nil
}

func subjectGroup(md *metadata.Metadata) (*nwb.Group, error) {
	s := md.Subject

	info := nwb.SubjectInfo{
		SubjectID:     s.SubjectID,
		Description:   s.Description,
		Sex:           s.Sex,
		Species:       s.Species,
		Strain:        s.Strain,
		Genotype:      s.Genotype,
		Age:           s.Age,
		Weight:        s.Weight,
		NeurodataType: iblSubjectType,
		Namespace:     iblNamespace,
		Extra: map[string]any{
			"nickname":               s.Nickname,
			"url":                    s.URL,
			"responsible_user":       s.ResponsibleUser,
			"death_date":             s.DeathDate,
			"litter":                 s.Litter,
			"lab":                    s.Lab,
			"source":                 s.Source,
			"line":                   s.Line,
			"projects":               s.Projects,
			"alive":                  s.Alive,
			"last_water_restriction": s.LastWaterRestriction,
			"expected_water":         s.ExpectedWater,
			"remaining_water":        s.RemainingWater,
		},
	}

	if s.DateOfBirth != "" {
		birth, err := metadata.ParseAlyxTime(s.DateOfBirth, md.NWBFile.SessionStartTime.Location())
		if err != nil {
			return nil, fmt.Errorf("subject date of birth: %w", err)
		}

		info.DateOfBirth = birth
	}

	g, err := nwb.Subject(info)
	if err != nil {
		return nil, err
	}

	err = addSubjectHistory(g, s)
	if err != nil {
		return nil, err
	}

	return g, nil
}

// Subject history tables. The histories live in child tables so the
// subject group keeps few member names.
const (
	SubjectWeighings = "weighings"
	SubjectWater     = "water"
)

// addSubjectHistory adds the weighing and water administration tables of
// the subject. Empty histories add nothing.
func addSubjectHistory(g *nwb.Group, s metadata.Subject) error {
	if n := min(len(s.WeighingDates), len(s.Weights)); n > 0 {
		t := nwb.DynamicTable(SubjectWeighings, "", "Alyx weighings of the subject.")

		err := errors.Join(
			t.Column("date", "Weighing time.", slices.Clone(s.WeighingDates[:n])),
			t.Column("weight", "Weight, in grams.", slices.Clone(s.Weights[:n])),
		)
		if err != nil {
			return fmt.Errorf("subject weighings: %w", err)
		}

		g.AddGroup(t.Group())
	}

	n := min(len(s.WaterAdminDates), len(s.WaterAdministered))
	if n == 0 {
		return nil
	}

	types := make([]string, n)
	copy(types, s.WaterTypes)

	t := nwb.DynamicTable(SubjectWater, "", "Alyx water administrations of the subject.")

	err := errors.Join(
		t.Column("date", "Administration time.", slices.Clone(s.WaterAdminDates[:n])),
		t.Column("volume", "Water administered, in millilitres.", slices.Clone(s.WaterAdministered[:n])),
		t.Column("water_type", "Water type.", types),
	)
	if err != nil {
		return fmt.Errorf("subject water administrations: %w", err)
	}

	g.AddGroup(t.Group())

	return nil
}
