// Package metadata reshapes Alyx records into NWB file metadata and holds
// the declarative table that maps ALF dataset keys to NWB table columns.
package metadata

import (
	"time"
)

// Metadata is everything written to the NWB file header, subject and lab
// metadata groups. The YAML form is what users edit before conversion.
type Metadata struct {
	NWBFile     NWBFile     `json:"NWBFile"        yaml:"NWBFile"`
	Subject     Subject     `json:"Subject"        yaml:"Subject"`
	SessionData SessionData `json:"IblSessionData" yaml:"IblSessionData"`
	Probes      []Probe     `json:"Probes"         yaml:"Probes"`
}

// NWBFile holds the root attributes and general/ datasets.
type NWBFile struct {
	SessionDescription    string    `json:"session_description"              yaml:"session_description"`
	Identifier            string    `json:"identifier"                       yaml:"identifier"`
	SessionStartTime      time.Time `json:"session_start_time"               yaml:"session_start_time"`
	Experimenter          []string  `json:"experimenter,omitempty"           yaml:"experimenter,omitempty"`
	Institution           string    `json:"institution,omitempty"            yaml:"institution,omitempty"`
	Lab                   string    `json:"lab,omitempty"                    yaml:"lab,omitempty"`
	Protocol              string    `json:"protocol,omitempty"               yaml:"protocol,omitempty"`
	ExperimentDescription string    `json:"experiment_description,omitempty" yaml:"experiment_description,omitempty"`
	SessionID             string    `json:"session_id"                       yaml:"session_id"`
	Keywords              []string  `json:"keywords,omitempty"               yaml:"keywords,omitempty"`
	Notes                 string    `json:"notes,omitempty"                  yaml:"notes,omitempty"`
	Surgery               string    `json:"surgery,omitempty"                yaml:"surgery,omitempty"`
	DataCollection        string    `json:"data_collection,omitempty"        yaml:"data_collection,omitempty"`
}

// Subject is the NWB Subject extended with the IBL subject fields.
type Subject struct {
	SubjectID   string `json:"subject_id"              yaml:"subject_id"`
	Description string `json:"description,omitempty"   yaml:"description,omitempty"`
	Sex         string `json:"sex"                     yaml:"sex"`
	Species     string `json:"species"                 yaml:"species"`
	Strain      string `json:"strain,omitempty"        yaml:"strain,omitempty"`
	Genotype    string `json:"genotype,omitempty"      yaml:"genotype,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty" yaml:"date_of_birth,omitempty"`
	Age         string `json:"age,omitempty"           yaml:"age,omitempty"`
	Weight      string `json:"weight,omitempty"        yaml:"weight,omitempty"`

	Nickname             string    `json:"nickname"                         yaml:"nickname"`
	URL                  string    `json:"url,omitempty"                    yaml:"url,omitempty"`
	ResponsibleUser      string    `json:"responsible_user,omitempty"       yaml:"responsible_user,omitempty"`
	DeathDate            string    `json:"death_date,omitempty"             yaml:"death_date,omitempty"`
	Litter               string    `json:"litter,omitempty"                 yaml:"litter,omitempty"`
	Lab                  string    `json:"lab,omitempty"                    yaml:"lab,omitempty"`
	Source               string    `json:"source,omitempty"                 yaml:"source,omitempty"`
	Line                 string    `json:"line,omitempty"                   yaml:"line,omitempty"`
	Projects             []string  `json:"projects,omitempty"               yaml:"projects,omitempty"`
	Alive                bool      `json:"alive"                            yaml:"alive"`
	LastWaterRestriction string    `json:"last_water_restriction,omitempty" yaml:"last_water_restriction,omitempty"`
	ExpectedWater        float64   `json:"expected_water,omitempty"         yaml:"expected_water,omitempty"`
	RemainingWater       float64   `json:"remaining_water,omitempty"        yaml:"remaining_water,omitempty"`
	WeighingDates        []string  `json:"weighing_dates,omitempty"         yaml:"weighing_dates,omitempty"`
	Weights              []float64 `json:"weights,omitempty"                yaml:"weights,omitempty"`
	WaterAdminDates      []string  `json:"water_admin_dates,omitempty"      yaml:"water_admin_dates,omitempty"`
	WaterAdministered    []float64 `json:"water_administered,omitempty"     yaml:"water_administered,omitempty"`
	WaterTypes           []string  `json:"water_types,omitempty"            yaml:"water_types,omitempty"`
}

// SessionData is the IBL lab metadata group of a session.
type SessionData struct {
	Location                 string   `json:"location,omitempty"                   yaml:"location,omitempty"`
	Projects                 []string `json:"projects,omitempty"                   yaml:"projects,omitempty"`
	Type                     string   `json:"type,omitempty"                       yaml:"type,omitempty"`
	Number                   int      `json:"number"                               yaml:"number"`
	EndTime                  string   `json:"end_time,omitempty"                   yaml:"end_time,omitempty"`
	ParentSession            string   `json:"parent_session,omitempty"             yaml:"parent_session,omitempty"`
	URL                      string   `json:"url,omitempty"                        yaml:"url,omitempty"`
	QC                       string   `json:"qc,omitempty"                         yaml:"qc,omitempty"`
	ExtendedQC               string   `json:"extended_qc,omitempty"                yaml:"extended_qc,omitempty"`
	JSON                     string   `json:"json,omitempty"                       yaml:"json,omitempty"`
	NTrials                  int      `json:"n_trials,omitempty"                   yaml:"n_trials,omitempty"`
	NCorrectTrials           int      `json:"n_correct_trials,omitempty"           yaml:"n_correct_trials,omitempty"`
	WaterAdminSessionRelated string   `json:"wateradmin_session_related,omitempty" yaml:"wateradmin_session_related,omitempty"`
}

// Probe describes one Neuropixels insertion: the device and its electrode group.
type Probe struct {
	Name        string `json:"name"                 yaml:"name"`
	InsertionID string `json:"insertion_id"         yaml:"insertion_id"`
	Model       string `json:"model,omitempty"      yaml:"model,omitempty"`
	Serial      string `json:"serial,omitempty"     yaml:"serial,omitempty"`
	Description string `json:"description"          yaml:"description"`
	Location    string `json:"location"             yaml:"location"`
	Trajectory  string `json:"trajectory,omitempty" yaml:"trajectory,omitempty"`
	Sorter      string `json:"sorter,omitempty"     yaml:"sorter,omitempty"`
}

// ProbeByName returns the probe with the given label.
func (m *Metadata) ProbeByName(name string) (Probe, bool) {
	for _, p := range m.Probes {
		if p.Name == name {
			return p, true
		}
	}

	return Probe{}, false
}
