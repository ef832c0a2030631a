package alyx

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
)

// Session is an Alyx session record (/sessions/{eid}).
type Session struct {
	ID                       string                `json:"id"`
	URL                      string                `json:"url,omitempty"`
	Subject                  string                `json:"subject"`
	Users                    []string              `json:"users,omitempty"`
	Location                 string                `json:"location,omitempty"`
	Procedures               []string              `json:"procedures,omitempty"`
	Lab                      string                `json:"lab"`
	Projects                 []string              `json:"projects,omitempty"`
	Type                     string                `json:"type,omitempty"`
	TaskProtocol             string                `json:"task_protocol,omitempty"`
	Number                   int                   `json:"number"`
	StartTime                string                `json:"start_time"`
	EndTime                  string                `json:"end_time,omitempty"`
	Narrative                string                `json:"narrative,omitempty"`
	ParentSession            string                `json:"parent_session,omitempty"`
	NTrials                  int                   `json:"n_trials,omitempty"`
	NCorrectTrials           int                   `json:"n_correct_trials,omitempty"`
	QC                       string                `json:"qc,omitempty"`
	ExtendedQC               json.RawMessage       `json:"extended_qc,omitempty"`
	JSON                     json.RawMessage       `json:"json,omitempty"`
	WaterAdminSessionRelated []WaterAdministration `json:"wateradmin_session_related,omitempty"`
	Datasets                 []DatasetRecord       `json:"data_dataset_session_related,omitempty"`
}

// Date returns the YYYY-MM-DD part of the start time.
func (s Session) Date() string {
	date, _, _ := strings.Cut(s.StartTime, "T")

	return date
}

// Subject is an Alyx subject record (/subjects/{nickname}).
type Subject struct {
	ID                   string                `json:"id,omitempty"`
	Nickname             string                `json:"nickname"`
	URL                  string                `json:"url,omitempty"`
	ResponsibleUser      string                `json:"responsible_user,omitempty"`
	BirthDate            string                `json:"birth_date,omitempty"`
	AgeWeeks             int                   `json:"age_weeks,omitempty"`
	DeathDate            string                `json:"death_date,omitempty"`
	Species              string                `json:"species,omitempty"`
	Sex                  string                `json:"sex,omitempty"`
	Litter               string                `json:"litter,omitempty"`
	Strain               string                `json:"strain,omitempty"`
	Source               string                `json:"source,omitempty"`
	Line                 string                `json:"line,omitempty"`
	Projects             []string              `json:"projects,omitempty"`
	Lab                  string                `json:"lab,omitempty"`
	Genotype             []string              `json:"genotype,omitempty"`
	Description          string                `json:"description,omitempty"`
	Alive                *bool                 `json:"alive,omitempty"`
	ReferenceWeight      float64               `json:"reference_weight,omitempty"`
	LastWaterRestriction string                `json:"last_water_restriction,omitempty"`
	ExpectedWater        float64               `json:"expected_water,omitempty"`
	RemainingWater       float64               `json:"remaining_water,omitempty"`
	Weighings            []Weighing            `json:"weighings,omitempty"`
	WaterAdministrations []WaterAdministration `json:"water_administrations,omitempty"`
}

// Lab is an Alyx lab record (/labs/{name}).
type Lab struct {
	Name        string `json:"name"`
	Institution string `json:"institution,omitempty"`
	Address     string `json:"address,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// Insertion is a probe insertion (/insertions?session=eid).
type Insertion struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Model   string          `json:"model,omitempty"`
	Serial  string          `json:"serial,omitempty"`
	Session string          `json:"session,omitempty"`
	JSON    json.RawMessage `json:"json,omitempty"`
}

// Weighing is a subject weighing.
type Weighing struct {
	ID       string  `json:"id,omitempty"`
	Subject  string  `json:"subject,omitempty"`
	DateTime string  `json:"date_time"`
	Weight   float64 `json:"weight"`
	User     string  `json:"user,omitempty"`
}

// WaterAdministration is a water delivery to a subject.
type WaterAdministration struct {
	ID                string  `json:"id,omitempty"`
	Subject           string  `json:"subject,omitempty"`
	DateTime          string  `json:"date_time"`
	WaterAdministered float64 `json:"water_administered"`
	WaterType         string  `json:"water_type,omitempty"`
	User              string  `json:"user,omitempty"`
	Session           string  `json:"session,omitempty"`
	Adlib             bool    `json:"adlib,omitempty"`
}

// FileRecord locates a dataset copy on a data repository.
type FileRecord struct {
	DataRepository string `json:"data_repository,omitempty"`
	RelativePath   string `json:"relative_path,omitempty"`
	DataURL        string `json:"data_url,omitempty"`
	Exists         bool   `json:"exists"`
}

// DatasetRecord is an Alyx dataset (/datasets?session=eid).
type DatasetRecord struct {
	ID          string       `json:"id,omitempty"`
	URL         string       `json:"url,omitempty"`
	Name        string       `json:"name"`
	DatasetType string       `json:"dataset_type,omitempty"`
	Collection  string       `json:"collection,omitempty"`
	Revision    string       `json:"revision,omitempty"`
	Session     string       `json:"session,omitempty"`
	DataFormat  string       `json:"data_format,omitempty"`
	FileSize    int64        `json:"file_size,omitempty"`
	Hash        string       `json:"hash,omitempty"`
	Version     string       `json:"version,omitempty"`
	QC          string       `json:"qc,omitempty"`
	Default     *bool        `json:"default_dataset,omitempty"`
	FileRecords []FileRecord `json:"file_records,omitempty"`
}

// ToALF converts the record into an alf.Dataset. The data URL is the first
// existing file record with one.
func (d DatasetRecord) ToALF() (alf.Dataset, error) {
	name, err := alf.Parse(d.Name)
	if err != nil {
		return alf.Dataset{}, fmt.Errorf("dataset %s: %w", d.ID, err)
	}

	out := alf.Dataset{
		ID:         d.ID,
		Collection: strings.Trim(d.Collection, "/"),
		Revision:   d.Revision,
		Name:       name,
		Size:       d.FileSize,
		Hash:       d.Hash,
		QC:         d.QC,
	}

	for _, fr := range d.FileRecords {
		if fr.Exists && fr.DataURL != "" {
			out.URL = fr.DataURL

			break
		}
	}

	return out, nil
}

// ToALFDatasets converts records, skipping non-default revisions and names
// that are not ALF. The skipped names are returned for logging.
func ToALFDatasets(records []DatasetRecord) (datasets []alf.Dataset, skipped []string) {
	for _, rec := range records {
		if rec.Default != nil && !*rec.Default {
			continue
		}

		ds, err := rec.ToALF()
		if err != nil {
			skipped = append(skipped, path.Join(rec.Collection, rec.Name))

			continue
		}

		datasets = append(datasets, ds)
	}

	return datasets, skipped
}

// SessionQuery filters /sessions.
type SessionQuery struct {
	Subject      string
	Lab          string
	Project      string
	TaskProtocol string
	DateRange    [2]string
	DatasetTypes []string
	Limit        int
}

// DatasetRegistration is the body of a dataset POST.
type DatasetRegistration struct {
	Name        string `json:"name"`
	DatasetType string `json:"dataset_type,omitempty"`
	Collection  string `json:"collection,omitempty"`
	Session     string `json:"session"`
	DataFormat  string `json:"data_format,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	Hash        string `json:"hash,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
}

type page[T any] struct {
	Count   int    `json:"count"`
	Next    string `json:"next"`
	Results []T    `json:"results"`
}

type tokenResponse struct {
	Token string `json:"token"`
}
