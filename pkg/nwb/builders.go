package nwb

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format constants.
const (
	Version       = "2.8.0"
	CoreNamespace = "core"
	// HDMFNamespace holds the table types (DynamicTable, VectorData, ...).
	HDMFNamespace = "hdmf-common"
	// TimeLayout is the ISO-8601 layout of NWB datetimes.
	TimeLayout = "2006-01-02T15:04:05.000000-07:00"
)

// Well known paths of an NWB file.
const (
	PathAcquisition      = "/acquisition"
	PathProcessing       = "/processing"
	PathIntervals        = "/intervals"
	PathUnits            = "/units"
	PathGeneral          = "/general"
	PathDevices          = "/general/devices"
	PathExtracellular    = "/general/extracellular_ephys"
	PathElectrodes       = "/general/extracellular_ephys/electrodes"
	PathSubject          = "/general/subject"
	PathStimulus         = "/stimulus/presentation"
	noUnitResolution     = -1.0
	defaultConversion    = 1.0
	electrodesRegionName = "electrodes"
)

// Float returns a one-dimensional float dataset.
func Float(name string, v []float64) *Dataset {
	return &Dataset{Name: name, Data: v, Attrs: Attrs{}}
}

// Matrix returns a two-dimensional float dataset of cols columns.
func Matrix(name string, v []float64, cols int) (*Dataset, error) {
	if cols <= 0 || len(v)%cols != 0 {
		return nil, fmt.Errorf("%w: %d values in %d columns", ErrShapeMismatch, len(v), cols)
	}

	return &Dataset{
		Name:  name,
		Data:  v,
		Shape: []uint64{uint64(len(v) / cols), uint64(cols)},
		Attrs: Attrs{},
	}, nil
}

// Int returns a one-dimensional integer dataset.
func Int(name string, v []int64) *Dataset {
	return &Dataset{Name: name, Data: v, Attrs: Attrs{}}
}

// Text returns a string dataset.
func Text(name string, v ...string) *Dataset {
	return &Dataset{Name: name, Data: v, Attrs: Attrs{}}
}

// neurodata returns a typed group with a fresh object id.
func neurodata(name, neurodataType, namespace string) *Group {
	g := NewGroup(name)
	g.NeurodataType = neurodataType
	g.Namespace = namespace
	g.Attrs["object_id"] = uuid.NewString()

	return g
}

// typed tags a dataset with a neurodata type.
func typed(ds *Dataset, neurodataType, namespace string) *Dataset {
	ds.Attrs["neurodata_type"] = neurodataType
	ds.Attrs["namespace"] = namespace
	ds.Attrs["object_id"] = uuid.NewString()

	return ds
}

// setText adds a string dataset unless value is empty.
func setText(g *Group, name, value string) {
	if value != "" {
		g.AddDataset(Text(name, value))
	}
}

// FileInfo is the header of an NWB file.
type FileInfo struct {
	Identifier            string
	SessionDescription    string
	SessionStartTime      time.Time
	SessionID             string
	Experimenter          []string
	Institution           string
	Lab                   string
	Protocol              string
	ExperimentDescription string
	Keywords              []string
	Notes                 string
	Surgery               string
	DataCollection        string
	// Created defaults to the current time.
	Created time.Time
}

// File is an NWB file under construction or read back from disk.
type File struct {
	Root *Group
	// Unread lists the datasets and attributes (path@name) Read could not
	// decode.
	Unread []string
}

// NewFile returns a file with the mandatory NWB layout.
func NewFile(info FileInfo) *File {
	root := neurodata("/", "NWBFile", CoreNamespace)
	root.Attrs["nwb_version"] = Version

	created := info.Created
	if created.IsZero() {
		created = time.Now()
	}

	start := info.SessionStartTime.Format(TimeLayout)

	root.AddDataset(Text("file_create_date", created.Format(TimeLayout)))
	root.AddDataset(Text("identifier", info.Identifier))
	root.AddDataset(Text("session_description", info.SessionDescription))
	root.AddDataset(Text("session_start_time", start))
	root.AddDataset(Text("timestamps_reference_time", start))

	for _, name := range []string{"acquisition", "analysis", "processing", "intervals"} {
		root.AddGroup(NewGroup(name))
	}

	stimulus := root.AddGroup(NewGroup("stimulus"))
	stimulus.AddGroup(NewGroup("presentation"))
	stimulus.AddGroup(NewGroup("templates"))

	general := root.AddGroup(NewGroup("general"))
	general.AddGroup(NewGroup("devices"))
	general.AddGroup(NewGroup("extracellular_ephys"))

	setText(general, "session_id", info.SessionID)
	setText(general, "institution", info.Institution)
	setText(general, "lab", info.Lab)
	setText(general, "protocol", info.Protocol)
	setText(general, "experiment_description", info.ExperimentDescription)
	setText(general, "notes", info.Notes)
	setText(general, "surgery", info.Surgery)
	setText(general, "data_collection", info.DataCollection)

	if len(info.Experimenter) > 0 {
		general.AddDataset(Text("experimenter", info.Experimenter...))
	}

	if len(info.Keywords) > 0 {
		general.AddDataset(Text("keywords", info.Keywords...))
	}

	return &File{Root: root}
}

// Group returns the group at an absolute path, creating missing parents.
func (f *File) Group(path string) *Group {
	cur := f.Root
	for _, part := range splitPath(path) {
		cur = cur.EnsureChild(part)
	}

	return cur
}

// AddAcquisition stores a raw data object under /acquisition.
func (f *File) AddAcquisition(obj *Group) {
	f.Group(PathAcquisition).AddGroup(obj)
}

// AddStimulus stores a stimulus object under /stimulus/presentation.
func (f *File) AddStimulus(obj *Group) {
	f.Group(PathStimulus).AddGroup(obj)
}

// Processing returns the processing module called name, creating it.
func (f *File) Processing(name, description string) *Group {
	parent := f.Group(PathProcessing)
	if mod := parent.Child(name); mod != nil {
		return mod
	}

	return parent.AddGroup(ProcessingModule(name, description))
}

// AddIntervals stores a TimeIntervals table under /intervals.
func (f *File) AddIntervals(table *Table) {
	f.Group(PathIntervals).AddGroup(table.Group())
}

// SetUnits stores the units table at /units.
func (f *File) SetUnits(table *Table) {
	f.Root.AddGroup(table.Group())
}

// SetElectrodes stores the electrodes table.
func (f *File) SetElectrodes(table *Table) {
	f.Group(PathExtracellular).AddGroup(table.Group())
}

// AddDevice stores a device and returns its path.
func (f *File) AddDevice(device *Group) string {
	f.Group(PathDevices).AddGroup(device)

	return joinPath(PathDevices, device.Name)
}

// AddElectrodeGroup stores an electrode group and returns its path.
func (f *File) AddElectrodeGroup(group *Group) string {
	f.Group(PathExtracellular).AddGroup(group)

	return joinPath(PathExtracellular, group.Name)
}

// SetSubject stores the subject at /general/subject.
func (f *File) SetSubject(subject *Group) {
	subject.Name = "subject"
	f.Group(PathGeneral).AddGroup(subject)
}

// AddLabMetaData stores a lab specific metadata group under /general.
func (f *File) AddLabMetaData(md *Group) {
	f.Group(PathGeneral).AddGroup(md)
}

// Modalities lists the DANDI modality labels of the content of f.
func (f *File) Modalities() []string {
	var mods []string

	if f.Root.Child("units") != nil || len(f.Root.ByType("ElectricalSeries")) > 0 {
		mods = append(mods, "ecephys")
	}

	if len(f.Root.ByType("ImageSeries")) > 0 {
		mods = append(mods, "image")
	}

	intervals, _ := f.Root.Find(PathIntervals)
	if (intervals != nil && len(intervals.Groups) > 0) || len(f.Root.ByType("SpatialSeries")) > 0 {
		mods = append(mods, "behavior")
	}

	return mods
}

// Series describes the data and timing of a TimeSeries.
type Series struct {
	Name        string
	Description string
	Comments    string
	Unit        string
	Data        []float64
	// Counts replaces Data with integer samples stored as int16; Conversion
	// scales them to Unit.
	Counts []int16
	// Cols is the number of columns of Data; zero means one-dimensional.
	Cols       int
	Timestamps []float64
	// Rate and StartingTime replace Timestamps for regularly sampled data.
	Rate         float64
	StartingTime float64
	Conversion   float64
}

// TimeSeries builds a TimeSeries group.
func TimeSeries(s Series) (*Group, error) {
	return series(s, "TimeSeries")
}

func series(s Series, neurodataType string) (*Group, error) {
	g := neurodata(s.Name, neurodataType, CoreNamespace)
	g.Attrs["description"] = orDefault(s.Description, "no description")
	g.Attrs["comments"] = orDefault(s.Comments, "no comments")

	data, err := seriesData(s)
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", s.Name, err)
	}

	conversion := s.Conversion
	if conversion == 0 {
		conversion = defaultConversion
	}

	data.Attrs["unit"] = orDefault(s.Unit, "n.a.")
	data.Attrs["conversion"] = conversion
	data.Attrs["offset"] = 0.0
	data.Attrs["resolution"] = noUnitResolution
	g.AddDataset(data)

	err = addTiming(g, s, data.Dims()[0])
	if err != nil {
		return nil, err
	}

	return g, nil
}

func seriesData(s Series) (*Dataset, error) {
	if s.Counts == nil {
		if s.Cols > 1 {
			return Matrix("data", s.Data, s.Cols)
		}

		return Float("data", s.Data), nil
	}

	if s.Cols <= 1 {
		return &Dataset{Name: "data", Data: s.Counts, Attrs: Attrs{}}, nil
	}

	if len(s.Counts)%s.Cols != 0 {
		return nil, fmt.Errorf("%w: %d counts do not fill %d columns", ErrShapeMismatch, len(s.Counts), s.Cols)
	}

	rows := len(s.Counts) / s.Cols

	return &Dataset{
		Name:  "data",
		Data:  s.Counts,
		Shape: []uint64{uint64(rows), uint64(s.Cols)},
		Attrs: Attrs{},
	}, nil
}

func addTiming(g *Group, s Series, rows uint64) error {
	if s.Timestamps != nil {
		if rows > 0 && uint64(len(s.Timestamps)) != rows {
			return fmt.Errorf("%w: series %s has %d rows and %d timestamps",
				ErrShapeMismatch, s.Name, rows, len(s.Timestamps))
		}

		ts := Float("timestamps", s.Timestamps)
		ts.Attrs["interval"] = int64(1)
		ts.Attrs["unit"] = "seconds"
		g.AddDataset(ts)

		return nil
	}

	start := Float("starting_time", []float64{s.StartingTime})
	start.Attrs["rate"] = s.Rate
	start.Attrs["unit"] = "seconds"
	g.AddDataset(start)

	return nil
}

// SpatialSeries builds a SpatialSeries group.
func SpatialSeries(s Series, referenceFrame string) (*Group, error) {
	g, err := series(s, "SpatialSeries")
	if err != nil {
		return nil, err
	}

	setText(g, "reference_frame", referenceFrame)

	return g, nil
}

// ElectricalSeries builds an ElectricalSeries whose channels are rows of
// the electrodes table.
func ElectricalSeries(s Series, electrodes []int64) (*Group, error) {
	if s.Cols > 0 && len(electrodes) != s.Cols {
		return nil, fmt.Errorf("%w: %d electrodes for %d channels", ErrShapeMismatch, len(electrodes), s.Cols)
	}

	if s.Unit == "" {
		s.Unit = "volts"
	}

	g, err := series(s, "ElectricalSeries")
	if err != nil {
		return nil, err
	}

	region := typed(Int(electrodesRegionName, electrodes), "DynamicTableRegion", HDMFNamespace)
	region.Attrs["table"] = PathElectrodes
	region.Attrs["description"] = "electrodes of this series"
	g.AddDataset(region)

	return g, nil
}

// ImageSeries builds an ImageSeries referencing external video files.
func ImageSeries(name, description string, files []string, timestamps []float64) *Group {
	g := neurodata(name, "ImageSeries", CoreNamespace)
	g.Attrs["description"] = orDefault(description, "no description")
	g.Attrs["comments"] = "no comments"

	ext := Text("external_file", files...)
	frames := make([]int64, len(files))
	ext.Attrs["starting_frame"] = frames
	g.AddDataset(ext)
	g.AddDataset(Text("format", "external"))

	ts := Float("timestamps", timestamps)
	ts.Attrs["interval"] = int64(1)
	ts.Attrs["unit"] = "seconds"
	g.AddDataset(ts)

	return g
}

// ProcessingModule builds an empty processing module.
func ProcessingModule(name, description string) *Group {
	g := neurodata(name, "ProcessingModule", CoreNamespace)
	g.Attrs["description"] = orDefault(description, "no description")

	return g
}

// Container builds a typed group that holds other objects, such as
// Position, PupilTracking or BehavioralEvents.
func Container(name, neurodataType string, members ...*Group) *Group {
	g := neurodata(name, neurodataType, CoreNamespace)
	for _, m := range members {
		g.AddGroup(m)
	}

	return g
}

// Device builds a Device group.
func Device(name, description, manufacturer string) *Group {
	g := neurodata(name, "Device", CoreNamespace)
	g.Attrs["description"] = orDefault(description, "no description")

	if manufacturer != "" {
		g.Attrs["manufacturer"] = manufacturer
	}

	return g
}

// ElectrodeGroup builds an ElectrodeGroup linked to the device at devicePath.
func ElectrodeGroup(name, description, location, devicePath string) *Group {
	g := neurodata(name, "ElectrodeGroup", CoreNamespace)
	g.Attrs["description"] = orDefault(description, "no description")
	g.Attrs["location"] = orDefault(location, "unknown")
	g.AddLink("device", devicePath)

	return g
}

// SubjectInfo holds the NWB Subject fields. Extra carries extension fields
// (string, float64, int64 or their slices) written as datasets.
type SubjectInfo struct {
	SubjectID     string
	Description   string
	Sex           string
	Species       string
	Strain        string
	Genotype      string
	DateOfBirth   time.Time
	Age           string
	Weight        string
	NeurodataType string
	Namespace     string
	Extra         map[string]any
}

// Subject builds a Subject group, or an extension type when NeurodataType is set.
func Subject(info SubjectInfo) (*Group, error) {
	g := neurodata("subject", orDefault(info.NeurodataType, "Subject"), orDefault(info.Namespace, CoreNamespace))

	setText(g, "subject_id", info.SubjectID)
	setText(g, "description", info.Description)
	setText(g, "sex", info.Sex)
	setText(g, "species", info.Species)
	setText(g, "strain", info.Strain)
	setText(g, "genotype", info.Genotype)
	setText(g, "age", info.Age)
	setText(g, "weight", info.Weight)

	if !info.DateOfBirth.IsZero() {
		g.AddDataset(Text("date_of_birth", info.DateOfBirth.Format(TimeLayout)))
	}

	err := addFields(g, info.Extra)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}

	return g, nil
}

// LabMetaData builds an extension group whose fields become datasets.
func LabMetaData(name, neurodataType, namespace string, fields map[string]any) (*Group, error) {
	g := neurodata(name, neurodataType, namespace)

	err := addFields(g, fields)
	if err != nil {
		return nil, fmt.Errorf("lab metadata %s: %w", name, err)
	}

	return g, nil
}

func addFields(g *Group, fields map[string]any) error {
	for name, value := range fields {
		ds, err := fieldDataset(name, value)
		if err != nil {
			return err
		}

		if ds != nil {
			g.AddDataset(ds)
		}
	}

	return nil
}

// fieldDataset converts a scalar or slice value; zero strings and empty
// slices yield nil.
func fieldDataset(name string, value any) (*Dataset, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}

		return Text(name, v), nil
	case []string:
		if len(v) == 0 {
			return nil, nil
		}

		return Text(name, v...), nil
	case bool:
		return Text(name, fmt.Sprint(v)), nil
	case int:
		return Int(name, []int64{int64(v)}), nil
	case int64:
		return Int(name, []int64{v}), nil
	case []int64:
		if len(v) == 0 {
			return nil, nil
		}

		return Int(name, v), nil
	case float64:
		return Float(name, []float64{v}), nil
	case []float64:
		if len(v) == 0 {
			return nil, nil
		}

		return Float(name, v), nil
	case time.Time:
		if v.IsZero() {
			return nil, nil
		}

		return Text(name, v.Format(TimeLayout)), nil
	default:
		return nil, fmt.Errorf("%w: field %s of type %T", ErrUnsupportedData, name, value)
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}

	return v
}
