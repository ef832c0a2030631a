package nwb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scigolib/hdf5"

	"github.com/Sumatoshi-tech/iblnwb/pkg/safeconv"
)

// Writer errors.
var (
	// ErrExists indicates an output file that would be overwritten.
	ErrExists = errors.New("nwb file already exists")
	// ErrInvalidCompression indicates a gzip level outside 0..9.
	ErrInvalidCompression = errors.New("compression level must be between 0 and 9")
	// ErrGroupTooLarge indicates a group whose members do not fit its HDF5
	// symbol table or local name heap.
	ErrGroupTooLarge = errors.New("nwb group has too many members")
)

// rootAttrsDataset carries the attributes of "/", which the HDF5 writer
// cannot attach to the root group.
const rootAttrsDataset = ".nwb_root"

// softLinksAttr lists the soft links of the file on the root marker, one
// "path<TAB>target" per line, since the HDF5 reader does not resolve them.
const softLinksAttr = "soft_links"

const (
	maxCompression = 9
	// compressMinElements is the size below which datasets stay contiguous.
	compressMinElements = 4096
	defaultChunkRows    = 65536
	partialSuffix       = ".partial"

	// Each group is written with a 256 byte local heap for member names and
	// a single symbol table node of 32 entries.
	maxGroupNameBytes = 256
	maxGroupMembers   = 32
)

// WriteOptions tunes the HDF5 encoding.
type WriteOptions struct {
	// Compression is the gzip level of large numeric datasets; 0 disables it.
	Compression int
	// ChunkRows is the first dimension of compressed chunks.
	ChunkRows uint64
	Overwrite bool
}

// WriteReport summarises a written file.
type WriteReport struct {
	Path       string   `json:"path"`
	Groups     int      `json:"groups"`
	Datasets   int      `json:"datasets"`
	Attributes int      `json:"attributes"`
	Links      int      `json:"links"`
	Compressed int      `json:"compressed"`
	Skipped    []string `json:"skipped,omitempty"`
	Bytes      int64    `json:"bytes"`
}

// Write encodes f to path. The file is assembled next to path and renamed
// into place once complete.
func Write(path string, f *File, opts WriteOptions) (*WriteReport, error) {
	if f == nil || f.Root == nil {
		return nil, fmt.Errorf("%w: empty file", ErrUnsupportedData)
	}

	if opts.Compression < 0 || opts.Compression > maxCompression {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCompression, opts.Compression)
	}

	err := CheckLayout(f.Root)
	if err != nil {
		return nil, err
	}

	_, err = os.Stat(path)
	if err == nil && !opts.Overwrite {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}

	err = os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	tmp := path + partialSuffix

	fw, err := hdf5.CreateForWrite(tmp, hdf5.CreateTruncate)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmp, err)
	}

	w := &writer{fw: fw, opts: opts, report: &WriteReport{Path: path}}

	err = w.writeFile(f.Root)

	closeErr := fw.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("close %s: %w", tmp, closeErr)
	}

	if err != nil {
		_ = os.Remove(tmp)

		return nil, err
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err == nil {
		w.report.Bytes = info.Size()
	}

	return w.report, nil
}

// CheckLayout reports the first group, root included, whose members would
// overflow the name heap or symbol table of the HDF5 writer.
func CheckLayout(root *Group) error {
	var err error

	root.Walk(func(path string, g *Group) {
		if err != nil {
			return
		}

		names := memberNames(g)
		if g == root {
			names = append(names, rootAttrsDataset)
		}

		size := 0
		for _, name := range names {
			size += len(name) + 1
		}

		switch {
		case len(names) > maxGroupMembers:
			err = fmt.Errorf("%w: %s has %d members, limit %d", ErrGroupTooLarge, path, len(names), maxGroupMembers)
		case size > maxGroupNameBytes:
			err = fmt.Errorf("%w: member names of %s take %d bytes, limit %d",
				ErrGroupTooLarge, path, size, maxGroupNameBytes)
		}
	})

	return err
}

// memberNames lists the names the writer links into g. Empty datasets are
// skipped on write and take no entry.
func memberNames(g *Group) []string {
	names := make([]string, 0, len(g.Datasets)+len(g.Groups)+len(g.Links))

	for _, ds := range g.Datasets {
		if ds.Len() > 0 {
			names = append(names, ds.Name)
		}
	}

	for _, child := range g.Groups {
		names = append(names, child.Name)
	}

	for _, l := range g.Links {
		names = append(names, l.Name)
	}

	return names
}

type attributeWriter interface {
	WriteAttribute(name string, value any) error
}

type pendingLink struct {
	path   string
	target string
}

type writer struct {
	fw     *hdf5.FileWriter
	opts   WriteOptions
	report *WriteReport
	links  []pendingLink
}

func (w *writer) writeFile(root *Group) error {
	w.links = softLinks(root)

	marker := Text(rootAttrsDataset, Version)
	marker.Attrs = groupAttrs(root)

	if len(w.links) > 0 {
		lines := make([]string, 0, len(w.links))
		for _, l := range w.links {
			lines = append(lines, l.path+"\t"+l.target)
		}

		marker.Attrs[softLinksAttr] = strings.Join(lines, "\n")
	}

	err := w.writeDataset("/", marker)
	if err != nil {
		return err
	}

	err = w.writeMembers("/", root)
	if err != nil {
		return err
	}

	// Links go last so that every target exists.
	for _, l := range w.links {
		err = w.fw.CreateSoftLink(l.path, l.target)
		if err != nil {
			return fmt.Errorf("link %s -> %s: %w", l.path, l.target, err)
		}

		w.report.Links++
	}

	return nil
}

func (w *writer) writeMembers(path string, g *Group) error {
	for _, ds := range g.Datasets {
		err := w.writeDataset(path, ds)
		if err != nil {
			return err
		}
	}

	for _, child := range g.Groups {
		childPath := joinPath(path, child.Name)

		gw, err := w.fw.CreateGroup(childPath)
		if err != nil {
			return fmt.Errorf("create group %s: %w", childPath, err)
		}

		w.report.Groups++

		err = w.writeAttrs(childPath, gw, groupAttrs(child))
		if err != nil {
			return err
		}

		err = w.writeMembers(childPath, child)
		if err != nil {
			return err
		}
	}

	return nil
}

func softLinks(root *Group) []pendingLink {
	var out []pendingLink

	root.Walk(func(path string, g *Group) {
		for _, l := range g.Links {
			out = append(out, pendingLink{path: joinPath(path, l.Name), target: l.Target})
		}
	})

	return out
}

func (w *writer) writeDataset(parent string, ds *Dataset) error {
	path := joinPath(parent, ds.Name)

	switch ds.Data.(type) {
	case []string, []float64, []int64, []int16:
	default:
		return fmt.Errorf("%w: dataset %s of type %T", ErrUnsupportedData, path, ds.Data)
	}

	dims := ds.Dims()

	n := uint64(1)
	for _, d := range dims {
		n *= d
	}

	if n == 0 {
		w.report.Skipped = append(w.report.Skipped, path)

		return nil
	}

	if n != safeconv.MustIntToUint64(ds.Len()) {
		return fmt.Errorf("%w: %s has %d values for shape %v", ErrShapeMismatch, path, ds.Len(), dims)
	}

	var (
		dw  *hdf5.DatasetWriter
		err error
	)

	switch data := ds.Data.(type) {
	case []string:
		dw, err = w.fw.CreateDataset(path, hdf5.String, dims, hdf5.WithStringSize(stringSize(data)))
	case []float64:
		dw, err = w.fw.CreateDataset(path, hdf5.Float64, dims, w.numericOptions(dims)...)
	case []int64:
		dw, err = w.fw.CreateDataset(path, hdf5.Int64, dims, w.numericOptions(dims)...)
	case []int16:
		dw, err = w.fw.CreateDataset(path, hdf5.Int16, dims, w.numericOptions(dims)...)
	}

	if err != nil {
		return fmt.Errorf("create dataset %s: %w", path, err)
	}

	err = dw.Write(ds.Data)
	if err != nil {
		return fmt.Errorf("write dataset %s: %w", path, err)
	}

	w.report.Datasets++

	return w.writeAttrs(path, dw, ds.Attrs)
}

func (w *writer) numericOptions(dims []uint64) []hdf5.DatasetOption {
	n := uint64(1)
	for _, d := range dims {
		n *= d
	}

	if w.opts.Compression == 0 || n < compressMinElements {
		return nil
	}

	rows := w.opts.ChunkRows
	if rows == 0 {
		rows = defaultChunkRows
	}

	chunk := append([]uint64(nil), dims...)
	chunk[0] = min(rows, dims[0])

	w.report.Compressed++

	return []hdf5.DatasetOption{
		hdf5.WithChunkDims(chunk),
		hdf5.WithShuffle(),
		hdf5.WithGZIPCompression(w.opts.Compression),
	}
}

func (w *writer) writeAttrs(path string, target attributeWriter, attrs Attrs) error {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		value, err := attrValue(attrs[name])
		if err != nil {
			return fmt.Errorf("attribute %s of %s: %w", name, path, err)
		}

		if value == nil {
			continue
		}

		err = target.WriteAttribute(name, value)
		if err != nil {
			return fmt.Errorf("write attribute %s of %s: %w", name, path, err)
		}

		w.report.Attributes++
	}

	return nil
}

// groupAttrs merges the neurodata type and namespace into the attributes.
func groupAttrs(g *Group) Attrs {
	out := make(Attrs, len(g.Attrs)+2)
	for k, v := range g.Attrs {
		out[k] = v
	}

	if g.NeurodataType != "" {
		out["neurodata_type"] = g.NeurodataType
		out["namespace"] = g.Namespace
	}

	return out
}

// attrValue narrows v to a type the HDF5 attribute encoder accepts. String
// slices are stored comma joined; empty slices are dropped.
func attrValue(v any) (any, error) {
	switch x := v.(type) {
	case string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}

		return int64(0), nil
	case []string:
		if len(x) == 0 {
			return nil, nil
		}

		return strings.Join(x, ","), nil
	case []int64:
		if len(x) == 0 {
			return nil, nil
		}

		return x, nil
	case []float64:
		if len(x) == 0 {
			return nil, nil
		}

		return x, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedData, v)
	}
}

func stringSize(data []string) uint32 {
	longest := 0
	for _, s := range data {
		longest = max(longest, len(s))
	}

	return safeconv.MustIntToUint32(longest + 1)
}
