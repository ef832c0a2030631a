package nwb

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/scigolib/hdf5"
)

// ErrNotNWB indicates an HDF5 file that was not written as an NWB file.
var ErrNotNWB = errors.New("not an nwb file")

// ReadOption configures Read.
type ReadOption func(*reader)

// WithReadLogger logs the attributes and datasets the decoder cannot read.
func WithReadLogger(logger *slog.Logger) ReadOption {
	return func(r *reader) {
		r.logger = logger
	}
}

type reader struct {
	logger *slog.Logger
	unread []string
}

// Read decodes the file at path into a tree. Numeric datasets come back as
// float64 and string datasets as strings. Objects the decoder cannot read
// are listed in File.Unread; unreadable datasets stay in the tree without
// data.
func Read(path string, opts ...ReadOption) (*File, error) {
	r := &reader{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}

	h5, err := hdf5.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = h5.Close() }()

	root := NewGroup("/")

	err = r.readGroup(h5.Root(), "/", root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	marker := root.Dataset(rootAttrsDataset)
	if marker == nil || root.Dataset("identifier") == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotNWB, path)
	}

	root.Attrs = marker.Attrs
	root.Datasets = removeDataset(root.Datasets, rootAttrsDataset)

	if links, ok := root.Attrs[softLinksAttr].(string); ok {
		restoreLinks(root, links)
		delete(root.Attrs, softLinksAttr)
	}

	promoteType(root)

	return &File{Root: root, Unread: r.unread}, nil
}

func (r *reader) readGroup(src *hdf5.Group, path string, dst *Group) error {
	for _, child := range src.Children() {
		switch obj := child.(type) {
		case *hdf5.Group:
			childPath := joinPath(path, obj.Name())
			g := NewGroup(obj.Name())

			attrs, err := obj.Attributes()
			if err != nil {
				return fmt.Errorf("attributes of %s: %w", childPath, err)
			}

			for _, a := range attrs {
				value, readErr := a.ReadValue()
				if readErr != nil {
					r.skip(childPath+"@"+a.Name, readErr)

					continue
				}

				g.Attrs[a.Name] = normalise(value)
			}

			promoteType(g)

			err = r.readGroup(obj, childPath, g)
			if err != nil {
				return err
			}

			dst.Groups = append(dst.Groups, g)
		case *hdf5.Dataset:
			ds, err := r.readDataset(obj, joinPath(path, obj.Name()))
			if err != nil {
				return err
			}

			dst.Datasets = append(dst.Datasets, ds)
		}
	}

	return nil
}

func (r *reader) readDataset(src *hdf5.Dataset, path string) (*Dataset, error) {
	ds := &Dataset{Name: src.Name(), Attrs: Attrs{}}

	values, err := src.Read()
	if err == nil {
		ds.Data = values
	} else {
		text, strErr := src.ReadStrings()
		if strErr != nil {
			r.skip(path, errors.Join(err, strErr))
		} else {
			ds.Data = text
		}
	}

	attrs, err := src.Attributes()
	if err != nil {
		return nil, fmt.Errorf("attributes of %s: %w", path, err)
	}

	for _, a := range attrs {
		value, readErr := a.ReadValue()
		if readErr != nil {
			r.skip(path+"@"+a.Name, readErr)

			continue
		}

		ds.Attrs[a.Name] = normalise(value)
	}

	return ds, nil
}

func (r *reader) skip(path string, err error) {
	r.unread = append(r.unread, path)
	r.logger.Warn("nwb object unreadable", slog.String("path", path), slog.String("error", err.Error()))
}

// restoreLinks replaces the placeholder groups the decoder returns for soft
// links with the links recorded by the writer.
func restoreLinks(root *Group, encoded string) {
	for _, line := range strings.Split(encoded, "\n") {
		linkPath, target, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}

		parts := splitPath(linkPath)
		if len(parts) == 0 {
			continue
		}

		parent, ok := root.Find(strings.Join(parts[:len(parts)-1], "/"))
		if !ok {
			continue
		}

		name := parts[len(parts)-1]
		parent.Groups = slices.DeleteFunc(parent.Groups, func(g *Group) bool { return g.Name == name })
		parent.AddLink(name, target)
	}
}

func normalise(value any) any {
	switch v := value.(type) {
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	case []int32:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}

		return out
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}

		return out
	default:
		return value
	}
}

// promoteType moves neurodata_type and namespace from the attributes to
// the group fields.
func promoteType(g *Group) {
	if t, ok := g.Attrs["neurodata_type"].(string); ok {
		g.NeurodataType = t
		delete(g.Attrs, "neurodata_type")
	}

	if ns, ok := g.Attrs["namespace"].(string); ok {
		g.Namespace = ns
		delete(g.Attrs, "namespace")
	}
}

func removeDataset(datasets []*Dataset, name string) []*Dataset {
	out := datasets[:0]

	for _, ds := range datasets {
		if ds.Name != name {
			out = append(out, ds)
		}
	}

	return out
}
