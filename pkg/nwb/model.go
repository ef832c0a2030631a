// Package nwb models a Neurodata Without Borders file as an in-memory tree
// of groups and datasets, writes it to HDF5 and reads it back.
package nwb

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Sumatoshi-tech/iblnwb/pkg/safeconv"
)

// Tree errors.
var (
	// ErrNotFound indicates a path that does not resolve in the tree.
	ErrNotFound = errors.New("nwb object not found")
	// ErrShapeMismatch indicates data whose length disagrees with its shape or table.
	ErrShapeMismatch = errors.New("nwb shape mismatch")
	// ErrUnsupportedData indicates a dataset or attribute value the writer cannot encode.
	ErrUnsupportedData = errors.New("unsupported nwb data")
	// ErrWrongType indicates a dataset holding another element type than requested.
	ErrWrongType = errors.New("nwb dataset has a different type")
)

// Attrs holds HDF5 attributes. Values are string, int64, float64, []int64,
// []float64 or []string.
type Attrs map[string]any

// Dataset is an HDF5 dataset. Data is []float64, []int64, []int16 or
// []string; Shape is nil for one-dimensional data.
type Dataset struct {
	Name  string
	Data  any
	Shape []uint64
	Attrs Attrs
}

// Len returns the number of elements of the dataset.
func (d *Dataset) Len() int {
	switch v := d.Data.(type) {
	case []float64:
		return len(v)
	case []int64:
		return len(v)
	case []int16:
		return len(v)
	case []string:
		return len(v)
	default:
		return 0
	}
}

// Dims returns the HDF5 dimensions of the dataset.
func (d *Dataset) Dims() []uint64 {
	if len(d.Shape) > 0 {
		return d.Shape
	}

	return []uint64{safeconv.MustIntToUint64(d.Len())}
}

// Link is a soft link from a group member to an absolute path.
type Link struct {
	Name   string
	Target string
}

// Group is an HDF5 group. Neurodata groups carry their type and namespace,
// which the writer stores as attributes.
type Group struct {
	Name          string
	NeurodataType string
	Namespace     string
	Attrs         Attrs
	Groups        []*Group
	Datasets      []*Dataset
	Links         []Link
}

// NewGroup returns an untyped group.
func NewGroup(name string) *Group {
	return &Group{Name: name, Attrs: Attrs{}}
}

// AddGroup adds child, replacing any member group of the same name.
func (g *Group) AddGroup(child *Group) *Group {
	for i, existing := range g.Groups {
		if existing.Name == child.Name {
			g.Groups[i] = child

			return child
		}
	}

	g.Groups = append(g.Groups, child)

	return child
}

// AddDataset adds ds, replacing any member dataset of the same name.
func (g *Group) AddDataset(ds *Dataset) *Dataset {
	for i, existing := range g.Datasets {
		if existing.Name == ds.Name {
			g.Datasets[i] = ds

			return ds
		}
	}

	g.Datasets = append(g.Datasets, ds)

	return ds
}

// AddLink adds a soft link named name pointing at target.
func (g *Group) AddLink(name, target string) {
	g.Links = append(g.Links, Link{Name: name, Target: target})
}

// Child returns the member group called name.
func (g *Group) Child(name string) *Group {
	for _, child := range g.Groups {
		if child.Name == name {
			return child
		}
	}

	return nil
}

// EnsureChild returns the member group called name, creating it when missing.
func (g *Group) EnsureChild(name string) *Group {
	child := g.Child(name)
	if child != nil {
		return child
	}

	return g.AddGroup(NewGroup(name))
}

// Dataset returns the member dataset called name.
func (g *Group) Dataset(name string) *Dataset {
	for _, ds := range g.Datasets {
		if ds.Name == name {
			return ds
		}
	}

	return nil
}

// Find resolves a slash separated group path relative to g.
func (g *Group) Find(path string) (*Group, bool) {
	cur := g

	for _, part := range splitPath(path) {
		cur = cur.Child(part)
		if cur == nil {
			return nil, false
		}
	}

	return cur, true
}

// DatasetAt resolves a slash separated dataset path relative to g.
func (g *Group) DatasetAt(path string) (*Dataset, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, false
	}

	parent, ok := g.Find(strings.Join(parts[:len(parts)-1], "/"))
	if !ok {
		return nil, false
	}

	ds := parent.Dataset(parts[len(parts)-1])

	return ds, ds != nil
}

// Floats returns the numeric dataset at path as float64 values.
func (g *Group) Floats(path string) ([]float64, error) {
	ds, ok := g.DatasetAt(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	switch v := ds.Data.(type) {
	case []float64:
		return v, nil
	case []int64:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}

		return out, nil
	case []int16:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrWrongType, path, ds.Data)
	}
}

// Strings returns the string dataset at path.
func (g *Group) Strings(path string) ([]string, error) {
	ds, ok := g.DatasetAt(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	v, ok := ds.Data.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrWrongType, path, ds.Data)
	}

	return v, nil
}

// String returns the first element of the string dataset at path.
func (g *Group) String(path string) (string, error) {
	v, err := g.Strings(path)
	if err != nil {
		return "", err
	}

	if len(v) == 0 {
		return "", nil
	}

	return v[0], nil
}

// Attr returns attribute name of the group or dataset at path.
func (g *Group) Attr(path, name string) (any, bool) {
	if grp, ok := g.Find(path); ok {
		v, found := grp.Attrs[name]

		return v, found
	}

	if ds, ok := g.DatasetAt(path); ok {
		v, found := ds.Attrs[name]

		return v, found
	}

	return nil, false
}

// Walk visits g and every descendant group depth first, members in name order.
func (g *Group) Walk(fn func(path string, grp *Group)) {
	walk(g, "/", fn)
}

func walk(g *Group, path string, fn func(string, *Group)) {
	fn(path, g)

	children := append([]*Group(nil), g.Groups...)
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

	for _, child := range children {
		walk(child, joinPath(path, child.Name), fn)
	}
}

// ByType returns every descendant group with the given neurodata type,
// keyed by path.
func (g *Group) ByType(neurodataType string) map[string]*Group {
	out := make(map[string]*Group)

	g.Walk(func(path string, grp *Group) {
		if grp.NeurodataType == neurodataType {
			out[path] = grp
		}
	})

	return out
}

func splitPath(path string) []string {
	var parts []string

	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	return parts
}

func joinPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}

	return parent + "/" + name
}
