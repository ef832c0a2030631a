package nwb

import (
	"fmt"
	"strings"
)

// Table builds a DynamicTable: equal length columns, optional ragged
// columns with their VectorIndex, and an id column.
type Table struct {
	group   *Group
	columns []string
	rows    int
	ids     []int64
}

// DynamicTable returns an empty table of the given neurodata type. An empty
// type means DynamicTable.
func DynamicTable(name, neurodataType, description string) *Table {
	namespace := CoreNamespace
	if neurodataType == "" {
		neurodataType = "DynamicTable"
		namespace = HDMFNamespace
	}

	g := neurodata(name, neurodataType, namespace)
	g.Attrs["description"] = orDefault(description, "no description")

	return &Table{group: g, rows: -1}
}

// TimeIntervals returns a TimeIntervals table with start and stop columns.
func TimeIntervals(name, description string, start, stop []float64) (*Table, error) {
	t := DynamicTable(name, "TimeIntervals", description)

	err := t.Column("start_time", "Start time of the interval, in seconds.", start)
	if err != nil {
		return nil, err
	}

	err = t.Column("stop_time", "Stop time of the interval, in seconds.", stop)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// Rows returns the number of rows, zero for an empty table.
func (t *Table) Rows() int {
	return max(t.rows, 0)
}

// Columns returns the column names in insertion order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// SetIDs overrides the default 0..n-1 row ids.
func (t *Table) SetIDs(ids []int64) error {
	err := t.checkRows(len(ids), "id")
	if err != nil {
		return err
	}

	t.ids = ids

	return nil
}

// Column adds a VectorData column; data is []float64, []int64 or []string.
func (t *Table) Column(name, description string, data any) error {
	ds := &Dataset{Name: name, Data: data, Attrs: Attrs{}}

	switch data.(type) {
	case []float64, []int64, []string:
	default:
		return fmt.Errorf("%w: column %s of type %T", ErrUnsupportedData, name, data)
	}

	err := t.checkRows(ds.Len(), name)
	if err != nil {
		return err
	}

	t.add(typed(ds, "VectorData", HDMFNamespace), description)

	return nil
}

// RaggedColumn adds a VectorData column whose rows are slices of data ending
// at the cumulative offsets of index.
func (t *Table) RaggedColumn(name, description string, data []float64, index []int64) error {
	err := t.checkRows(len(index), name)
	if err != nil {
		return err
	}

	if len(index) > 0 && index[len(index)-1] != int64(len(data)) {
		return fmt.Errorf("%w: index of %s ends at %d, data has %d values",
			ErrShapeMismatch, name, index[len(index)-1], len(data))
	}

	t.add(typed(Float(name, data), "VectorData", HDMFNamespace), description)

	idx := typed(Int(name+"_index", index), "VectorIndex", HDMFNamespace)
	idx.Attrs["target"] = name
	idx.Attrs["description"] = "Index for VectorData '" + name + "'"
	t.group.AddDataset(idx)

	return nil
}

// RegionColumn adds a DynamicTableRegion column referencing rows of the
// table at tablePath.
func (t *Table) RegionColumn(name, description string, rows []int64, tablePath string) error {
	err := t.checkRows(len(rows), name)
	if err != nil {
		return err
	}

	ds := typed(Int(name, rows), "DynamicTableRegion", HDMFNamespace)
	ds.Attrs["table"] = tablePath
	t.add(ds, description)

	return nil
}

// Group finalises the table and returns its group.
func (t *Table) Group() *Group {
	ids := t.ids
	if ids == nil {
		ids = make([]int64, t.Rows())
		for i := range ids {
			ids[i] = int64(i)
		}
	}

	t.group.AddDataset(typed(Int("id", ids), "ElementIdentifiers", HDMFNamespace))
	t.group.Attrs["colnames"] = strings.Join(t.columns, ",")

	return t.group
}

func (t *Table) add(ds *Dataset, description string) {
	ds.Attrs["description"] = orDefault(description, "no description")
	t.group.AddDataset(ds)
	t.columns = append(t.columns, ds.Name)
}

func (t *Table) checkRows(n int, column string) error {
	if t.rows < 0 {
		t.rows = n

		return nil
	}

	if n != t.rows {
		return fmt.Errorf("%w: column %s of table %s has %d rows, want %d",
			ErrShapeMismatch, column, t.group.Name, n, t.rows)
	}

	return nil
}
