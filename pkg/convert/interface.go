package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
	"github.com/Sumatoshi-tech/iblnwb/pkg/metadata"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
	"github.com/Sumatoshi-tech/iblnwb/pkg/one"
)

// ErrUnknownInterface indicates a data interface name that does not exist.
var ErrUnknownInterface = errors.New("unknown data interface")

// Interface adds one kind of session data to the NWB tree.
type Interface interface {
	Name() string
	// Available reports whether the session has the datasets the interface needs.
	Available(cc *Context) bool
	Add(ctx context.Context, cc *Context) error
}

// Context is the per-session state shared by interfaces. Interfaces run
// sequentially in declaration order, so later ones may read what earlier
// ones recorded (the electrode offsets of ecephys).
type Context struct {
	EID       string
	Session   one.SessionRef
	Inventory *alf.Inventory
	Metadata  *metadata.Metadata
	File      *nwb.File
	Loader    *one.Loader
	Logger    *slog.Logger
	Options   Options

	// ElectrodeOffsets maps probe labels to their first electrodes table row.
	ElectrodeOffsets map[string]int64
	// ElectrodeCounts maps probe labels to their number of electrodes.
	ElectrodeCounts map[string]int
}

// Array loads a required dataset.
func (cc *Context) Array(ctx context.Context, collection, key string) (*one.Array, error) {
	return cc.Loader.LoadArray(ctx, cc.Session, cc.Inventory, collection, key)
}

// Optional loads a dataset, returning nil when the session lacks it.
func (cc *Context) Optional(ctx context.Context, collection, key string) (*one.Array, error) {
	return cc.Loader.LoadOptional(ctx, cc.Session, cc.Inventory, collection, key)
}

// electrodes returns the electrodes table rows of a probe.
func (cc *Context) electrodes(label string, channels int) ([]int64, bool) {
	offset, ok := cc.ElectrodeOffsets[label]
	if !ok || channels > cc.ElectrodeCounts[label] {
		return nil, false
	}

	rows := make([]int64, channels)
	for i := range rows {
		rows[i] = offset + int64(i)
	}

	return rows, true
}

// DefaultInterfaces returns every data interface in run order.
func DefaultInterfaces() []Interface {
	return []Interface{
		trialsInterface{},
		wheelInterface{},
		licksInterface{},
		camerasInterface{},
		pupilInterface{},
		passiveInterface{},
		ecephysInterface{},
		ephysQCInterface{},
		rawEphysInterface{},
	}
}

// SelectInterfaces keeps the named interfaces, in run order.
func SelectInterfaces(names []string) ([]Interface, error) {
	all := DefaultInterfaces()
	if len(names) == 0 {
		return all, nil
	}

	out := make([]Interface, 0, len(names))

	for _, iface := range all {
		if slices.Contains(names, iface.Name()) {
			out = append(out, iface)
		}
	}

	for _, n := range names {
		if !slices.ContainsFunc(out, func(iface Interface) bool { return iface.Name() == n }) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownInterface, n)
		}
	}

	return out, nil
}

// columnValues extracts the values of a mapping table column from an array.
func columnValues(arr *one.Array, col metadata.Column) []float64 {
	if col.Component == metadata.WholeArray {
		return arr.Data
	}

	return arr.Column(col.Component)
}

// tableColumns loads every non-interval column of table from collection and
// adds those present to t. Arrays must have one row per table row.
func tableColumns(ctx context.Context, cc *Context, t *nwb.Table, table, collection, skipKey string) error {
	for _, col := range metadata.ColumnsFor(table) {
		if col.DatasetKey == skipKey {
			continue
		}

		arr, err := cc.Optional(ctx, collection, col.DatasetKey)
		if err != nil {
			return err
		}

		if arr == nil {
			continue
		}

		if col.Component >= arr.Cols() {
			return fmt.Errorf("%w: %s has %d columns", one.ErrShapeMismatch, col.DatasetKey, arr.Cols())
		}

		err = t.Column(col.Column, col.Description, columnValues(arr, col))
		if err != nil {
			return fmt.Errorf("column %s: %w", col.Column, err)
		}
	}

	return nil
}

// intervalsTable builds a TimeIntervals table from an (n, 2) intervals
// dataset plus the mapped columns of table.
func intervalsTable(ctx context.Context, cc *Context, name, description, table, collection, intervalsKey string) (*nwb.Table, error) {
	intervals, err := cc.Array(ctx, collection, intervalsKey)
	if err != nil {
		return nil, err
	}

	if intervals.Cols() != 2 {
		return nil, fmt.Errorf("%w: %s needs 2 columns, has %d", one.ErrShapeMismatch, intervalsKey, intervals.Cols())
	}

	t, err := nwb.TimeIntervals(name, description, intervals.Column(0), intervals.Column(1))
	if err != nil {
		return nil, err
	}

	err = tableColumns(ctx, cc, t, table, collection, intervalsKey)
	if err != nil {
		return nil, err
	}

	return t, nil
}
