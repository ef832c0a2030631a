package one

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sbinet/npyio"
)

// Array errors.
var (
	// ErrUnsupportedDtype indicates a numpy dtype the loader does not decode.
	ErrUnsupportedDtype = errors.New("unsupported numpy dtype")
	// ErrShapeMismatch indicates arrays whose first axes disagree.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Array is a decoded numpy array, stored row-major as float64.
// ALF arrays are at most 2-D; higher ranks are flattened into Cols.
type Array struct {
	Shape []int
	Data  []float64
	Dtype string
}

// NewVector builds a 1-D array.
func NewVector(values []float64) *Array {
	return &Array{Shape: []int{len(values)}, Data: values, Dtype: "<f8"}
}

// NewMatrix builds a 2-D array from row-major values.
func NewMatrix(rows, cols int, values []float64) (*Array, error) {
	if rows*cols != len(values) {
		return nil, fmt.Errorf("%w: %dx%d needs %d values, got %d", ErrShapeMismatch, rows, cols, rows*cols, len(values))
	}

	return &Array{Shape: []int{rows, cols}, Data: values, Dtype: "<f8"}, nil
}

// Len returns the size of the first axis.
func (a *Array) Len() int {
	if a == nil || len(a.Shape) == 0 {
		return 0
	}

	return a.Shape[0]
}

// Cols returns the number of values per row (1 for vectors).
func (a *Array) Cols() int {
	if a == nil || len(a.Shape) <= 1 {
		return 1
	}

	cols := 1
	for _, d := range a.Shape[1:] {
		cols *= d
	}

	return cols
}

// IsVector reports whether the array has a single column.
func (a *Array) IsVector() bool {
	return a.Cols() == 1
}

// Row returns a view of row i.
func (a *Array) Row(i int) []float64 {
	cols := a.Cols()

	return a.Data[i*cols : (i+1)*cols]
}

// Column copies column j.
func (a *Array) Column(j int) []float64 {
	rows, cols := a.Len(), a.Cols()
	out := make([]float64, rows)

	for i := range rows {
		out[i] = a.Data[i*cols+j]
	}

	return out
}

// Int64s converts the data to int64, rounding to nearest.
func (a *Array) Int64s() []int64 {
	out := make([]int64, len(a.Data))
	for i, v := range a.Data {
		out[i] = int64(math.Round(v))
	}

	return out
}

// Truncate keeps at most n rows. Used by stub conversions.
func (a *Array) Truncate(n int) *Array {
	if a == nil || n <= 0 || n >= a.Len() {
		return a
	}

	shape := append([]int{n}, a.Shape[1:]...)

	return &Array{Shape: shape, Data: a.Data[:n*a.Cols()], Dtype: a.Dtype}
}

// DecodeNpy reads a .npy stream into an Array.
func DecodeNpy(r io.Reader) (*Array, error) {
	reader, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read npy header: %w", err)
	}

	hdr := reader.Header
	if hdr.Descr.Fortran {
		return nil, fmt.Errorf("%w: fortran-ordered arrays", ErrUnsupportedDtype)
	}

	data, err := readAsFloat64(reader, hdr.Descr.Type)
	if err != nil {
		return nil, err
	}

	shape := append([]int(nil), hdr.Descr.Shape...)
	if len(shape) == 0 {
		shape = []int{len(data)}
	}

	return &Array{Shape: shape, Data: data, Dtype: hdr.Descr.Type}, nil
}

func readAsFloat64(reader *npyio.Reader, dtype string) ([]float64, error) {
	switch dtype {
	case "<f8":
		return readInto[float64](reader)
	case "<f4":
		return readInto[float32](reader)
	case "<i8":
		return readInto[int64](reader)
	case "<i4":
		return readInto[int32](reader)
	case "<i2":
		return readInto[int16](reader)
	case "|i1":
		return readInto[int8](reader)
	case "<u8":
		return readInto[uint64](reader)
	case "<u4":
		return readInto[uint32](reader)
	case "<u2":
		return readInto[uint16](reader)
	case "|u1":
		return readInto[uint8](reader)
	case "|b1":
		var values []bool

		err := reader.Read(&values)
		if err != nil {
			return nil, fmt.Errorf("read npy data: %w", err)
		}

		out := make([]float64, len(values))

		for i, v := range values {
			if v {
				out[i] = 1
			}
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDtype, dtype)
	}
}

type numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func readInto[T numeric](reader *npyio.Reader) ([]float64, error) {
	var values []T

	err := reader.Read(&values)
	if err != nil {
		return nil, fmt.Errorf("read npy data: %w", err)
	}

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}

	return out, nil
}
