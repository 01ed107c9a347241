// Package npy reads and writes arrays in the NumPy .npy format.
//
// Only the subset needed for dataset assembly is supported: C-ordered arrays
// of rank 0, 1 or 2 with a numeric dtype. Values are widened to float64 on read.
package npy

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrUnsupportedDType = errors.New("unsupported dtype")
	ErrFortranOrder     = errors.New("fortran-ordered arrays are not supported")
	ErrUnsupportedShape = errors.New("unsupported array shape")
)

// Array is a dense row-major numeric array.
type Array struct {
	Shape []int     `json:"shape"`
	DType string    `json:"dtype"`
	Data  []float64 `json:"-"`
}

// Rows returns the number of rows the array contributes when stacked
// vertically. Scalars and vectors count as a single row.
func (a *Array) Rows() int {
	if len(a.Shape) < 2 {
		return 1
	}
	return a.Shape[0]
}

// Cols returns the row width.
func (a *Array) Cols() int {
	switch len(a.Shape) {
	case 0:
		return 1
	case 1:
		return a.Shape[0]
	default:
		return a.Shape[1]
	}
}

// Load reads the .npy file at path.
func Load(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	a, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return a, nil
}

// Read decodes a single array from r.
func Read(r io.Reader) (*Array, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	descr := nr.Header.Descr
	if descr.Fortran {
		return nil, ErrFortranOrder
	}
	if len(descr.Shape) > 2 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedShape, descr.Shape)
	}

	var data []float64
	switch descr.Type {
	case "<f8", "f8":
		data, err = readAs[float64](nr)
	case "<f4", "f4":
		data, err = readAs[float32](nr)
	case "<i8", "i8":
		data, err = readAs[int64](nr)
	case "<i4", "i4":
		data, err = readAs[int32](nr)
	case "<i2", "i2":
		data, err = readAs[int16](nr)
	case "|u1", "u1":
		data, err = readAs[uint8](nr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, descr.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s payload: %w", descr.Type, err)
	}

	shape := append([]int(nil), descr.Shape...)
	a := &Array{Shape: shape, DType: descr.Type, Data: data}
	if want := a.Rows() * a.Cols(); want != len(data) {
		return nil, fmt.Errorf("payload has %d values, shape %v needs %d", len(data), shape, want)
	}
	return a, nil
}

type numeric interface {
	~float64 | ~float32 | ~int64 | ~int32 | ~int16 | ~uint8
}

func readAs[T numeric](r *npyio.Reader) ([]float64, error) {
	var v []T
	if err := r.Read(&v); err != nil {
		return nil, err
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out, nil
}

// WriteMatrix encodes a rows x cols float64 matrix held in row-major order.
func WriteMatrix(w io.Writer, rows, cols int, data []float64) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("%w: (%d, %d)", ErrUnsupportedShape, rows, cols)
	}
	if rows*cols != len(data) {
		return fmt.Errorf("matrix (%d, %d) needs %d values, got %d", rows, cols, rows*cols, len(data))
	}
	if err := npyio.Write(w, mat.NewDense(rows, cols, data)); err != nil {
		return fmt.Errorf("writing matrix: %w", err)
	}
	return nil
}

// WriteVector encodes a 1-D int64 array.
func WriteVector(w io.Writer, v []int64) error {
	if err := npyio.Write(w, v); err != nil {
		return fmt.Errorf("writing vector: %w", err)
	}
	return nil
}
