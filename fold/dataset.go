// Package fold holds tabular datasets and splits them into K folds of
// training and test rows. Each fold normalises its inputs and outputs with
// statistics computed from its training rows only.
package fold

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/store"
)

var (
	// ErrSchema is returned for tabular data that does not have the
	// expected shape, or holds a value that is not a finite number.
	ErrSchema = errors.New("fold: schema error")
	// ErrRotation is returned for a basis rotation that is not orthonormal
	// or has the wrong size.
	ErrRotation = errors.New("fold: invalid rotation")
)

// Dataset is N samples of M inputs X and L outputs Y.
type Dataset struct {
	X       *mat.Dense
	Y       *mat.Dense
	Inputs  []string
	Outputs []string
}

// NewDataset checks and binds x and y. Nil names are generated as x0, x1,
// ... and y0, y1, ....
func NewDataset(x, y *mat.Dense, inputs, outputs []string) (*Dataset, error) {
	if x == nil || y == nil {
		return nil, fmt.Errorf("%w: missing inputs or outputs", ErrSchema)
	}
	n, m := x.Dims()
	ny, l := y.Dims()
	if n != ny {
		return nil, fmt.Errorf("%w: %d input rows but %d output rows", ErrSchema, n, ny)
	}
	if inputs == nil {
		inputs = names("x", m)
	}
	if outputs == nil {
		outputs = names("y", l)
	}
	if len(inputs) != m || len(outputs) != l {
		return nil, fmt.Errorf("%w: %d+%d column names for %d inputs and %d outputs", ErrSchema, len(inputs), len(outputs), m, l)
	}
	if err := checkFinite(x, inputs); err != nil {
		return nil, err
	}
	if err := checkFinite(y, outputs); err != nil {
		return nil, err
	}
	return &Dataset{X: x, Y: y, Inputs: inputs, Outputs: outputs}, nil
}

func names(prefix string, n int) []string {
	s := make([]string, n)
	for i := range s {
		s[i] = prefix + strconv.Itoa(i)
	}
	return s
}

func checkFinite(a *mat.Dense, cols []string) error {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := a.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: row %d column %q is %v", ErrSchema, i+1, cols[j], v)
			}
		}
	}
	return nil
}

// Dims returns the number of samples, inputs and outputs.
func (d *Dataset) Dims() (n, m, l int) {
	n, m = d.X.Dims()
	_, l = d.Y.Dims()
	return n, m, l
}

// FromCSV reads a dataset from CSV with a header row. The first m columns
// are inputs and the rest outputs.
func FromCSV(r io.Reader, m int) (*Dataset, error) {
	t, err := store.ReadCSV(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	return FromTable(t, m)
}

// FromTable splits a single table into m input columns followed by the
// output columns.
func FromTable(t *store.Table, m int) (*Dataset, error) {
	r, c := t.Dims()
	if r == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrSchema)
	}
	if m < 1 || c-m < 1 {
		return nil, fmt.Errorf("%w: %d columns cannot hold %d inputs and at least one output", ErrSchema, c, m)
	}
	x := mat.DenseCopyOf(t.Data.Slice(0, r, 0, m))
	y := mat.DenseCopyOf(t.Data.Slice(0, r, m, c))
	return NewDataset(x, y, append([]string(nil), t.Columns[:m]...), append([]string(nil), t.Columns[m:]...))
}

// FromTables binds an input table and an output table with matching rows.
func FromTables(x, y *store.Table) (*Dataset, error) {
	rx, _ := x.Dims()
	ry, _ := y.Dims()
	if rx == 0 || ry == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrSchema)
	}
	if rx != ry {
		return nil, fmt.Errorf("%w: %d input rows but %d output rows", ErrSchema, rx, ry)
	}
	return NewDataset(mat.DenseCopyOf(x.Data), mat.DenseCopyOf(y.Data),
		append([]string(nil), x.Columns...), append([]string(nil), y.Columns...))
}

// Table returns the inputs followed by the outputs as one table.
func (d *Dataset) Table() *store.Table {
	n, m, l := d.Dims()
	data := mat.NewDense(n, m+l, nil)
	data.Slice(0, n, 0, m).(*mat.Dense).Copy(d.X)
	data.Slice(0, n, m, m+l).(*mat.Dense).Copy(d.Y)
	cols := append(append([]string(nil), d.Inputs...), d.Outputs...)
	return &store.Table{Columns: cols, Data: data}
}
