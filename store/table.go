package store

import (
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"
)

// Table is a numeric table with named columns.
type Table struct {
	Columns []string
	Data    *mat.Dense
}

// NewTable returns a table of data with the given column names. If columns
// is nil the columns are named by index.
func NewTable(columns []string, data *mat.Dense) (*Table, error) {
	_, c := data.Dims()
	if columns == nil {
		columns = make([]string, c)
		for i := range columns {
			columns[i] = strconv.Itoa(i)
		}
	}
	if len(columns) != c {
		return nil, fmt.Errorf("store: %d column names for %d columns", len(columns), c)
	}
	return &Table{Columns: columns, Data: data}, nil
}

// Dims returns the number of rows and columns of the table.
func (t *Table) Dims() (r, c int) {
	if t.Data == nil {
		return 0, len(t.Columns)
	}
	return t.Data.Dims()
}

// Column returns the index of the named column, or -1.
func (t *Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Fingerprint hashes the column names and the bits of every value.
func (t *Table) Fingerprint() uint64 {
	d := xxhash.New()
	for _, c := range t.Columns {
		d.WriteString(c)
		d.Write([]byte{0})
	}
	r, c := t.Dims()
	var buf [8]byte
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(t.Data.At(i, j)))
			d.Write(buf[:])
		}
	}
	return d.Sum64()
}

// FieldError locates a field of a CSV table that could not be read.
type FieldError struct {
	Row    int // 1-based data row, not counting the header
	Column string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("row %d: %v", e.Row, e.Err)
	}
	return fmt.Sprintf("row %d column %q: %v", e.Row, e.Column, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// ErrNonFinite is reported for NaN or infinite fields.
var ErrNonFinite = errors.New("non-finite value")

// ReadCSV reads a table with a header row. Every row must have as many
// fields as the header, and every field must be a finite number.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, &FieldError{Row: 0, Err: errors.New("missing header")}
	}
	if err != nil {
		return nil, err
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
	}
	var data []float64
	rows := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		rows++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) && errors.Is(perr.Err, csv.ErrFieldCount) {
				return nil, &FieldError{Row: rows, Err: fmt.Errorf("%d fields, want %d", len(rec), len(header))}
			}
			return nil, &FieldError{Row: rows, Err: err}
		}
		for j, f := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, &FieldError{Row: rows, Column: header[j], Err: err}
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &FieldError{Row: rows, Column: header[j], Err: ErrNonFinite}
			}
			data = append(data, v)
		}
	}
	t := &Table{Columns: header}
	if rows > 0 {
		t.Data = mat.NewDense(rows, len(header), data)
	}
	return t, nil
}

// WriteCSV writes the table with a header row.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	r, c := t.Dims()
	rec := make([]string, c)
	for i := 0; i < r; i++ {
		for j := range rec {
			rec[j] = strconv.FormatFloat(t.Data.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
