package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sampleTable() *Table {
	return &Table{
		Columns: []string{"x", "y"},
		Data:    mat.NewDense(3, 2, []float64{1, 0.1, -2.5, 1e-300, 3, 1.0 / 3}),
	}
}

func TestReadCSV(t *testing.T) {
	tbl, err := ReadCSV(strings.NewReader("a, b\n1, 2\n3,4\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tbl.Columns)
	assert.True(t, mat.Equal(tbl.Data, mat.NewDense(2, 2, []float64{1, 2, 3, 4})))
	assert.Equal(t, 1, tbl.Column("b"))
	assert.Equal(t, -1, tbl.Column("c"))

	empty, err := ReadCSV(strings.NewReader("a,b\n"))
	require.NoError(t, err)
	r, c := empty.Dims()
	assert.Equal(t, 0, r)
	assert.Equal(t, 2, c)

	for name, tc := range map[string]struct {
		src    string
		row    int
		column string
	}{
		"short row":   {src: "a,b\n1,2\n3\n", row: 2},
		"not numeric": {src: "a,b\n1,x\n", row: 1, column: "b"},
		"nan":         {src: "a,b\nNaN,1\n", row: 1, column: "a"},
	} {
		_, err := ReadCSV(strings.NewReader(tc.src))
		var fe *FieldError
		require.True(t, errors.As(err, &fe), name)
		assert.Equal(t, tc.row, fe.Row, name)
		assert.Equal(t, tc.column, fe.Column, name)
	}
	_, err = ReadCSV(strings.NewReader("a,b\nInf,1\n"))
	assert.ErrorIs(t, err, ErrNonFinite)
	_, err = ReadCSV(strings.NewReader(""))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := sampleTable()
	b := sampleTable()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	b.Data.Set(2, 1, 0.3333)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	c := sampleTable()
	c.Columns[0] = "z"
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestNewTable(t *testing.T) {
	tbl, err := NewTable(nil, mat.NewDense(1, 2, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, tbl.Columns)
	_, err = NewTable([]string{"a"}, mat.NewDense(1, 2, nil))
	assert.Error(t, err)
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	want := sampleTable()
	require.NoError(t, s.Write(want, "exp/fold.0/test"))
	got, err := s.Read("exp/fold.0/test")
	require.NoError(t, err)
	assert.Equal(t, want.Columns, got.Columns)
	assert.True(t, mat.Equal(want.Data, got.Data))
	assert.Equal(t, want.Fingerprint(), got.Fingerprint())

	_, err = s.Read("exp/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ReadMeta("exp/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	type record struct {
		K    int       `json:"k"`
		Seed uint64    `json:"seed"`
		Mean []float64 `json:"mean"`
	}
	m, err := MetaOf(record{K: 5, Seed: 7, Mean: []float64{0.5, -1}})
	require.NoError(t, err)
	require.NoError(t, s.WriteMeta(m, "exp/meta"))
	back, err := s.ReadMeta("exp/meta")
	require.NoError(t, err)
	var r record
	require.NoError(t, back.Decode(&r))
	assert.Equal(t, record{K: 5, Seed: 7, Mean: []float64{0.5, -1}}, r)
}

func TestFS(t *testing.T) {
	dir := t.TempDir()
	testStore(t, FS{Root: dir})
	_, err := os.Stat(filepath.Join(dir, "exp", "fold.0", "test.csv"))
	assert.NoError(t, err)

	zdir := t.TempDir()
	testStore(t, FS{Root: zdir, Compress: true})
	_, err = os.Stat(filepath.Join(zdir, "exp", "fold.0", "test.csv.gz"))
	assert.NoError(t, err)
	// Compressed tables are read whatever the store's setting.
	got, err := FS{Root: zdir}.Read("exp/fold.0/test")
	require.NoError(t, err)
	assert.True(t, mat.Equal(sampleTable().Data, got.Data))
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	testStore(t, s)

	// Stored values are copies.
	tbl := sampleTable()
	require.NoError(t, s.Write(tbl, "t"))
	tbl.Data.Set(0, 0, 100)
	got, err := s.Read("t")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Data.At(0, 0))

	tables, metas := s.Paths()
	assert.Contains(t, tables, "t")
	assert.Contains(t, metas, "exp/meta")
}

func TestMetaOf(t *testing.T) {
	_, err := MetaOf([]int{1})
	assert.Error(t, err)
	_, err = MetaOf(map[string]float64{"x": 0})
	assert.NoError(t, err)
}
