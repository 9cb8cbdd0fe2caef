package main

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/store"
)

func TestSplitCommand(t *testing.T) {
	dir := t.TempDir()
	rnd := rand.New(rand.NewPCG(1, 0))
	data := mat.NewDense(20, 3, nil)
	data.Apply(func(int, int, float64) float64 { return rnd.NormFloat64() }, data)
	f, err := os.Create(filepath.Join(dir, "data.csv"))
	require.NoError(t, err)
	require.NoError(t, store.WriteCSV(f, &store.Table{Columns: []string{"x", "z", "y"}, Data: data}))
	require.NoError(t, f.Close())

	cfgPath := filepath.Join(dir, "romcom.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
data:
  csv: `+filepath.Join(dir, "data.csv")+`
  inputs: 2
split:
  k: 4
log:
  level: error
`), 0o644))

	rootCmd.SetArgs([]string{"split", "-c", cfgPath, "--root", dir, "-d", "exp"})
	require.NoError(t, rootCmd.Execute())
	for _, p := range []string{"exp/data.csv", "exp/meta.json", "exp/fold.3/meta.json"} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.NoError(t, err, p)
	}

	rootCmd.SetArgs([]string{"gsa", "-c", cfgPath, "--root", dir, "-d", "exp"})
	assert.Error(t, rootCmd.Execute(), "gsa before calibrate")
}
