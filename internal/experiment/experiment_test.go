package experiment

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/fold"
	"github.com/miltonra/RomCom/gpr"
	"github.com/miltonra/RomCom/gsa"
	"github.com/miltonra/RomCom/internal/config"
	"github.com/miltonra/RomCom/store"
)

func testData(n int) *store.Table {
	rnd := rand.New(rand.NewPCG(11, 0))
	data := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		x0, x1 := rnd.NormFloat64(), rnd.NormFloat64()
		data.SetRow(i, []float64{x0, x1, math.Sin(x0) + 0.1*x1, x0 * x1})
	}
	return &store.Table{Columns: []string{"a", "b", "f", "g"}, Data: data}
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Data.Inputs = 2
	cfg.Split.K = 3
	cfg.GP.Restarts = 1
	cfg.GP.MaxIterations = 60
	cfg.ROM.Enabled = true
	cfg.ROM.Restarts = 2
	cfg.ROM.MaxIterations = 30
	cfg.ROM.Rotate = true
	cfg.Metrics = filepath.Join(t.TempDir(), "run.prom")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRun(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Write(testData(30), "exp/data"))
	cfg := testConfig(t)
	cfg.GSA.Error = true
	r := New(cfg, st, "exp", nil, nil)
	require.NoError(t, r.Run(context.Background()))

	tables, metas := st.Paths()
	for _, p := range []string{
		"exp/fold.0/test", "exp/fold.2/test", "exp/test_summary",
		"exp/gsa/S", "exp/gsa/T", "exp/gsa/V", "exp/gsa/W", "exp/gsa/WT", "exp/rom/rotation",
		"exp/rotated/data",
	} {
		assert.Contains(t, tables, p)
	}
	for _, p := range []string{
		"exp/meta", "exp/fold.1/meta", "exp/fold.1/gp/meta", "exp/full/gp/meta",
		"exp/gsa/meta", "exp/rom/meta", "exp/run/meta", "exp/rotated/meta",
	} {
		assert.Contains(t, metas, p)
	}

	summary, err := st.Read("exp/test_summary")
	require.NoError(t, err)
	rows, cols := summary.Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 7, cols)
	assert.Equal(t, []string{"fold", "f.rmse", "f.std_rmse", "f.loo", "g.rmse", "g.std_rmse", "g.loo"}, summary.Columns)
	for i := 0; i < rows; i++ {
		assert.Equal(t, float64(i), summary.Data.At(i, 0))
	}

	// Every row is tested exactly once across the folds.
	var tested int
	for i := 0; i < 3; i++ {
		tt, err := st.Read("exp/fold." + strconv.Itoa(i) + "/test")
		require.NoError(t, err)
		n, _ := tt.Dims()
		tested += n
		assert.Equal(t, []string{"f", "f.mean", "f.std", "g", "g.mean", "g.std"}, tt.Columns)
	}
	assert.Equal(t, 30, tested)

	s, err := st.Read("exp/gsa/S")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.Columns)
	tot, err := st.Read("exp/gsa/T")
	require.NoError(t, err)
	sr, sc := s.Dims()
	for o := 0; o < sr; o++ {
		var sum float64
		for i := 0; i < sc; i++ {
			assert.LessOrEqual(t, s.Data.At(o, i), tot.Data.At(o, i)+1e-9)
			sum += s.Data.At(o, i)
		}
		assert.LessOrEqual(t, sum, 1+1e-9)
	}

	w, err := st.Read("exp/gsa/W")
	require.NoError(t, err)
	assert.Equal(t, s.Columns, w.Columns)
	for o := 0; o < sr; o++ {
		for i := 0; i < sc; i++ {
			assert.GreaterOrEqual(t, w.Data.At(o, i), 0.0)
		}
	}

	rot, err := st.Read("exp/rom/rotation")
	require.NoError(t, err)
	require.NoError(t, fold.CheckRotation(rot.Data, 2, 1e-9))
	rotated, err := fold.LoadRepository(st, "exp/rotated")
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(rotated.Rotation(), rot.Data, 1e-12))

	meta, err := st.ReadMeta("exp/run/meta")
	require.NoError(t, err)
	assert.Equal(t, r.RunID(), meta["run"])
	assert.Empty(t, meta["failed"])

	b, err := os.ReadFile(cfg.Metrics)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "romcom_gsa_rom_index"))
}

func TestLoadModel(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Write(testData(24), "exp/data"))
	cfg := testConfig(t)
	r := New(cfg, st, "exp", nil, nil)
	repo, err := r.Split(context.Background())
	require.NoError(t, err)
	ms, err := r.Calibrate(context.Background(), repo)
	require.NoError(t, err)
	full := ms[len(ms)-1]
	require.Equal(t, FullName, full.Name)

	loaded, err := r.Load()
	require.NoError(t, err)
	m, err := r.LoadModel(loaded, FullName)
	require.NoError(t, err)

	x, _ := full.Fold.Train()
	want, _, err := full.GP.Predict(x)
	require.NoError(t, err)
	got, _, err := m.GP.Predict(x)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(want, got, 1e-6))

	_, err = r.LoadModel(loaded, "fold.9")
	assert.Error(t, err)
}

func TestSplitFromCSV(t *testing.T) {
	dir := t.TempDir()
	csv := filepath.Join(dir, "data.csv")
	f, err := os.Create(csv)
	require.NoError(t, err)
	require.NoError(t, store.WriteCSV(f, testData(12)))
	require.NoError(t, f.Close())

	cfg := testConfig(t)
	cfg.Data.CSV = csv
	st := store.FS{Root: dir, Compress: true}
	repo, err := New(cfg, st, "exp", nil, nil).Split(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, repo.K())
	_, err = os.Stat(filepath.Join(dir, "exp", "data.csv.gz"))
	assert.NoError(t, err)

	cfg.Data.CSV = ""
	_, err = New(cfg, store.NewMemory(), "none", nil, nil).Split(context.Background())
	assert.Error(t, err)
}

func TestReduceMixedScales(t *testing.T) {
	// y depends on x0 and x1 equally once each is put on its own scale.
	rnd := rand.New(rand.NewPCG(12, 0))
	n := 60
	data := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		x0, x1 := rnd.NormFloat64(), 100*rnd.NormFloat64()
		data.SetRow(i, []float64{x0, x1, x0 + x1/100})
	}
	st := store.NewMemory()
	require.NoError(t, st.Write(&store.Table{Columns: []string{"a", "b", "y"}, Data: data}, "exp/data"))
	cfg := testConfig(t)
	cfg.GP.Restarts = 2
	cfg.GP.MaxIterations = 100
	cfg.ROM.Restarts = 3
	cfg.ROM.MaxIterations = 60
	r := New(cfg, st, "exp", nil, nil)

	ctx := context.Background()
	repo, err := r.Split(ctx)
	require.NoError(t, err)
	ms, err := r.Calibrate(ctx, repo)
	require.NoError(t, err)
	a, _, err := r.Sensitivity(ctx, ms[len(ms)-1])
	require.NoError(t, err)
	rot, err := r.Reduce(ctx, a, repo)
	require.NoError(t, err)
	assert.Greater(t, rot.Index, 0.95)

	rotated, err := fold.LoadRepository(st, "exp/rotated")
	require.NoError(t, err)
	gp, err := gpr.FromFold(rotated.Full())
	require.NoError(t, err)
	_, err = gp.Calibrate(ctx, cfg.Calibration())
	require.NoError(t, err)
	ra, err := gsa.New(gp, gsa.Options{})
	require.NoError(t, err)
	res, err := ra.Calibrate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1, res.FirstOrder.At(0, 0), 0.05)
	assert.InDelta(t, 0, res.FirstOrder.At(0, 1), 0.05)
}
