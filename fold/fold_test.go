package fold

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/miltonra/RomCom/store"
)

func randomDataset(t *testing.T, n, m, l int, seed uint64) *Dataset {
	t.Helper()
	rnd := rand.New(rand.NewPCG(seed, 0))
	x := mat.NewDense(n, m, nil)
	x.Apply(func(int, int, float64) float64 { return 3 + 2*rnd.NormFloat64() }, x)
	y := mat.NewDense(n, l, nil)
	y.Apply(func(int, int, float64) float64 { return -1 + 0.5*rnd.NormFloat64() }, y)
	d, err := NewDataset(x, y, nil, nil)
	require.NoError(t, err)
	return d
}

func TestMeanStdMat(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{1, 5, 2, 5, 3, 5})
	mean, std := MeanStdMat(x)
	assert.Equal(t, []float64{2, 5}, mean)
	assert.Equal(t, []float64{1, 1}, std)

	_, std = MeanStdMat(mat.NewDense(1, 1, []float64{4}))
	assert.Equal(t, []float64{1}, std)
	assert.Panics(t, func() { MeanStdMat(nil) })
}

func TestEveryRowTestedOnce(t *testing.T) {
	for _, tc := range []struct{ n, k int }{{100, 5}, {17, 4}, {10, 10}, {3, 2}} {
		repo, err := IntoKFolds(randomDataset(t, tc.n, 2, 1, 1), tc.k, 42)
		require.NoError(t, err)
		count := make([]int, tc.n)
		for _, f := range repo.Folds() {
			test := f.TestIndices()
			train := f.TrainIndices()
			all := append(append([]int(nil), test...), train...)
			sort.Ints(all)
			for i, r := range all {
				assert.Equal(t, i, r)
			}
			// Block sizes differ by at most one.
			assert.InDelta(t, float64(tc.n)/float64(tc.k), float64(len(test)), 1)
			for _, r := range test {
				count[r]++
			}
		}
		for i, c := range count {
			assert.Equal(t, 1, c, "n=%d k=%d row %d", tc.n, tc.k, i)
		}
	}
}

func TestSplitIsReproducible(t *testing.T) {
	d := randomDataset(t, 100, 3, 2, 2)
	a, err := IntoKFolds(d, 5, 0)
	require.NoError(t, err)
	b, err := IntoKFolds(randomDataset(t, 100, 1, 1, 9), 5, 0)
	require.NoError(t, err)
	c, err := IntoKFolds(d, 5, 1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		fa, err := a.RotateFolds(i)
		require.NoError(t, err)
		fb, err := b.RotateFolds(i)
		require.NoError(t, err)
		assert.Equal(t, fa.TestIndices(), fb.TestIndices())
	}
	fa, _ := a.RotateFolds(0)
	fc, _ := c.RotateFolds(0)
	assert.NotEqual(t, fa.TestIndices(), fc.TestIndices())
	_, err = a.RotateFolds(5)
	assert.Error(t, err)
}

func TestSplitErrors(t *testing.T) {
	d := randomDataset(t, 4, 1, 1, 3)
	_, err := IntoKFolds(d, 1, 0)
	assert.ErrorIs(t, err, ErrSchema)
	_, err = IntoKFolds(randomDataset(t, 1, 1, 1, 3), 2, 0)
	assert.ErrorIs(t, err, ErrSchema)
	repo, err := IntoKFolds(d, 9, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, repo.K())
}

func TestNormalizationUsesTrainingRows(t *testing.T) {
	d := randomDataset(t, 40, 2, 2, 4)
	repo, err := IntoKFolds(d, 4, 7)
	require.NoError(t, err)
	f, err := repo.RotateFolds(1)
	require.NoError(t, err)

	x, y := f.Train()
	for _, a := range []*mat.Dense{x, y} {
		_, c := a.Dims()
		for j := 0; j < c; j++ {
			col := mat.Col(nil, j, a)
			mean, std := stat.MeanStdDev(col, nil)
			assert.InDelta(t, 0, mean, 1e-12)
			assert.InDelta(t, 1, std, 1e-12)
		}
	}

	// Perturbing test rows leaves the normalisation alone.
	px := mat.DenseCopyOf(d.X)
	for _, r := range f.TestIndices() {
		px.Set(r, 0, 1e6)
	}
	pd, err := NewDataset(px, d.Y, nil, nil)
	require.NoError(t, err)
	prepo, err := IntoKFolds(pd, 4, 7)
	require.NoError(t, err)
	pf, err := prepo.RotateFolds(1)
	require.NoError(t, err)
	assert.Equal(t, f.Normalization(), pf.Normalization())

	_, ty := f.Test()
	raw := mat.NewDense(len(f.TestIndices()), 2, nil)
	for i, r := range f.TestIndices() {
		raw.SetRow(i, d.Y.RawRowView(r))
	}
	assert.True(t, mat.EqualApprox(f.NormalizeY(raw), ty, 1e-12))
	assert.True(t, mat.EqualApprox(f.DenormalizeY(ty), raw, 1e-12))

	v := mat.NewDense(1, 2, []float64{1, 4})
	dv := f.DenormalizeVariance(v)
	n := f.Normalization()
	assert.InDelta(t, n.StdY[0]*n.StdY[0], dv.At(0, 0), 1e-12)
	assert.InDelta(t, 4*n.StdY[1]*n.StdY[1], dv.At(0, 1), 1e-12)
}

func TestFullFold(t *testing.T) {
	repo, err := IntoKFolds(randomDataset(t, 12, 2, 1, 5), 3, 0)
	require.NoError(t, err)
	full := repo.Full()
	assert.Len(t, full.TrainIndices(), 12)
	x, y := full.Test()
	assert.Nil(t, x)
	assert.Nil(t, y)
}

func TestRotate(t *testing.T) {
	d := randomDataset(t, 20, 2, 1, 6)
	repo, err := IntoKFolds(d, 4, 3)
	require.NoError(t, err)
	c, s := math.Cos(0.3), math.Sin(0.3)
	r := mat.NewDense(2, 2, []float64{c, -s, s, c})
	rotated, err := repo.Rotate(r)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(rotated.Rotation(), r, 1e-15))
	assert.True(t, mat.Equal(repo.Rotation(), identity(2)))

	f, err := rotated.RotateFolds(0)
	require.NoError(t, err)
	orig, err := repo.RotateFolds(0)
	require.NoError(t, err)
	assert.Equal(t, orig.TestIndices(), f.TestIndices())

	// The fold's inputs are R x normalised.
	raw := mat.NewDense(1, 2, nil)
	raw.SetRow(0, d.X.RawRowView(f.TrainIndices()[0]))
	x, _ := f.Train()
	assert.InDeltaSlice(t, x.RawRowView(0), f.NormalizeX(raw).RawRowView(0), 1e-12)

	// Rotating twice composes.
	back, err := f.Rotate(r.T())
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(back.Rotation(), identity(2), 1e-12))

	for _, bad := range []mat.Matrix{
		mat.NewDense(2, 2, []float64{1, 0, 0, 2}),
		mat.NewDense(3, 3, nil),
		mat.NewDense(2, 2, []float64{math.NaN(), 0, 0, 1}),
	} {
		_, err := repo.Rotate(bad)
		assert.ErrorIs(t, err, ErrRotation)
	}
}

func TestSchemaErrors(t *testing.T) {
	for name, src := range map[string]string{
		"ragged":      "a,b\n1,2\n3\n",
		"not numeric": "a,b\n1,q\n",
		"nan":         "a,b\n1,NaN\n",
		"no rows":     "a,b\n",
		"no outputs":  "a\n1\n",
	} {
		_, err := FromCSV(strings.NewReader(src), 1)
		assert.ErrorIs(t, err, ErrSchema, name)
	}
	d, err := FromCSV(strings.NewReader("a,b,c\n1,2,3\n4,5,6\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, d.Inputs)
	assert.Equal(t, []string{"c"}, d.Outputs)

	_, err = NewDataset(mat.NewDense(2, 1, nil), mat.NewDense(3, 1, nil), nil, nil)
	assert.ErrorIs(t, err, ErrSchema)
	_, err = FromTables(
		&store.Table{Columns: []string{"a"}, Data: mat.NewDense(2, 1, nil)},
		&store.Table{Columns: []string{"b"}, Data: mat.NewDense(1, 1, nil)},
	)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestSaveLoad(t *testing.T) {
	st := store.NewMemory()
	d := randomDataset(t, 15, 2, 2, 8)
	repo, err := IntoKFolds(d, 4, 11)
	require.NoError(t, err)
	c, s := math.Cos(1), math.Sin(1)
	repo, err = repo.Rotate(mat.NewDense(2, 2, []float64{c, s, -s, c}))
	require.NoError(t, err)
	require.NoError(t, repo.Save(st, "exp"))

	got, err := LoadRepository(st, "exp")
	require.NoError(t, err)
	assert.Equal(t, repo.K(), got.K())
	assert.Equal(t, repo.Seed(), got.Seed())
	assert.Equal(t, repo.Fingerprint(), got.Fingerprint())
	assert.True(t, mat.EqualApprox(repo.Rotation(), got.Rotation(), 1e-15))
	assert.Equal(t, repo.Standardization(), got.Standardization())
	for i, f := range repo.Folds() {
		g := got.Folds()[i]
		assert.Equal(t, f.TestIndices(), g.TestIndices())
		assert.Equal(t, f.Normalization(), g.Normalization())
	}

	// Data that no longer matches the split is rejected.
	tbl := d.Table()
	tbl.Data.Set(0, 0, tbl.Data.At(0, 0)+1)
	require.NoError(t, st.Write(tbl, "exp/data"))
	_, err = LoadRepository(st, "exp")
	assert.ErrorIs(t, err, ErrSchema)

	_, err = LoadRepository(st, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStandardizeBeforeRotation(t *testing.T) {
	rnd := rand.New(rand.NewPCG(12, 0))
	n := 50
	x := mat.NewDense(n, 2, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, rnd.NormFloat64())
		x.Set(i, 1, 100*rnd.NormFloat64())
		y.Set(i, 0, x.At(i, 0)+x.At(i, 1)/100)
	}
	d, err := NewDataset(x, y, nil, nil)
	require.NoError(t, err)
	repo, err := IntoKFolds(d, 5, 1)
	require.NoError(t, err)

	base := repo.Standardization()
	wantMean, wantStd := MeanStdMat(x)
	assert.Equal(t, wantMean, base.Mean)
	assert.Equal(t, wantStd, base.Std)

	// Unrotated, the full fold is the standardised data.
	fx, _ := repo.Full().Train()
	for j := 0; j < 2; j++ {
		mean, std := stat.MeanStdDev(mat.Col(nil, j, fx), nil)
		assert.InDelta(t, 0, mean, 1e-12)
		assert.InDelta(t, 1, std, 1e-12)
	}

	// The rotation mixes standardised inputs, not raw ones.
	c := 1 / math.Sqrt2
	r := mat.NewDense(2, 2, []float64{c, c, -c, c})
	rotated, err := repo.Rotate(r)
	require.NoError(t, err)
	f := rotated.Full()
	assert.Equal(t, base, f.Standardization())
	rx, _ := f.Train()
	norm := f.Normalization()
	for k, row := range f.TrainIndices() {
		z0 := (x.At(row, 0) - base.Mean[0]) / base.Std[0]
		z1 := (x.At(row, 1) - base.Mean[1]) / base.Std[1]
		want0 := (c*z0 + c*z1 - norm.MeanX[0]) / norm.StdX[0]
		want1 := (-c*z0 + c*z1 - norm.MeanX[1]) / norm.StdX[1]
		assert.InDelta(t, want0, rx.At(k, 0), 1e-10)
		assert.InDelta(t, want1, rx.At(k, 1), 1e-10)
	}
	// Rotated columns stay on the unit scale of the standardised inputs.
	assert.InDelta(t, 1, norm.StdX[0], 0.5)
	assert.InDelta(t, 1, norm.StdX[1], 0.5)
}

func TestLoadRejectsBadPermutation(t *testing.T) {
	st := store.NewMemory()
	repo, err := IntoKFolds(randomDataset(t, 6, 1, 1, 13), 2, 0)
	require.NoError(t, err)
	require.NoError(t, repo.Save(st, "exp"))
	meta, err := st.ReadMeta("exp/meta")
	require.NoError(t, err)

	for _, perm := range [][]int{
		{0, 0, 0, 0, 0, 99},
		{0, 1, 2, 3, 4, 4},
		{-1, 1, 2, 3, 4, 5},
	} {
		meta["permutation"] = perm
		require.NoError(t, st.WriteMeta(meta, "exp/meta"))
		_, err := LoadRepository(st, "exp")
		assert.ErrorIs(t, err, ErrSchema, "%v", perm)
	}

	meta["permutation"] = []int{5, 4, 3, 2, 1, 0}
	require.NoError(t, st.WriteMeta(meta, "exp/meta"))
	got, err := LoadRepository(st, "exp")
	require.NoError(t, err)
	f, err := got.RotateFolds(0)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 3}, f.TestIndices())
}
