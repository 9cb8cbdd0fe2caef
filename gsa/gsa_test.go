package gsa

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/gpr"
)

// bumps is a Surrogate with fixed mean components.
type bumps struct {
	x     *mat.Dense
	comps []gpr.MeanComponent
}

func (b bumps) Inputs() mat.Matrix {
	return b.x
}

func (b bumps) MeanComponents() ([]gpr.MeanComponent, error) {
	return b.comps, nil
}

func randomBumps(rnd *rand.Rand, n, m, l int) bumps {
	x := mat.NewDense(n, m, nil)
	x.Apply(func(int, int, float64) float64 { return rnd.NormFloat64() }, x)
	comps := make([]gpr.MeanComponent, l)
	for o := range comps {
		c := gpr.MeanComponent{Variance: 0.5 + rnd.Float64(), Weights: make([]float64, n)}
		for j := 0; j < m; j++ {
			c.Lengthscales = append(c.Lengthscales, 0.7+rnd.Float64())
		}
		for i := range c.Weights {
			c.Weights[i] = rnd.NormFloat64()
		}
		comps[o] = c
	}
	return bumps{x: x, comps: comps}
}

func TestSingleBump(t *testing.T) {
	// f(x) = Π_j exp(-½ p_j x_j²) has independent factors, so every
	// conditional variance is known exactly.
	ls := []float64{0.8, 1.5, 3}
	s := bumps{
		x:     mat.NewDense(1, 3, nil),
		comps: []gpr.MeanComponent{{Lengthscales: ls, Variance: 1, Weights: []float64{1}}},
	}
	a, err := New(s, Options{})
	require.NoError(t, err)
	assert.Equal(t, ClosedForm, a.Method())

	p := make([]float64, len(ls))
	mean := 1.0
	second := 1.0
	for j, l := range ls {
		p[j] = 1 / (l * l)
		mean *= 1 / math.Sqrt(1+p[j])
		second *= 1 / math.Sqrt(1+2*p[j])
	}
	assert.InDelta(t, mean, a.Mean()[0], 1e-12)
	assert.InDelta(t, second-mean*mean, a.Total().At(0, 0), 1e-12)

	res, err := a.Calibrate(context.Background())
	require.NoError(t, err)
	for i := range ls {
		v := 1/math.Sqrt(1+2*p[i]) - 1/(1+p[i])
		for j := range ls {
			if j != i {
				v /= 1 + p[j]
			}
		}
		sub, ok := res.Lookup(i)
		require.True(t, ok)
		assert.InDelta(t, v, sub.Variance.At(0, 0), 1e-12, "input %d", i)
	}
	require.NoError(t, res.Check(1e-12))
}

func TestEmptySubsetHasNoVariance(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 0))
	a, err := New(randomBumps(rnd, 6, 2, 2), Options{})
	require.NoError(t, err)
	v, err := a.variance(nil)
	require.NoError(t, err)
	assert.True(t, mat.Equal(v, mat.NewSymDense(2, nil)))

	// A zero projection shares nothing between x and x'.
	g := a.ints.(*gaussian)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			e, err := g.projected(mat.NewSymDense(2, nil), i, j)
			require.NoError(t, err)
			assert.InDelta(t, a.mean[i]*a.mean[j], e, 1e-10)
		}
	}
}

func TestQuadratureMatchesClosedForm(t *testing.T) {
	rnd := rand.New(rand.NewPCG(2, 0))
	s := randomBumps(rnd, 8, 3, 2)
	closed, err := New(s, Options{Method: ClosedForm, Subsets: [][]int{{0, 2}}})
	require.NoError(t, err)
	quadr, err := New(s, Options{Method: Quadrature, Points: 48, Subsets: [][]int{{0, 2}}})
	require.NoError(t, err)

	rc, err := closed.Calibrate(context.Background())
	require.NoError(t, err)
	rq, err := quadr.Calibrate(context.Background())
	require.NoError(t, err)

	assert.InDeltaSlice(t, rc.Mean, rq.Mean, 1e-8)
	assert.True(t, mat.EqualApprox(rc.Total, rq.Total, 1e-8))
	require.Len(t, rq.Subsets, len(rc.Subsets))
	for _, sc := range rc.Subsets {
		sq, ok := rq.Lookup(sc.Inputs...)
		require.True(t, ok, "subset %v", sc.Inputs)
		assert.True(t, mat.EqualApprox(sc.Variance, sq.Variance, 1e-8), "subset %v", sc.Inputs)
	}
	assert.True(t, mat.EqualApprox(rc.FirstOrder, rq.FirstOrder, 1e-6))
	assert.True(t, mat.EqualApprox(rc.TotalEffect, rq.TotalEffect, 1e-6))
}

func TestIndexBounds(t *testing.T) {
	rnd := rand.New(rand.NewPCG(3, 0))
	a, err := New(randomBumps(rnd, 10, 4, 3), Options{AllSubsets: true, Concurrency: 2})
	require.NoError(t, err)
	res, err := a.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Subsets, 15)
	assert.Empty(t, res.Failed)
	assert.False(t, res.Incomplete)
	require.NoError(t, res.Check(1e-9))

	full, ok := res.Lookup(0, 1, 2, 3)
	require.True(t, ok)
	for l := 0; l < 3; l++ {
		assert.InDelta(t, 1, full.Index.At(l, l), 1e-9)
	}
	// Closed indices grow with the subset.
	for _, s := range res.Subsets {
		for _, sup := range res.Subsets {
			if !contains(sup.Inputs, s.Inputs) {
				continue
			}
			for l := 0; l < 3; l++ {
				assert.LessOrEqual(t, s.Index.At(l, l), sup.Index.At(l, l)+1e-9, "%v ⊂ %v", s.Inputs, sup.Inputs)
			}
		}
	}
}

func contains(super, sub []int) bool {
	in := make(map[int]bool)
	for _, i := range super {
		in[i] = true
	}
	for _, i := range sub {
		if !in[i] {
			return false
		}
	}
	return true
}

func TestMonteCarloAgrees(t *testing.T) {
	rnd := rand.New(rand.NewPCG(4, 0))
	s := randomBumps(rnd, 6, 2, 1)
	for _, marg := range []Marginal{Normal{}, StandardUniform()} {
		a, err := New(s, Options{Marginal: marg})
		require.NoError(t, err)
		if _, ok := marg.(Uniform); ok {
			assert.Equal(t, Quadrature, a.Method())
		}
		res, err := a.Calibrate(context.Background())
		require.NoError(t, err)
		first, total, err := MonteCarlo(s, marg, 40000, rand.NewPCG(5, 0))
		require.NoError(t, err)
		assert.True(t, mat.EqualApprox(res.FirstOrder, first, 0.05), "%v first order\n%v\n%v", marg, mat.Formatted(res.FirstOrder), mat.Formatted(first))
		assert.True(t, mat.EqualApprox(res.TotalEffect, total, 0.05), "%v total effect\n%v\n%v", marg, mat.Formatted(res.TotalEffect), mat.Formatted(total))
	}
}

func TestOptionErrors(t *testing.T) {
	rnd := rand.New(rand.NewPCG(6, 0))
	s := randomBumps(rnd, 4, 2, 1)
	for _, opts := range []Options{
		{Method: ClosedForm, Marginal: StandardUniform()},
		{Marginal: Uniform{Min: 1, Max: 1}},
		{Subsets: [][]int{{0, 2}}},
		{Subsets: [][]int{{1, 1}}},
	} {
		_, err := New(s, opts)
		assert.ErrorIs(t, err, ErrOptions, "%+v", opts)
	}
	a, err := New(s, Options{Method: Quadrature})
	require.NoError(t, err)
	_, err = a.ROM(context.Background(), DefaultROMOptions(), nil)
	assert.ErrorIs(t, err, ErrOptions)
}

func TestCanceled(t *testing.T) {
	rnd := rand.New(rand.NewPCG(7, 0))
	a, err := New(randomBumps(rnd, 4, 2, 1), Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Calibrate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// calibrated returns a GP of y = f(x) on n standard normal samples.
func calibrated(t *testing.T, n, m int, f func([]float64) float64) *gpr.GP {
	t.Helper()
	rnd := rand.New(rand.NewPCG(8, 0))
	x := mat.NewDense(n, m, nil)
	x.Apply(func(int, int, float64) float64 { return rnd.NormFloat64() }, x)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		y.Set(i, 0, f(x.RawRowView(i)))
	}
	g, err := gpr.New(x, y)
	require.NoError(t, err)
	_, err = g.Calibrate(context.Background(), gpr.DefaultOptions())
	require.NoError(t, err)
	return g
}

func TestFirstInputOnly(t *testing.T) {
	g := calibrated(t, 100, 2, func(x []float64) float64 { return x[0] })
	a, err := New(g, Options{})
	require.NoError(t, err)
	res, err := a.Calibrate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1, res.FirstOrder.At(0, 0), 0.02)
	assert.InDelta(t, 0, res.FirstOrder.At(0, 1), 0.02)
	assert.InDelta(t, 1, res.TotalEffect.At(0, 0), 0.02)
	assert.InDelta(t, 0, res.TotalEffect.At(0, 1), 0.02)
}

func TestROMFindsDirection(t *testing.T) {
	u := []float64{1 / math.Sqrt2, 1 / math.Sqrt2}
	g := calibrated(t, 80, 2, func(x []float64) float64 { return u[0]*x[0] + u[1]*x[1] })
	a, err := New(g, Options{})
	require.NoError(t, err)
	res, err := a.Calibrate(context.Background())
	require.NoError(t, err)

	opts := DefaultROMOptions()
	opts.Seed = 1
	rot, err := a.ROM(context.Background(), opts, nil)
	require.NoError(t, err)
	require.NoError(t, checkOrthonormal(rot.R))
	align := math.Abs(rot.R.At(0, 0)*u[0] + rot.R.At(0, 1)*u[1])
	assert.InDelta(t, 1, align, 0.05)
	assert.Greater(t, rot.Index, 0.95)
	assert.Greater(t, rot.Index, math.Max(res.FirstOrder.At(0, 0), res.FirstOrder.At(0, 1))+0.2)
	assert.Len(t, rot.Restarts, opts.Restarts)
	assert.GreaterOrEqual(t, rot.Best, 0)
}

func TestROMSeed(t *testing.T) {
	rnd := rand.New(rand.NewPCG(9, 0))
	a, err := New(randomBumps(rnd, 5, 3, 1), Options{})
	require.NoError(t, err)
	bad := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 2, 0, 0, 0, 1})
	_, err = a.ROM(context.Background(), DefaultROMOptions(), bad)
	assert.ErrorIs(t, err, ErrRotation)

	opts := DefaultROMOptions()
	opts.Dim = 4
	_, err = a.ROM(context.Background(), opts, nil)
	assert.ErrorIs(t, err, ErrOptions)

	// The full space always carries all the variance.
	opts.Dim = 3
	opts.Restarts = 1
	rot, err := a.ROM(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1, rot.Index, 1e-9)
}

func checkOrthonormal(r *mat.Dense) error {
	m, _ := r.Dims()
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	if !mat.EqualApprox(&rrt, identity(m), 1e-10) {
		return ErrRotation
	}
	return nil
}

// failing fails the integrals of one subset.
type failing struct {
	integrator
	inputs []int
}

func (f failing) subset(s []int, a, b int) (float64, error) {
	if subsetKey(s) == subsetKey(f.inputs) {
		return math.NaN(), errors.New("moment is not finite")
	}
	return f.integrator.subset(s, a, b)
}

func TestFailedSubsetIsRecorded(t *testing.T) {
	rnd := rand.New(rand.NewPCG(10, 0))
	a, err := New(randomBumps(rnd, 6, 3, 2), Options{})
	require.NoError(t, err)
	a.ints = failing{integrator: a.ints, inputs: []int{1}}
	res, err := a.Calibrate(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, []int{1}, res.Failed[0].Inputs)
	assert.Error(t, res.Failed[0].Err)
	_, ok := res.Lookup(1)
	assert.False(t, ok)
	for l := 0; l < 2; l++ {
		assert.True(t, math.IsNaN(res.FirstOrder.At(l, 1)))
		assert.False(t, math.IsNaN(res.FirstOrder.At(l, 0)))
		assert.False(t, math.IsNaN(res.FirstOrder.At(l, 2)))
		for i := 0; i < 3; i++ {
			assert.False(t, math.IsNaN(res.TotalEffect.At(l, i)))
		}
	}
	require.NoError(t, res.Check(1e-9))
}

// cancelling cancels a context once the first subset has been integrated.
type cancelling struct {
	integrator
	cancel context.CancelFunc
}

func (c cancelling) subset(s []int, a, b int) (float64, error) {
	v, err := c.integrator.subset(s, a, b)
	c.cancel()
	return v, err
}

func TestCanceledMidRunIsIncomplete(t *testing.T) {
	rnd := rand.New(rand.NewPCG(11, 0))
	a, err := New(randomBumps(rnd, 6, 3, 1), Options{Concurrency: 1})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.ints = cancelling{integrator: a.ints, cancel: cancel}
	res, err := a.Calibrate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Empty(t, res.Failed)
	require.Len(t, res.Subsets, 1)
	assert.Equal(t, []int{0}, res.Subsets[0].Inputs)
	assert.False(t, math.IsNaN(res.FirstOrder.At(0, 0)))
	assert.True(t, math.IsNaN(res.FirstOrder.At(0, 1)))
	assert.True(t, math.IsNaN(res.TotalEffect.At(0, 0)))
}

func TestPosteriorIntegrals(t *testing.T) {
	g := calibrated(t, 12, 1, func(x []float64) float64 { return math.Sin(x[0]) })
	a, err := New(g, Options{Error: true})
	require.NoError(t, err)

	// Integrate the posterior covariance of the GP itself.
	nodes, w := Normal{}.Rule(60)
	c, err := g.PredictCov(mat.NewDense(len(nodes), 1, nodes), 0)
	require.NoError(t, err)
	var diag, all float64
	for q := range nodes {
		diag += w[q] * c.At(q, q)
		for r := range nodes {
			all += w[q] * w[r] * c.At(q, r)
		}
	}
	assert.InDelta(t, diag, a.post.expected([]int{0}, 0), 1e-6)
	assert.InDelta(t, all, a.post.empty[0], 1e-6)

	res, err := a.Calibrate(context.Background())
	require.NoError(t, err)
	vt := res.Total.At(0, 0)
	assert.InDelta(t, (diag-all)/vt, res.FirstOrderError.At(0, 0), 1e-5)
	assert.InDelta(t, res.FirstOrderError.At(0, 0), res.TotalEffectError.At(0, 0), 1e-12)
}

func TestIndexErrors(t *testing.T) {
	f := func(x []float64) float64 { return math.Sin(x[0]) + 0.3*x[1] }
	sparse := calibrated(t, 10, 2, f)
	dense := calibrated(t, 80, 2, f)

	var first []float64
	for _, g := range []*gpr.GP{sparse, dense} {
		closed, err := New(g, Options{Error: true})
		require.NoError(t, err)
		quadr, err := New(g, Options{Error: true, Method: Quadrature, Points: 48})
		require.NoError(t, err)
		rc, err := closed.Calibrate(context.Background())
		require.NoError(t, err)
		rq, err := quadr.Calibrate(context.Background())
		require.NoError(t, err)
		assert.True(t, mat.EqualApprox(rc.FirstOrderError, rq.FirstOrderError, 1e-6))
		assert.True(t, mat.EqualApprox(rc.TotalEffectError, rq.TotalEffectError, 1e-6))
		for i := 0; i < 2; i++ {
			assert.GreaterOrEqual(t, rc.FirstOrderError.At(0, i), 0.0)
			assert.GreaterOrEqual(t, rc.TotalEffectError.At(0, i), rc.FirstOrderError.At(0, i)-1e-9)
		}
		first = append(first, rc.FirstOrderError.At(0, 0))
	}
	// More data leaves less of the index to the posterior.
	assert.Less(t, first[1], first[0])

	rnd := rand.New(rand.NewPCG(12, 0))
	_, err := New(randomBumps(rnd, 4, 2, 1), Options{Error: true})
	assert.ErrorIs(t, err, ErrOptions)
}
