package gsa

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/miltonra/RomCom/gpr"
)

// MonteCarlo estimates first-order and total-effect indices of the posterior
// mean of s by pick-freeze sampling with n base samples. Rows of the returned
// matrices are outputs and columns are inputs. It costs n(M+2) evaluations of
// the mean and is intended for checking the integrated indices.
func MonteCarlo(s Surrogate, marg Marginal, n int, src rand.Source) (first, total *mat.Dense, err error) {
	if n < 2 {
		return nil, nil, fmt.Errorf("%w: %d Monte Carlo samples", ErrOptions, n)
	}
	if marg == nil {
		marg = Normal{}
	}
	if err := marg.validate(); err != nil {
		return nil, nil, err
	}
	comps, err := s.MeanComponents()
	if err != nil {
		return nil, nil, err
	}
	x := mat.DenseCopyOf(s.Inputs())
	_, m := x.Dims()
	l := len(comps)
	prec := precisions(comps)

	draw := marg.Sampler(src)
	sample := func() *mat.Dense {
		d := mat.NewDense(n, m, nil)
		d.Apply(func(int, int, float64) float64 { return draw() }, d)
		return d
	}
	a, b := sample(), sample()
	fa := evalMean(x, comps, prec, a)
	fb := evalMean(x, comps, prec, b)

	first = mat.NewDense(l, m, nil)
	total = mat.NewDense(l, m, nil)
	vt := make([]float64, l)
	both := make([]float64, 2*n)
	for o := 0; o < l; o++ {
		copy(both, fa.RawRowView(o))
		copy(both[n:], fb.RawRowView(o))
		vt[o] = stat.Variance(both, nil)
	}

	ab := mat.NewDense(n, m, nil)
	for i := 0; i < m; i++ {
		ab.Copy(a)
		col := mat.Col(nil, i, b)
		ab.SetCol(i, col)
		fab := evalMean(x, comps, prec, ab)
		for o := 0; o < l; o++ {
			ra, rb, rab := fa.RawRowView(o), fb.RawRowView(o), fab.RawRowView(o)
			var v, vtot float64
			for k := 0; k < n; k++ {
				v += rb[k] * (rab[k] - ra[k])
				d := ra[k] - rab[k]
				vtot += d * d
			}
			v /= float64(n)
			vtot /= 2 * float64(n)
			if vt[o] == 0 {
				first.Set(o, i, math.NaN())
				total.Set(o, i, math.NaN())
				continue
			}
			first.Set(o, i, v/vt[o])
			total.Set(o, i, vtot/vt[o])
		}
	}
	return first, total, nil
}

// evalMean returns the L×P posterior means at the rows of pts.
func evalMean(x *mat.Dense, comps []gpr.MeanComponent, prec [][]float64, pts *mat.Dense) *mat.Dense {
	n, m := x.Dims()
	p, _ := pts.Dims()
	f := mat.NewDense(len(comps), p, nil)
	for o, c := range comps {
		for k := 0; k < p; k++ {
			pt := pts.RawRowView(k)
			var sum float64
			for i := 0; i < n; i++ {
				row := x.RawRowView(i)
				var d2 float64
				for j := 0; j < m; j++ {
					d := pt[j] - row[j]
					d2 += prec[o][j] * d * d
				}
				sum += c.Weights[i] * math.Exp(-0.5*d2)
			}
			f.Set(o, k, c.Variance*sum)
		}
	}
	return f
}
