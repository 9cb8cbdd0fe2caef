package gpr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LeaveOneOut holds the leave-one-out predictive distribution of every
// training target.
type LeaveOneOut struct {
	Mean     *mat.Dense // N×L
	Variance *mat.Dense // N×L, includes the likelihood variance
	// LogDensity is Σ_i log p(y_i | X, y_-i) for each output.
	LogDensity []float64
}

// LeaveOneOut computes the leave-one-out predictions from the calibrated
// factorization without refitting:
//
//	μ_i = y_i - [K⁻¹y]_i / [K⁻¹]_ii,  σ²_i = 1 / [K⁻¹]_ii
func (g *GP) LeaveOneOut() (*LeaveOneOut, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	n, _, l := g.Dims()
	loo := &LeaveOneOut{
		Mean:       mat.NewDense(n, l, nil),
		Variance:   mat.NewDense(n, l, nil),
		LogDensity: make([]float64, l),
	}
	for _, b := range g.blocks {
		kinv := mat.NewSymDense(b.cov.size(), nil)
		if err := inverseChol(kinv, &b.chol); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFactorization, err)
		}
		_, coregional := b.cov.(*coregionalCov)
		for _, o := range b.outputs {
			col := b.column(o)
			for i := 0; i < n; i++ {
				r := i
				if coregional {
					r = o*n + i
				}
				ki := kinv.At(r, r)
				y := b.target.At(r, col)
				mu := y - b.alpha.At(r, col)/ki
				sigmaSq := 1 / ki
				loo.Mean.Set(i, o, mu)
				loo.Variance.Set(i, o, sigmaSq)
				d := y - mu
				loo.LogDensity[o] += -0.5*math.Log(sigmaSq) - 0.5*d*d/sigmaSq - 0.5*math.Log(2*math.Pi)
			}
		}
	}
	return loo, nil
}
