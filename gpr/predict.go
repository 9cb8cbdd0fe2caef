package gpr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

func (g *GP) checkInput(cols int) error {
	_, m := g.x.Dims()
	if cols != m {
		return fmt.Errorf("%w: input has %d columns, want %d", ErrPrediction, cols, m)
	}
	return nil
}

// Predict returns the posterior mean K(X*, X) K⁻¹ Y and the posterior
// variance of the latent function at each row of x, one column per output.
// Prediction refreshes a stale factorization but never recalibrates.
func (g *GP) Predict(x mat.Matrix) (mean, variance *mat.Dense, err error) {
	r, c := x.Dims()
	if err := g.checkInput(c); err != nil {
		return nil, nil, err
	}
	if err := g.ready(); err != nil {
		return nil, nil, err
	}
	_, _, l := g.Dims()
	mean = mat.NewDense(r, l, nil)
	variance = mat.NewDense(r, l, nil)
	for o := 0; o < l; o++ {
		b := g.blockFor(o)
		ks := b.cov.cross(x, o)

		var mu mat.VecDense
		mu.MulVec(ks, b.alpha.ColView(b.column(o)))
		mean.SetCol(o, mu.RawVector().Data)

		// Only the diagonal of K** - K*ᵀ K⁻¹ K* is needed, so the full
		// covariance is never formed.
		var tmp mat.Dense
		if err := solveChol(&tmp, &b.chol, ks.T()); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrPrediction, err)
		}
		prior := b.cov.prior(o)
		for i := 0; i < r; i++ {
			v := prior - mat.Dot(ks.RowView(i), tmp.ColView(i))
			variance.Set(i, o, math.Max(v, 0))
		}
	}
	g.state = Predicting
	return mean, variance, nil
}

// PredictCov returns the posterior covariance of output l between the rows
// of x.
func (g *GP) PredictCov(x mat.Matrix, l int) (*mat.SymDense, error) {
	_, c := x.Dims()
	if err := g.checkInput(c); err != nil {
		return nil, err
	}
	if err := g.ready(); err != nil {
		return nil, err
	}
	// K(x_*, x_*) - K(x_*, x) K(x, x)⁻¹ K(x, x_*)
	b := g.blockFor(l)
	ks := b.cov.cross(x, l)
	var tmp mat.Dense
	if err := solveChol(&tmp, &b.chol, ks.T()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrediction, err)
	}
	var tmp2 mat.Dense
	tmp2.Mul(ks, &tmp)
	cov := b.cov.crossSym(x, l)
	n := cov.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, cov.At(i, j)-tmp2.At(i, j))
		}
	}
	g.state = Predicting
	return cov, nil
}

// PredictGradient returns the derivatives of the posterior mean and
// variance with respect to the input at x, as L×M matrices.
func (g *GP) PredictGradient(x []float64) (dMean, dVar *mat.Dense, err error) {
	if err := g.checkInput(len(x)); err != nil {
		return nil, nil, err
	}
	if err := g.ready(); err != nil {
		return nil, nil, err
	}
	_, m, l := g.Dims()
	dMean = mat.NewDense(l, m, nil)
	dVar = mat.NewDense(l, m, nil)
	xs := mat.NewDense(1, m, x)
	for o := 0; o < l; o++ {
		b := g.blockFor(o)
		d := b.cov.crossDX(x, o)
		ks := b.cov.cross(xs, o)
		var kInvKs mat.Dense
		if err := solveChol(&kInvKs, &b.chol, ks.T()); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrPrediction, err)
		}
		// dμ/dx = Dᵀ α, dσ²/dx = -2 Dᵀ K⁻¹ k* since k(x, x) is constant.
		var dm, dv mat.VecDense
		dm.MulVec(d.T(), b.alpha.ColView(b.column(o)))
		dv.MulVec(d.T(), kInvKs.ColView(0))
		dv.ScaleVec(-2, &dv)
		dMean.SetRow(o, dm.RawVector().Data)
		dVar.SetRow(o, dv.RawVector().Data)
	}
	g.state = Predicting
	return dMean, dVar, nil
}
