package gpr

import (
	"context"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

const barrierPow = 4 // what power on breaking the barrier

type margLikeMemory struct {
	lastX []float64
	ok    bool // factorization of lastX succeeded
	// likelihood only
	k      *mat.SymDense
	chol   *mat.Cholesky
	alpha  *mat.Dense
	logDet float64
	// For derivative
	dKdTheta []*mat.SymDense
	kInv     *mat.SymDense
	w        *mat.Dense
}

func newMargLikeMemory(hyper, size int) *margLikeMemory {
	m := &margLikeMemory{
		lastX:    make([]float64, hyper),
		k:        mat.NewSymDense(size, nil),
		chol:     &mat.Cholesky{},
		alpha:    &mat.Dense{},
		dKdTheta: make([]*mat.SymDense, hyper),
		kInv:     mat.NewSymDense(size, nil),
		w:        mat.NewDense(size, size, nil),
	}
	for i := range m.dKdTheta {
		m.dKdTheta[i] = mat.NewSymDense(size, nil)
	}
	for i := range m.lastX {
		m.lastX[i] = math.NaN()
	}
	return m
}

// update sets the hyperparameters of the block to x and factorizes the
// kernel matrix unless x was the last location seen.
func (b *block) update(x []float64, mem *margLikeMemory) bool {
	if floats.Equal(mem.lastX, x) {
		return mem.ok
	}
	copy(mem.lastX, x)
	b.cov.setHyper(x)
	b.cov.matrix(mem.k)
	mem.ok = mem.chol.Factorize(mem.k)
	if !mem.ok {
		// The kernel matrix is singular. Don't let it be
		return false
	}
	mem.alpha.Reset()
	if err := solveChol(mem.alpha, mem.chol, b.target); err != nil {
		mem.ok = false
		return false
	}
	mem.logDet = mem.chol.LogDet()
	return true
}

// logMarginal is log p(Y | X, θ) at the factorized location in mem
//
//	Σ_c -½ y_cᵀ K⁻¹ y_c - ½ log|K| - n/2 log 2π
func (b *block) logMarginal(mem *margLikeMemory) float64 {
	n, c := b.target.Dims()
	var fit float64
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			fit += b.target.At(i, j) * mem.alpha.At(i, j)
		}
	}
	nf, cf := float64(n), float64(c)
	return -0.5*fit - 0.5*cf*mem.logDet - 0.5*nf*cf*math.Log(2*math.Pi)
}

// marginalLikelihood computes the negative log marginal likelihood of the
// block's targets with hyperparameters x, plus the barrier penalty.
func (b *block) marginalLikelihood(x []float64, mem *margLikeMemory) float64 {
	barrier := barrierValue(x, b.cov.bounds())
	if !b.update(x, mem) {
		return math.Inf(1)
	}
	n, c := b.target.Dims()
	// Divide by the number of targets to make the barrier penalty
	// the same regardless of data size.
	return -b.logMarginal(mem)/float64(n*c) + barrier
}

func (b *block) marginalLikelihoodDerivative(x, grad []float64, mem *margLikeMemory) {
	// d/dθ_j log p(Y|X,θ) = ½ Σ_c α_cᵀ dK_j α_c - c/2 tr(K⁻¹ dK_j)
	//                     = ½ tr((A Aᵀ - c K⁻¹) dK_j)
	if !b.update(x, mem) {
		for i := range grad {
			grad[i] = 0
		}
		return
	}
	n, c := b.target.Dims()
	if err := inverseChol(mem.kInv, mem.chol); err != nil {
		for i := range grad {
			grad[i] = math.NaN()
		}
		return
	}
	w := mem.w
	w.Mul(mem.alpha, mem.alpha.T())
	for i := 0; i < n; i++ {
		row := w.RawRowView(i)
		for j := range row {
			row[j] -= float64(c) * mem.kInv.At(i, j)
		}
	}
	b.cov.matrixDHyper(mem.dKdTheta)
	scale := -0.5 / float64(n*c)
	for h, dk := range mem.dKdTheta {
		var s float64
		for i := 0; i < n; i++ {
			row := w.RawRowView(i)
			for j := range row {
				s += row[j] * dk.At(i, j)
			}
		}
		grad[h] = scale * s
	}
	floats.Add(grad, barrierGrad(x, b.cov.bounds()))
}

func barrierValue(x []float64, bounds []Bound) float64 {
	// If the parameters are outside the bounds introduce a penalty.
	var barrier float64
	for i, v := range x {
		if v < bounds[i].Min {
			barrier += math.Pow(v-bounds[i].Min, barrierPow)
		}
		if v > bounds[i].Max {
			barrier += math.Pow(v-bounds[i].Max, barrierPow)
		}
	}
	return barrier
}

func barrierGrad(x []float64, bounds []Bound) []float64 {
	grad := make([]float64, len(x))
	for i, v := range x {
		if v < bounds[i].Min {
			diff := bounds[i].Min - v
			grad[i] = -barrierPow * math.Pow(diff, barrierPow-1)
		}
		if v > bounds[i].Max {
			diff := v - bounds[i].Max
			grad[i] = barrierPow * math.Pow(diff, barrierPow-1)
		}
	}
	return grad
}

// minimize runs one local optimization of the block's hyperparameters from
// x0. The context stops the run at the next evaluation, keeping the best
// location found so far.
func (b *block) minimize(ctx context.Context, x0 []float64, opts Options, logger *slog.Logger) (*optimize.Result, error) {
	mem := newMargLikeMemory(len(x0), b.cov.size())
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return b.marginalLikelihood(x, mem)
		},
		Grad: func(grad, x []float64) {
			b.marginalLikelihoodDerivative(x, grad, mem)
		},
		Status: func() (optimize.Status, error) {
			if ctx.Err() != nil {
				return optimize.RuntimeLimit, nil
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: opts.GradientThreshold,
		MajorIterations:   opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 20,
		},
		Recorder: &logRecorder{logger: logger, outputs: b.outputs},
	}
	return optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
}

// logRecorder logs the progress of an optimization at debug level.
type logRecorder struct {
	logger  *slog.Logger
	outputs []int
}

func (r *logRecorder) Init() error { return nil }

func (r *logRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	r.logger.Debug("calibration iteration",
		"outputs", r.outputs,
		"iteration", stats.MajorIterations,
		"objective", loc.F,
		"hyper", loc.X,
	)
	return nil
}
