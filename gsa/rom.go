package gsa

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/miltonra/RomCom/fold"
)

// ROMOptions configures the search for a reduced-order basis.
type ROMOptions struct {
	// Dim is the dimension of the leading subspace.
	Dim int
	// Outputs whose indices are averaged. Nil means every output.
	Outputs []int
	// Restarts is the number of local searches. The first starts from the
	// seed rotation and the rest from random orthonormal bases.
	Restarts      int
	MaxIterations int
	// Tolerance is the absolute change in the index below which a search
	// is considered converged.
	Tolerance   float64
	Seed        uint64
	Concurrency int
}

// DefaultROMOptions returns the options used by the command line tools.
func DefaultROMOptions() ROMOptions {
	return ROMOptions{
		Dim:           1,
		Restarts:      4,
		MaxIterations: 100,
		Tolerance:     1e-8,
	}
}

// ROMRestart describes one local search. Index is zero for a search that
// never reached a finite value.
type ROMRestart struct {
	Index      float64 `json:"index"`
	Iterations int     `json:"iterations"`
	Status     string  `json:"status"`
	Err        string  `json:"error,omitempty"`
}

// Rotation is an orthonormal basis of the inputs whose first Dim rows span
// the subspace with the largest closed Sobol' index found.
type Rotation struct {
	// R is M×M. New inputs are x' = R x.
	R   *mat.Dense
	Dim int
	// Index is the mean over the selected outputs of the closed index of
	// the leading subspace, and Indices the index of each output.
	Index    float64
	Indices  []float64
	Best     int
	Restarts []ROMRestart
	Canceled bool
}

// ROM searches for the Dim-dimensional subspace of the inputs whose closed
// Sobol' index is largest, by local optimization over orthonormal bases from
// several starts. seed is an M×M rotation whose first Dim rows give the first
// start; nil means the identity. The inputs must have Normal marginals.
func (a *Analysis) ROM(ctx context.Context, opts ROMOptions, seed mat.Matrix) (*Rotation, error) {
	g, ok := a.ints.(*gaussian)
	if !ok {
		return nil, fmt.Errorf("%w: rotated subspaces need closed form integration, have %v", ErrOptions, a.method)
	}
	if opts.Dim < 1 || opts.Dim > a.m {
		return nil, fmt.Errorf("%w: subspace dimension %d for %d inputs", ErrOptions, opts.Dim, a.m)
	}
	outputs := opts.Outputs
	if outputs == nil {
		for l := 0; l < a.l; l++ {
			if a.total.At(l, l) > 0 {
				outputs = append(outputs, l)
			}
		}
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no output has positive variance", ErrOptions)
	}
	for _, l := range outputs {
		if l < 0 || l >= a.l {
			return nil, fmt.Errorf("%w: output %d out of range [0, %d)", ErrOptions, l, a.l)
		}
		if a.total.At(l, l) <= 0 {
			return nil, fmt.Errorf("%w: output %d has no variance", ErrOptions, l)
		}
	}
	if seed == nil {
		seed = identity(a.m)
	}
	if err := fold.CheckRotation(seed, a.m, 1e-6); err != nil {
		return nil, err
	}
	if opts.Restarts < 1 {
		opts.Restarts = 1
	}
	start := time.Now()

	objective := func(z []float64) float64 {
		idx, err := a.subspaceIndex(g, projection(basis(z, opts.Dim, a.m)), outputs, nil)
		if err != nil {
			return math.Inf(1)
		}
		return -idx
	}

	rot := &Rotation{Dim: opts.Dim, Best: -1, Restarts: make([]ROMRestart, opts.Restarts)}
	results := make([][]float64, opts.Restarts)
	var eg errgroup.Group
	if opts.Concurrency > 0 {
		eg.SetLimit(opts.Concurrency)
	}
	for r := 0; r < opts.Restarts; r++ {
		eg.Go(func() error {
			if ctx.Err() != nil {
				rot.Restarts[r] = ROMRestart{Status: "NotStarted"}
				return nil
			}
			z0 := make([]float64, opts.Dim*a.m)
			if r == 0 {
				for i := 0; i < opts.Dim; i++ {
					for j := 0; j < a.m; j++ {
						z0[i*a.m+j] = seed.At(i, j)
					}
				}
			} else {
				rnd := rand.New(rand.NewPCG(opts.Seed, uint64(r)))
				for i := range z0 {
					z0[i] = rnd.NormFloat64()
				}
			}
			res, err := minimizeIndex(ctx, objective, z0, opts)
			var rr ROMRestart
			if res != nil {
				rr.Iterations = res.Stats.MajorIterations
				rr.Status = res.Status.String()
				if !math.IsInf(res.F, 0) && !math.IsNaN(res.F) {
					rr.Index = -res.F
					results[r] = res.X
				}
			}
			if err != nil {
				rr.Err = err.Error()
				a.logger.Warn("rom restart failed", "restart", r, "error", err)
			}
			rot.Restarts[r] = rr
			return nil
		})
	}
	_ = eg.Wait()
	rot.Canceled = ctx.Err() != nil

	best := math.Inf(-1)
	for r, x := range results {
		if x != nil && rot.Restarts[r].Index > best {
			best = rot.Restarts[r].Index
			rot.Best = r
		}
	}
	if rot.Best < 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("gsa: no rom restart produced a finite index")
	}
	theta := basis(results[rot.Best], opts.Dim, a.m)
	rot.R = complete(theta)
	rot.Indices = make([]float64, len(outputs))
	idx, err := a.subspaceIndex(g, projection(theta), outputs, rot.Indices)
	if err != nil {
		return nil, err
	}
	rot.Index = idx
	a.logger.Info("rom",
		"dim", opts.Dim, "index", rot.Index, "best", rot.Best,
		"restarts", opts.Restarts, "canceled", rot.Canceled,
		"elapsed", time.Since(start))
	return rot, nil
}

func minimizeIndex(ctx context.Context, f func([]float64) float64, z0 []float64, opts ROMOptions) (*optimize.Result, error) {
	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, z []float64) {
			fd.Gradient(grad, f, z, &fd.Settings{Formula: fd.Central})
		},
		Status: func() (optimize.Status, error) {
			if ctx.Err() != nil {
				return optimize.RuntimeLimit, nil
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-8,
		MajorIterations:   opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   opts.Tolerance,
			Iterations: 10,
		},
	}
	return optimize.Minimize(problem, z0, settings, &optimize.LBFGS{})
}

// subspaceIndex returns the mean over outputs of V_P[l,l] / V_T[l,l] where
// P projects onto the shared subspace. Per-output indices are stored in dst
// if it is not nil.
func (a *Analysis) subspaceIndex(g *gaussian, p mat.Matrix, outputs []int, dst []float64) (float64, error) {
	var sum float64
	for i, l := range outputs {
		e, err := g.projected(p, l, l)
		if err != nil {
			return math.NaN(), err
		}
		s := clamp01((e - a.mean[l]*a.mean[l]) / a.total.At(l, l))
		if dst != nil {
			dst[i] = s
		}
		sum += s
	}
	return sum / float64(len(outputs)), nil
}

// basis returns the dim×m matrix with orthonormal rows spanning the rows of
// the dim×m matrix held row-major in z.
func basis(z []float64, dim, m int) *mat.Dense {
	zt := mat.NewDense(dim, m, z).T()
	var qr mat.QR
	qr.Factorize(zt)
	var q mat.Dense
	qr.QTo(&q)
	return mat.DenseCopyOf(q.Slice(0, m, 0, dim).T())
}

// projection returns θᵀθ.
func projection(theta *mat.Dense) *mat.SymDense {
	_, m := theta.Dims()
	p := mat.NewSymDense(m, nil)
	p.SymOuterK(1, theta.T())
	return p
}

// complete extends the orthonormal rows of theta to an M×M rotation whose
// leading rows span the same subspace.
func complete(theta *mat.Dense) *mat.Dense {
	var qr mat.QR
	qr.Factorize(theta.T())
	var q mat.Dense
	qr.QTo(&q)
	return mat.DenseCopyOf(q.T())
}

func identity(m int) *mat.Dense {
	r := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		r.Set(i, i, 1)
	}
	return r
}
