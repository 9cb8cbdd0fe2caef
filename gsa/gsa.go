// Package gsa computes Sobol' sensitivity indices of the posterior mean of a
// calibrated GP surrogate, and searches for the input rotation that puts the
// most sensitivity into a leading subspace.
//
// The posterior mean of each output is a weighted sum of Gaussian bumps, so
// its conditional variances are integrals of products of Gaussians. For
// standard normal inputs these are evaluated in closed form for any
// conditioning subspace. For other marginals they are evaluated by
// per-dimension Gauss quadrature, which supports coordinate subsets only.
package gsa

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/fold"
	"github.com/miltonra/RomCom/gpr"
)

var (
	// ErrRotation is returned for a seed rotation that is not orthonormal.
	ErrRotation = fold.ErrRotation
	// ErrOptions is returned for an unusable combination of options.
	ErrOptions = errors.New("gsa: invalid options")
)

// Surrogate is a calibrated model whose posterior mean is known as a sum of
// kernel bumps centred on its training inputs.
type Surrogate interface {
	Inputs() mat.Matrix
	MeanComponents() ([]gpr.MeanComponent, error)
}

var _ Surrogate = (*gpr.GP)(nil)

// Method selects how conditional variances are integrated.
type Method int

const (
	// Auto integrates in closed form for Normal marginals and by
	// quadrature otherwise.
	Auto Method = iota
	ClosedForm
	Quadrature
)

func (m Method) String() string {
	switch m {
	case Auto:
		return "auto"
	case ClosedForm:
		return "closed"
	case Quadrature:
		return "quadrature"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod is the inverse of Method.String.
func ParseMethod(s string) (Method, error) {
	for _, m := range []Method{Auto, ClosedForm, Quadrature} {
		if s == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown method %q", ErrOptions, s)
}

const (
	defaultPoints = 32
	maxAllSubsets = 12
)

// Options configures an Analysis.
type Options struct {
	// Marginal is the distribution of every input in model space. The
	// default is Normal.
	Marginal Marginal
	Method   Method
	// Points is the number of quadrature nodes per input.
	Points int
	// Subsets are evaluated in addition to the singletons, their
	// complements and the full set.
	Subsets [][]int
	// AllSubsets evaluates every non-empty subset of the inputs.
	AllSubsets bool
	// Concurrency bounds the subsets evaluated at once. Zero or less means
	// no bound.
	Concurrency int
	// Error also computes the share of each index left undetermined by the
	// posterior variance. The surrogate must be Uncertain.
	Error  bool
	Logger *slog.Logger
}

// Analysis is a GSA of one surrogate. The integrals that do not depend on
// the conditioning subset are computed once by New.
type Analysis struct {
	m, l   int
	opts   Options
	method Method
	ints   integrator
	post   *posterior
	mean   []float64
	total  *mat.SymDense
	logger *slog.Logger
}

// integrator evaluates the moments of the posterior mean.
type integrator interface {
	// mean returns E[f_a].
	mean(a int) float64
	// subset returns E[f_a(x) f_b(x')] where x and x' share the inputs in s
	// and are independent otherwise.
	subset(s []int, a, b int) (float64, error)
}

// New prepares a GSA of the posterior mean of s.
func New(s Surrogate, opts Options) (*Analysis, error) {
	comps, err := s.MeanComponents()
	if err != nil {
		return nil, err
	}
	x := mat.DenseCopyOf(s.Inputs())
	_, m := x.Dims()
	if len(comps) == 0 {
		return nil, fmt.Errorf("%w: surrogate has no outputs", ErrOptions)
	}
	if opts.Marginal == nil {
		opts.Marginal = Normal{}
	}
	if err := opts.Marginal.validate(); err != nil {
		return nil, err
	}
	if opts.Points <= 0 {
		opts.Points = defaultPoints
	}
	if opts.AllSubsets && m > maxAllSubsets {
		return nil, fmt.Errorf("%w: all subsets of %d inputs requested, at most %d allowed", ErrOptions, m, maxAllSubsets)
	}
	for _, sub := range opts.Subsets {
		if err := checkSubset(sub, m); err != nil {
			return nil, err
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	_, normal := opts.Marginal.(Normal)
	method := opts.Method
	if method == Auto {
		method = Quadrature
		if normal {
			method = ClosedForm
		}
	}
	if method == ClosedForm && !normal {
		return nil, fmt.Errorf("%w: closed form needs Normal marginals, have %v", ErrOptions, opts.Marginal)
	}

	a := &Analysis{
		m:      m,
		l:      len(comps),
		opts:   opts,
		method: method,
		logger: opts.Logger,
	}
	switch method {
	case ClosedForm:
		a.ints = newGaussian(x, comps)
	case Quadrature:
		a.ints = newSeparable(x, comps, opts.Marginal, opts.Points)
	default:
		return nil, fmt.Errorf("%w: unknown method %v", ErrOptions, method)
	}
	if opts.Error {
		u, ok := s.(Uncertain)
		if !ok {
			return nil, fmt.Errorf("%w: error requested for a surrogate without posterior covariance", ErrOptions)
		}
		post, err := u.PosteriorComponents()
		if err != nil {
			return nil, err
		}
		if len(post) != len(comps) {
			return nil, fmt.Errorf("%w: %d posterior components for %d outputs", ErrOptions, len(post), len(comps))
		}
		a.post = newPosterior(x, post, opts.Marginal, opts.Points, method == ClosedForm)
	}
	a.mean = make([]float64, a.l)
	for i := range a.mean {
		a.mean[i] = a.ints.mean(i)
	}
	all := make([]int, m)
	for i := range all {
		all[i] = i
	}
	a.total, err = a.variance(all)
	if err != nil {
		return nil, fmt.Errorf("gsa: total variance: %w", err)
	}
	return a, nil
}

// Inputs returns M.
func (a *Analysis) Inputs() int {
	return a.m
}

// Outputs returns L.
func (a *Analysis) Outputs() int {
	return a.l
}

// Method returns the integration method in use.
func (a *Analysis) Method() Method {
	return a.method
}

// Mean returns E[f_l] for each output.
func (a *Analysis) Mean() []float64 {
	return append([]float64(nil), a.mean...)
}

// Total returns the L×L covariance of the outputs of the posterior mean.
func (a *Analysis) Total() *mat.SymDense {
	return mat.NewSymDense(a.l, append([]float64(nil), a.total.RawSymmetric().Data...))
}

// variance returns the L×L matrix V_S = Cov[E[f_a | x_S], E[f_b | x_S]].
func (a *Analysis) variance(s []int) (*mat.SymDense, error) {
	v := mat.NewSymDense(a.l, nil)
	if len(s) == 0 {
		return v, nil
	}
	for i := 0; i < a.l; i++ {
		for j := i; j < a.l; j++ {
			e, err := a.ints.subset(s, i, j)
			if err != nil {
				return nil, err
			}
			c := e - a.mean[i]*a.mean[j]
			if i == j {
				c = math.Max(c, 0)
			}
			v.SetSym(i, j, c)
		}
	}
	return v, nil
}

// normalize returns V[a,b] / √(V_T[a,a] V_T[b,b]).
func (a *Analysis) normalize(v mat.Symmetric) *mat.SymDense {
	s := mat.NewSymDense(a.l, nil)
	for i := 0; i < a.l; i++ {
		for j := i; j < a.l; j++ {
			d := math.Sqrt(a.total.At(i, i) * a.total.At(j, j))
			if d == 0 {
				s.SetSym(i, j, math.NaN())
				continue
			}
			s.SetSym(i, j, v.At(i, j)/d)
		}
	}
	return s
}

func checkSubset(s []int, m int) error {
	seen := make(map[int]bool, len(s))
	for _, i := range s {
		if i < 0 || i >= m {
			return fmt.Errorf("%w: input %d out of range [0, %d)", ErrOptions, i, m)
		}
		if seen[i] {
			return fmt.Errorf("%w: input %d repeated in subset %v", ErrOptions, i, s)
		}
		seen[i] = true
	}
	return nil
}
