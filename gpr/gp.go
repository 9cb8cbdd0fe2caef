// Package gpr fits Gaussian process regression surrogates with one or more
// outputs. Hyperparameters are calibrated by maximising the marginal
// likelihood of the training data.
package gpr

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/fold"
)

// Mode says how the kernel and noise are shared between outputs.
type Mode int

const (
	// Independent gives each output its own kernel and noise.
	Independent Mode = iota
	// Shared ties one kernel and one noise across every output.
	Shared
	// Coregional couples the outputs through an output covariance B with a
	// single unit-variance input kernel and a noise per output.
	Coregional
)

func (m Mode) String() string {
	switch m {
	case Independent:
		return "independent"
	case Shared:
		return "shared"
	case Coregional:
		return "coregional"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{Independent, Shared, Coregional} {
		if s == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidParameter, s)
}

// State is the lifecycle stage of a GP.
type State int

const (
	// Trained models hold data but no calibrated parameters.
	Trained State = iota
	// Calibrated models have parameters that can be used for prediction.
	Calibrated
	// Predicting models have served at least one prediction.
	Predicting
)

func (s State) String() string {
	switch s {
	case Trained:
		return "trained"
	case Calibrated:
		return "calibrated"
	case Predicting:
		return "predicting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const defaultNoise = 1e-2

// GP is a Gaussian process fit to N samples of M inputs and L outputs. The
// training data are used as given; normalisation is the job of the fold the
// data came from.
type GP struct {
	mode Mode

	x *mat.Dense // N×M inputs
	y *mat.Dense // N×L outputs

	kernels []*RBF
	noises  []*Noise
	outCov  *OutputCovariance

	noiseCov *NoiseCovariance // full likelihood covariance, Coregional only

	blocks []*block
	logger *slog.Logger

	state State
	stale bool // parameters changed since the last factorization
}

// block is a set of targets factorized together.
type block struct {
	cov     covariance
	target  *mat.Dense // size × columns
	outputs []int      // the outputs predicted by the block

	chol  mat.Cholesky
	alpha mat.Dense // K⁻¹ target
}

// column returns the column of target holding output l.
func (b *block) column(l int) int {
	if _, ok := b.cov.(*coregionalCov); ok {
		return 0
	}
	for i, o := range b.outputs {
		if o == l {
			return i
		}
	}
	panic("gpr: output not in block")
}

type settings struct {
	mode      Mode
	kernel    *RBF
	noise     *Noise
	outCov    *OutputCovariance
	noiseCov  *NoiseCovariance
	covariant bool
	isotropic bool
	logger    *slog.Logger
}

// Option configures a GP.
type Option func(*settings)

// WithMode sets how outputs share hyperparameters. The default is
// Independent.
func WithMode(m Mode) Option {
	return func(s *settings) { s.mode = m }
}

// WithKernel sets the initial kernel. Each output that owns a kernel gets
// its own copy.
func WithKernel(k *RBF) Option {
	return func(s *settings) { s.kernel = k }
}

// WithIsotropic uses one length scale for all inputs when no kernel is given.
func WithIsotropic(iso bool) Option {
	return func(s *settings) { s.isotropic = iso }
}

// WithNoise sets the initial likelihood. Each output that owns a noise gets
// its own copy.
func WithNoise(n *Noise) Option {
	return func(s *settings) { s.noise = n }
}

// WithOutputCovariance sets the initial output covariance of a Coregional
// model. The default is the identity.
func WithOutputCovariance(c *OutputCovariance) Option {
	return func(s *settings) { s.outCov = c }
}

// WithCovariantNoise calibrates a full L×L likelihood covariance in a
// Coregional model, starting from the variance set by WithNoise.
func WithCovariantNoise(on bool) Option {
	return func(s *settings) { s.covariant = on }
}

// WithNoiseCovariance sets the initial likelihood covariance of a Coregional
// model and implies WithCovariantNoise.
func WithNoiseCovariance(c *NoiseCovariance) Option {
	return func(s *settings) {
		s.noiseCov = c
		s.covariant = c != nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// New binds the N×M inputs x and N×L outputs y to a new GP.
func New(x, y mat.Matrix, opts ...Option) (*GP, error) {
	n, m := x.Dims()
	ny, l := y.Dims()
	if n != ny {
		panic(badInOut)
	}
	if n == 0 || m == 0 || l == 0 {
		return nil, fmt.Errorf("%w: empty training data %d×%d, %d outputs", ErrInvalidParameter, n, m, l)
	}
	s := settings{mode: Independent}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.kernel == nil {
		ls := make([]float64, m)
		if s.isotropic {
			ls = ls[:1]
		}
		for i := range ls {
			ls[i] = 1
		}
		s.kernel, _ = NewRBF(1, ls)
	}
	if !s.kernel.Isotropic() && len(s.kernel.LogLengths) != m {
		return nil, fmt.Errorf("%w: kernel has %d length scales for %d inputs", ErrInvalidParameter, len(s.kernel.LogLengths), m)
	}
	if s.noise == nil {
		s.noise, _ = NewNoise(defaultNoise)
	}
	if s.covariant && s.mode != Coregional {
		return nil, fmt.Errorf("%w: covariant noise needs mode %v, got %v", ErrInvalidParameter, Coregional, s.mode)
	}
	if s.noise.Clamped() {
		s.logger.Warn("likelihood variance clamped to floor", "floor", s.noise.Floor)
	}

	g := &GP{
		mode:   s.mode,
		x:      mat.DenseCopyOf(x),
		y:      mat.DenseCopyOf(y),
		logger: s.logger,
		state:  Trained,
		stale:  true,
	}
	switch s.mode {
	case Independent:
		for o := 0; o < l; o++ {
			k := s.kernel.Clone()
			nz := s.noise.Clone()
			g.kernels = append(g.kernels, k)
			g.noises = append(g.noises, nz)
			g.blocks = append(g.blocks, &block{
				cov:     &singleCov{x: g.x, kernel: k, noise: nz},
				target:  mat.DenseCopyOf(g.y.Slice(0, n, o, o+1)),
				outputs: []int{o},
			})
		}
	case Shared:
		k := s.kernel.Clone()
		nz := s.noise.Clone()
		g.kernels = []*RBF{k}
		g.noises = []*Noise{nz}
		outputs := make([]int, l)
		for o := range outputs {
			outputs[o] = o
		}
		g.blocks = []*block{{
			cov:     &singleCov{x: g.x, kernel: k, noise: nz},
			target:  g.y,
			outputs: outputs,
		}}
	case Coregional:
		k := s.kernel.Clone()
		k.LogVariance = 0
		g.kernels = []*RBF{k}
		for o := 0; o < l; o++ {
			g.noises = append(g.noises, s.noise.Clone())
		}
		if s.outCov == nil {
			s.outCov = IdentityOutputCovariance(l)
		}
		if s.outCov.Outputs() != l {
			return nil, fmt.Errorf("%w: output covariance is %d×%d for %d outputs", ErrInvalidParameter, s.outCov.Outputs(), s.outCov.Outputs(), l)
		}
		g.outCov = s.outCov.Clone()
		cov := &coregionalCov{x: g.x, kernel: k, outCov: g.outCov, noises: g.noises}
		if s.covariant {
			if s.noiseCov == nil {
				s.noiseCov = DiagonalNoiseCovariance(s.noise, l)
			}
			if s.noiseCov.Outputs() != l {
				return nil, fmt.Errorf("%w: noise covariance is %d×%d for %d outputs", ErrInvalidParameter, s.noiseCov.Outputs(), s.noiseCov.Outputs(), l)
			}
			g.noiseCov = s.noiseCov.Clone()
			for _, nz := range g.noises {
				nz.Floor = g.noiseCov.Floor
			}
			cov.noiseCov = g.noiseCov
			cov.syncNoises()
		}
		// Targets are stacked output by output.
		target := mat.NewDense(n*l, 1, nil)
		for o := 0; o < l; o++ {
			for i := 0; i < n; i++ {
				target.Set(o*n+i, 0, g.y.At(i, o))
			}
		}
		outputs := make([]int, l)
		for o := range outputs {
			outputs[o] = o
		}
		g.blocks = []*block{{
			cov:     cov,
			target:  target,
			outputs: outputs,
		}}
	default:
		return nil, fmt.Errorf("%w: unknown mode %v", ErrInvalidParameter, s.mode)
	}
	return g, nil
}

// FromFold returns a GP of the normalised training partition of f.
func FromFold(f *fold.Fold, opts ...Option) (*GP, error) {
	x, y := f.Train()
	return New(x, y, opts...)
}

// Dims returns the number of training samples, inputs and outputs.
func (g *GP) Dims() (n, m, l int) {
	n, m = g.x.Dims()
	_, l = g.y.Dims()
	return n, m, l
}

func (g *GP) Mode() Mode {
	return g.mode
}

func (g *GP) State() State {
	return g.state
}

// Inputs returns the training inputs. The matrix must not be modified.
func (g *GP) Inputs() mat.Matrix {
	return g.x
}

// Outputs returns the training outputs. The matrix must not be modified.
func (g *GP) Outputs() mat.Matrix {
	return g.y
}

// Kernel returns a copy of the kernel of output l. Parameters are changed
// through SetParameters or Calibrate.
func (g *GP) Kernel(l int) *RBF {
	return g.kernel(l).Clone()
}

func (g *GP) kernel(l int) *RBF {
	if g.mode == Independent {
		return g.kernels[l]
	}
	return g.kernels[0]
}

// Noise returns a copy of the likelihood of output l. With covariant noise
// this is the diagonal entry Σ_ll.
func (g *GP) Noise(l int) *Noise {
	if g.mode == Shared {
		return g.noises[0].Clone()
	}
	return g.noises[l].Clone()
}

// OutputCovariance returns B for a Coregional model and nil otherwise.
func (g *GP) OutputCovariance() *mat.SymDense {
	if g.outCov == nil {
		return nil
	}
	return g.outCov.Matrix(nil)
}

// NoiseCovariance returns the likelihood covariance Σ of a model with
// covariant noise and nil otherwise.
func (g *GP) NoiseCovariance() *mat.SymDense {
	if g.noiseCov == nil {
		return nil
	}
	return g.noiseCov.Matrix(nil)
}

func (g *GP) blockFor(l int) *block {
	if g.mode == Independent {
		return g.blocks[l]
	}
	return g.blocks[0]
}

// Refresh factorizes the kernel matrices and recomputes K⁻¹Y from the
// current parameters without calibrating them.
func (g *GP) Refresh() error {
	for _, b := range g.blocks {
		if err := b.factorize(); err != nil {
			return err
		}
	}
	g.stale = false
	return nil
}

func (b *block) factorize() error {
	k := mat.NewSymDense(b.cov.size(), nil)
	b.cov.matrix(k)
	if ok := b.chol.Factorize(k); !ok {
		return fmt.Errorf("%w: outputs %v", ErrFactorization, b.outputs)
	}
	b.alpha.Reset()
	if err := solveChol(&b.alpha, &b.chol, b.target); err != nil {
		return fmt.Errorf("%w: %v", ErrFactorization, err)
	}
	return nil
}

// KInvY returns K⁻¹Y as an N×L matrix. For a Coregional model column l
// holds the entries of the stacked solution belonging to output l.
func (g *GP) KInvY() (*mat.Dense, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	n, _, l := g.Dims()
	dst := mat.NewDense(n, l, nil)
	for o := 0; o < l; o++ {
		b := g.blockFor(o)
		if _, ok := b.cov.(*coregionalCov); ok {
			for i := 0; i < n; i++ {
				dst.Set(i, o, b.alpha.At(o*n+i, 0))
			}
			continue
		}
		c := b.column(o)
		for i := 0; i < n; i++ {
			dst.Set(i, o, b.alpha.At(i, c))
		}
	}
	return dst, nil
}

// CheckKInvY returns the relative residual ‖K·K⁻¹Y - Y‖/‖Y‖ of the cached
// solution, and an error if it is not below tol.
func (g *GP) CheckKInvY(tol float64) (float64, error) {
	if err := g.ready(); err != nil {
		return math.NaN(), err
	}
	var res, norm float64
	for _, b := range g.blocks {
		k := mat.NewSymDense(b.cov.size(), nil)
		b.cov.matrix(k)
		var r mat.Dense
		r.Mul(k, &b.alpha)
		r.Sub(&r, b.target)
		res += sumSq(&r)
		norm += sumSq(b.target)
	}
	if norm == 0 {
		norm = 1
	}
	rel := math.Sqrt(res / norm)
	if !(rel < tol) {
		return rel, fmt.Errorf("%w: relative residual %g not below %g", ErrFactorization, rel, tol)
	}
	return rel, nil
}

func sumSq(a mat.Matrix) float64 {
	v := mat.Norm(a, 2)
	return v * v
}

// ready checks that the model can serve predictions and refreshes a stale
// factorization.
func (g *GP) ready() error {
	if g.state == Trained {
		return fmt.Errorf("%w: model not calibrated", ErrPrediction)
	}
	if g.stale {
		if err := g.Refresh(); err != nil {
			return fmt.Errorf("%w: %w", ErrPrediction, err)
		}
	}
	return nil
}

// MeanComponent describes the posterior mean of one output as a weighted
// sum of kernel bumps centred on the training inputs
//
//	f(x) = Variance Σ_n Weights[n] exp(-½ Σ_m (x_m - X_nm)² / Lengthscales[m]²)
type MeanComponent struct {
	Lengthscales []float64
	Variance     float64
	Weights      []float64
}

// MeanComponents returns the posterior mean of every output.
func (g *GP) MeanComponents() ([]MeanComponent, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	n, m, l := g.Dims()
	comps := make([]MeanComponent, l)
	var bm *mat.SymDense
	if g.outCov != nil {
		bm = g.outCov.Matrix(nil)
	}
	for o := range comps {
		b := g.blockFor(o)
		k := g.kernel(o)
		c := MeanComponent{
			Lengthscales: k.Lengthscales(nil, m),
			Variance:     k.Variance(),
			Weights:      make([]float64, n),
		}
		if bm != nil {
			// β_n = Σ_o' B_oo' α_o'n
			for i := range c.Weights {
				var s float64
				for p := 0; p < l; p++ {
					s += bm.At(o, p) * b.alpha.At(p*n+i, 0)
				}
				c.Weights[i] = s
			}
		} else {
			mat.Col(c.Weights, b.column(o), &b.alpha)
		}
		comps[o] = c
	}
	return comps, nil
}

// PosteriorComponent describes the posterior covariance of one latent output
//
//	c(x, x') = Variance e(x, x') - Σ_nm Weights[n,m] e(x, X_n) e(x', X_m)
//
// where e(x, x') = exp(-½ Σ_m (x_m - x'_m)² / Lengthscales[m]²).
type PosteriorComponent struct {
	Lengthscales []float64
	Variance     float64
	Weights      *mat.SymDense
}

// PosteriorComponents returns the posterior covariance of every output.
func (g *GP) PosteriorComponents() ([]PosteriorComponent, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	n, m, l := g.Dims()
	inverses := make(map[*block]*mat.SymDense)
	comps := make([]PosteriorComponent, l)
	for o := range comps {
		b := g.blockFor(o)
		kinv, ok := inverses[b]
		if !ok {
			kinv = mat.NewSymDense(b.cov.size(), nil)
			if err := inverseChol(kinv, &b.chol); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFactorization, err)
			}
			inverses[b] = kinv
		}
		k := g.kernel(o)
		v := k.Variance()
		c := PosteriorComponent{
			Lengthscales: k.Lengthscales(nil, m),
			Variance:     b.cov.prior(o),
			Weights:      mat.NewSymDense(n, nil),
		}
		if g.outCov == nil {
			c.Weights.ScaleSym(v*v, kinv)
			comps[o] = c
			continue
		}
		// W_ij = σ⁴ Σ_pq B_op B_oq [K⁻¹]_(p,i),(q,j)
		bm := g.outCov.Matrix(nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				var s float64
				for p := 0; p < l; p++ {
					for q := 0; q < l; q++ {
						s += bm.At(o, p) * bm.At(o, q) * kinv.At(p*n+i, q*n+j)
					}
				}
				c.Weights.SetSym(i, j, v*v*s)
			}
		}
		comps[o] = c
	}
	return comps, nil
}
