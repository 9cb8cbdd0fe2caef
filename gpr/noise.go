package gpr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// VarianceFloor is the smallest likelihood variance, in normalised output
// units. It keeps the kernel matrix factorizable.
const VarianceFloor = 1e-6

// minExcess is the smallest calibrated variance above the floor, relative to
// the floor.
const minExcess = 1e-3

// Noise is the Gaussian likelihood variance σ_n² added to the diagonal of
// the kernel matrix. Calibration sees σ_n² = Floor + exp(θ) so the variance
// can approach the floor without the objective losing its gradient.
type Noise struct {
	Variance float64
	Floor    float64

	clamped bool
}

// NewNoise returns a likelihood with the given variance and the default
// floor.
func NewNoise(variance float64) (*Noise, error) {
	return NewNoiseFloor(variance, VarianceFloor)
}

// NewNoiseFloor returns a likelihood with the given variance and floor. A
// positive variance below the floor is clamped to the floor.
func NewNoiseFloor(variance, floor float64) (*Noise, error) {
	if !(floor > 0) || math.IsInf(floor, 1) {
		return nil, fmt.Errorf("%w: variance floor %v", ErrInvalidParameter, floor)
	}
	if !(variance > 0) || math.IsInf(variance, 1) {
		return nil, fmt.Errorf("%w: likelihood variance %v", ErrInvalidParameter, variance)
	}
	n := &Noise{Variance: variance, Floor: floor}
	if variance < floor {
		n.Variance = floor
		n.clamped = true
	}
	return n, nil
}

// Clamped reports whether the requested variance was raised to the floor.
func (n *Noise) Clamped() bool {
	return n.clamped
}

// Covariance returns the n×n noise covariance.
func (n *Noise) Covariance(size int) *mat.DiagDense {
	d := make([]float64, size)
	for i := range d {
		d[i] = n.Variance
	}
	return mat.NewDiagDense(size, d)
}

func (n *Noise) Clone() *Noise {
	c := *n
	return &c
}

func (n *Noise) NumHyper() int {
	return 1
}

func (n *Noise) Hyper(h []float64) []float64 {
	if h == nil {
		h = make([]float64, 1)
	}
	if len(h) != 1 {
		panic("gpr: hyperparameter length mismatch")
	}
	h[0] = math.Log(math.Max(n.Variance-n.Floor, minExcess*n.Floor))
	return h
}

func (n *Noise) SetHyper(h []float64) {
	if len(h) != 1 {
		panic("gpr: hyperparameter length mismatch")
	}
	n.Variance = n.Floor + math.Exp(h[0])
}

// dHyper is dσ_n²/dθ.
func (n *Noise) dHyper() float64 {
	return n.Variance - n.Floor
}

func (n *Noise) Bounds() []Bound {
	return []Bound{{math.Log(minExcess * n.Floor), math.Log(10)}}
}

// NoiseCovariance is a full L×L likelihood covariance for a Coregional
// model
//
//	Σ = Floor I + C Cᵀ
//
// with the factor C stored like that of an OutputCovariance. Noise on one
// output then informs the noise on the others.
type NoiseCovariance struct {
	Floor float64

	factor *OutputCovariance
}

// NewNoiseCovariance returns the likelihood covariance closest to s with the
// given floor. Diagonal entries below the floor are raised to it.
func NewNoiseCovariance(s mat.Symmetric, floor float64) (*NoiseCovariance, error) {
	if !(floor > 0) || math.IsInf(floor, 1) {
		return nil, fmt.Errorf("%w: variance floor %v", ErrInvalidParameter, floor)
	}
	n := s.SymmetricDim()
	excess := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := s.At(i, j)
			if i == j {
				v = math.Max(v-floor, minExcess*floor)
			}
			excess.SetSym(i, j, v)
		}
	}
	f, err := NewOutputCovariance(excess)
	if err != nil {
		return nil, fmt.Errorf("%w: likelihood covariance not positive definite", ErrInvalidParameter)
	}
	return &NoiseCovariance{Floor: floor, factor: f}, nil
}

// DiagonalNoiseCovariance returns Σ = n.Variance I for l outputs.
func DiagonalNoiseCovariance(n *Noise, l int) *NoiseCovariance {
	c, _ := NewNoiseCovariance(n.Covariance(l), n.Floor)
	return c
}

func (c *NoiseCovariance) Outputs() int {
	return c.factor.Outputs()
}

// Matrix stores Σ in dst. If dst is nil a new matrix is allocated.
func (c *NoiseCovariance) Matrix(dst *mat.SymDense) *mat.SymDense {
	dst = c.factor.Matrix(dst)
	for i := 0; i < c.Outputs(); i++ {
		dst.SetSym(i, i, dst.At(i, i)+c.Floor)
	}
	return dst
}

// Variance returns Σ_ll.
func (c *NoiseCovariance) Variance(l int) float64 {
	f := c.factor.Factor()
	v := c.Floor
	for j := 0; j <= l; j++ {
		v += f.At(l, j) * f.At(l, j)
	}
	return v
}

func (c *NoiseCovariance) Clone() *NoiseCovariance {
	return &NoiseCovariance{Floor: c.Floor, factor: c.factor.Clone()}
}

func (c *NoiseCovariance) NumHyper() int {
	return c.factor.NumHyper()
}

func (c *NoiseCovariance) Hyper(h []float64) []float64 {
	return c.factor.Hyper(h)
}

func (c *NoiseCovariance) SetHyper(h []float64) {
	c.factor.SetHyper(h)
}

// Bounds keep each variance of C Cᵀ in the range allowed for a Noise.
func (c *NoiseCovariance) Bounds() []Bound {
	b := c.factor.Bounds()
	for i := 0; i < c.Outputs(); i++ {
		b[i] = Bound{0.5 * math.Log(minExcess*c.Floor), 0.5 * math.Log(10)}
	}
	return b
}

// MatrixDHyper stores dΣ/dθ for each hyperparameter in deriv.
func (c *NoiseCovariance) MatrixDHyper(deriv []*mat.SymDense) {
	c.factor.MatrixDHyper(deriv)
}
