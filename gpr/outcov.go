package gpr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// OutputCovariance is the L×L covariance B = C Cᵀ coupling the outputs of a
// coregional model. C is lower triangular. Its diagonal is stored as logs and
// its strict lower part as raw values, ordered row by row.
type OutputCovariance struct {
	LogDiag []float64
	Lower   []float64
}

// NewOutputCovariance returns the output covariance equal to b, which must be
// positive definite.
func NewOutputCovariance(b mat.Symmetric) (*OutputCovariance, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(b); !ok {
		return nil, fmt.Errorf("%w: output covariance not positive definite", ErrInvalidParameter)
	}
	var l mat.TriDense
	chol.LTo(&l)
	n := b.SymmetricDim()
	c := &OutputCovariance{
		LogDiag: make([]float64, n),
		Lower:   make([]float64, 0, n*(n-1)/2),
	}
	for i := 0; i < n; i++ {
		c.LogDiag[i] = math.Log(l.At(i, i))
		for j := 0; j < i; j++ {
			c.Lower = append(c.Lower, l.At(i, j))
		}
	}
	return c, nil
}

// IdentityOutputCovariance returns uncoupled unit-variance outputs.
func IdentityOutputCovariance(n int) *OutputCovariance {
	return &OutputCovariance{
		LogDiag: make([]float64, n),
		Lower:   make([]float64, n*(n-1)/2),
	}
}

func (c *OutputCovariance) Outputs() int {
	return len(c.LogDiag)
}

// Factor returns C.
func (c *OutputCovariance) Factor() *mat.TriDense {
	n := c.Outputs()
	l := mat.NewTriDense(n, mat.Lower, nil)
	k := 0
	for i := 0; i < n; i++ {
		l.SetTri(i, i, math.Exp(c.LogDiag[i]))
		for j := 0; j < i; j++ {
			l.SetTri(i, j, c.Lower[k])
			k++
		}
	}
	return l
}

// Matrix stores B in dst. If dst is nil a new matrix is allocated.
func (c *OutputCovariance) Matrix(dst *mat.SymDense) *mat.SymDense {
	n := c.Outputs()
	if dst == nil {
		dst = mat.NewSymDense(n, nil)
	}
	if dst.SymmetricDim() != n {
		panic(badStorage)
	}
	dst.SymOuterK(1, c.Factor())
	return dst
}

func (c *OutputCovariance) Clone() *OutputCovariance {
	d := &OutputCovariance{
		LogDiag: make([]float64, len(c.LogDiag)),
		Lower:   make([]float64, len(c.Lower)),
	}
	copy(d.LogDiag, c.LogDiag)
	copy(d.Lower, c.Lower)
	return d
}

func (c *OutputCovariance) NumHyper() int {
	return len(c.LogDiag) + len(c.Lower)
}

func (c *OutputCovariance) Hyper(h []float64) []float64 {
	if h == nil {
		h = make([]float64, c.NumHyper())
	}
	if len(h) != c.NumHyper() {
		panic("gpr: hyperparameter length mismatch")
	}
	copy(h, c.LogDiag)
	copy(h[len(c.LogDiag):], c.Lower)
	return h
}

func (c *OutputCovariance) SetHyper(h []float64) {
	if len(h) != c.NumHyper() {
		panic("gpr: hyperparameter length mismatch")
	}
	copy(c.LogDiag, h)
	copy(c.Lower, h[len(c.LogDiag):])
}

func (c *OutputCovariance) Bounds() []Bound {
	b := make([]Bound, c.NumHyper())
	for i := range c.LogDiag {
		b[i] = Bound{math.Log(1e-2), math.Log(1e2)}
	}
	for i := len(c.LogDiag); i < len(b); i++ {
		b[i] = Bound{-1e2, 1e2}
	}
	return b
}

// MatrixDHyper stores dB/dθ for each hyperparameter in deriv.
func (c *OutputCovariance) MatrixDHyper(deriv []*mat.SymDense) {
	if len(deriv) != c.NumHyper() {
		panic("gpr: deriv length mismatch")
	}
	f := c.Factor()
	n := c.Outputs()
	// dB = dC Cᵀ + C dCᵀ with dC = s E_ij, so dB_ab = s (δ_ai C_bj + C_aj δ_bi).
	set := func(d *mat.SymDense, i, j int, s float64) {
		for a := 0; a < n; a++ {
			for b := a; b < n; b++ {
				var v float64
				if a == i {
					v += f.At(b, j)
				}
				if b == i {
					v += f.At(a, j)
				}
				d.SetSym(a, b, s*v)
			}
		}
	}
	k := len(c.LogDiag)
	for i := 0; i < n; i++ {
		set(deriv[i], i, i, f.At(i, i))
		for j := 0; j < i; j++ {
			set(deriv[k], i, j, 1)
			k++
		}
	}
}
