package gpr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Bound is an interval on a log hyperparameter. Calibration adds a barrier
// penalty outside of it.
type Bound struct {
	Min float64
	Max float64
}

// RBF is the squared exponential (radial basis function) kernel with
// automatic relevance determination
//
//	k(x, x') = σ_f² exp(-½ Σ_m (x_m - x'_m)² / ℓ_m²)
//
// Logs are stored for improved numerical conditioning, so any value of the
// fields is a valid kernel. A single entry in LogLengths is an isotropic
// kernel whose length scale is shared by every input dimension.
type RBF struct {
	LogVariance float64   // Log of the signal variance σ_f²
	LogLengths  []float64 // Log of the length scales ℓ
}

// NewRBF returns an ARD kernel with the given variance and one length scale
// per input dimension.
func NewRBF(variance float64, lengthscales []float64) (*RBF, error) {
	if !(variance > 0) || math.IsInf(variance, 1) {
		return nil, fmt.Errorf("%w: kernel variance %v", ErrInvalidParameter, variance)
	}
	if len(lengthscales) == 0 {
		return nil, fmt.Errorf("%w: no length scales", ErrInvalidParameter)
	}
	k := &RBF{
		LogVariance: math.Log(variance),
		LogLengths:  make([]float64, len(lengthscales)),
	}
	for i, l := range lengthscales {
		if !(l > 0) || math.IsInf(l, 1) {
			return nil, fmt.Errorf("%w: length scale %d is %v", ErrInvalidParameter, i, l)
		}
		k.LogLengths[i] = math.Log(l)
	}
	return k, nil
}

// NewIsotropicRBF returns a kernel with one length scale shared by all
// input dimensions.
func NewIsotropicRBF(variance, lengthscale float64) (*RBF, error) {
	return NewRBF(variance, []float64{lengthscale})
}

// Isotropic reports whether the length scale is shared across dimensions.
func (k *RBF) Isotropic() bool {
	return len(k.LogLengths) == 1
}

// Variance returns σ_f².
func (k *RBF) Variance() float64 {
	return math.Exp(k.LogVariance)
}

// Lengthscales stores the length scale of each of the dim input dimensions
// in dst. If dst is nil a new slice is allocated.
func (k *RBF) Lengthscales(dst []float64, dim int) []float64 {
	if dst == nil {
		dst = make([]float64, dim)
	}
	if len(dst) != dim {
		panic(badStorage)
	}
	for i := range dst {
		dst[i] = math.Exp(k.logLength(i))
	}
	return dst
}

func (k *RBF) logLength(i int) float64 {
	if k.Isotropic() {
		return k.LogLengths[0]
	}
	return k.LogLengths[i]
}

// precision stores 1/ℓ_m² in dst.
func (k *RBF) precision(dst []float64) []float64 {
	for i := range dst {
		dst[i] = math.Exp(-2 * k.logLength(i))
	}
	return dst
}

func (k *RBF) checkDim(n int) {
	if !k.Isotropic() && len(k.LogLengths) != n {
		panic(badInputLength)
	}
}

func (k *RBF) Clone() *RBF {
	c := &RBF{LogVariance: k.LogVariance, LogLengths: make([]float64, len(k.LogLengths))}
	copy(c.LogLengths, k.LogLengths)
	return c
}

// Kernel returns k(x, y).
func (k *RBF) Kernel(x, y []float64) float64 {
	if len(x) != len(y) {
		panic(badInputLength)
	}
	k.checkDim(len(x))
	var r2 float64
	for i, v := range x {
		d := v - y[i]
		r2 += d * d * math.Exp(-2*k.logLength(i))
	}
	return math.Exp(k.LogVariance - 0.5*r2)
}

// kernelPrec computes the kernel given the precomputed precisions 1/ℓ².
func (k *RBF) kernelPrec(x, y, prec []float64) float64 {
	var r2 float64
	for i, v := range x {
		d := v - y[i]
		r2 += d * d * prec[i]
	}
	return math.Exp(k.LogVariance - 0.5*r2)
}

// KernelDHyper returns k(x, y) and stores the derivative of the kernel with
// respect to each log hyperparameter in deriv, ordered as Hyper.
func (k *RBF) KernelDHyper(x, y, deriv []float64) float64 {
	if len(deriv) != k.NumHyper() {
		panic("gpr: deriv length mismatch")
	}
	k.checkDim(len(x))
	for i := range deriv {
		deriv[i] = 0
	}
	var r2 float64
	for i, v := range x {
		d := v - y[i]
		s := d * d * math.Exp(-2*k.logLength(i))
		r2 += s
		if k.Isotropic() {
			deriv[1] += s
		} else {
			deriv[1+i] = s
		}
	}
	dist := math.Exp(k.LogVariance - 0.5*r2)
	// dk/dlogσ² = k, dk/dlogℓ = k (x-y)²/ℓ²
	deriv[0] = dist
	for i := 1; i < len(deriv); i++ {
		deriv[i] *= dist
	}
	return dist
}

// KernelDX returns k(x, y) and stores the gradient of the kernel with
// respect to x in deriv.
func (k *RBF) KernelDX(x, y, deriv []float64) float64 {
	if len(deriv) != len(x) {
		panic("gpr: deriv length mismatch")
	}
	dist := k.Kernel(x, y)
	for i, v := range x {
		deriv[i] = -dist * (v - y[i]) * math.Exp(-2*k.logLength(i))
	}
	return dist
}

// NumHyper is the log variance followed by the log length scales.
func (k *RBF) NumHyper() int {
	return 1 + len(k.LogLengths)
}

func (k *RBF) Hyper(h []float64) []float64 {
	if h == nil {
		h = make([]float64, k.NumHyper())
	}
	if len(h) != k.NumHyper() {
		panic("gpr: hyperparameter length mismatch")
	}
	h[0] = k.LogVariance
	copy(h[1:], k.LogLengths)
	return h
}

func (k *RBF) SetHyper(h []float64) {
	if len(h) != k.NumHyper() {
		panic("gpr: hyperparameter length mismatch")
	}
	k.LogVariance = h[0]
	copy(k.LogLengths, h[1:])
}

// Bounds are in the normalised units produced by a fold.
func (k *RBF) Bounds() []Bound {
	b := make([]Bound, k.NumHyper())
	b[0] = Bound{math.Log(1e-2), math.Log(1e2)}
	for i := 1; i < len(b); i++ {
		b[i] = Bound{math.Log(1e-2), math.Log(1e3)}
	}
	return b
}

// Matrix stores the Gram matrix between the rows of x1 and the rows of x2
// in dst. If dst is nil a new matrix is allocated.
func (k *RBF) Matrix(dst *mat.Dense, x1, x2 mat.Matrix) *mat.Dense {
	return kernelMatrix(dst, x1, x2, k)
}

// MatrixSym stores the Gram matrix of the rows of x with noise added to the
// diagonal in dst. If dst is nil a new matrix is allocated.
func (k *RBF) MatrixSym(dst *mat.SymDense, x mat.Matrix, noise float64) *mat.SymDense {
	return kernelMatrixSym(dst, x, k, noise)
}

// Diagonal stores k(x_i, x_i) for each row of x in dst. The kernel is
// stationary so every entry is σ_f².
func (k *RBF) Diagonal(dst []float64, x mat.Matrix) []float64 {
	r, _ := x.Dims()
	if dst == nil {
		dst = make([]float64, r)
	}
	if len(dst) != r {
		panic(badStorage)
	}
	v := k.Variance()
	for i := range dst {
		dst[i] = v
	}
	return dst
}
