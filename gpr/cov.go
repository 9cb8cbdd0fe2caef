package gpr

import (
	"gonum.org/v1/gonum/mat"
)

// covariance builds the covariance of one factorized block of training
// targets and its derivatives with respect to the block's hyperparameters.
type covariance interface {
	size() int
	numHyper() int
	hyper(dst []float64) []float64
	setHyper(h []float64)
	bounds() []Bound
	matrix(k *mat.SymDense)
	matrixDHyper(dk []*mat.SymDense)

	// cross returns the covariance between the latent output l at the rows
	// of xs and the block's training targets.
	cross(xs mat.Matrix, l int) *mat.Dense
	// crossSym returns the prior covariance of the latent output l at the
	// rows of xs.
	crossSym(xs mat.Matrix, l int) *mat.SymDense
	// crossDX returns the derivative of cross at the single point x, one
	// row per training target.
	crossDX(x []float64, l int) *mat.Dense
	// prior is the prior variance of the latent output l.
	prior(l int) float64
}

// singleCov is one kernel plus noise shared by every column of the block.
type singleCov struct {
	x      *mat.Dense
	kernel *RBF
	noise  *Noise
}

func (c *singleCov) size() int {
	r, _ := c.x.Dims()
	return r
}

func (c *singleCov) numHyper() int {
	return c.kernel.NumHyper() + c.noise.NumHyper()
}

func (c *singleCov) hyper(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, c.numHyper())
	}
	nk := c.kernel.NumHyper()
	c.kernel.Hyper(dst[:nk])
	c.noise.Hyper(dst[nk:])
	return dst
}

func (c *singleCov) setHyper(h []float64) {
	nk := c.kernel.NumHyper()
	c.kernel.SetHyper(h[:nk])
	c.noise.SetHyper(h[nk:])
}

func (c *singleCov) bounds() []Bound {
	return append(c.kernel.Bounds(), c.noise.Bounds()...)
}

func (c *singleCov) matrix(k *mat.SymDense) {
	kernelMatrixSym(k, c.x, c.kernel, c.noise.Variance)
}

func (c *singleCov) matrixDHyper(dk []*mat.SymDense) {
	nk := c.kernel.NumHyper()
	kernelMatrixDHyper(dk[:nk], c.x, c.kernel)
	// Noise is only added on the diagonal.
	d := dk[nk]
	d.Zero()
	dn := c.noise.dHyper()
	for i := 0; i < c.size(); i++ {
		d.SetSym(i, i, dn)
	}
}

func (c *singleCov) cross(xs mat.Matrix, l int) *mat.Dense {
	return kernelMatrix(nil, xs, c.x, c.kernel)
}

func (c *singleCov) crossSym(xs mat.Matrix, l int) *mat.SymDense {
	return kernelMatrixSym(nil, xs, c.kernel, 0)
}

func (c *singleCov) crossDX(x []float64, l int) *mat.Dense {
	n, m := c.x.Dims()
	if len(x) != m {
		panic(badInputLength)
	}
	d := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		c.kernel.KernelDX(x, c.x.RawRowView(i), d.RawRowView(i))
	}
	return d
}

func (c *singleCov) prior(l int) float64 {
	return c.kernel.Variance()
}

// coregionalCov is the intrinsic coregionalization covariance
//
//	K = B ⊗ K_x + Σ ⊗ I
//
// with the targets stacked output by output. The input kernel has unit
// variance; B carries the scale of every output. Σ is diag(σ²_l) unless a
// full likelihood covariance is calibrated.
type coregionalCov struct {
	x        *mat.Dense
	kernel   *RBF
	outCov   *OutputCovariance
	noises   []*Noise
	noiseCov *NoiseCovariance
}

func (c *coregionalCov) points() int {
	r, _ := c.x.Dims()
	return r
}

func (c *coregionalCov) size() int {
	return c.points() * c.outCov.Outputs()
}

func (c *coregionalCov) numNoiseHyper() int {
	if c.noiseCov != nil {
		return c.noiseCov.NumHyper()
	}
	return len(c.noises)
}

func (c *coregionalCov) numHyper() int {
	return len(c.kernel.LogLengths) + c.outCov.NumHyper() + c.numNoiseHyper()
}

func (c *coregionalCov) hyper(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, c.numHyper())
	}
	nl := len(c.kernel.LogLengths)
	copy(dst, c.kernel.LogLengths)
	nb := c.outCov.NumHyper()
	c.outCov.Hyper(dst[nl : nl+nb])
	if c.noiseCov != nil {
		c.noiseCov.Hyper(dst[nl+nb:])
		return dst
	}
	for i, n := range c.noises {
		n.Hyper(dst[nl+nb+i : nl+nb+i+1])
	}
	return dst
}

func (c *coregionalCov) setHyper(h []float64) {
	nl := len(c.kernel.LogLengths)
	copy(c.kernel.LogLengths, h[:nl])
	nb := c.outCov.NumHyper()
	c.outCov.SetHyper(h[nl : nl+nb])
	if c.noiseCov != nil {
		c.noiseCov.SetHyper(h[nl+nb:])
		c.syncNoises()
		return
	}
	for i, n := range c.noises {
		n.SetHyper(h[nl+nb+i : nl+nb+i+1])
	}
}

// syncNoises keeps the per-output variances equal to the diagonal of Σ.
func (c *coregionalCov) syncNoises() {
	for l, n := range c.noises {
		n.Variance = c.noiseCov.Variance(l)
	}
}

func (c *coregionalCov) bounds() []Bound {
	b := c.kernel.Bounds()[1:]
	b = append(b, c.outCov.Bounds()...)
	if c.noiseCov != nil {
		return append(b, c.noiseCov.Bounds()...)
	}
	for _, n := range c.noises {
		b = append(b, n.Bounds()...)
	}
	return b
}

func (c *coregionalCov) matrix(k *mat.SymDense) {
	kx := kernelMatrixSym(nil, c.x, c.kernel, 0)
	b := c.outCov.Matrix(nil)
	kron(k, b, kx)
	n := c.points()
	if c.noiseCov != nil {
		s := c.noiseCov.Matrix(nil)
		for o := 0; o < s.SymmetricDim(); o++ {
			for p := o; p < s.SymmetricDim(); p++ {
				for i := 0; i < n; i++ {
					k.SetSym(o*n+i, p*n+i, k.At(o*n+i, p*n+i)+s.At(o, p))
				}
			}
		}
		return
	}
	for l, noise := range c.noises {
		for i := 0; i < n; i++ {
			r := l*n + i
			k.SetSym(r, r, k.At(r, r)+noise.Variance)
		}
	}
}

func (c *coregionalCov) matrixDHyper(dk []*mat.SymDense) {
	n := c.points()
	kx := kernelMatrixSym(nil, c.x, c.kernel, 0)
	b := c.outCov.Matrix(nil)

	nk := c.kernel.NumHyper()
	dkx := make([]*mat.SymDense, nk)
	for i := range dkx {
		dkx[i] = mat.NewSymDense(n, nil)
	}
	kernelMatrixDHyper(dkx, c.x, c.kernel)
	// The unit variance is not calibrated.
	for i := 1; i < nk; i++ {
		kron(dk[i-1], b, dkx[i])
	}
	off := nk - 1

	nb := c.outCov.NumHyper()
	db := make([]*mat.SymDense, nb)
	for i := range db {
		db[i] = mat.NewSymDense(c.outCov.Outputs(), nil)
	}
	c.outCov.MatrixDHyper(db)
	for i := range db {
		kron(dk[off+i], db[i], kx)
	}
	off += nb

	if c.noiseCov != nil {
		ds := make([]*mat.SymDense, c.noiseCov.NumHyper())
		for i := range ds {
			ds[i] = mat.NewSymDense(c.noiseCov.Outputs(), nil)
		}
		c.noiseCov.MatrixDHyper(ds)
		eye := mat.NewDiagDense(n, nil)
		for i := 0; i < n; i++ {
			eye.SetDiag(i, 1)
		}
		for i := range ds {
			kron(dk[off+i], ds[i], eye)
		}
		return
	}
	for l, noise := range c.noises {
		d := dk[off+l]
		d.Zero()
		dn := noise.dHyper()
		for i := 0; i < n; i++ {
			d.SetSym(l*n+i, l*n+i, dn)
		}
	}
}

func (c *coregionalCov) cross(xs mat.Matrix, l int) *mat.Dense {
	kx := kernelMatrix(nil, xs, c.x, c.kernel)
	r, n := kx.Dims()
	b := c.outCov.Matrix(nil)
	dst := mat.NewDense(r, c.size(), nil)
	for o := 0; o < c.outCov.Outputs(); o++ {
		dst.Slice(0, r, o*n, (o+1)*n).(*mat.Dense).Scale(b.At(l, o), kx)
	}
	return dst
}

func (c *coregionalCov) crossSym(xs mat.Matrix, l int) *mat.SymDense {
	k := kernelMatrixSym(nil, xs, c.kernel, 0)
	k.ScaleSym(c.outCov.Matrix(nil).At(l, l), k)
	return k
}

func (c *coregionalCov) crossDX(x []float64, l int) *mat.Dense {
	n, m := c.x.Dims()
	if len(x) != m {
		panic(badInputLength)
	}
	b := c.outCov.Matrix(nil)
	d := mat.NewDense(c.size(), m, nil)
	row := make([]float64, m)
	for i := 0; i < n; i++ {
		c.kernel.KernelDX(x, c.x.RawRowView(i), row)
		for o := 0; o < c.outCov.Outputs(); o++ {
			dst := d.RawRowView(o*n + i)
			for j, v := range row {
				dst[j] = b.At(l, o) * v
			}
		}
	}
	return d
}

func (c *coregionalCov) prior(l int) float64 {
	return c.outCov.Matrix(nil).At(l, l)
}

// kron stores the Kronecker product a ⊗ b in dst.
func kron(dst *mat.SymDense, a, b mat.Symmetric) {
	na := a.SymmetricDim()
	nb := b.SymmetricDim()
	if dst.SymmetricDim() != na*nb {
		panic(badStorage)
	}
	for i := 0; i < na; i++ {
		for j := i; j < na; j++ {
			aij := a.At(i, j)
			for p := 0; p < nb; p++ {
				q0 := 0
				if i == j {
					q0 = p
				}
				for q := q0; q < nb; q++ {
					dst.SetSym(i*nb+p, j*nb+q, aij*b.At(p, q))
				}
			}
		}
	}
}
