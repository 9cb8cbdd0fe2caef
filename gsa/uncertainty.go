package gsa

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/gpr"
)

// Uncertain is a Surrogate that also knows its posterior covariance, which
// lets an Analysis report how much of each index the posterior mean leaves
// undetermined.
type Uncertain interface {
	Surrogate
	PosteriorComponents() ([]gpr.PosteriorComponent, error)
}

var _ Uncertain = (*gpr.GP)(nil)

// posterior integrates the posterior covariance of a surrogate. Each input
// contributes the factors
//
//	j1(u)    = E[e(t, u)]
//	j2(u, v) = E[e(t, u) e(t, v)]
//	i2       = E[e(t, t')]
//
// for independent t, t' drawn from the marginal, where e is the kernel bump
// of one input. The integrals of the covariance over any coordinate subset
// are products of these.
type posterior struct {
	n, m  int
	comps []gpr.PosteriorComponent
	j1    [][][]float64     // [output][input][n]
	j2    [][]*mat.SymDense // [output][input] N×N
	i2    [][]float64       // [output][input]
	empty []float64         // E_∅ per output
}

// newPosterior evaluates the factors in closed form, which needs a Normal
// marginal, or with a quadrature rule of the marginal.
func newPosterior(x *mat.Dense, comps []gpr.PosteriorComponent, marg Marginal, points int, closed bool) *posterior {
	n, m := x.Dims()
	p := &posterior{
		n:     n,
		m:     m,
		comps: comps,
		j1:    make([][][]float64, len(comps)),
		j2:    make([][]*mat.SymDense, len(comps)),
		i2:    make([][]float64, len(comps)),
	}
	var t, w []float64
	if !closed {
		t, w = marg.Rule(points)
	}
	col := make([]float64, n)
	for a, c := range comps {
		p.j1[a] = make([][]float64, m)
		p.j2[a] = make([]*mat.SymDense, m)
		p.i2[a] = make([]float64, m)
		for d := 0; d < m; d++ {
			prec := 1 / (c.Lengthscales[d] * c.Lengthscales[d])
			mat.Col(col, d, x)
			if closed {
				p.j1[a][d], p.j2[a][d], p.i2[a][d] = normalFactors(col, prec)
			} else {
				p.j1[a][d], p.j2[a][d], p.i2[a][d] = ruleFactors(col, prec, t, w)
			}
		}
	}
	p.empty = make([]float64, len(comps))
	for a := range comps {
		p.empty[a] = p.expected(nil, a)
	}
	return p
}

// normalFactors evaluates the factors of one input in closed form for a
// standard normal marginal and bump precision p.
func normalFactors(u []float64, p float64) (j1 []float64, j2 *mat.SymDense, i2 float64) {
	n := len(u)
	j1 = make([]float64, n)
	for i, v := range u {
		j1[i] = math.Exp(-0.5*p*v*v/(1+p)) / math.Sqrt(1+p)
	}
	i2 = 1 / math.Sqrt(1+2*p)
	j2 = mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for k := i; k < n; k++ {
			diff, sum := u[i]-u[k], u[i]+u[k]
			j2.SetSym(i, k, i2*math.Exp(-0.25*p*diff*diff-0.25*p*sum*sum/(1+2*p)))
		}
	}
	return j1, j2, i2
}

// ruleFactors evaluates the factors of one input with the quadrature rule
// (t, w).
func ruleFactors(u []float64, p float64, t, w []float64) (j1 []float64, j2 *mat.SymDense, i2 float64) {
	n := len(u)
	e := mat.NewDense(n, len(t), nil)
	e.Apply(func(i, q int, _ float64) float64 {
		d := t[q] - u[i]
		return math.Exp(-0.5 * p * d * d)
	}, e)
	j1 = make([]float64, n)
	for i := range j1 {
		j1[i] = floats.Dot(e.RawRowView(i), w)
	}
	var ew mat.Dense
	ew.Apply(func(_, q int, v float64) float64 { return v * w[q] }, e)
	var prod mat.Dense
	prod.Mul(&ew, e.T())
	j2 = mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for k := i; k < n; k++ {
			j2.SetSym(i, k, prod.At(i, k))
		}
	}
	for q := range t {
		for r := range t {
			d := t[q] - t[r]
			i2 += w[q] * w[r] * math.Exp(-0.5*p*d*d)
		}
	}
	return j1, j2, i2
}

// expected returns E_s = E_{x_s}[Var_f(E[f_a | x_s])], the posterior
// variance of the conditional mean of output a averaged over x_s.
func (p *posterior) expected(s []int, a int) float64 {
	in := make([]bool, p.m)
	for _, d := range s {
		in[d] = true
	}
	c := p.comps[a]
	prior := c.Variance
	u := make([]float64, p.n)
	for i := range u {
		u[i] = 1
	}
	for d := 0; d < p.m; d++ {
		if in[d] {
			continue
		}
		prior *= p.i2[a][d]
		floats.Mul(u, p.j1[a][d])
	}
	h := mat.NewDense(p.n, p.n, nil)
	h.Copy(c.Weights)
	for _, d := range s {
		h.MulElem(h, p.j2[a][d])
	}
	uv := mat.NewVecDense(p.n, u)
	return prior - mat.Inner(uv, h, uv)
}

// excess returns E_s - E_∅, the variance of output a conditioned on s that
// the posterior adds to that of the posterior mean.
func (p *posterior) excess(s []int, a int) float64 {
	if len(s) == 0 {
		return 0
	}
	return math.Max(p.expected(s, a)-p.empty[a], 0)
}
