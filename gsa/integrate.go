package gsa

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/gpr"
)

// precisions returns 1/ℓ² of each component, one slice per output.
func precisions(comps []gpr.MeanComponent) [][]float64 {
	p := make([][]float64, len(comps))
	for a, c := range comps {
		p[a] = make([]float64, len(c.Lengthscales))
		for j, l := range c.Lengthscales {
			p[a][j] = 1 / (l * l)
		}
	}
	return p
}

// gaussian integrates the posterior mean against standard normal inputs in
// closed form.
type gaussian struct {
	x     *mat.Dense
	comps []gpr.MeanComponent
	prec  [][]float64
}

func newGaussian(x *mat.Dense, comps []gpr.MeanComponent) *gaussian {
	return &gaussian{x: x, comps: comps, prec: precisions(comps)}
}

func (g *gaussian) mean(a int) float64 {
	n, m := g.x.Dims()
	p := g.prec[a]
	var s float64
	for i := 0; i < n; i++ {
		row := g.x.RawRowView(i)
		var e float64
		for j := 0; j < m; j++ {
			e -= 0.5 * (math.Log1p(p[j]) + p[j]*row[j]*row[j]/(1+p[j]))
		}
		s += g.comps[a].Weights[i] * math.Exp(e)
	}
	return g.comps[a].Variance * s
}

func (g *gaussian) subset(s []int, a, b int) (float64, error) {
	_, m := g.x.Dims()
	q := mat.NewSymDense(m, nil)
	for _, i := range s {
		q.SetSym(i, i, 1)
	}
	return g.projected(q, a, b)
}

// projected returns E[f_a(x) f_b(x')] for x, x' ~ N(0, I) with
// Cov[x, x'] = q, where q is an orthogonal projection.
//
// With D = diag(√p_a, √p_b) and Σ the joint covariance of (x, x'), the
// integral over each pair of training points is
//
//	det(H)^{-½} exp(-½ μᵀ D H⁻¹ D μ),  H = I + D Σ D,  μ = (x_n, x_n').
func (g *gaussian) projected(q mat.Matrix, a, b int) (float64, error) {
	n, m := g.x.Dims()
	pa, pb := g.prec[a], g.prec[b]
	d := make([]float64, 2*m)
	for i := 0; i < m; i++ {
		d[i] = math.Sqrt(pa[i])
		d[m+i] = math.Sqrt(pb[i])
	}
	h := mat.NewSymDense(2*m, nil)
	for i := 0; i < m; i++ {
		h.SetSym(i, i, 1+pa[i])
		h.SetSym(m+i, m+i, 1+pb[i])
		for j := 0; j < m; j++ {
			h.SetSym(i, m+j, d[i]*q.At(i, j)*d[m+j])
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(h); !ok {
		return math.NaN(), errors.New("gsa: conditioning matrix is not positive definite")
	}
	var hinv mat.SymDense
	if err := chol.InverseTo(&hinv); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return math.NaN(), err
		}
	}
	logDet := chol.LogDet()

	w11 := mat.NewDense(m, m, nil)
	w12 := mat.NewDense(m, m, nil)
	w22 := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			w11.Set(i, j, d[i]*hinv.At(i, j)*d[j])
			w12.Set(i, j, d[i]*hinv.At(i, m+j)*d[m+j])
			w22.Set(i, j, d[m+i]*hinv.At(m+i, m+j)*d[m+j])
		}
	}
	q1 := quadForm(g.x, w11)
	q2 := quadForm(g.x, w22)
	var xw, c mat.Dense
	xw.Mul(g.x, w12)
	c.Mul(&xw, g.x.T())

	wa, wb := g.comps[a].Weights, g.comps[b].Weights
	var s float64
	for i := 0; i < n; i++ {
		var row float64
		for j := 0; j < n; j++ {
			row += wb[j] * math.Exp(-0.5*(logDet+q1[i]+2*c.At(i, j)+q2[j]))
		}
		s += wa[i] * row
	}
	s *= g.comps[a].Variance * g.comps[b].Variance
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return s, fmt.Errorf("gsa: moment of outputs %d and %d is %v", a, b, s)
	}
	return s, nil
}

// quadForm returns x_nᵀ w x_n for each row of x.
func quadForm(x, w *mat.Dense) []float64 {
	n, _ := x.Dims()
	var xw mat.Dense
	xw.Mul(x, w)
	q := make([]float64, n)
	for i := range q {
		q[i] = floats.Dot(xw.RawRowView(i), x.RawRowView(i))
	}
	return q
}

// separable integrates the posterior mean by a tensor product of
// one-dimensional quadrature rules. Only coordinate subsets can be
// conditioned on.
type separable struct {
	n, m  int
	comps []gpr.MeanComponent
	w     []float64
	// e[a][j] is N×Q with entries exp(-½ p_aj (t_q - x_nj)²).
	e [][]*mat.Dense
	// g[a][j][n] is Σ_q w_q e[a][j][n,q].
	g [][][]float64
}

func newSeparable(x *mat.Dense, comps []gpr.MeanComponent, marg Marginal, points int) *separable {
	n, m := x.Dims()
	t, w := marg.Rule(points)
	prec := precisions(comps)
	s := &separable{
		n:     n,
		m:     m,
		comps: comps,
		w:     w,
		e:     make([][]*mat.Dense, len(comps)),
		g:     make([][][]float64, len(comps)),
	}
	for a := range comps {
		s.e[a] = make([]*mat.Dense, m)
		s.g[a] = make([][]float64, m)
		for j := 0; j < m; j++ {
			e := mat.NewDense(n, len(t), nil)
			e.Apply(func(i, k int, _ float64) float64 {
				d := t[k] - x.At(i, j)
				return math.Exp(-0.5 * prec[a][j] * d * d)
			}, e)
			g := make([]float64, n)
			for i := range g {
				g[i] = floats.Dot(e.RawRowView(i), w)
			}
			s.e[a][j] = e
			s.g[a][j] = g
		}
	}
	return s
}

func (s *separable) mean(a int) float64 {
	var sum float64
	for i := 0; i < s.n; i++ {
		v := s.comps[a].Weights[i]
		for j := 0; j < s.m; j++ {
			v *= s.g[a][j][i]
		}
		sum += v
	}
	return s.comps[a].Variance * sum
}

func (s *separable) subset(sub []int, a, b int) (float64, error) {
	in := make([]bool, s.m)
	for _, j := range sub {
		in[j] = true
	}
	ua := make([]float64, s.n)
	ub := make([]float64, s.n)
	copy(ua, s.comps[a].Weights)
	copy(ub, s.comps[b].Weights)
	for j := 0; j < s.m; j++ {
		if in[j] {
			continue
		}
		floats.Mul(ua, s.g[a][j])
		floats.Mul(ub, s.g[b][j])
	}

	// h is the elementwise product over shared inputs of E_a diag(w) E_bᵀ.
	h := mat.NewDense(s.n, s.n, nil)
	h.Apply(func(int, int, float64) float64 { return 1 }, h)
	var ew, prod mat.Dense
	for _, j := range sub {
		ew.Apply(func(_, k int, v float64) float64 { return v * s.w[k] }, s.e[a][j])
		prod.Mul(&ew, s.e[b][j].T())
		h.MulElem(h, &prod)
		ew.Reset()
		prod.Reset()
	}
	v := mat.Inner(mat.NewVecDense(s.n, ua), h, mat.NewVecDense(s.n, ub))
	v *= s.comps[a].Variance * s.comps[b].Variance
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v, fmt.Errorf("gsa: moment of outputs %d and %d is %v", a, b, v)
	}
	return v, nil
}
