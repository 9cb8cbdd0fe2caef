package gsa

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Subset holds the closed Sobol' index of a set of inputs.
type Subset struct {
	Inputs []int
	// Variance is the L×L covariance of the outputs conditioned on Inputs.
	Variance *mat.SymDense
	// Index is Variance[a,b] / √(V_T[a,a] V_T[b,b]).
	Index *mat.SymDense
}

// Failure records a subset whose integrals could not be evaluated.
type Failure struct {
	Inputs []int
	Err    error
}

// Result is the outcome of Analysis.Calibrate.
type Result struct {
	Mean []float64
	// Total is V_T, the covariance of the outputs.
	Total *mat.SymDense
	// FirstOrder[l][i] is S_i for output l. Entries whose subset failed are
	// NaN.
	FirstOrder *mat.Dense
	// TotalEffect[l][i] is S_Ti = 1 - V_{~i}/V_T for output l.
	TotalEffect *mat.Dense
	Subsets     []Subset
	Failed      []Failure
	// Incomplete is set when the context ended before every subset was
	// evaluated.
	Incomplete bool

	// FirstOrderError and TotalEffectError are set when Options.Error is.
	// Each entry is the variance the posterior of the surrogate adds to the
	// conditional variance behind the matching index, over V_T. An index
	// is well determined by the training data when its error is small.
	FirstOrderError  *mat.Dense
	TotalEffectError *mat.Dense
}

// Lookup returns the subset holding exactly the given inputs.
func (r *Result) Lookup(inputs ...int) (Subset, bool) {
	k := subsetKey(inputs)
	for _, s := range r.Subsets {
		if subsetKey(s.Inputs) == k {
			return s, true
		}
	}
	return Subset{}, false
}

func subsetKey(s []int) string {
	c := append([]int(nil), s...)
	sort.Ints(c)
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// subsets returns the subsets to evaluate, sorted and without duplicates.
func (a *Analysis) subsets() [][]int {
	var all [][]int
	if a.opts.AllSubsets {
		for mask := 1; mask < 1<<a.m; mask++ {
			var s []int
			for i := 0; i < a.m; i++ {
				if mask&(1<<i) != 0 {
					s = append(s, i)
				}
			}
			all = append(all, s)
		}
	} else {
		for i := 0; i < a.m; i++ {
			all = append(all, []int{i}, complement([]int{i}, a.m))
		}
		all = append(all, complement(nil, a.m))
		all = append(all, a.opts.Subsets...)
	}
	seen := make(map[string]bool)
	var out [][]int
	for _, s := range all {
		k := subsetKey(s)
		if seen[k] {
			continue
		}
		seen[k] = true
		c := append([]int(nil), s...)
		sort.Ints(c)
		out = append(out, c)
	}
	return out
}

// complement returns the inputs of 0..m-1 not in s.
func complement(s []int, m int) []int {
	in := make([]bool, m)
	for _, i := range s {
		in[i] = true
	}
	c := []int{}
	for i := 0; i < m; i++ {
		if !in[i] {
			c = append(c, i)
		}
	}
	return c
}

// Calibrate evaluates the Sobol' indices of every configured subset. Subsets
// whose integrals fail are recorded in Result.Failed and do not stop the
// others. If ctx ends first, the subsets evaluated so far are returned with
// Incomplete set, or ctx.Err() if there are none.
func (a *Analysis) Calibrate(ctx context.Context) (*Result, error) {
	start := time.Now()
	subs := a.subsets()
	vars := make([]*mat.SymDense, len(subs))
	errs := make([]error, len(subs))

	var g errgroup.Group
	if a.opts.Concurrency > 0 {
		g.SetLimit(a.opts.Concurrency)
	}
	for i, s := range subs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			v, err := a.variance(s)
			if err != nil {
				errs[i] = err
				return nil
			}
			vars[i] = v
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{
		Mean:        a.Mean(),
		Total:       a.Total(),
		FirstOrder:  mat.NewDense(a.l, a.m, nil),
		TotalEffect: mat.NewDense(a.l, a.m, nil),
	}
	fill(res.FirstOrder, math.NaN())
	fill(res.TotalEffect, math.NaN())
	byKey := make(map[string]*mat.SymDense)
	for i, s := range subs {
		switch {
		case errs[i] != nil:
			a.logger.Warn("subset failed", "inputs", s, "error", errs[i])
			res.Failed = append(res.Failed, Failure{Inputs: s, Err: errs[i]})
		case vars[i] == nil:
			res.Incomplete = true
		default:
			byKey[subsetKey(s)] = vars[i]
			res.Subsets = append(res.Subsets, Subset{Inputs: s, Variance: vars[i], Index: a.normalize(vars[i])})
		}
	}
	if res.Incomplete && len(res.Subsets) == 0 {
		return nil, ctx.Err()
	}
	for i := 0; i < a.m; i++ {
		first, ok := byKey[subsetKey([]int{i})]
		rest, okRest := byKey[subsetKey(complement([]int{i}, a.m))]
		if a.m == 1 {
			rest, okRest = mat.NewSymDense(a.l, nil), true
		}
		for l := 0; l < a.l; l++ {
			vt := a.total.At(l, l)
			if vt == 0 {
				continue
			}
			if ok {
				res.FirstOrder.Set(l, i, clamp01(first.At(l, l)/vt))
			}
			if okRest {
				res.TotalEffect.Set(l, i, clamp01(1-rest.At(l, l)/vt))
			}
		}
	}
	if a.post != nil && ctx.Err() == nil {
		res.FirstOrderError, res.TotalEffectError = a.indexErrors()
	}
	a.logger.Info("sensitivity analysis",
		"inputs", a.m, "outputs", a.l, "method", a.method.String(),
		"subsets", len(res.Subsets), "failed", len(res.Failed),
		"incomplete", res.Incomplete, "elapsed", time.Since(start))
	return res, nil
}

// indexErrors returns the posterior share of the first-order and total-effect
// index of every input and output.
func (a *Analysis) indexErrors() (first, total *mat.Dense) {
	first = mat.NewDense(a.l, a.m, nil)
	total = mat.NewDense(a.l, a.m, nil)
	fill(first, math.NaN())
	fill(total, math.NaN())
	all := complement(nil, a.m)
	for l := 0; l < a.l; l++ {
		vt := a.total.At(l, l)
		if vt == 0 {
			continue
		}
		full := a.post.excess(all, l)
		for i := 0; i < a.m; i++ {
			first.Set(l, i, a.post.excess([]int{i}, l)/vt)
			total.Set(l, i, math.Max(full-a.post.excess(complement([]int{i}, a.m), l), 0)/vt)
		}
	}
	return first, total
}

func fill(d *mat.Dense, v float64) {
	d.Apply(func(int, int, float64) float64 { return v }, d)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

// Check returns an error if the first-order and total-effect indices of a
// result violate 0 ≤ S_i ≤ S_Ti ≤ 1 or Σ_i S_i ≤ 1 by more than tol.
func (r *Result) Check(tol float64) error {
	l, m := r.FirstOrder.Dims()
	for o := 0; o < l; o++ {
		var sum float64
		for i := 0; i < m; i++ {
			s, st := r.FirstOrder.At(o, i), r.TotalEffect.At(o, i)
			if math.IsNaN(s) || math.IsNaN(st) {
				continue
			}
			if s > st+tol {
				return fmt.Errorf("gsa: output %d input %d: first-order index %g exceeds total effect %g", o, i, s, st)
			}
			sum += s
		}
		if sum > 1+tol {
			return fmt.Errorf("gsa: output %d: first-order indices sum to %g", o, sum)
		}
	}
	return nil
}
