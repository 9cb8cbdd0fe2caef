package gsa

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/stat/distuv"
)

// Marginal is the distribution of each input in model space. Inputs are
// independent and identically distributed.
type Marginal interface {
	// Rule returns n quadrature nodes and probability weights summing to one.
	Rule(n int) (x, w []float64)
	// Sampler returns a function drawing from the marginal.
	Sampler(src rand.Source) func() float64
	String() string
	validate() error
}

// Normal is the standard normal marginal, which matches inputs normalised to
// zero mean and unit variance.
type Normal struct{}

func (Normal) Rule(n int) (x, w []float64) {
	x = make([]float64, n)
	w = make([]float64, n)
	// Hermite nodes integrate against exp(-t²); substitute x = √2 t.
	quad.Hermite{}.FixedLocations(x, w, math.Inf(-1), math.Inf(1))
	for i := range x {
		x[i] *= math.Sqrt2
		w[i] /= math.SqrtPi
	}
	return x, w
}

func (Normal) Sampler(src rand.Source) func() float64 {
	return distuv.Normal{Mu: 0, Sigma: 1, Src: src}.Rand
}

func (Normal) String() string { return "normal" }

func (Normal) validate() error { return nil }

// Uniform is the uniform marginal on [Min, Max].
type Uniform struct {
	Min, Max float64
}

// StandardUniform returns the uniform marginal with zero mean and unit
// variance.
func StandardUniform() Uniform {
	return Uniform{Min: -math.Sqrt(3), Max: math.Sqrt(3)}
}

func (u Uniform) Rule(n int) (x, w []float64) {
	x = make([]float64, n)
	w = make([]float64, n)
	quad.Legendre{}.FixedLocations(x, w, u.Min, u.Max)
	width := u.Max - u.Min
	for i := range w {
		w[i] /= width
	}
	return x, w
}

func (u Uniform) Sampler(src rand.Source) func() float64 {
	return distuv.Uniform{Min: u.Min, Max: u.Max, Src: src}.Rand
}

func (u Uniform) String() string {
	return fmt.Sprintf("uniform[%g,%g]", u.Min, u.Max)
}

func (u Uniform) validate() error {
	if !(u.Min < u.Max) || math.IsInf(u.Min, 0) || math.IsInf(u.Max, 0) {
		return fmt.Errorf("%w: uniform marginal on [%g, %g]", ErrOptions, u.Min, u.Max)
	}
	return nil
}

// ParseMarginal returns the marginal named by s: "normal" or "uniform",
// which is StandardUniform.
func ParseMarginal(s string) (Marginal, error) {
	switch s {
	case "", "normal":
		return Normal{}, nil
	case "uniform":
		return StandardUniform(), nil
	}
	return nil, fmt.Errorf("%w: unknown marginal %q", ErrOptions, s)
}
