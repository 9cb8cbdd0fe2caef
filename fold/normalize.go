package fold

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// MeanStdMat returns the mean and standard deviations of the columns of the
// data matrix. If all of the elements of the column have the same value, a
// standard deviation of 1 is returned. If x == nil, MeanStdMat panics.
func MeanStdMat(x mat.Matrix) (mean, std []float64) {
	if x == nil {
		panic("fold: nil input")
	}
	samp, dim := x.Dims()
	mean = make([]float64, dim)
	std = make([]float64, dim)
	col := make([]float64, samp)
	for j := 0; j < dim; j++ {
		mat.Col(col, j, x)
		m, s := stat.MeanStdDev(col, nil)
		if samp < 2 {
			s = 0
		}
		mean[j] = m
		if s == 0 {
			s = 1
		}
		std[j] = s
	}
	return mean, std
}

// Normalization is the column-wise affine map of a fold. It is computed from
// the training rows and then applied unchanged to any other row.
type Normalization struct {
	MeanX []float64 `json:"mean_x"`
	StdX  []float64 `json:"std_x"`
	MeanY []float64 `json:"mean_y"`
	StdY  []float64 `json:"std_y"`
}

func newNormalization(x, y mat.Matrix) Normalization {
	var n Normalization
	n.MeanX, n.StdX = MeanStdMat(x)
	n.MeanY, n.StdY = MeanStdMat(y)
	return n
}

// Standardization is the column-wise map x' = (x - Mean) / Std computed once
// from every row of a dataset. It puts inputs of different units on one scale
// before they are rotated.
type Standardization struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Standardize returns the standardisation of the inputs of data.
func Standardize(data *Dataset) Standardization {
	var s Standardization
	s.Mean, s.Std = MeanStdMat(data.X)
	return s
}

func (s Standardization) clone() Standardization {
	return Standardization{
		Mean: append([]float64(nil), s.Mean...),
		Std:  append([]float64(nil), s.Std...),
	}
}

func (s Standardization) validate(m int) error {
	if len(s.Mean) != m || len(s.Std) != m {
		return fmt.Errorf("%w: standardisation has %d means and %d deviations for %d inputs", ErrSchema, len(s.Mean), len(s.Std), m)
	}
	for j, v := range s.Std {
		if !(v > 0) || math.IsInf(v, 1) || math.IsNaN(s.Mean[j]) || math.IsInf(s.Mean[j], 0) {
			return fmt.Errorf("%w: standardisation of input %d is (%v, %v)", ErrSchema, j, s.Mean[j], v)
		}
	}
	return nil
}

// scale returns (a - mean) / std column-wise.
func scale(a mat.Matrix, mean, std []float64) *mat.Dense {
	r, c := a.Dims()
	if c != len(mean) || c != len(std) {
		panic("fold: bad size")
	}
	dst := mat.NewDense(r, c, nil)
	dst.Apply(func(i, j int, v float64) float64 {
		return (v - mean[j]) / std[j]
	}, a)
	return dst
}

// unscale returns a * std + mean column-wise.
func unscale(a mat.Matrix, mean, std []float64) *mat.Dense {
	r, c := a.Dims()
	if c != len(mean) || c != len(std) {
		panic("fold: bad size")
	}
	dst := mat.NewDense(r, c, nil)
	dst.Apply(func(i, j int, v float64) float64 {
		return v*std[j] + mean[j]
	}, a)
	return dst
}
