package gpr

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// KernelParameters are the natural-scale parameters of one RBF kernel.
type KernelParameters struct {
	Variance     float64   `json:"variance"`
	Lengthscales []float64 `json:"lengthscales"`
}

// Parameters is a plain record of everything calibration sets. It is what
// gets persisted with a model.
type Parameters struct {
	Mode             string             `json:"mode"`
	Kernels          []KernelParameters `json:"kernels"`
	Noise            []float64          `json:"noise"`
	Floor            float64            `json:"floor"`
	OutputCovariance [][]float64        `json:"output_covariance,omitempty"`
	NoiseCovariance  [][]float64        `json:"noise_covariance,omitempty"`
}

// Parameters returns the current parameters.
func (g *GP) Parameters() Parameters {
	p := Parameters{Mode: g.mode.String(), Floor: g.noises[0].Floor}
	for _, k := range g.kernels {
		kp := KernelParameters{Variance: k.Variance(), Lengthscales: make([]float64, len(k.LogLengths))}
		k.Lengthscales(kp.Lengthscales, len(k.LogLengths))
		p.Kernels = append(p.Kernels, kp)
	}
	for _, n := range g.noises {
		p.Noise = append(p.Noise, n.Variance)
	}
	if g.outCov != nil {
		p.OutputCovariance = symRows(g.outCov.Matrix(nil))
	}
	if g.noiseCov != nil {
		p.NoiseCovariance = symRows(g.noiseCov.Matrix(nil))
	}
	return p
}

func symRows(b mat.Symmetric) [][]float64 {
	n := b.SymmetricDim()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, n)
		mat.Row(rows[i], i, b)
	}
	return rows
}

// rowsSym reads the upper triangle of an l×l matrix stored by symRows.
func rowsSym(rows [][]float64, l int, name string) (*mat.SymDense, error) {
	if len(rows) != l {
		return nil, fmt.Errorf("%w: %s has %d rows, want %d", ErrInvalidParameter, name, len(rows), l)
	}
	b := mat.NewSymDense(l, nil)
	for i, row := range rows {
		if len(row) != l {
			return nil, fmt.Errorf("%w: %s row %d has %d entries", ErrInvalidParameter, name, i, len(row))
		}
		for j := i; j < l; j++ {
			b.SetSym(i, j, row[j])
		}
	}
	return b, nil
}

// SetParameters replaces the parameters of the model, for example with
// ones read back from storage. The model is treated as calibrated and the
// factorization is refreshed before the next prediction.
func (g *GP) SetParameters(p Parameters) error {
	mode, err := ParseMode(p.Mode)
	if err != nil {
		return err
	}
	if mode != g.mode {
		return fmt.Errorf("%w: parameters for mode %v, model is %v", ErrInvalidParameter, mode, g.mode)
	}
	if len(p.Kernels) != len(g.kernels) || len(p.Noise) != len(g.noises) {
		return fmt.Errorf("%w: %d kernels and %d noises, want %d and %d",
			ErrInvalidParameter, len(p.Kernels), len(p.Noise), len(g.kernels), len(g.noises))
	}
	kernels := make([]*RBF, len(p.Kernels))
	for i, kp := range p.Kernels {
		k, err := NewRBF(kp.Variance, kp.Lengthscales)
		if err != nil {
			return err
		}
		if len(k.LogLengths) != len(g.kernels[i].LogLengths) {
			return fmt.Errorf("%w: kernel %d has %d length scales, want %d",
				ErrInvalidParameter, i, len(k.LogLengths), len(g.kernels[i].LogLengths))
		}
		kernels[i] = k
	}
	noises := make([]*Noise, len(p.Noise))
	for i, v := range p.Noise {
		n, err := NewNoiseFloor(v, p.Floor)
		if err != nil {
			return err
		}
		noises[i] = n
	}
	var outCov *OutputCovariance
	if g.outCov != nil {
		b, err := rowsSym(p.OutputCovariance, g.outCov.Outputs(), "output covariance")
		if err != nil {
			return err
		}
		if outCov, err = NewOutputCovariance(b); err != nil {
			return err
		}
	}
	var noiseCov *NoiseCovariance
	if g.noiseCov != nil {
		s, err := rowsSym(p.NoiseCovariance, g.noiseCov.Outputs(), "noise covariance")
		if err != nil {
			return err
		}
		if noiseCov, err = NewNoiseCovariance(s, p.Floor); err != nil {
			return err
		}
	}

	// Update in place; the blocks hold the same pointers.
	for i, k := range kernels {
		g.kernels[i].LogVariance = k.LogVariance
		copy(g.kernels[i].LogLengths, k.LogLengths)
	}
	if g.mode == Coregional {
		// B carries the output scale.
		g.kernels[0].LogVariance = 0
	}
	for i, n := range noises {
		*g.noises[i] = *n
	}
	if outCov != nil {
		g.outCov.SetHyper(outCov.Hyper(nil))
	}
	if noiseCov != nil {
		g.noiseCov.Floor = noiseCov.Floor
		g.noiseCov.SetHyper(noiseCov.Hyper(nil))
		for i, n := range g.noises {
			n.Variance = g.noiseCov.Variance(i)
		}
	}
	g.stale = true
	if g.state == Trained {
		g.state = Calibrated
	}
	return nil
}
