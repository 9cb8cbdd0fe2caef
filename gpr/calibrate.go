package gpr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
)

// Options controls calibration.
type Options struct {
	// Restarts is the number of local optimizations. The first starts from
	// the current parameters, the rest from log-space perturbations of them.
	Restarts int
	// MaxIterations caps the major iterations of each optimization. Zero
	// means no cap.
	MaxIterations int
	// GradientThreshold stops an optimization when the infinity norm of the
	// gradient falls below it.
	GradientThreshold float64
	// Spread is the standard deviation of the perturbation of restarts.
	Spread float64
	Seed   uint64
	// FactorizeOnly keeps the current parameters and only factorizes.
	FactorizeOnly bool
	// Concurrency bounds the outputs calibrated at once in Independent mode.
	// Zero or less means one per output.
	Concurrency int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Restarts:          3,
		MaxIterations:     200,
		GradientThreshold: 1e-6,
		Spread:            0.5,
	}
}

// Restart is the outcome of one local optimization. Objective is zero for
// a restart that never reached a finite value.
type Restart struct {
	Objective  float64 `json:"objective"`
	Iterations int     `json:"iterations"`
	Status     string  `json:"status"`
	Err        string  `json:"error,omitempty"`
}

// BlockReport describes the calibration of one set of jointly factorized
// outputs.
type BlockReport struct {
	Outputs     []int     `json:"outputs"`
	LogMarginal float64   `json:"log_marginal"`
	Hyper       []float64 `json:"hyper"`
	Restarts    []Restart `json:"restarts"`
	Best        int       `json:"best"`
}

// Report describes a calibration.
type Report struct {
	Mode        string        `json:"mode"`
	LogMarginal float64       `json:"log_marginal"`
	Blocks      []BlockReport `json:"blocks"`
	// Canceled is set when the context ended calibration early. The
	// parameters are the best found before it did.
	Canceled bool `json:"canceled,omitempty"`
}

// Calibrate maximises the marginal likelihood of the training data over the
// kernel and noise hyperparameters and factorizes the kernel matrices at the
// optimum. Failed restarts are skipped. If no restart of some output
// succeeds, the parameters are left unchanged and a *CalibrationError is
// returned.
//
// If ctx ends first, outputs with at least one finished restart keep the
// best parameters found, the others keep their previous ones, and the
// report has Canceled set. ctx.Err() is returned only when no output
// finished a restart.
func (g *GP) Calibrate(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{Mode: g.mode.String(), Blocks: make([]BlockReport, len(g.blocks))}
	if opts.FactorizeOnly {
		if err := g.Refresh(); err != nil {
			return nil, err
		}
		for i, b := range g.blocks {
			mem := newMargLikeMemory(b.cov.numHyper(), b.cov.size())
			h := b.cov.hyper(nil)
			b.update(h, mem)
			report.Blocks[i] = BlockReport{Outputs: b.outputs, LogMarginal: b.logMarginal(mem), Hyper: h, Best: -1}
			report.LogMarginal += report.Blocks[i].LogMarginal
		}
		g.state = Calibrated
		return report, nil
	}
	if opts.Restarts < 1 {
		opts.Restarts = 1
	}

	initial := make([][]float64, len(g.blocks))
	for i, b := range g.blocks {
		initial[i] = b.cov.hyper(nil)
	}

	var eg errgroup.Group
	if opts.Concurrency > 0 {
		eg.SetLimit(opts.Concurrency)
	}
	errs := make([]error, len(g.blocks))
	for i, b := range g.blocks {
		eg.Go(func() error {
			rnd := rand.New(rand.NewPCG(opts.Seed, uint64(i)))
			r, err := g.calibrateBlock(ctx, b, initial[i], opts, rnd)
			report.Blocks[i] = r
			errs[i] = err
			return nil
		})
	}
	_ = eg.Wait()

	ctxErr := ctx.Err()
	var failed error
	done := 0
	for _, err := range errs {
		switch {
		case err == nil:
			done++
		case ctxErr != nil && errors.Is(err, ctxErr):
		default:
			failed = err
		}
	}
	restore := func() {
		for i, b := range g.blocks {
			b.cov.setHyper(initial[i])
		}
		g.stale = true
	}
	if failed != nil {
		restore()
		return report, &CalibrationError{Report: report, Err: failed}
	}
	if done == 0 {
		restore()
		return report, ctxErr
	}
	// Blocks the context stopped before any restart finished keep their
	// previous parameters.
	for i, b := range g.blocks {
		if errs[i] == nil {
			report.LogMarginal += report.Blocks[i].LogMarginal
			continue
		}
		b.cov.setHyper(initial[i])
		if err := b.factorize(); err != nil {
			restore()
			return report, &CalibrationError{Report: report, Err: err}
		}
		report.Blocks[i].Hyper = initial[i]
	}
	report.Canceled = ctxErr != nil
	g.stale = false
	g.state = Calibrated
	g.logger.Info("calibrated",
		"mode", g.mode.String(),
		"log_marginal", report.LogMarginal,
		"canceled", report.Canceled,
	)
	return report, nil
}

// calibrateBlock runs the restarts of one block in turn and keeps the best.
func (g *GP) calibrateBlock(ctx context.Context, b *block, init []float64, opts Options, rnd *rand.Rand) (BlockReport, error) {
	report := BlockReport{Outputs: b.outputs, Best: -1}
	bestF := math.Inf(1)
	var bestX []float64
	var lastErr error
	for r := 0; r < opts.Restarts; r++ {
		if ctx.Err() != nil {
			break
		}
		x0 := make([]float64, len(init))
		copy(x0, init)
		if r > 0 {
			for i := range x0 {
				x0[i] += opts.Spread * rnd.NormFloat64()
			}
		}
		res, err := b.minimize(ctx, x0, opts, g.logger)
		var rr Restart
		if res != nil {
			if !math.IsInf(res.F, 0) && !math.IsNaN(res.F) {
				rr.Objective = res.F
			}
			rr.Iterations = res.Stats.MajorIterations
			rr.Status = res.Status.String()
		}
		if err != nil {
			rr.Err = err.Error()
			lastErr = err
			g.logger.Warn("calibration restart failed", "outputs", b.outputs, "restart", r, "error", err)
		}
		report.Restarts = append(report.Restarts, rr)
		if res == nil || math.IsInf(res.F, 0) || math.IsNaN(res.F) {
			continue
		}
		if res.F < bestF {
			bestF = res.F
			bestX = append(bestX[:0], res.X...)
			report.Best = r
		}
	}
	if bestX == nil {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if lastErr == nil {
			lastErr = ErrFactorization
		}
		return report, fmt.Errorf("outputs %v: %w", b.outputs, lastErr)
	}
	b.cov.setHyper(bestX)
	if err := b.factorize(); err != nil {
		return report, err
	}
	mem := newMargLikeMemory(len(bestX), b.cov.size())
	b.update(bestX, mem)
	report.Hyper = bestX
	report.LogMarginal = b.logMarginal(mem)
	return report, nil
}
