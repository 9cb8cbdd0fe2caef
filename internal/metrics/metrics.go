// Package metrics records the progress of an experiment in a private
// Prometheus registry, written out in the text format when a run ends.
package metrics

import (
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/miltonra/RomCom/gpr"
	"github.com/miltonra/RomCom/gsa"
)

const namespace = "romcom"

// Metrics is safe for concurrent use.
type Metrics struct {
	reg *prometheus.Registry

	stageSeconds *prometheus.HistogramVec
	calibrations *prometheus.CounterVec
	restarts     *prometheus.CounterVec
	logMarginal  *prometheus.GaugeVec
	testRMSE     *prometheus.GaugeVec
	firstOrder   *prometheus.GaugeVec
	totalEffect  *prometheus.GaugeVec
	failedSets   prometheus.Counter
	romIndex     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		stageSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each experiment stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		calibrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gpr",
			Name:      "calibrations_total",
			Help:      "GP calibrations by outcome.",
		}, []string{"status"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gpr",
			Name:      "restarts_total",
			Help:      "Optimizer restarts by outcome.",
		}, []string{"status"}),
		logMarginal: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gpr",
			Name:      "log_marginal_likelihood",
			Help:      "Log marginal likelihood of each calibrated fold.",
		}, []string{"fold"}),
		testRMSE: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gpr",
			Name:      "test_rmse",
			Help:      "Root mean square test error of each fold and output.",
		}, []string{"fold", "output"}),
		firstOrder: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gsa",
			Name:      "first_order_index",
			Help:      "First-order Sobol' index of each output and input.",
		}, []string{"output", "input"}),
		totalEffect: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gsa",
			Name:      "total_effect_index",
			Help:      "Total-effect Sobol' index of each output and input.",
		}, []string{"output", "input"}),
		failedSets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gsa",
			Name:      "failed_subsets_total",
			Help:      "Subsets whose integrals could not be evaluated.",
		}),
		romIndex: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gsa",
			Name:      "rom_index",
			Help:      "Closed Sobol' index of the leading rotated subspace.",
		}),
	}
}

// Registry returns the registry holding every metric.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Stage records the duration of a stage started at start.
func (m *Metrics) Stage(stage string, start time.Time) {
	m.stageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Calibration records the outcome of calibrating the GP of a fold.
func (m *Metrics) Calibration(fold string, r *gpr.Report, err error) {
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case r != nil && r.Canceled:
		status = "canceled"
	}
	m.calibrations.WithLabelValues(status).Inc()
	if r == nil {
		return
	}
	for _, b := range r.Blocks {
		for _, rr := range b.Restarts {
			s := "ok"
			if rr.Err != "" {
				s = "error"
			}
			m.restarts.WithLabelValues(s).Inc()
		}
	}
	if err == nil {
		m.logMarginal.WithLabelValues(fold).Set(r.LogMarginal)
	}
}

// TestError records the test RMSE of a fold.
func (m *Metrics) TestError(fold string, rmse []float64) {
	for l, v := range rmse {
		m.testRMSE.WithLabelValues(fold, strconv.Itoa(l)).Set(v)
	}
}

// Sensitivity records the indices of a GSA.
func (m *Metrics) Sensitivity(res *gsa.Result) {
	l, in := res.FirstOrder.Dims()
	for o := 0; o < l; o++ {
		for i := 0; i < in; i++ {
			out, input := strconv.Itoa(o), strconv.Itoa(i)
			if v := res.FirstOrder.At(o, i); !math.IsNaN(v) {
				m.firstOrder.WithLabelValues(out, input).Set(v)
			}
			if v := res.TotalEffect.At(o, i); !math.IsNaN(v) {
				m.totalEffect.WithLabelValues(out, input).Set(v)
			}
		}
	}
	m.failedSets.Add(float64(len(res.Failed)))
}

// Reduction records the index of a ROM rotation.
func (m *Metrics) Reduction(r *gsa.Rotation) {
	m.romIndex.Set(r.Index)
}

// WriteFile writes every metric to path in the Prometheus text format.
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
