package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/gpr"
	"github.com/miltonra/RomCom/gsa"
)

func TestWriteFile(t *testing.T) {
	m := New()
	m.Stage("calibrate", time.Now())
	m.Calibration("0", &gpr.Report{
		LogMarginal: -12.5,
		Blocks:      []gpr.BlockReport{{Restarts: []gpr.Restart{{}, {Err: "singular"}}}},
	}, nil)
	m.Calibration("1", nil, errors.New("failed"))
	m.TestError("0", []float64{0.25})
	m.Sensitivity(&gsa.Result{
		FirstOrder:  mat.NewDense(1, 2, []float64{0.6, 0.3}),
		TotalEffect: mat.NewDense(1, 2, []float64{0.7, 0.4}),
	})
	m.Reduction(&gsa.Rotation{Index: 0.9})

	path := filepath.Join(t.TempDir(), "run.prom")
	require.NoError(t, m.WriteFile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(b)
	for _, want := range []string{
		`romcom_gpr_calibrations_total{status="ok"} 1`,
		`romcom_gpr_calibrations_total{status="error"} 1`,
		`romcom_gpr_restarts_total{status="error"} 1`,
		`romcom_gpr_log_marginal_likelihood{fold="0"} -12.5`,
		`romcom_gpr_test_rmse{fold="0",output="0"} 0.25`,
		`romcom_gsa_first_order_index{input="1",output="0"} 0.3`,
		`romcom_gsa_rom_index 0.9`,
		`romcom_stage_duration_seconds_count{stage="calibrate"} 1`,
	} {
		assert.Contains(t, text, want)
	}
}
