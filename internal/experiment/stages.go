package experiment

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/miltonra/RomCom/fold"
	"github.com/miltonra/RomCom/gsa"
	"github.com/miltonra/RomCom/store"
)

// Summary holds the test errors of one fold, one entry per output. RMSE is
// in the data's units. StdRMSE is the RMSE of the errors divided by the
// predictive standard deviation. LOO is the mean leave-one-out log density
// of the training rows in model space.
type Summary struct {
	Name    string
	RMSE    []float64
	StdRMSE []float64
	LOO     []float64
}

// Test predicts the test rows of every calibrated fold, writes a test table
// per fold and a test_summary over all of them.
func (r *Runner) Test(ms []*Model) ([]Summary, error) {
	defer r.metrics.Stage("test", time.Now())
	var sums []Summary
	for _, m := range ms {
		if m.Err != nil || m.GP == nil {
			continue
		}
		tx, _ := m.Fold.Test()
		if tx == nil {
			continue
		}
		s, t, err := r.test(m)
		if err != nil {
			return nil, fmt.Errorf("experiment: test %s: %w", m.Name, err)
		}
		if err := r.st.Write(t, r.path(m.Name, "test")); err != nil {
			return nil, err
		}
		r.metrics.TestError(m.Name, s.RMSE)
		sums = append(sums, s)
	}
	if len(sums) == 0 {
		return nil, nil
	}
	if err := r.st.Write(summaryTable(ms[0].Fold.Data().Outputs, sums), r.path("test_summary")); err != nil {
		return nil, err
	}
	meta, err := store.MetaOf(map[string]any{"run": r.runID, "folds": len(sums)})
	if err != nil {
		return nil, err
	}
	return sums, r.st.WriteMeta(meta, r.path("test_summary"))
}

// test returns the errors of one fold and a table holding, for each output
// y, the columns y, y.mean and y.std in the data's units.
func (r *Runner) test(m *Model) (Summary, *store.Table, error) {
	f := m.Fold
	tx, ty := f.Test()
	mean, variance, err := m.GP.Predict(tx)
	if err != nil {
		return Summary{}, nil, err
	}
	n, l := ty.Dims()
	// Observations carry the likelihood variance on top of the latent one.
	variance.Apply(func(_, j int, v float64) float64 {
		return v + m.GP.Noise(j).Variance
	}, variance)
	y := f.DenormalizeY(ty)
	mu := f.DenormalizeY(mean)
	v := f.DenormalizeVariance(variance)

	loo, err := m.GP.LeaveOneOut()
	if err != nil {
		return Summary{}, nil, err
	}
	nTrain := len(f.TrainIndices())

	s := Summary{
		Name:    m.Name,
		RMSE:    make([]float64, l),
		StdRMSE: make([]float64, l),
		LOO:     make([]float64, l),
	}
	names := f.Data().Outputs
	cols := make([]string, 0, 3*l)
	data := mat.NewDense(n, 3*l, nil)
	sq := make([]float64, n)
	stdSq := make([]float64, n)
	for j := 0; j < l; j++ {
		cols = append(cols, names[j], names[j]+".mean", names[j]+".std")
		for i := 0; i < n; i++ {
			sd := math.Sqrt(v.At(i, j))
			e := y.At(i, j) - mu.At(i, j)
			data.Set(i, 3*j, y.At(i, j))
			data.Set(i, 3*j+1, mu.At(i, j))
			data.Set(i, 3*j+2, sd)
			sq[i] = e * e
			stdSq[i] = e * e / v.At(i, j)
		}
		s.RMSE[j] = math.Sqrt(stat.Mean(sq, nil))
		s.StdRMSE[j] = math.Sqrt(stat.Mean(stdSq, nil))
		s.LOO[j] = loo.LogDensity[j] / float64(nTrain)
	}
	return s, &store.Table{Columns: cols, Data: data}, nil
}

// summaryTable has one row per fold: the fold number and, for each output
// y, the columns y.rmse, y.std_rmse and y.loo.
func summaryTable(outputs []string, sums []Summary) *store.Table {
	l := len(outputs)
	cols := []string{"fold"}
	for _, o := range outputs {
		cols = append(cols, o+".rmse", o+".std_rmse", o+".loo")
	}
	data := mat.NewDense(len(sums), 1+3*l, nil)
	for i, s := range sums {
		idx, err := strconv.Atoi(s.Name[len("fold."):])
		if err != nil {
			idx = -1
		}
		data.Set(i, 0, float64(idx))
		for j := 0; j < l; j++ {
			data.Set(i, 1+3*j, s.RMSE[j])
			data.Set(i, 2+3*j, s.StdRMSE[j])
			data.Set(i, 3+3*j, s.LOO[j])
		}
	}
	return &store.Table{Columns: cols, Data: data}
}

// gsaMeta records what the index tables cannot.
type gsaMeta struct {
	Run        string       `json:"run"`
	Model      string       `json:"model"`
	Method     string       `json:"method"`
	Marginal   string       `json:"marginal"`
	Mean       []float64    `json:"mean"`
	Subsets    []subsetMeta `json:"subsets"`
	Failed     []subsetMeta `json:"failed,omitempty"`
	Incomplete bool         `json:"incomplete"`
}

type subsetMeta struct {
	Inputs []int       `json:"inputs"`
	Index  [][]float64 `json:"index,omitempty"`
	Err    string      `json:"error,omitempty"`
}

// Sensitivity runs the GSA of a calibrated model and writes the first-order
// indices as gsa/S and the total-effect indices as gsa/T, one row per
// output, and the output covariance as gsa/V. With gsa.error set the
// posterior share of each index is written as gsa/W and gsa/WT.
func (r *Runner) Sensitivity(ctx context.Context, m *Model) (*gsa.Analysis, *gsa.Result, error) {
	defer r.metrics.Stage("gsa", time.Now())
	opts, err := r.cfg.Analysis(r.logger)
	if err != nil {
		return nil, nil, err
	}
	a, err := gsa.New(m.GP, opts)
	if err != nil {
		return nil, nil, err
	}
	res, err := a.Calibrate(ctx)
	if err != nil {
		return nil, nil, err
	}
	r.metrics.Sensitivity(res)

	data := m.Fold.Data()
	inputs := inputNames(data, m.Fold)
	tables := map[string]*mat.Dense{"S": res.FirstOrder, "T": res.TotalEffect}
	if res.FirstOrderError != nil {
		tables["W"] = res.FirstOrderError
		tables["WT"] = res.TotalEffectError
	}
	for name, d := range tables {
		if err := r.st.Write(&store.Table{Columns: inputs, Data: d}, r.path("gsa", name)); err != nil {
			return nil, nil, err
		}
	}
	if err := r.st.Write(&store.Table{Columns: data.Outputs, Data: mat.DenseCopyOf(res.Total)}, r.path("gsa", "V")); err != nil {
		return nil, nil, err
	}
	gm := gsaMeta{
		Run:        r.runID,
		Model:      m.Name,
		Method:     a.Method().String(),
		Marginal:   opts.Marginal.String(),
		Mean:       res.Mean,
		Incomplete: res.Incomplete,
	}
	for _, s := range res.Subsets {
		gm.Subsets = append(gm.Subsets, subsetMeta{Inputs: s.Inputs, Index: rows(s.Index)})
	}
	for _, f := range res.Failed {
		gm.Failed = append(gm.Failed, subsetMeta{Inputs: f.Inputs, Err: f.Err.Error()})
	}
	meta, err := store.MetaOf(gm)
	if err != nil {
		return nil, nil, err
	}
	if err := r.st.WriteMeta(meta, r.path("gsa", "meta")); err != nil {
		return nil, nil, err
	}
	return a, res, nil
}

// inputNames names the model inputs. Inputs of a rotated fold are mixtures
// of the data's inputs and are numbered instead.
func inputNames(data *fold.Dataset, f *fold.Fold) []string {
	_, m, _ := data.Dims()
	if isIdentity(f.Rotation()) {
		return append([]string(nil), data.Inputs...)
	}
	names := make([]string, m)
	for i := range names {
		names[i] = "r" + strconv.Itoa(i)
	}
	return names
}

func isIdentity(r *mat.Dense) bool {
	m, _ := r.Dims()
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if r.At(i, j) != want {
				return false
			}
		}
	}
	return true
}

// rows returns the entries of a with NaN replaced by zero, which JSON
// cannot carry.
func rows(a mat.Matrix) [][]float64 {
	n, c := a.Dims()
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, c)
		for j := range out[i] {
			if v := a.At(i, j); !math.IsNaN(v) {
				out[i][j] = v
			}
		}
	}
	return out
}

type romMeta struct {
	Run      string           `json:"run"`
	Dim      int              `json:"dim"`
	Index    float64          `json:"index"`
	Indices  []float64        `json:"indices"`
	Best     int              `json:"best"`
	Restarts []gsa.ROMRestart `json:"restarts"`
	Canceled bool             `json:"canceled"`
	Rotated  bool             `json:"rotated"`
}

// Reduce searches for the reduced basis of the analysed model and writes it
// as rom/rotation. With rom.rotate set it also saves the repository rotated
// into that basis below rotated/.
//
// The basis is found in the model space of the full fold. For an unrotated
// repository that is the data-wide standardised input space the repository
// rotates, so the rotated repository carries the reduced basis whatever the
// units of the raw inputs.
func (r *Runner) Reduce(ctx context.Context, a *gsa.Analysis, repo *fold.Repository) (*gsa.Rotation, error) {
	defer r.metrics.Stage("rom", time.Now())
	rot, err := a.ROM(ctx, r.cfg.Reduction(), nil)
	if err != nil {
		return nil, err
	}
	r.metrics.Reduction(rot)
	cols := append([]string(nil), repo.Data().Inputs...)
	if err := r.st.Write(&store.Table{Columns: cols, Data: rot.R}, r.path("rom", "rotation")); err != nil {
		return nil, err
	}
	rm := romMeta{
		Run:      r.runID,
		Dim:      rot.Dim,
		Index:    rot.Index,
		Indices:  rot.Indices,
		Best:     rot.Best,
		Restarts: rot.Restarts,
		Canceled: rot.Canceled,
		Rotated:  r.cfg.ROM.Rotate,
	}
	if r.cfg.ROM.Rotate {
		rotated, err := repo.Rotate(rot.R)
		if err != nil {
			return nil, err
		}
		if err := rotated.Save(r.st, r.path("rotated")); err != nil {
			return nil, err
		}
	}
	meta, err := store.MetaOf(rm)
	if err != nil {
		return nil, err
	}
	if err := r.st.WriteMeta(meta, r.path("rom", "meta")); err != nil {
		return nil, err
	}
	r.logger.Info("reduced basis", "dim", rot.Dim, "index", rot.Index)
	return rot, nil
}
