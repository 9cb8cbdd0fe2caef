// Package experiment runs the cross-validated calibration, sensitivity
// analysis and basis reduction of a dataset, persisting every stage.
//
// The layout below the experiment directory is
//
//	data, meta, fold.i/meta      the repository (see fold.Repository.Save)
//	fold.i/gp/meta, full/gp/meta calibrated model parameters and reports
//	fold.i/test                  test predictions of each fold
//	test_summary                 test errors of every fold
//	gsa/S, gsa/T, gsa/V, gsa/meta sensitivity indices of the full model
//	rom/rotation, rom/meta       the reduced basis
//	rotated/...                  the repository in the reduced basis
//	run/meta                     the run record
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/miltonra/RomCom/fold"
	"github.com/miltonra/RomCom/gpr"
	"github.com/miltonra/RomCom/internal/config"
	"github.com/miltonra/RomCom/internal/logging"
	"github.com/miltonra/RomCom/internal/metrics"
	"github.com/miltonra/RomCom/store"
)

// FullName is the name of the model trained on every row.
const FullName = "full"

// Runner runs the stages of one experiment against a store.
type Runner struct {
	cfg     config.Config
	st      store.Store
	dir     string
	runID   string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns a runner with a fresh run id. A nil logger discards and nil
// metrics are replaced by an unexported registry.
func New(cfg config.Config, st store.Store, dir string, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	if m == nil {
		m = metrics.New()
	}
	id := uuid.NewString()
	return &Runner{
		cfg:     cfg,
		st:      st,
		dir:     dir,
		runID:   id,
		logger:  logger.With("run", id),
		metrics: m,
	}
}

// RunID identifies the run in every meta it writes.
func (r *Runner) RunID() string {
	return r.runID
}

func (r *Runner) path(elem ...string) string {
	return path.Join(append([]string{r.dir}, elem...)...)
}

// Split reads the dataset, splits it into folds and saves the repository.
// The dataset is the data table already in the store, or else the
// configured CSV file.
func (r *Runner) Split(ctx context.Context) (*fold.Repository, error) {
	defer r.metrics.Stage("split", time.Now())
	data, err := r.readData()
	if err != nil {
		return nil, err
	}
	repo, err := fold.IntoKFolds(data, r.cfg.Split.K, r.cfg.Split.Seed)
	if err != nil {
		return nil, err
	}
	if err := repo.Save(r.st, r.dir); err != nil {
		return nil, err
	}
	n, m, l := data.Dims()
	r.logger.Info("split", "rows", n, "inputs", m, "outputs", l, "k", repo.K(), "seed", repo.Seed())
	return repo, nil
}

func (r *Runner) readData() (*fold.Dataset, error) {
	t, err := r.st.Read(r.path("data"))
	switch {
	case err == nil:
		return fold.FromTable(t, r.cfg.Data.Inputs)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	case r.cfg.Data.CSV == "":
		return nil, fmt.Errorf("experiment: no data in %s and no csv configured", r.dir)
	}
	f, err := os.Open(r.cfg.Data.CSV)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return fold.FromCSV(f, r.cfg.Data.Inputs)
}

// Load reads the repository saved by Split.
func (r *Runner) Load() (*fold.Repository, error) {
	return fold.LoadRepository(r.st, r.dir)
}

// Model is a GP of one fold.
type Model struct {
	Name   string
	Fold   *fold.Fold
	GP     *gpr.GP
	Report *gpr.Report
	Err    error
}

// modelMeta is persisted for each calibrated model.
type modelMeta struct {
	Run             string               `json:"run"`
	Name            string               `json:"name"`
	Parameters      gpr.Parameters       `json:"parameters"`
	Standardization fold.Standardization `json:"standardization"`
	Normalization   fold.Normalization   `json:"normalization"`
	Report          *gpr.Report          `json:"report,omitempty"`
}

// models returns an uncalibrated model for every fold followed by the full
// model.
func models(repo *fold.Repository) []*Model {
	folds := repo.Folds()
	ms := make([]*Model, 0, len(folds)+1)
	for i, f := range folds {
		ms = append(ms, &Model{Name: "fold." + strconv.Itoa(i), Fold: f})
	}
	return append(ms, &Model{Name: FullName, Fold: repo.Full()})
}

// Calibrate calibrates one GP per fold and one on every row, in parallel
// across folds, and saves the parameters of each. Failed folds are logged
// and carry their error. Only a failure of the full model is returned.
func (r *Runner) Calibrate(ctx context.Context, repo *fold.Repository) ([]*Model, error) {
	defer r.metrics.Stage("calibrate", time.Now())
	opts, err := r.cfg.Model(r.logger)
	if err != nil {
		return nil, err
	}
	ms := models(repo)
	var eg errgroup.Group
	if r.cfg.Concurrency > 0 {
		eg.SetLimit(r.cfg.Concurrency)
	}
	for _, m := range ms {
		eg.Go(func() error {
			m.Err = r.calibrate(ctx, m, opts)
			r.metrics.Calibration(m.Name, m.Report, m.Err)
			if m.Err != nil {
				r.logger.Warn("calibration failed", "model", m.Name, "error", m.Err)
			}
			return nil
		})
	}
	_ = eg.Wait()
	full := ms[len(ms)-1]
	if full.Err != nil {
		return ms, fmt.Errorf("experiment: %s model: %w", FullName, full.Err)
	}
	return ms, nil
}

func (r *Runner) calibrate(ctx context.Context, m *Model, opts []gpr.Option) error {
	gp, err := gpr.FromFold(m.Fold, opts...)
	if err != nil {
		return err
	}
	m.GP = gp
	m.Report, err = gp.Calibrate(ctx, r.cfg.Calibration())
	if err != nil {
		return err
	}
	meta, err := store.MetaOf(modelMeta{
		Run:             r.runID,
		Name:            m.Name,
		Parameters:      gp.Parameters(),
		Standardization: m.Fold.Standardization(),
		Normalization:   m.Fold.Normalization(),
		Report:          m.Report,
	})
	if err != nil {
		return err
	}
	return r.st.WriteMeta(meta, r.path(m.Name, "gp", "meta"))
}

// LoadModel rebuilds the named model of repo from its saved parameters
// without recalibrating.
func (r *Runner) LoadModel(repo *fold.Repository, name string) (*Model, error) {
	var f *fold.Fold
	for _, m := range models(repo) {
		if m.Name == name {
			f = m.Fold
		}
	}
	if f == nil {
		return nil, fmt.Errorf("experiment: no model %q", name)
	}
	meta, err := r.st.ReadMeta(r.path(name, "gp", "meta"))
	if err != nil {
		return nil, err
	}
	var mm modelMeta
	if err := meta.Decode(&mm); err != nil {
		return nil, err
	}
	opts, err := r.cfg.Model(r.logger)
	if err != nil {
		return nil, err
	}
	gp, err := gpr.FromFold(f, opts...)
	if err != nil {
		return nil, err
	}
	if err := gp.SetParameters(mm.Parameters); err != nil {
		return nil, err
	}
	if err := gp.Refresh(); err != nil {
		return nil, err
	}
	return &Model{Name: name, Fold: f, GP: gp, Report: mm.Report}, nil
}

// runMeta is the record of a complete run.
type runMeta struct {
	Run      string        `json:"run"`
	Started  time.Time     `json:"started"`
	Elapsed  string        `json:"elapsed"`
	K        int           `json:"k"`
	Failed   []string      `json:"failed,omitempty"`
	Canceled bool          `json:"canceled"`
	Config   config.Config `json:"config"`
}

// Run performs every configured stage in order.
func (r *Runner) Run(ctx context.Context) error {
	start := time.Now()
	repo, err := r.Split(ctx)
	if err != nil {
		return err
	}
	ms, err := r.Calibrate(ctx, repo)
	if err != nil {
		return err
	}
	if _, err := r.Test(ms); err != nil {
		return err
	}
	full := ms[len(ms)-1]
	if r.cfg.GSA.Enabled {
		a, _, err := r.Sensitivity(ctx, full)
		if err != nil {
			return err
		}
		if r.cfg.ROM.Enabled {
			if _, err := r.Reduce(ctx, a, repo); err != nil {
				return err
			}
		}
	}
	rm := runMeta{
		Run:      r.runID,
		Started:  start,
		Elapsed:  time.Since(start).String(),
		K:        repo.K(),
		Canceled: ctx.Err() != nil,
		Config:   r.cfg,
	}
	for _, m := range ms {
		if m.Err != nil {
			rm.Failed = append(rm.Failed, m.Name)
		}
	}
	meta, err := store.MetaOf(rm)
	if err != nil {
		return err
	}
	if err := r.st.WriteMeta(meta, r.path("run", "meta")); err != nil {
		return err
	}
	r.logger.Info("run finished", "elapsed", time.Since(start), "failed", len(rm.Failed))
	return r.WriteMetrics()
}

// WriteMetrics writes the metrics file if one is configured.
func (r *Runner) WriteMetrics() error {
	if r.cfg.Metrics == "" {
		return nil
	}
	return r.metrics.WriteFile(r.cfg.Metrics)
}
