// Package config holds the YAML configuration of an experiment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miltonra/RomCom/gpr"
	"github.com/miltonra/RomCom/gsa"
	"github.com/miltonra/RomCom/internal/logging"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// Config is the configuration of one experiment.
type Config struct {
	Data  Data  `json:"data" yaml:"data"`
	Split Split `json:"split" yaml:"split"`
	GP    GP    `json:"gp" yaml:"gp"`
	GSA   GSA   `json:"gsa" yaml:"gsa"`
	ROM   ROM   `json:"rom" yaml:"rom"`
	// Concurrency bounds the folds calibrated at once. Zero or less means
	// no bound.
	Concurrency int            `json:"concurrency" yaml:"concurrency"`
	Log         logging.Config `json:"log" yaml:"log"`
	// Metrics is a file the run's metrics are written to in the Prometheus
	// text format. Empty means none.
	Metrics string `json:"metrics" yaml:"metrics"`
}

// Data locates the dataset.
type Data struct {
	// CSV is a file read when the store holds no data table yet.
	CSV string `json:"csv" yaml:"csv"`
	// Inputs is the number of leading input columns.
	Inputs   int  `json:"inputs" yaml:"inputs"`
	Compress bool `json:"compress" yaml:"compress"`
}

type Split struct {
	K    int    `json:"k" yaml:"k"`
	Seed uint64 `json:"seed" yaml:"seed"`
}

type GP struct {
	Mode              string  `json:"mode" yaml:"mode"`
	Isotropic         bool    `json:"isotropic" yaml:"isotropic"`
	Noise             float64 `json:"noise" yaml:"noise"`
	// NoiseCovariant calibrates a full likelihood covariance across outputs.
	// Coregional mode only.
	NoiseCovariant    bool    `json:"noise_covariant" yaml:"noise_covariant"`
	Restarts          int     `json:"restarts" yaml:"restarts"`
	MaxIterations     int     `json:"max_iterations" yaml:"max_iterations"`
	GradientThreshold float64 `json:"gradient_threshold" yaml:"gradient_threshold"`
	Spread            float64 `json:"spread" yaml:"spread"`
	Seed              uint64  `json:"seed" yaml:"seed"`
	Concurrency       int     `json:"concurrency" yaml:"concurrency"`
}

type GSA struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Marginal    string  `json:"marginal" yaml:"marginal"`
	Method      string  `json:"method" yaml:"method"`
	Points      int     `json:"points" yaml:"points"`
	Subsets     [][]int `json:"subsets" yaml:"subsets"`
	AllSubsets  bool    `json:"all_subsets" yaml:"all_subsets"`
	Concurrency int     `json:"concurrency" yaml:"concurrency"`
	// Error writes the posterior share of each index as gsa/W and gsa/WT.
	Error bool `json:"error" yaml:"error"`
}

type ROM struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	Dim           int     `json:"dim" yaml:"dim"`
	Outputs       []int   `json:"outputs" yaml:"outputs"`
	Restarts      int     `json:"restarts" yaml:"restarts"`
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations"`
	Tolerance     float64 `json:"tolerance" yaml:"tolerance"`
	Seed          uint64  `json:"seed" yaml:"seed"`
	Concurrency   int     `json:"concurrency" yaml:"concurrency"`
	// Rotate saves a repository whose inputs are rotated into the basis
	// found.
	Rotate bool `json:"rotate" yaml:"rotate"`
}

// Default returns the configuration used when a file leaves a field out.
func Default() Config {
	gp := gpr.DefaultOptions()
	rom := gsa.DefaultROMOptions()
	return Config{
		Split: Split{K: 5},
		GP: GP{
			Mode:              gpr.Independent.String(),
			Noise:             1e-2,
			Restarts:          gp.Restarts,
			MaxIterations:     gp.MaxIterations,
			GradientThreshold: gp.GradientThreshold,
			Spread:            gp.Spread,
		},
		GSA: GSA{
			Enabled:  true,
			Marginal: gsa.Normal{}.String(),
			Method:   gsa.Auto.String(),
			Points:   32,
		},
		ROM: ROM{
			Dim:           rom.Dim,
			Restarts:      rom.Restarts,
			MaxIterations: rom.MaxIterations,
			Tolerance:     rom.Tolerance,
		},
		Log: logging.Config{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(bytes.NewReader(b))
}

// Parse reads YAML over Default and validates the result. Unknown fields are
// an error.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field that can be checked without the data.
func (c Config) Validate() error {
	if c.Data.Inputs < 0 {
		return fmt.Errorf("%w: data.inputs %d", ErrInvalid, c.Data.Inputs)
	}
	if c.Split.K < 2 {
		return fmt.Errorf("%w: split.k %d, need at least 2", ErrInvalid, c.Split.K)
	}
	mode, err := gpr.ParseMode(c.GP.Mode)
	if err != nil {
		return fmt.Errorf("%w: gp.mode: %w", ErrInvalid, err)
	}
	if c.GP.NoiseCovariant && mode != gpr.Coregional {
		return fmt.Errorf("%w: gp.noise_covariant needs mode %v, got %v", ErrInvalid, gpr.Coregional, mode)
	}
	if _, err := gpr.NewNoise(c.GP.Noise); err != nil {
		return fmt.Errorf("%w: gp.noise: %w", ErrInvalid, err)
	}
	if c.GP.Restarts < 1 {
		return fmt.Errorf("%w: gp.restarts %d", ErrInvalid, c.GP.Restarts)
	}
	if c.GP.Spread < 0 {
		return fmt.Errorf("%w: gp.spread %g", ErrInvalid, c.GP.Spread)
	}
	if _, err := gsa.ParseMarginal(c.GSA.Marginal); err != nil {
		return fmt.Errorf("%w: gsa.marginal: %w", ErrInvalid, err)
	}
	method, err := gsa.ParseMethod(c.GSA.Method)
	if err != nil {
		return fmt.Errorf("%w: gsa.method: %w", ErrInvalid, err)
	}
	if c.ROM.Enabled {
		if !c.GSA.Enabled {
			return fmt.Errorf("%w: rom needs gsa enabled", ErrInvalid)
		}
		if (c.GSA.Marginal != "normal" && c.GSA.Marginal != "") || method == gsa.Quadrature {
			return fmt.Errorf("%w: rom needs normal marginals and closed form integration", ErrInvalid)
		}
		if c.ROM.Dim < 1 {
			return fmt.Errorf("%w: rom.dim %d", ErrInvalid, c.ROM.Dim)
		}
		if c.ROM.Restarts < 1 {
			return fmt.Errorf("%w: rom.restarts %d", ErrInvalid, c.ROM.Restarts)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	return nil
}

// Calibration returns the options of gpr.GP.Calibrate.
func (c Config) Calibration() gpr.Options {
	return gpr.Options{
		Restarts:          c.GP.Restarts,
		MaxIterations:     c.GP.MaxIterations,
		GradientThreshold: c.GP.GradientThreshold,
		Spread:            c.GP.Spread,
		Seed:              c.GP.Seed,
		Concurrency:       c.GP.Concurrency,
	}
}

// Model returns the options of gpr.New.
func (c Config) Model(logger *slog.Logger) ([]gpr.Option, error) {
	mode, err := gpr.ParseMode(c.GP.Mode)
	if err != nil {
		return nil, err
	}
	noise, err := gpr.NewNoise(c.GP.Noise)
	if err != nil {
		return nil, err
	}
	return []gpr.Option{
		gpr.WithMode(mode),
		gpr.WithIsotropic(c.GP.Isotropic),
		gpr.WithNoise(noise),
		gpr.WithCovariantNoise(c.GP.NoiseCovariant),
		gpr.WithLogger(logger),
	}, nil
}

// Analysis returns the options of gsa.New.
func (c Config) Analysis(logger *slog.Logger) (gsa.Options, error) {
	marg, err := gsa.ParseMarginal(c.GSA.Marginal)
	if err != nil {
		return gsa.Options{}, err
	}
	method, err := gsa.ParseMethod(c.GSA.Method)
	if err != nil {
		return gsa.Options{}, err
	}
	return gsa.Options{
		Marginal:    marg,
		Method:      method,
		Points:      c.GSA.Points,
		Subsets:     c.GSA.Subsets,
		AllSubsets:  c.GSA.AllSubsets,
		Concurrency: c.GSA.Concurrency,
		Error:       c.GSA.Error,
		Logger:      logger,
	}, nil
}

// Reduction returns the options of gsa.Analysis.ROM.
func (c Config) Reduction() gsa.ROMOptions {
	return gsa.ROMOptions{
		Dim:           c.ROM.Dim,
		Outputs:       c.ROM.Outputs,
		Restarts:      c.ROM.Restarts,
		MaxIterations: c.ROM.MaxIterations,
		Tolerance:     c.ROM.Tolerance,
		Seed:          c.ROM.Seed,
		Concurrency:   c.ROM.Concurrency,
	}
}
