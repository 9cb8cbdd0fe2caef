package main

import (
	"log/slog"

	"github.com/miltonra/RomCom/internal/config"
	"github.com/miltonra/RomCom/internal/experiment"
	"github.com/miltonra/RomCom/internal/logging"
	"github.com/miltonra/RomCom/internal/metrics"
	"github.com/miltonra/RomCom/store"
)

var (
	cfg    config.Config
	logger *slog.Logger
)

// newRunner loads the configuration named by the flags and returns a runner
// over the file store.
func newRunner() (*experiment.Runner, error) {
	var err error
	cfg = config.Default()
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if compress {
		cfg.Data.Compress = true
	}
	logger, err = logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	st := store.FS{Root: storeRoot, Compress: cfg.Data.Compress}
	return experiment.New(cfg, st, expDir, logger, metrics.New()), nil
}
