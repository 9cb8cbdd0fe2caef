package main

import (
	"github.com/spf13/cobra"

	"github.com/miltonra/RomCom/gsa"
	"github.com/miltonra/RomCom/internal/experiment"
)

var (
	configPath string
	storeRoot  string
	expDir     string
	compress   bool
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "romcom",
		Short:         "Cross-validated GP surrogates with Sobol' sensitivity analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	splitCmd = &cobra.Command{
		Use:   "split",
		Short: "Split the dataset into K folds and save the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner()
			if err != nil {
				return err
			}
			_, err = r.Split(cmd.Context())
			return err
		},
	}
	calibrateCmd = &cobra.Command{
		Use:   "calibrate",
		Short: "Calibrate a GP per fold and on all rows, and test each fold",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner()
			if err != nil {
				return err
			}
			repo, err := r.Load()
			if err != nil {
				return err
			}
			ms, err := r.Calibrate(cmd.Context(), repo)
			if err != nil {
				return err
			}
			if _, err := r.Test(ms); err != nil {
				return err
			}
			return r.WriteMetrics()
		},
	}
	gsaCmd = &cobra.Command{
		Use:   "gsa",
		Short: "Compute Sobol' indices of the calibrated full model",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner()
			if err != nil {
				return err
			}
			repo, err := r.Load()
			if err != nil {
				return err
			}
			m, err := r.LoadModel(repo, experiment.FullName)
			if err != nil {
				return err
			}
			if _, _, err := r.Sensitivity(cmd.Context(), m); err != nil {
				return err
			}
			return r.WriteMetrics()
		},
	}
	romCmd = &cobra.Command{
		Use:   "rom",
		Short: "Search for the input rotation concentrating the sensitivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner()
			if err != nil {
				return err
			}
			repo, err := r.Load()
			if err != nil {
				return err
			}
			m, err := r.LoadModel(repo, experiment.FullName)
			if err != nil {
				return err
			}
			opts, err := cfg.Analysis(logger)
			if err != nil {
				return err
			}
			a, err := gsa.New(m.GP, opts)
			if err != nil {
				return err
			}
			if _, err := r.Reduce(cmd.Context(), a, repo); err != nil {
				return err
			}
			return r.WriteMetrics()
		},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run every configured stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner()
			if err != nil {
				return err
			}
			return r.Run(cmd.Context())
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&storeRoot, "root", ".", "directory holding experiments")
	pf.StringVarP(&expDir, "dir", "d", "experiment", "experiment directory below the root")
	pf.BoolVar(&compress, "gzip", false, "write tables gzip compressed")
	pf.StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.AddCommand(splitCmd, calibrateCmd, gsaCmd, romCmd, runCmd)
}
