package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"astrophot/internal/config"
	"astrophot/internal/export"
	"astrophot/internal/pipeline"
	"astrophot/internal/server"
	"astrophot/internal/storage"
	"astrophot/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "astrophot",
		Short: "Astrophot is an automated differential photometry pipeline",
		Long: `Astrophot turns per-exposure photometry tables into differential light
curves: it cross-matches star detections across frames, selects a stable
comparison-star ensemble, and computes an error-propagated light curve for a
target coordinate.`,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newMatchCmd(root))
	rootCmd.AddCommand(newComparisonsCmd(root))
	rootCmd.AddCommand(newCurveCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// targetFlags holds the flags shared by every analysis command.
type targetFlags struct {
	targetRA  float64
	targetDec float64
	output    string
	metric    string
	tolerance float64
	sigmaClip float64
	minSize   int
	statistic string
	coverage  float64
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.targetRA, "ra", 0, "target right ascension (decimal degrees, or pixel X with --metric pixel)")
	cmd.Flags().Float64Var(&f.targetDec, "dec", 0, "target declination (decimal degrees, or pixel Y with --metric pixel)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&f.metric, "metric", "", "position metric (angular|pixel), uses config default if empty")
	cmd.Flags().Float64Var(&f.tolerance, "tolerance", 0, "match tolerance in arcseconds or pixels, uses config default if 0")
	cmd.Flags().Float64Var(&f.sigmaClip, "sigma-clip", 0, "variability clipping threshold in sigma, uses config default if 0")
	cmd.Flags().IntVar(&f.minSize, "min-ensemble", 0, "minimum comparison ensemble size, uses config default if 0")
	cmd.Flags().StringVar(&f.statistic, "statistic", "", "variability statistic (stddev|normalized), uses config default if empty")
	cmd.Flags().Float64Var(&f.coverage, "min-coverage", 0, "minimum fraction of frames a comparison candidate must appear in")
	cmd.MarkFlagRequired("ra")
	cmd.MarkFlagRequired("dec")
}

// options builds the job options map, including only the overrides the user set.
func (f *targetFlags) options() map[string]any {
	opts := map[string]any{
		"target_ra":  f.targetRA,
		"target_dec": f.targetDec,
	}
	if f.metric != "" {
		opts["metric"] = f.metric
	}
	if f.tolerance > 0 {
		opts["tolerance"] = f.tolerance
	}
	if f.sigmaClip > 0 {
		opts["sigma_clip"] = f.sigmaClip
	}
	if f.minSize > 0 {
		opts["min_ensemble_size"] = f.minSize
	}
	if f.statistic != "" {
		opts["statistic"] = f.statistic
	}
	if f.coverage > 0 {
		opts["min_coverage_frac"] = f.coverage
	}
	return opts
}

func (f *targetFlags) outputDir(root *Root) string {
	if f.output != "" {
		return f.output
	}
	return root.cfg.Paths.DefaultOutput
}

func newAnalysisCmd(root *Root, use, short, long string, jobType pipeline.JobType) *cobra.Command {
	var flags targetFlags

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID(),
				Type:      jobType,
				InputPath: args[0],
				Output:    flags.outputDir(root),
				Options:   flags.options(),
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	return newAnalysisCmd(root,
		"run <input_directory>",
		"Run the full photometry pipeline",
		`Cross-match star detections across all photometry tables in the input
directory, select a comparison ensemble, and compute the differential light
curve for the target coordinate. Writes catalog.csv, ensemble.csv, and
lightcurve.csv to the output directory.`,
		pipeline.JobRun)
}

func newMatchCmd(root *Root) *cobra.Command {
	return newAnalysisCmd(root,
		"match <input_directory>",
		"Cross-match detections into a master catalog",
		`Cross-match star detections across all photometry tables in the input
directory and write the master catalog. Stops before comparison selection.`,
		pipeline.JobMatch)
}

func newComparisonsCmd(root *Root) *cobra.Command {
	return newAnalysisCmd(root,
		"comparisons <input_directory>",
		"Select the comparison-star ensemble",
		`Cross-match detections and select the weighted comparison-star ensemble
for the target, writing the ensemble table. Stops before the light curve.`,
		pipeline.JobComparisons)
}

func newCurveCmd(root *Root) *cobra.Command {
	return newAnalysisCmd(root,
		"curve <input_directory>",
		"Compute the differential light curve",
		`Run the full pipeline and compute the differential light curve for the
target coordinate.`,
		pipeline.JobCurve)
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <input_directory>",
		Short: "Screen photometry tables without running analysis",
		Long: `Load every photometry table in the input directory, apply the usual
quality screening, and report how many frames and detections a run would see.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobScan,
				InputPath: args[0],
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}
}

func newExportCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <run_id>",
		Short: "Re-export the stored results of a previous run",
		Long: `Read the persisted catalog, ensemble, and light curve of a completed run
from the database and write them as CSV tables.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if err := export.WriteStoredRun(output, root.store, args[0]); err != nil {
				return err
			}
			root.log.Info("stored run exported", "id", args[0], "output", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the results HTTP server",
		Long: `Start an HTTP server exposing run history and persisted results, with a
WebSocket endpoint streaming live run updates.

Examples:
  astrophot serve --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pipe, ok := root.pipeline.(*pipeline.Pipeline)
			if !ok {
				return fmt.Errorf("pipeline does not support server operation")
			}
			srv := server.NewServer(addr, root.store, pipe, root.log)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, uses config default if empty")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		dir       string
		output    string
		targetRA  float64
		targetDec float64
		settle    int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a directory and run on new photometry tables",
		Long: `Monitor a directory for incoming photometry tables and submit a full
pipeline run once the directory settles. New files restart the settle timer so
a burst of exports triggers a single run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wcfg := root.cfg.Watch
			if dir != "" {
				wcfg.Directory = dir
			}
			if targetRA != 0 {
				wcfg.TargetRA = targetRA
			}
			if targetDec != 0 {
				wcfg.TargetDec = targetDec
			}
			if settle > 0 {
				wcfg.SettleSec = settle
			}
			if wcfg.Directory == "" {
				return fmt.Errorf("watch requires a directory (--dir or watch.directory in config)")
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pipe, ok := root.pipeline.(*pipeline.Pipeline)
			if !ok {
				return fmt.Errorf("pipeline does not support watch operation")
			}
			w, err := watch.New(wcfg, output, pipe, root.log)
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Stop()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory to watch, uses config default if empty")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().Float64Var(&targetRA, "ra", 0, "target right ascension (decimal degrees)")
	cmd.Flags().Float64Var(&targetDec, "dec", 0, "target declination (decimal degrees)")
	cmd.Flags().IntVar(&settle, "settle", 0, "quiet seconds before a run triggers")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate astrophot configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("ASTROPHOT_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/astrophot/config.json"
			}
			fmt.Printf("Configuration:\n\n")
			fmt.Printf("Config file: %s\n", cfgPath)
			fmt.Printf("Database Path: %s\n", root.cfg.Paths.DatabasePath)
			fmt.Printf("Default Input: %s\n", root.cfg.Paths.DefaultInput)
			fmt.Printf("Default Output: %s\n", root.cfg.Paths.DefaultOutput)
			fmt.Printf("Parallel Jobs: %d\n", root.cfg.Processing.ParallelJobs)
			fmt.Printf("Log Level: %s\n", root.cfg.Logging.Level)
			fmt.Printf("Log Directory: %s\n", root.cfg.Logging.LogDir)
			fmt.Printf("\nMatching:\n")
			fmt.Printf("  Metric: %s\n", root.cfg.Matching.Metric)
			fmt.Printf("  Tolerance: %.2f\n", root.cfg.Matching.Tolerance)
			fmt.Printf("  Min Detections: %d\n", root.cfg.Matching.MinDetections)
			fmt.Printf("\nSelection:\n")
			fmt.Printf("  Min Ensemble Size: %d\n", root.cfg.Selection.MinEnsembleSize)
			fmt.Printf("  Sigma Clip: %.2f\n", root.cfg.Selection.SigmaClip)
			fmt.Printf("  Min Coverage: %.2f\n", root.cfg.Selection.MinCoverageFrac)
			fmt.Printf("  Statistic: %s\n", root.cfg.Selection.Statistic)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfig(root.cfg); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd)
	cmd.AddCommand(validateCmd)
	cmd.AddCommand(newConfigGetCmd(root))
	cmd.AddCommand(newConfigSetCmd(root))
	return cmd
}

func validateConfig(cfg *config.Config) error {
	if cfg.Matching.Metric != "angular" && cfg.Matching.Metric != "pixel" {
		return fmt.Errorf("matching.metric must be angular or pixel, got %q", cfg.Matching.Metric)
	}
	if cfg.Matching.Tolerance <= 0 {
		return fmt.Errorf("matching.tolerance must be positive, got %g", cfg.Matching.Tolerance)
	}
	if cfg.Selection.SigmaClip <= 0 {
		return fmt.Errorf("selection.sigma_clip must be positive, got %g", cfg.Selection.SigmaClip)
	}
	if cfg.Selection.MinEnsembleSize < 1 {
		return fmt.Errorf("selection.min_ensemble_size must be at least 1, got %d", cfg.Selection.MinEnsembleSize)
	}
	if cfg.Selection.MinCoverageFrac < 0 || cfg.Selection.MinCoverageFrac > 1 {
		return fmt.Errorf("selection.min_coverage_frac must be in [0,1], got %g", cfg.Selection.MinCoverageFrac)
	}
	if cfg.Selection.Statistic != "stddev" && cfg.Selection.Statistic != "normalized" {
		return fmt.Errorf("selection.statistic must be stddev or normalized, got %q", cfg.Selection.Statistic)
	}
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Astrophot v1.0.0-dev\n")
			fmt.Printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}
