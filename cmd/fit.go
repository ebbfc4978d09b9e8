package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mwa-demo/calfit/internal/calib"
	"github.com/mwa-demo/calfit/internal/pipeline"
	"github.com/mwa-demo/calfit/internal/source"
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit phase ramps and gains for a group of solutions",
	Long:  "Loads one metafits document per solution file, reconciles channels and tiles, and fits every tile and polarization of each timeblock.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyFitFlags(cmd)
		if err := cfg.Validate("fit"); err != nil {
			return err
		}

		metafits, _ := cmd.Flags().GetStringSlice("metafits")
		solns, _ := cmd.Flags().GetStringSlice("soln")
		group, err := loadGroup(metafits, solns)
		if err != nil {
			return eris.Wrap(err, "fit")
		}

		opts, err := fitOptions(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(st)

		summary, err := pipeline.New(st, opts).Run(ctx, group)
		if err != nil {
			return eris.Wrap(err, "fit")
		}
		formatFitSummary(os.Stdout, summary)
		return nil
	},
}

// applyFitFlags copies flags that override config values.
func applyFitFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("max-timeblocks") {
		cfg.Fit.MaxTimeblocks, _ = flags.GetInt("max-timeblocks")
	}
	if flags.Changed("niter") {
		cfg.Fit.NIter, _ = flags.GetInt("niter")
	}
	if flags.Changed("fit-iono") {
		cfg.Fit.FitIono, _ = flags.GetBool("fit-iono")
	}
	if flags.Changed("concurrency") {
		cfg.Fit.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("phase-diff") {
		cfg.Fit.PhaseDiffPath, _ = flags.GetString("phase-diff")
	}
	if flags.Changed("out-dir") {
		cfg.Output.Dir, _ = flags.GetString("out-dir")
	}
	if flags.Changed("format") {
		cfg.Output.Format, _ = flags.GetString("format")
	}
}

// fitOptions builds pipeline options from config and the per-run flags.
func fitOptions(cmd *cobra.Command) (pipeline.Options, error) {
	opts := cfg.PipelineOptions()
	opts.RefAnt, _ = cmd.Flags().GetString("refant")
	opts.Name, _ = cmd.Flags().GetString("name")

	rows, err := loadPhaseDiff(cfg.Fit.PhaseDiffPath)
	if err != nil {
		return opts, err
	}
	opts.PhaseDiff = rows
	return opts, nil
}

// loadPhaseDiff reads the optional phase difference table. A configured
// path that does not exist disables the correction with a warning.
func loadPhaseDiff(path string) ([]calib.PhaseDiffRow, error) {
	rows, err := source.LoadPhaseDiff(path)
	if err != nil {
		return nil, eris.Wrap(err, "load phase diff")
	}
	if path != "" && rows == nil {
		zap.L().Warn("phase diff table missing or empty, skipping correction", zap.String("path", path))
	}
	return rows, nil
}

// formatFitSummary writes one line per timeblock and the run totals.
func formatFitSummary(out io.Writer, s *pipeline.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Title:\t%s\n", s.Title)
	_, _ = fmt.Fprintf(w, "Reference:\t%s\n", s.RefTile)
	if s.RunID != "" {
		_, _ = fmt.Fprintf(w, "Run:\t%s\n", s.RunID)
	}
	_, _ = fmt.Fprintf(w, "Fits:\t%d (%d failed, %d outliers)\n",
		s.Result.FitsTotal, s.Result.FitsFailed, s.Result.Outliers)
	_ = w.Flush()

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIMEBLOCK\tAVG_TIME\tTILES\tFILES")
	for _, tb := range s.Timeblocks {
		_, _ = fmt.Fprintf(w, "%d\t%.1f\t%d\t%d\n", tb.Index, tb.AvgTime, len(tb.Pivot), len(tb.Files))
	}
	_ = w.Flush()
	for _, f := range s.Result.OutputFiles {
		_, _ = fmt.Fprintln(out, f)
	}
}

func init() {
	f := fitCmd.Flags()
	f.StringSlice("metafits", nil, "metafits documents, one per solution file")
	f.StringSlice("soln", nil, "calibration solution files")
	f.String("refant", "", "reference tile name (default lowest unflagged tile)")
	f.String("name", "", "extra label appended to the output title")
	f.Int("max-timeblocks", 0, "fit at most this many timeblocks (0 for all)")
	f.Int("niter", 1, "robust fit iterations")
	f.Bool("fit-iono", false, "fit a 1/f ionospheric term")
	f.Int("concurrency", 0, "parallel fits (default GOMAXPROCS)")
	f.String("phase-diff", "", "phase difference table for the flavor correction")
	f.String("out-dir", ".", "directory for the per-timeblock tables")
	f.String("format", pipeline.FormatTSV, "phase fit table format (tsv or xlsx)")
	_ = fitCmd.MarkFlagRequired("metafits")
	_ = fitCmd.MarkFlagRequired("soln")

	rootCmd.AddCommand(fitCmd)
}
