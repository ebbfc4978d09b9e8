package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mwa-demo/calfit/internal/calib"
	"github.com/mwa-demo/calfit/internal/source"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize solution convergence",
	RunE: func(cmd *cobra.Command, _ []string) error {
		paths, _ := cmd.Flags().GetStringSlice("soln")
		asJSON, _ := cmd.Flags().GetBool("json")

		summaries, err := summarizeFiles(paths)
		if err != nil {
			return eris.Wrap(err, "summary")
		}
		if asJSON {
			return writeSummaryJSON(os.Stdout, summaries)
		}
		formatSummaries(os.Stdout, summaries)
		return nil
	},
}

func summarizeFiles(paths []string) ([]calib.ConvergenceSummary, error) {
	out := make([]calib.ConvergenceSummary, 0, len(paths))
	for _, p := range paths {
		soln, err := source.LoadSolution(p)
		if err != nil {
			return nil, err
		}
		out = append(out, calib.SummarizeConvergence(soln))
	}
	return out, nil
}

// summaryJSON mirrors ConvergenceSummary with NaN as null.
type summaryJSON struct {
	Filename  string   `json:"filename"`
	Total     int      `json:"total_channels"`
	Converged int      `json:"converged_channels"`
	Fraction  *float64 `json:"converged_fraction"`
	Mean      *float64 `json:"mean_convergence"`
}

func writeSummaryJSON(out io.Writer, summaries []calib.ConvergenceSummary) error {
	docs := make([]summaryJSON, len(summaries))
	for i, s := range summaries {
		docs[i] = summaryJSON{
			Filename:  s.Filename,
			Total:     s.Total,
			Converged: s.Converged,
			Fraction:  finiteOrNil(s.Fraction),
			Mean:      finiteOrNil(s.Mean),
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(docs)
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// formatSummaries writes a tabular convergence summary to w.
func formatSummaries(out io.Writer, summaries []calib.ConvergenceSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tTOTAL\tCONVERGED\tFRACTION\tMEAN")
	for _, s := range summaries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			s.Filename, s.Total, s.Converged, formatFloat(s.Fraction, "%.3f"), formatFloat(s.Mean, "%.3g"))
	}
	_ = w.Flush()
}

func formatFloat(v float64, format string) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf(format, v)
}

func init() {
	summaryCmd.Flags().StringSlice("soln", nil, "calibration solution files")
	summaryCmd.Flags().Bool("json", false, "write JSON instead of a table")
	_ = summaryCmd.MarkFlagRequired("soln")
	rootCmd.AddCommand(summaryCmd)
}
