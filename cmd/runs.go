package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mwa-demo/calfit/internal/model"
	"github.com/mwa-demo/calfit/internal/monitoring"
	"github.com/mwa-demo/calfit/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect fit run history",
	Long:  "Commands for listing and viewing recorded fit runs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("runs")
	},
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fit runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(st)

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(st)

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(st)

		since, _ := cmd.Flags().GetDuration("since")
		snap, err := monitoring.NewCollector(st).Collect(ctx, int(since.Hours()))
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatRunStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 168h; 0 for all)")

	runsListCmd.Flags().String("status", "", "filter by run status (queued, fitting, complete, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "number of runs to skip")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tFITS\tOUTLIERS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t----\t--------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		title := strings.TrimSpace(r.Input.Title)
		if len(title) > 30 {
			title = title[:27] + "..."
		}

		fits, outliers := "", ""
		if r.Result != nil {
			fits = fmt.Sprintf("%d/%d", r.Result.FitsTotal-r.Result.FitsFailed, r.Result.FitsTotal)
			outliers = fmt.Sprint(r.Result.Outliers)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			title,
			r.Status,
			fits,
			outliers,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.RunsComplete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.RunsFailed)
	_, _ = fmt.Fprintf(w, "In progress:\t%d\n", s.RunsQueued+s.RunsFitting)
	_, _ = fmt.Fprintf(w, "Fail rate:\t%.1f%%\n", 100*s.RunFailRate)
	_, _ = fmt.Fprintf(w, "Fits:\t%d (%d failed, %d outliers)\n", s.FitsTotal, s.FitsFailed, s.Outliers)
	if s.AvgDuration > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDuration)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
