package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/monitoring"
)

var (
	runsStatus string
	runsLimit  int
	runsOffset int
	runsJSON   bool
	runsStats  bool
	runsHours  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded document runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if runsStats {
			snap, err := monitoring.NewCollector(st).Collect(ctx, runsHours)
			if err != nil {
				return eris.Wrap(err, "runs stats")
			}
			formatRunStats(os.Stdout, snap)
			return nil
		}

		runs, err := st.ListRuns(ctx, model.RunFilter{
			Status: model.RunStatus(runsStatus),
			Limit:  runsLimit,
			Offset: runsOffset,
		})
		if err != nil {
			return eris.Wrap(err, "runs")
		}

		if runsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by run status (accepted, degraded, failed, cancelled)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "max number of runs to display")
	runsCmd.Flags().IntVar(&runsOffset, "offset", 0, "skip this many runs")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print full run records as JSON")
	runsCmd.Flags().BoolVar(&runsStats, "stats", false, "print aggregate statistics instead of the run list")
	runsCmd.Flags().IntVar(&runsHours, "since-hours", 24, "time window for --stats (0 = all runs)")
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDOCUMENT\tSTATUS\tSCORE\tSTORED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t-----\t------\t-------\t--------")

	for _, r := range runs {
		doc := r.DocumentID
		if rs := []rune(doc); len(rs) > 30 {
			doc = string(rs[:27]) + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%t\t%s\t%s\n",
			truncateID(r.ID),
			doc,
			r.Status,
			r.Score,
			r.StoredGraph,
			r.CreatedAt.Format("2006-01-02 15:04"),
			(time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond).String(),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Accepted:\t%d\n", s.Accepted)
	_, _ = fmt.Fprintf(w, "Degraded:\t%d\n", s.Degraded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	_, _ = fmt.Fprintf(w, "Not stored:\t%d\n", s.Unstored)
	if s.Accepted+s.Degraded > 0 {
		_, _ = fmt.Fprintf(w, "Avg score:\t%.2f\n", s.AvgScore)
		_, _ = fmt.Fprintf(w, "Avg passes:\t%.1f\n", s.AvgPasses)
		_, _ = fmt.Fprintf(w, "Avg backtracks:\t%.1f\n", s.AvgBacktracks)
	}
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", s.CostUSD)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
