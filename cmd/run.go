package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/graph"
	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/pipeline"
	"github.com/sells-group/legalkg/internal/textract"
)

// Exit codes for run outcomes that are not command errors.
const (
	exitDegraded = 2
	exitStorage  = 3
)

var (
	runNoStore bool
	runExport  string
	runLimit   int
)

var runCmd = &cobra.Command{
	Use:   "run <path>",
	Short: "Extract a knowledge graph from a document or a directory of documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		docs, err := collectDocuments(args[0], runLimit)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return eris.Errorf("run: no supported documents under %s", args[0])
		}

		mode := "run"
		if runNoStore {
			mode = "run-offline"
		}
		env, err := initPipeline(ctx, mode, !runNoStore)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("starting batch", zap.Int("documents", len(docs)), zap.Bool("store", !runNoStore))

		summary, err := env.Runner.Run(ctx, docs)
		if summary != nil {
			formatSummary(os.Stdout, summary)
		}
		if err != nil {
			return eris.Wrap(err, "run")
		}

		if runExport != "" {
			if err := exportResults(runExport, summary); err != nil {
				return err
			}
		}

		return runOutcome(summary)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "skip graph storage")
	runCmd.Flags().StringVar(&runExport, "export", "", "write the extracted graph as JSON to this file")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "process at most N documents (0 = all)")
	rootCmd.AddCommand(runCmd)
}

// collectDocuments returns path itself, or every supported file below it in
// lexical order, capped at limit when limit > 0.
func collectDocuments(path string, limit int) ([]pipeline.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "run: stat %s", path)
	}
	if !info.IsDir() {
		return []pipeline.Document{{Path: path}}, nil
	}

	var paths []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && textract.Supported(p) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "run: walk %s", path)
	}
	sort.Strings(paths)

	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	docs := make([]pipeline.Document, len(paths))
	for i, p := range paths {
		docs[i] = pipeline.Document{Path: p}
	}
	return docs, nil
}

// formatSummary writes one row per document and the batch totals to w.
func formatSummary(out io.Writer, s *pipeline.BatchSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DOCUMENT\tSTATUS\tSCORE\tPASSES\tBACKTRACKS\tENTITIES\tRELATIONS\tDURATION")
	_, _ = fmt.Fprintln(w, "--------\t------\t-----\t------\t----------\t--------\t---------\t--------")
	for _, r := range s.Results {
		status := string(r.Run.Status)
		if status == "" {
			status = string(model.RunStatusCancelled)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%d\t%d\t%d\t%s\n",
			r.Run.DocumentID,
			status,
			r.Run.Score,
			r.Run.Passes,
			r.Run.Backtracks,
			r.Run.Entities,
			r.Run.Relations,
			(time.Duration(r.Run.DurationMs) * time.Millisecond).String(),
		)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\naccepted=%d degraded=%d failed=%d cancelled=%d tokens=%d cost=$%.4f\n",
		s.Accepted, s.Degraded, s.Failed, s.Cancelled, s.Usage.Total(), s.Cost)
	if s.StorageErr != nil {
		_, _ = fmt.Fprintf(out, "storage failed: %v\n", s.StorageErr)
	}
}

// batchGraph merges the graphs of every document that finished extraction.
func batchGraph(s *pipeline.BatchSummary) graph.Batch {
	var batches []graph.Batch
	for _, r := range s.Results {
		if r.Result == nil || r.Result.State == nil {
			continue
		}
		if st := r.Run.Status; st != model.RunStatusAccepted && st != model.RunStatusDegraded {
			continue
		}
		batches = append(batches, graph.Build(r.Result.State))
	}
	return graph.Merge(batches...)
}

func exportResults(path string, s *pipeline.BatchSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "run: create export file %s", path)
	}
	defer f.Close() //nolint:errcheck

	if err := graph.WriteJSON(f, graph.NewExport(batchGraph(s), time.Now())); err != nil {
		return err
	}
	zap.L().Info("graph exported", zap.String("path", path))
	return nil
}

// runOutcome maps a finished batch to the process exit status.
func runOutcome(s *pipeline.BatchSummary) error {
	switch {
	case s.Failed > 0 || s.Cancelled > 0:
		return eris.Errorf("run: %d of %d documents failed", s.Failed+s.Cancelled, len(s.Results))
	case s.StorageErr != nil:
		return &exitError{code: exitStorage, msg: "run: graph storage failed: " + s.StorageErr.Error()}
	case s.Degraded > 0:
		return &exitError{code: exitDegraded, msg: fmt.Sprintf("run: %d of %d documents degraded", s.Degraded, len(s.Results))}
	}
	return nil
}
