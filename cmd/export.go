package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/graph"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the stored knowledge graph as JSON",
	Long:  "Writes every stored node and relationship to a JSON file. Use - for stdout.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		b, err := st.Export(ctx)
		if err != nil {
			return eris.Wrap(err, "export")
		}
		e := graph.NewExport(b, time.Now())

		if args[0] == "-" {
			return graph.WriteJSON(os.Stdout, e)
		}
		f, err := os.Create(args[0])
		if err != nil {
			return eris.Wrapf(err, "export: create %s", args[0])
		}
		defer f.Close() //nolint:errcheck
		if err := graph.WriteJSON(f, e); err != nil {
			return err
		}

		zap.L().Info("graph exported",
			zap.String("path", args[0]),
			zap.Int("nodes", len(e.Nodes)),
			zap.Int("relationships", len(e.Relationships)),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
