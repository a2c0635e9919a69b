package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workbooksCmd = &cobra.Command{
	Use:   "workbooks",
	Short: "Ingest questionnaire workbooks",
	Long: `Parse engineering questionnaire workbooks (.xlsx) from the input
directory into normalized records, embed them, and load them into the store.
Rows that fail validation are written to the outlier directory instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		input, _ := cmd.Flags().GetString("input")
		files, err := collectFiles(input, ".xlsx")
		if err != nil {
			return err
		}
		if len(files) == 0 {
			zap.L().Warn("no workbooks found", zap.String("dir", input))
			return nil
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		orch, err := newOrchestrator(cmd, st)
		if err != nil {
			return err
		}

		report, err := orch.IngestWorkbooks(ctx, files)
		if err != nil {
			return eris.Wrap(err, "workbooks")
		}
		return finishRun(report)
	},
}

func init() {
	workbooksCmd.Flags().String("input", ".", "directory containing .xlsx workbooks")
	workbooksCmd.Flags().String("outliers", "", "override the outlier output directory")
	rootCmd.AddCommand(workbooksCmd)
}
