package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest workbooks and specification documents together",
	Long: `Scan the input directory and route files by extension: .xlsx through
the workbook pipeline, .pdf through the document pipeline. Each group runs as
its own logged ingestion run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		input, _ := cmd.Flags().GetString("input")
		workbooks, err := collectFiles(input, ".xlsx")
		if err != nil {
			return err
		}
		docs, err := collectFiles(input, ".pdf")
		if err != nil {
			return err
		}
		if len(workbooks) == 0 && len(docs) == 0 {
			zap.L().Warn("no ingestable files found", zap.String("dir", input))
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

		failed := false
		if len(workbooks) > 0 {
			report, err := orch.IngestWorkbooks(ctx, workbooks)
			if err != nil {
				return eris.Wrap(err, "ingest: workbooks")
			}
			if err := finishRun(report); err != nil {
				failed = true
			}
		}
		if len(docs) > 0 {
			report, err := orch.IngestSpecs(ctx, docs)
			if err != nil {
				return eris.Wrap(err, "ingest: specs")
			}
			if err := finishRun(report); err != nil {
				failed = true
			}
		}

		if failed {
			return eris.New("one or more files failed")
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("input", ".", "directory containing input files")
	ingestCmd.Flags().String("outliers", "", "override the outlier output directory")
	rootCmd.AddCommand(ingestCmd)
}
