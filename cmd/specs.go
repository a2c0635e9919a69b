package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var specsCmd = &cobra.Command{
	Use:   "specs",
	Short: "Ingest PDF specification documents",
	Long: `Chunk PDF specification documents from the input directory into
overlapping text chunks, embed them, and load them into the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		input, _ := cmd.Flags().GetString("input")
		files, err := collectFiles(input, ".pdf")
		if err != nil {
			return err
		}
		if len(files) == 0 {
			zap.L().Warn("no documents found", zap.String("dir", input))
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

		report, err := orch.IngestSpecs(ctx, files)
		if err != nil {
			return eris.Wrap(err, "specs")
		}
		return finishRun(report)
	},
}

func init() {
	specsCmd.Flags().String("input", ".", "directory containing .pdf documents")
	rootCmd.AddCommand(specsCmd)
}
