package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/stg-circuits/specdex/internal/embed"
)

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Regenerate missing or stale embeddings",
	Long: `Find stored records whose embedding is missing or was produced by a
different model than the one configured, and attach fresh vectors. Records
whose content changed since their vector was computed are also refreshed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		orch, err := newOrchestrator(cmd, st)
		if err != nil {
			return err
		}

		done, err := orch.Reembed(ctx, limit)
		if err != nil && !eris.Is(err, embed.ErrEmbeddingUnavailable) {
			return eris.Wrap(err, "reembed")
		}

		fmt.Printf("re-embedded %d records\n", done)
		if err != nil {
			return eris.Wrap(err, "reembed: some records remain stale")
		}
		return nil
	},
}

func init() {
	reembedCmd.Flags().Int("limit", 1000, "maximum records per pass")
	rootCmd.AddCommand(reembedCmd)
}
