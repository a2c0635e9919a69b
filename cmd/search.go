package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/stg-circuits/specdex/internal/embed"
	"github.com/stg-circuits/specdex/internal/resilience"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the index",
	Long:  "Embed the query text and print the closest records by cosine distance.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		query, _ := cmd.Flags().GetString("query")
		if query == "" {
			return eris.New("search: --query is required")
		}
		k, _ := cmd.Flags().GetInt("k")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		retry := resilience.FromConfig(
			cfg.Retry.MaxAttempts,
			cfg.Retry.InitialBackoffMs,
			cfg.Retry.MaxBackoffMs,
			cfg.Retry.Multiplier,
			cfg.Retry.JitterFraction,
		)
		gen, err := embed.NewOpenAI(cfg.Embedding, retry, st)
		if err != nil {
			return err
		}

		vec, err := gen.EmbedQuery(ctx, query)
		if err != nil {
			return eris.Wrap(err, "search: embed query")
		}

		hits, err := st.SearchSimilar(ctx, vec, k)
		if err != nil {
			return eris.Wrap(err, "search")
		}

		for i, h := range hits {
			fmt.Printf("%2d. [%.4f] %s (%s", i+1, h.Distance, h.SourceKey, h.Type)
			if h.CustomerName != "" {
				fmt.Printf(", %s", h.CustomerName)
			}
			fmt.Printf(")\n    %s\n", truncate(h.Content, 200))
		}
		if len(hits) == 0 {
			fmt.Println("no matches")
		}
		return nil
	},
}

// truncate shortens s to n runes. Rune-based so full-width content never
// gets cut mid-character.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func init() {
	searchCmd.Flags().String("query", "", "query text")
	searchCmd.Flags().IntP("k", "k", 10, "number of results")
	rootCmd.AddCommand(searchCmd)
}
