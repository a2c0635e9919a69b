package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stg-circuits/specdex/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "specdex",
	Short: "Questionnaire and specification ingestion pipeline",
	Long:  "Parses engineering questionnaire workbooks and PDF specifications into normalized records, embeds them, and maintains a searchable Postgres/pgvector index.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
