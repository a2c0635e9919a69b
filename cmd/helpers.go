package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/stg-circuits/specdex/internal/chunk"
	"github.com/stg-circuits/specdex/internal/embed"
	"github.com/stg-circuits/specdex/internal/extract"
	"github.com/stg-circuits/specdex/internal/outlier"
	"github.com/stg-circuits/specdex/internal/pipeline"
	"github.com/stg-circuits/specdex/internal/resilience"
	"github.com/stg-circuits/specdex/internal/store"
)

// openStore connects to Postgres using the configured pool settings.
func openStore(ctx context.Context) (*store.PostgresStore, error) {
	st, err := store.NewPostgres(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "connect to store")
	}
	return st, nil
}

// newOrchestrator wires the full pipeline on top of an open store.
func newOrchestrator(cmd *cobra.Command, st *store.PostgresStore) (*pipeline.Orchestrator, error) {
	retry := resilience.FromConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)

	gen, err := embed.NewOpenAI(cfg.Embedding, retry, st)
	if err != nil {
		return nil, err
	}

	outDir := cfg.Outliers.Dir
	if flag := cmd.Flags().Lookup("outliers"); flag != nil && flag.Changed {
		outDir, _ = cmd.Flags().GetString("outliers")
	}
	sink, err := outlier.NewDirSink(outDir)
	if err != nil {
		return nil, err
	}

	return pipeline.New(
		st,
		gen,
		sink,
		extract.New(cfg.Schema),
		chunk.New(cfg.Chunking),
		cfg.Pipeline,
		retry,
	), nil
}

// collectFiles returns the files under dir whose extension is in exts,
// sorted by name. Subdirectories are not descended into.
func collectFiles(dir string, exts ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "read input dir %s", dir)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range exts {
			if ext == want {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// finishRun prints the report and converts per-file failures into a
// non-zero exit.
func finishRun(report *pipeline.RunReport) error {
	fmt.Print(report.Render())
	if report.Failed() {
		return eris.New("one or more files failed")
	}
	return nil
}
