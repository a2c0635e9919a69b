// Package pipeline orchestrates ingestion runs: extraction or chunking per
// file, embedding, and idempotent loading, with file-level isolation so one
// bad input never sinks the batch.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stg-circuits/specdex/internal/config"
	"github.com/stg-circuits/specdex/internal/embed"
	"github.com/stg-circuits/specdex/internal/model"
	"github.com/stg-circuits/specdex/internal/outlier"
	"github.com/stg-circuits/specdex/internal/resilience"
	"github.com/stg-circuits/specdex/internal/store"
)

// Extractor produces normalized records from a workbook file.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]model.NormalizedRecord, []model.OutlierRecord, error)
}

// Chunker produces normalized records from a specification document.
type Chunker interface {
	Chunk(ctx context.Context, path string) ([]model.NormalizedRecord, error)
}

// EmbeddingGenerator turns record text into vectors. embed.Generator
// satisfies it; tests substitute fakes.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, items []embed.Item) ([]model.EmbeddingVector, error)
	ModelID() string
}

// Orchestrator drives ingestion runs over the store.
type Orchestrator struct {
	store     store.Store
	embedder  EmbeddingGenerator
	sink      outlier.Sink
	extractor Extractor
	chunker   Chunker

	workers      int
	storeTimeout time.Duration
	storeRetry   resilience.RetryConfig

	// embedSem caps in-flight embedding service calls across all workers.
	embedSem *semaphore.Weighted
}

// New assembles an Orchestrator. The store retry policy is scoped to
// transient storage failures; all other errors surface immediately.
func New(st store.Store, emb EmbeddingGenerator, sink outlier.Sink, ex Extractor, ch Chunker, cfg config.PipelineConfig, retry resilience.RetryConfig) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	timeout := time.Duration(cfg.StoreTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry.ShouldRetry = store.IsUnavailable
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("store", "load_batch")
	}
	embedConc := cfg.EmbedConcurrency
	if embedConc <= 0 {
		embedConc = 2
	}

	return &Orchestrator{
		store:        st,
		embedder:     emb,
		sink:         sink,
		extractor:    ex,
		chunker:      ch,
		workers:      workers,
		storeTimeout: timeout,
		storeRetry:   retry,
		embedSem:     semaphore.NewWeighted(int64(embedConc)),
	}
}

// IngestWorkbooks runs a questionnaire ingestion over the given workbook
// paths and records the run in the ingest log.
func (o *Orchestrator) IngestWorkbooks(ctx context.Context, paths []string) (*RunReport, error) {
	return o.run(ctx, "workbooks", paths, o.processWorkbook)
}

// IngestSpecs runs a specification-document ingestion over the given PDF
// paths and records the run in the ingest log.
func (o *Orchestrator) IngestSpecs(ctx context.Context, paths []string) (*RunReport, error) {
	return o.run(ctx, "specs", paths, o.processSpec)
}

func (o *Orchestrator) run(ctx context.Context, kind string, paths []string, process func(context.Context, string) FileReport) (*RunReport, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("kind", kind))

	runID, err := o.store.StartRun(ctx, kind)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}

	report := &RunReport{Kind: kind, StartedAt: time.Now().UTC()}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for _, path := range paths {
		g.Go(func() error {
			fr := process(gctx, path)
			mu.Lock()
			report.Files = append(report.Files, fr)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil || ctx.Err() != nil {
		if err == nil {
			err = ctx.Err()
		}
		// Run log updates use a fresh context: the run context is already dead.
		failCtx, cancel := context.WithTimeout(context.Background(), o.storeTimeout)
		defer cancel()
		if ferr := o.store.FailRun(failCtx, runID, err.Error()); ferr != nil {
			log.Warn("failed to record aborted run", zap.Error(ferr))
		}
		return nil, eris.Wrap(err, "pipeline: run aborted")
	}

	report.FinishedAt = time.Now().UTC()
	if err := o.store.CompleteRun(ctx, runID, report.Counts(), report.JSON()); err != nil {
		log.Warn("failed to record completed run", zap.Error(err))
	}

	c := report.Counts()
	log.Info("run complete",
		zap.Int("files", c.FilesTotal),
		zap.Int("failed", c.FilesFailed),
		zap.Int("created", c.Created),
		zap.Int("updated", c.Updated),
		zap.Int("unchanged", c.Unchanged),
		zap.Int("outliers", c.Outliers),
	)
	return report, nil
}

func (o *Orchestrator) processWorkbook(ctx context.Context, path string) FileReport {
	fr := FileReport{File: filepath.Base(path), Status: FilePending}

	fr.transition(FileExtracting)
	records, outliers, err := o.extractor.Extract(ctx, path)
	if err != nil {
		return failReport(fr, err)
	}

	fr.Outliers = len(outliers)
	for _, out := range outliers {
		fr.OutlierReasons = append(fr.OutlierReasons,
			fmt.Sprintf("%s row %d: %s", out.SheetName, out.RowIndex, out.Reason))
		if err := o.sink.Record(ctx, out); err != nil {
			return failReport(fr, eris.Wrap(err, "pipeline: record outlier"))
		}
	}

	return o.embedAndLoad(ctx, fr, records)
}

func (o *Orchestrator) processSpec(ctx context.Context, path string) FileReport {
	fr := FileReport{File: filepath.Base(path), Status: FilePending}

	fr.transition(FileExtracting)
	records, err := o.chunker.Chunk(ctx, path)
	if err != nil {
		return failReport(fr, err)
	}

	return o.embedAndLoad(ctx, fr, records)
}

// transition advances the file state machine, logging each step.
func (fr *FileReport) transition(to FileState) {
	zap.L().Debug("file state",
		zap.String("component", "pipeline"),
		zap.String("file", fr.File),
		zap.String("from", string(fr.Status)),
		zap.String("to", string(to)),
	)
	fr.Status = to
}

// embedAndLoad embeds the records and loads them one by one. Embedding
// service exhaustion degrades rather than fails: affected records load
// without vectors and a re-embed run completes them later. Storage
// exhaustion fails the file.
func (o *Orchestrator) embedAndLoad(ctx context.Context, fr FileReport, records []model.NormalizedRecord) FileReport {
	fr.Records = len(records)
	if len(records) == 0 {
		fr.transition(FileDone)
		return fr
	}

	fr.transition(FileEmbedding)
	items := make([]embed.Item, len(records))
	for i, rec := range records {
		items[i] = embed.Item{ContentHash: rec.ContentHash, Text: rec.Content()}
	}

	vecs, err := o.embed(ctx, items)
	switch {
	case err == nil:
	case eris.Is(err, embed.ErrEmbeddingUnavailable):
		fr.Degraded = true
		zap.L().Warn("loading with partial embeddings",
			zap.String("component", "pipeline"),
			zap.String("file", fr.File),
			zap.Error(err),
		)
	default:
		return failReport(fr, err)
	}

	fr.transition(FileLoading)
	for i, rec := range records {
		var vec *model.EmbeddingVector
		if vecs[i].Vector != nil {
			vec = &vecs[i]
		}

		result, err := o.loadWithRetry(ctx, rec, vec)
		if err != nil {
			return failReport(fr, err)
		}
		switch result {
		case model.LoadCreated:
			fr.Created++
		case model.LoadUpdated:
			fr.Updated++
		case model.LoadUnchanged:
			fr.Unchanged++
		}
	}

	fr.transition(FileDone)
	return fr
}

// embed calls the embedding generator under the concurrency semaphore so no
// more than the configured number of service calls are in flight at once.
func (o *Orchestrator) embed(ctx context.Context, items []embed.Item) ([]model.EmbeddingVector, error) {
	if err := o.embedSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.embedSem.Release(1)
	return o.embedder.Embed(ctx, items)
}

func (o *Orchestrator) loadWithRetry(ctx context.Context, rec model.NormalizedRecord, vec *model.EmbeddingVector) (model.LoadResult, error) {
	return resilience.DoVal(ctx, o.storeRetry, func(ctx context.Context) (model.LoadResult, error) {
		loadCtx, cancel := context.WithTimeout(ctx, o.storeTimeout)
		defer cancel()
		return o.store.Load(loadCtx, rec, vec)
	})
}

// Reembed finds records with missing or differently-modeled embeddings and
// attaches fresh vectors, up to limit records per call. It returns how many
// records it completed.
func (o *Orchestrator) Reembed(ctx context.Context, limit int) (int, error) {
	log := zap.L().With(zap.String("component", "pipeline"))

	if limit <= 0 {
		limit = 1000
	}

	stale, err := o.store.ListStale(ctx, o.embedder.ModelID(), limit)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list stale records")
	}
	if len(stale) == 0 {
		return 0, nil
	}

	items := make([]embed.Item, len(stale))
	for i, r := range stale {
		items[i] = embed.Item{ContentHash: r.ContentHash, Text: r.Content}
	}

	vecs, err := o.embed(ctx, items)
	if err != nil && !eris.Is(err, embed.ErrEmbeddingUnavailable) {
		return 0, eris.Wrap(err, "pipeline: embed stale records")
	}

	done := 0
	for i, r := range stale {
		if vecs[i].Vector == nil {
			continue
		}
		attachErr := resilience.Do(ctx, o.storeRetry, func(ctx context.Context) error {
			attachCtx, cancel := context.WithTimeout(ctx, o.storeTimeout)
			defer cancel()
			return o.store.AttachEmbedding(attachCtx, r.SourceKey, vecs[i])
		})
		if attachErr != nil {
			return done, eris.Wrapf(attachErr, "pipeline: attach embedding for %s", r.SourceKey)
		}
		done++
	}

	log.Info("re-embed pass complete",
		zap.Int("stale", len(stale)),
		zap.Int("embedded", done),
	)
	if err != nil {
		return done, err // remaining ErrEmbeddingUnavailable from the batch
	}
	return done, nil
}

func failReport(fr FileReport, err error) FileReport {
	fr.transition(FileFailed)
	fr.Error = err.Error()
	zap.L().Error("file failed",
		zap.String("component", "pipeline"),
		zap.String("file", fr.File),
		zap.Error(err),
	)
	return fr
}
