// Package embed converts record text into fixed-dimension vectors via a
// batched external embedding service, with retry, rate limiting, and a
// store-backed cache keyed by content hash.
package embed

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stg-circuits/specdex/internal/config"
	"github.com/stg-circuits/specdex/internal/model"
	"github.com/stg-circuits/specdex/internal/resilience"
)

// ErrEmbeddingUnavailable marks a batch whose retries were exhausted. The
// affected records load without embeddings and are flagged for re-embedding;
// already-succeeded batches are unaffected.
var ErrEmbeddingUnavailable = eris.New("embed: embedding service unavailable")

// Embedder is the external embedding service surface. The langchaingo
// OpenAI-compatible embedder satisfies it; tests substitute fakes.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorCache looks up already-stored vectors by content hash and model so
// unchanged content never hits the service again.
type VectorCache interface {
	LookupVectors(ctx context.Context, contentHashes []string, modelID string) (map[string][]float32, error)
}

// Item is one text to embed, keyed by its content hash.
type Item struct {
	ContentHash string
	Text        string
}

// Generator batches, caches, and retries embedding calls.
type Generator struct {
	embedder  Embedder
	cache     VectorCache
	modelID   string
	batchSize int
	limiter   *rate.Limiter
	timeout   time.Duration
	retry     resilience.RetryConfig
}

// NewOpenAI builds a Generator on an OpenAI-compatible embedding endpoint.
func NewOpenAI(cfg config.EmbeddingConfig, retry resilience.RetryConfig, cache VectorCache) (*Generator, error) {
	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	token := cfg.APIKey
	if token == "" {
		token = "none" // local endpoints ignore the token but the client requires one
	}
	opts = append(opts, openai.WithToken(token))

	client, err := openai.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "embed: create client")
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, eris.Wrap(err, "embed: create embedder")
	}

	return New(embedder, cfg, retry, cache), nil
}

// New builds a Generator around any Embedder implementation.
func New(embedder Embedder, cfg config.EmbeddingConfig, retry resilience.RetryConfig, cache VectorCache) *Generator {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("embedding", "embed_batch")
	}
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = IsTransient
	}

	return &Generator{
		embedder:  embedder,
		cache:     cache,
		modelID:   cfg.Model,
		batchSize: batch,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		timeout:   timeout,
		retry:     retry,
	}
}

// transientStatusCodes are the HTTP statuses an OpenAI-compatible service
// uses for throttling and server-side failures. The langchaingo client
// surfaces them only in the error text.
var transientStatusCodes = []string{"429", "500", "502", "503", "504"}

// IsTransient reports whether an embedding service error is worth retrying:
// network failures, timeouts, throttling, server-side errors. Client-side
// rejections (bad request, auth) are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, code := range transientStatusCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// ModelID returns the configured embedding model identifier.
func (g *Generator) ModelID() string { return g.modelID }

// Embed returns vectors aligned 1:1 with items. Cached vectors are reused;
// the rest go to the service in batches. When a batch exhausts its retries
// its items are returned with a nil Vector and the error wraps
// ErrEmbeddingUnavailable, leaving other batches intact. Context
// cancellation aborts outright.
func (g *Generator) Embed(ctx context.Context, items []Item) ([]model.EmbeddingVector, error) {
	log := zap.L().With(zap.String("component", "embed"))

	out := make([]model.EmbeddingVector, len(items))
	for i, item := range items {
		out[i] = model.EmbeddingVector{ContentHash: item.ContentHash, ModelID: g.modelID}
	}

	// Cache pass: anything already stored for this model is reused.
	pending := make([]int, 0, len(items))
	if g.cache != nil {
		hashes := make([]string, len(items))
		for i, item := range items {
			hashes[i] = item.ContentHash
		}
		cached, err := g.cache.LookupVectors(ctx, hashes, g.modelID)
		if err != nil {
			return nil, eris.Wrap(err, "embed: cache lookup")
		}
		for i, item := range items {
			if vec, ok := cached[item.ContentHash]; ok {
				out[i].Vector = vec
			} else {
				pending = append(pending, i)
			}
		}
		if len(cached) > 0 {
			log.Debug("embedding cache hits", zap.Int("hits", len(items)-len(pending)), zap.Int("misses", len(pending)))
		}
	} else {
		for i := range items {
			pending = append(pending, i)
		}
	}

	var failed int
	for start := 0; start < len(pending); start += g.batchSize {
		end := min(start+g.batchSize, len(pending))
		batch := pending[start:end]

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "embed: rate limiter")
		}

		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = items[idx].Text
		}

		vecs, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) ([][]float32, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return g.embedder.EmbedDocuments(callCtx, texts)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("embedding batch failed after retries",
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			failed += len(batch)
			continue
		}
		if len(vecs) != len(texts) {
			return nil, eris.Errorf("embed: service returned %d vectors for %d inputs", len(vecs), len(texts))
		}

		for j, idx := range batch {
			out[idx].Vector = vecs[j]
		}
	}

	if failed > 0 {
		return out, eris.Wrapf(ErrEmbeddingUnavailable, "embed: %d of %d texts not embedded", failed, len(items))
	}
	return out, nil
}

// EmbedQuery embeds a single query string for similarity search.
func (g *Generator) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "embed: rate limiter")
	}
	vecs, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) ([][]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.embedder.EmbedDocuments(callCtx, []string{text})
	})
	if err != nil {
		return nil, eris.Wrapf(ErrEmbeddingUnavailable, "embed: query: %v", err)
	}
	if len(vecs) != 1 {
		return nil, eris.Errorf("embed: service returned %d vectors for query", len(vecs))
	}
	return vecs[0], nil
}
