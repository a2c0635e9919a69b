package embed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stg-circuits/specdex/internal/config"
	"github.com/stg-circuits/specdex/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeEmbedder returns a deterministic vector per text, or errors while
// failures is positive. failErr defaults to a retryable server error.
type fakeEmbedder struct {
	calls    int
	failures int
	failErr  error
	batches  [][]string
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.batches = append(f.batches, texts)
	if f.failures > 0 {
		f.failures--
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, errors.New("API returned unexpected status code: 503 service overloaded")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

// fakeCache serves a fixed hash→vector map.
type fakeCache struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeCache) LookupVectors(_ context.Context, hashes []string, _ string) (map[string][]float32, error) {
	f.calls++
	out := make(map[string][]float32)
	for _, h := range hashes {
		if v, ok := f.vectors[h]; ok {
			out[h] = v
		}
	}
	return out, nil
}

func testConfig(batchSize int) config.EmbeddingConfig {
	return config.EmbeddingConfig{
		Model:             "nomic-embed-text",
		BatchSize:         batchSize,
		RequestsPerSecond: 10000,
		TimeoutSecs:       5,
	}
}

func noSleepRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: attempts,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func items(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{ContentHash: fmt.Sprintf("hash-%03d", i), Text: fmt.Sprintf("text %03d", i)}
	}
	return out
}

func TestEmbed_AlignedWithInput(t *testing.T) {
	emb := &fakeEmbedder{}
	g := New(emb, testConfig(10), noSleepRetry(1), nil)

	in := items(7)
	vecs, err := g.Embed(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, vecs, 7)

	for i, v := range vecs {
		assert.Equal(t, in[i].ContentHash, v.ContentHash)
		assert.Equal(t, "nomic-embed-text", v.ModelID)
		assert.NotNil(t, v.Vector)
	}
}

func TestEmbed_Batching(t *testing.T) {
	emb := &fakeEmbedder{}
	g := New(emb, testConfig(3), noSleepRetry(1), nil)

	_, err := g.Embed(context.Background(), items(8))
	require.NoError(t, err)

	assert.Equal(t, 3, emb.calls)
	assert.Len(t, emb.batches[0], 3)
	assert.Len(t, emb.batches[1], 3)
	assert.Len(t, emb.batches[2], 2)
}

func TestEmbed_CacheHitsSkipService(t *testing.T) {
	in := items(3)
	cache := &fakeCache{vectors: map[string][]float32{
		in[0].ContentHash: {1, 2},
		in[1].ContentHash: {3, 4},
		in[2].ContentHash: {5, 6},
	}}
	emb := &fakeEmbedder{}
	g := New(emb, testConfig(10), noSleepRetry(1), cache)

	vecs, err := g.Embed(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 0, emb.calls, "fully cached input must not hit the service")
	assert.Equal(t, []float32{1, 2}, vecs[0].Vector)
	assert.Equal(t, []float32{5, 6}, vecs[2].Vector)
}

func TestEmbed_PartialCacheEmbedsOnlyMisses(t *testing.T) {
	in := items(4)
	cache := &fakeCache{vectors: map[string][]float32{
		in[1].ContentHash: {9, 9},
	}}
	emb := &fakeEmbedder{}
	g := New(emb, testConfig(10), noSleepRetry(1), cache)

	vecs, err := g.Embed(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, 1, emb.calls)
	assert.Len(t, emb.batches[0], 3)
	assert.Equal(t, []float32{9, 9}, vecs[1].Vector)
	for _, v := range vecs {
		assert.NotNil(t, v.Vector)
	}
}

func TestEmbed_RetriesTransientFailure(t *testing.T) {
	emb := &fakeEmbedder{failures: 2}
	g := New(emb, testConfig(10), noSleepRetry(3), nil)

	vecs, err := g.Embed(context.Background(), items(2))
	require.NoError(t, err)
	assert.Equal(t, 3, emb.calls)
	assert.NotNil(t, vecs[0].Vector)
}

func TestEmbed_ExhaustedRetriesDegrade(t *testing.T) {
	emb := &fakeEmbedder{failures: 100}
	g := New(emb, testConfig(2), noSleepRetry(2), nil)

	in := items(5)
	vecs, err := g.Embed(context.Background(), in)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	require.Len(t, vecs, 5, "partial results must still be returned")
	for i, v := range vecs {
		assert.Nil(t, v.Vector, "vector %d should be missing", i)
		assert.Equal(t, in[i].ContentHash, v.ContentHash)
	}
}

func TestEmbed_OneBatchFailsOthersSurvive(t *testing.T) {
	emb := &fakeEmbedder{failures: 2} // first batch exhausts both attempts
	g := New(emb, testConfig(2), noSleepRetry(2), nil)

	vecs, err := g.Embed(context.Background(), items(4))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Nil(t, vecs[0].Vector)
	assert.Nil(t, vecs[1].Vector)
	assert.NotNil(t, vecs[2].Vector)
	assert.NotNil(t, vecs[3].Vector)
}

func TestEmbed_PermanentErrorsAreNotRetried(t *testing.T) {
	emb := &fakeEmbedder{
		failures: 100,
		failErr:  errors.New("API returned unexpected status code: 401 invalid api key"),
	}
	g := New(emb, testConfig(10), noSleepRetry(3), nil)

	vecs, err := g.Embed(context.Background(), items(2))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Equal(t, 1, emb.calls, "an auth failure must not be retried")
	assert.Nil(t, vecs[0].Vector)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttled", errors.New("status code: 429 too many requests"), true},
		{"server error", errors.New("status code: 503"), true},
		{"bad gateway", errors.New("status code: 502"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"bad request", errors.New("status code: 400 invalid input"), false},
		{"auth", errors.New("status code: 401 unauthorized"), false},
		{"canceled", context.Canceled, false},
		{"generic", errors.New("empty response"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestEmbed_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := New(&fakeEmbedder{}, testConfig(10), noSleepRetry(1), nil)
	_, err := g.Embed(ctx, items(2))
	require.Error(t, err)
}

func TestEmbedQuery(t *testing.T) {
	emb := &fakeEmbedder{}
	g := New(emb, testConfig(10), noSleepRetry(1), nil)

	vec, err := g.EmbedQuery(context.Background(), "minimum annular ring")
	require.NoError(t, err)
	assert.Equal(t, []float32{20, 1}, vec)
}

func TestEmbedQuery_ServiceDown(t *testing.T) {
	emb := &fakeEmbedder{failures: 100}
	g := New(emb, testConfig(10), noSleepRetry(2), nil)

	_, err := g.EmbedQuery(context.Background(), "query")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestModelID(t *testing.T) {
	g := New(&fakeEmbedder{}, testConfig(1), noSleepRetry(1), nil)
	assert.Equal(t, "nomic-embed-text", g.ModelID())
}
