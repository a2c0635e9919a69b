// Package store owns all writes to the persistent record store: idempotent
// per-source-key upserts, vector index maintenance, similarity search, and
// the ingest run log.
package store

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/stg-circuits/specdex/internal/model"
)

// ErrStorageUnavailable marks a transient store failure. The orchestrator
// retries at batch granularity; exhausted retries escalate to a file-level
// failure.
var ErrStorageUnavailable = eris.New("store: storage unavailable")

// SearchHit is one similarity-search result.
type SearchHit struct {
	SourceKey    string
	Type         model.RecordType
	CustomerName string
	FileName     string
	Content      string
	Distance     float64
}

// StaleRecord is a stored record whose embedding is missing or was produced
// by a different model.
type StaleRecord struct {
	SourceKey   string
	ContentHash string
	Content     string
}

// RunCounts aggregates a run for the ingest log.
type RunCounts struct {
	FilesTotal  int
	FilesFailed int
	Created     int
	Updated     int
	Unchanged   int
	Outliers    int
}

// Store is the persistence boundary. The loader owns all writes; the
// embedding generator only reads vectors through LookupVectors.
type Store interface {
	Load(ctx context.Context, rec model.NormalizedRecord, vec *model.EmbeddingVector) (model.LoadResult, error)
	AttachEmbedding(ctx context.Context, sourceKey string, vec model.EmbeddingVector) error
	LookupVectors(ctx context.Context, contentHashes []string, modelID string) (map[string][]float32, error)
	ListStale(ctx context.Context, modelID string, limit int) ([]StaleRecord, error)
	SearchSimilar(ctx context.Context, query []float32, k int) ([]SearchHit, error)

	StartRun(ctx context.Context, kind string) (uuid.UUID, error)
	CompleteRun(ctx context.Context, id uuid.UUID, counts RunCounts, report []byte) error
	FailRun(ctx context.Context, id uuid.UUID, message string) error

	Close()
}

// IsUnavailable reports whether err is a transient storage failure worth
// retrying: connection-class Postgres errors, network errors, timeouts.
func IsUnavailable(err error) bool {
	if eris.Is(err, ErrStorageUnavailable) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "08", "53", "57", "58":
				return true
			}
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// wrapErr tags transient failures with ErrStorageUnavailable so callers can
// classify without inspecting driver errors.
func wrapErr(err error, msg string) error {
	if IsUnavailable(err) {
		return eris.Wrapf(ErrStorageUnavailable, "%s: %v", msg, err)
	}
	return eris.Wrap(err, msg)
}
