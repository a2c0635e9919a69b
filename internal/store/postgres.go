package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stg-circuits/specdex/internal/config"
	"github.com/stg-circuits/specdex/internal/db"
	"github.com/stg-circuits/specdex/internal/model"
)

// PostgresStore implements Store on pgx.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool. pgvector
// types are registered on every new connection.
func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "store: parse database url")
	}

	if cfg.MaxConns > 0 {
		pgxCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pgxCfg.MinConns = cfg.MinConns
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "store: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapErr(err, "store: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewWithPool wraps an existing pool; tests pass a pgxmock pool here.
func NewWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

const insertRecordSQL = `
	INSERT INTO specdex.records (
		source_key, record_type, customer_name, file_name, sheet_name,
		row_index, chunk_index, page_start, page_end,
		content, fields, content_hash,
		embedding, model_id, embedded_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (source_key) DO NOTHING`

const updateRecordSQL = `
	UPDATE specdex.records SET
		record_type = $2, customer_name = $3, file_name = $4, sheet_name = $5,
		row_index = $6, chunk_index = $7, page_start = $8, page_end = $9,
		content = $10, fields = $11, content_hash = $12,
		embedding = $13, model_id = $14, embedded_at = $15,
		updated_at = now()
	WHERE source_key = $1`

// Load upserts one record. The whole operation is a single transaction per
// source_key: insert when absent, full update when the content hash
// changed, no-op when identical. The embedding always moves with the row it
// describes, so the table never shows a row with a vector from different
// content.
func (s *PostgresStore) Load(ctx context.Context, rec model.NormalizedRecord, vec *model.EmbeddingVector) (model.LoadResult, error) {
	fields, err := fieldsJSON(rec)
	if err != nil {
		return "", err
	}

	embedding, modelID, embeddedAt := embeddingArgs(vec)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", wrapErr(err, "store: begin load")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	args := recordArgs(rec, fields)
	tag, err := tx.Exec(ctx, insertRecordSQL, append(args, embedding, modelID, embeddedAt)...)
	if err != nil {
		return "", wrapErr(err, "store: insert record")
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return "", wrapErr(err, "store: commit insert")
		}
		return model.LoadCreated, nil
	}

	// Row exists: lock it and compare content hashes.
	var storedHash string
	var storedModel *string
	var hasEmbedding bool
	err = tx.QueryRow(ctx,
		`SELECT content_hash, model_id, embedding IS NOT NULL
		 FROM specdex.records WHERE source_key = $1 FOR UPDATE`,
		rec.SourceKey,
	).Scan(&storedHash, &storedModel, &hasEmbedding)
	if err != nil {
		return "", wrapErr(err, "store: lock record")
	}

	if storedHash == rec.ContentHash {
		// Unchanged content. A supplied vector still gets attached when the
		// stored one is missing or from another model (re-embed path).
		if vec != nil && vec.Vector != nil &&
			(!hasEmbedding || storedModel == nil || *storedModel != vec.ModelID) {
			_, err = tx.Exec(ctx,
				`UPDATE specdex.records
				 SET embedding = $2, model_id = $3, embedded_at = now()
				 WHERE source_key = $1`,
				rec.SourceKey, pgvector.NewVector(vec.Vector), vec.ModelID,
			)
			if err != nil {
				return "", wrapErr(err, "store: refresh embedding")
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return "", wrapErr(err, "store: commit unchanged")
		}
		return model.LoadUnchanged, nil
	}

	if _, err := tx.Exec(ctx, updateRecordSQL, append(args, embedding, modelID, embeddedAt)...); err != nil {
		return "", wrapErr(err, "store: update record")
	}
	if err := tx.Commit(ctx); err != nil {
		return "", wrapErr(err, "store: commit update")
	}
	return model.LoadUpdated, nil
}

// AttachEmbedding sets the vector for a record, guarded by content hash so
// a vector derived from stale text is never attached.
func (s *PostgresStore) AttachEmbedding(ctx context.Context, sourceKey string, vec model.EmbeddingVector) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE specdex.records
		 SET embedding = $2, model_id = $3, embedded_at = now()
		 WHERE source_key = $1 AND content_hash = $4`,
		sourceKey, pgvector.NewVector(vec.Vector), vec.ModelID, vec.ContentHash,
	)
	if err != nil {
		return wrapErr(err, "store: attach embedding")
	}
	if tag.RowsAffected() == 0 {
		zap.L().Debug("embedding skipped, record changed underneath",
			zap.String("source_key", sourceKey))
	}
	return nil
}

// LookupVectors returns stored vectors for the given content hashes and
// model, for the embedding cache.
func (s *PostgresStore) LookupVectors(ctx context.Context, contentHashes []string, modelID string) (map[string][]float32, error) {
	if len(contentHashes) == 0 {
		return map[string][]float32{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT content_hash, embedding FROM specdex.records
		 WHERE content_hash = ANY($1) AND model_id = $2 AND embedding IS NOT NULL`,
		contentHashes, modelID,
	)
	if err != nil {
		return nil, wrapErr(err, "store: lookup vectors")
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var hash string
		var vec pgvector.Vector
		if err := rows.Scan(&hash, &vec); err != nil {
			return nil, eris.Wrap(err, "store: scan vector")
		}
		out[hash] = vec.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "store: iterate vectors")
	}
	return out, nil
}

// ListStale returns records needing (re-)embedding: missing vectors or
// vectors from a different model.
func (s *PostgresStore) ListStale(ctx context.Context, modelID string, limit int) ([]StaleRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_key, content_hash, content FROM specdex.records
		 WHERE embedding IS NULL OR model_id IS DISTINCT FROM $1
		 ORDER BY updated_at
		 LIMIT $2`,
		modelID, limit,
	)
	if err != nil {
		return nil, wrapErr(err, "store: list stale")
	}
	defer rows.Close()

	var out []StaleRecord
	for rows.Next() {
		var r StaleRecord
		if err := rows.Scan(&r.SourceKey, &r.ContentHash, &r.Content); err != nil {
			return nil, eris.Wrap(err, "store: scan stale record")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "store: iterate stale records")
	}
	return out, nil
}

// SearchSimilar returns the top-k records by cosine distance to the query
// vector.
func (s *PostgresStore) SearchSimilar(ctx context.Context, query []float32, k int) ([]SearchHit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_key, record_type, customer_name, file_name, content,
		        embedding <=> $1 AS distance
		 FROM specdex.records
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(query), k,
	)
	if err != nil {
		return nil, wrapErr(err, "store: similarity search")
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.SourceKey, &h.Type, &h.CustomerName, &h.FileName, &h.Content, &h.Distance); err != nil {
			return nil, eris.Wrap(err, "store: scan search hit")
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "store: iterate search hits")
	}
	return out, nil
}

func recordArgs(rec model.NormalizedRecord, fields []byte) []any {
	var sheetName *string
	var rowIndex, chunkIndex, pageStart, pageEnd *int

	if rec.Row != nil {
		sheetName = &rec.Row.SheetName
		rowIndex = &rec.Row.RowIndex
	}
	if rec.Chunk != nil {
		chunkIndex = &rec.Chunk.ChunkIndex
		pageStart = &rec.Chunk.PageStart
		pageEnd = &rec.Chunk.PageEnd
	}

	return []any{
		rec.SourceKey, string(rec.Type), rec.CustomerName(), rec.FileName, sheetName,
		rowIndex, chunkIndex, pageStart, pageEnd,
		rec.Content(), fields, rec.ContentHash,
	}
}

func embeddingArgs(vec *model.EmbeddingVector) (embedding, modelID, embeddedAt any) {
	if vec == nil || vec.Vector == nil {
		return nil, nil, nil
	}
	return pgvector.NewVector(vec.Vector), vec.ModelID, time.Now().UTC()
}

// fieldsJSON serializes the structured, type-specific fields into the JSONB
// column.
func fieldsJSON(rec model.NormalizedRecord) ([]byte, error) {
	var payload any
	switch {
	case rec.Row != nil:
		payload = rec.Row
	case rec.Chunk != nil:
		payload = struct {
			SectionPath []string `json:"section_path,omitempty"`
			CharStart   int      `json:"char_start"`
			CharEnd     int      `json:"char_end"`
		}{rec.Chunk.SectionPath, rec.Chunk.CharStart, rec.Chunk.CharEnd}
	default:
		payload = struct{}{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal fields")
	}
	return data, nil
}
