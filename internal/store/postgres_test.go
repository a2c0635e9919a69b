package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stg-circuits/specdex/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func testRecord() model.NormalizedRecord {
	return model.NormalizedRecord{
		SourceKey:   "key-1",
		Type:        model.RecordTabularRow,
		FileName:    "q1.xlsx",
		ContentHash: "hash-a",
		Row: &model.WorkbookRow{
			Template:     model.TemplateEQ,
			SheetName:    "EQ Template",
			RowIndex:     14,
			Kind:         model.RowQuestion,
			CustomerName: "ACME",
			Question: &model.QuestionRow{
				No:          3,
				Description: "Confirm controlled impedance stackup.",
			},
		},
	}
}

func testVector() *model.EmbeddingVector {
	return &model.EmbeddingVector{
		Vector:      []float32{0.1, 0.2, 0.3},
		ContentHash: "hash-a",
		ModelID:     "nomic-embed-text",
	}
}

func TestLoad_CreatesNewRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO specdex.records").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	st := NewWithPool(mock)
	result, err := st.Load(context.Background(), testRecord(), testVector())

	require.NoError(t, err)
	assert.Equal(t, model.LoadCreated, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_UnchangedContentIsNoop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO specdex.records").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	modelID := "nomic-embed-text"
	mock.ExpectQuery("SELECT content_hash, model_id").
		WithArgs("key-1").
		WillReturnRows(pgxmock.NewRows([]string{"content_hash", "model_id", "has_embedding"}).
			AddRow("hash-a", &modelID, true))
	mock.ExpectCommit()

	st := NewWithPool(mock)
	result, err := st.Load(context.Background(), testRecord(), testVector())

	require.NoError(t, err)
	assert.Equal(t, model.LoadUnchanged, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_UnchangedWithMissingEmbeddingAttachesVector(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO specdex.records").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT content_hash, model_id").
		WithArgs("key-1").
		WillReturnRows(pgxmock.NewRows([]string{"content_hash", "model_id", "has_embedding"}).
			AddRow("hash-a", (*string)(nil), false))
	mock.ExpectExec("UPDATE specdex.records").
		WithArgs(anyArgs(3)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	st := NewWithPool(mock)
	result, err := st.Load(context.Background(), testRecord(), testVector())

	require.NoError(t, err)
	assert.Equal(t, model.LoadUnchanged, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_ChangedContentUpdates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO specdex.records").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	modelID := "nomic-embed-text"
	mock.ExpectQuery("SELECT content_hash, model_id").
		WithArgs("key-1").
		WillReturnRows(pgxmock.NewRows([]string{"content_hash", "model_id", "has_embedding"}).
			AddRow("hash-old", &modelID, true))
	mock.ExpectExec("UPDATE specdex.records SET").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	st := NewWithPool(mock)
	result, err := st.Load(context.Background(), testRecord(), testVector())

	require.NoError(t, err)
	assert.Equal(t, model.LoadUpdated, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_NilVectorCreatesWithoutEmbedding(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO specdex.records").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	st := NewWithPool(mock)
	result, err := st.Load(context.Background(), testRecord(), nil)

	require.NoError(t, err)
	assert.Equal(t, model.LoadCreated, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_InsertErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO specdex.records").
		WithArgs(anyArgs(15)...).
		WillReturnError(fmt.Errorf("syntax error"))
	mock.ExpectRollback()

	st := NewWithPool(mock)
	_, err = st.Load(context.Background(), testRecord(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachEmbedding(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE specdex.records").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	st := NewWithPool(mock)
	err = st.AttachEmbedding(context.Background(), "key-1", *testVector())

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachEmbedding_StaleHashIsSkippedSilently(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE specdex.records").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	st := NewWithPool(mock)
	err = st.AttachEmbedding(context.Background(), "key-1", *testVector())

	assert.NoError(t, err, "content changed underneath; not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupVectors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"content_hash", "embedding"}).
		AddRow("hash-a", pgvector.NewVector([]float32{1, 2})).
		AddRow("hash-b", pgvector.NewVector([]float32{3, 4}))
	mock.ExpectQuery("SELECT content_hash, embedding FROM specdex.records").
		WithArgs(anyArgs(2)...).
		WillReturnRows(rows)

	st := NewWithPool(mock)
	got, err := st.LookupVectors(context.Background(), []string{"hash-a", "hash-b", "hash-c"}, "nomic-embed-text")

	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got["hash-a"])
	assert.Equal(t, []float32{3, 4}, got["hash-b"])
	assert.NotContains(t, got, "hash-c")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupVectors_EmptyInputSkipsQuery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewWithPool(mock)
	got, err := st.LookupVectors(context.Background(), nil, "nomic-embed-text")

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStale(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"source_key", "content_hash", "content"}).
		AddRow("key-1", "hash-a", "text a").
		AddRow("key-2", "hash-b", "text b")
	mock.ExpectQuery("SELECT source_key, content_hash, content FROM specdex.records").
		WithArgs("nomic-embed-text", 100).
		WillReturnRows(rows)

	st := NewWithPool(mock)
	got, err := st.ListStale(context.Background(), "nomic-embed-text", 100)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "key-1", got[0].SourceKey)
	assert.Equal(t, "text b", got[1].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchSimilar(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"source_key", "record_type", "customer_name", "file_name", "content", "distance"}).
		AddRow("key-1", "pdf-chunk", "ACME", "spec.pdf", "surface finish requirements", 0.12).
		AddRow("key-2", "tabular-row", "ACME", "q1.xlsx", "impedance question", 0.31)
	mock.ExpectQuery("SELECT source_key, record_type").
		WithArgs(anyArgs(2)...).
		WillReturnRows(rows)

	st := NewWithPool(mock)
	hits, err := st.SearchSimilar(context.Background(), []float32{0.1, 0.2}, 2)

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, model.RecordPDFChunk, hits[0].Type)
	assert.Equal(t, 0.12, hits[0].Distance)
	assert.Less(t, hits[0].Distance, hits[1].Distance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLog(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO specdex.ingest_runs").
		WithArgs(anyArgs(2)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE specdex.ingest_runs").
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	st := NewWithPool(mock)
	id, err := st.StartRun(context.Background(), "workbooks")
	require.NoError(t, err)

	err = st.CompleteRun(context.Background(), id, RunCounts{FilesTotal: 2, Created: 40}, []byte(`{}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO specdex.ingest_runs").
		WithArgs(anyArgs(2)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE specdex.ingest_runs").
		WithArgs(anyArgs(2)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	st := NewWithPool(mock)
	id, err := st.StartRun(context.Background(), "specs")
	require.NoError(t, err)

	err = st.FailRun(context.Background(), id, "context canceled")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, IsUnavailable(&pgconn.PgError{Code: "08006"}), "connection failure class")
	assert.True(t, IsUnavailable(&pgconn.PgError{Code: "53300"}), "too many connections")
	assert.True(t, IsUnavailable(&pgconn.PgError{Code: "57P01"}), "admin shutdown")
	assert.False(t, IsUnavailable(&pgconn.PgError{Code: "23505"}), "unique violation is permanent")
	assert.False(t, IsUnavailable(&pgconn.PgError{Code: "42601"}), "syntax error is permanent")

	assert.True(t, IsUnavailable(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, IsUnavailable(context.DeadlineExceeded))
	assert.True(t, IsUnavailable(ErrStorageUnavailable))

	assert.False(t, IsUnavailable(errors.New("some application error")))
	assert.False(t, IsUnavailable(nil))
}

func TestWrapErr_TagsTransientErrors(t *testing.T) {
	wrapped := wrapErr(&pgconn.PgError{Code: "08006"}, "store: ping")
	assert.True(t, IsUnavailable(wrapped))

	permanent := wrapErr(&pgconn.PgError{Code: "23505"}, "store: insert")
	assert.False(t, IsUnavailable(permanent))
}
