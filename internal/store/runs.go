package store

import (
	"context"

	"github.com/google/uuid"
)

// StartRun opens a row in the ingest run log and returns its id.
func (s *PostgresStore) StartRun(ctx context.Context, kind string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO specdex.ingest_runs (id, kind, status, started_at)
		 VALUES ($1, $2, 'running', now())`,
		id, kind,
	)
	if err != nil {
		return uuid.Nil, wrapErr(err, "store: start run")
	}
	return id, nil
}

// CompleteRun closes a run with its counters and the rendered report.
func (s *PostgresStore) CompleteRun(ctx context.Context, id uuid.UUID, counts RunCounts, report []byte) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE specdex.ingest_runs SET
			status = 'completed', finished_at = now(),
			files_total = $2, files_failed = $3,
			created = $4, updated = $5, unchanged = $6, outliers = $7,
			report = $8
		 WHERE id = $1`,
		id, counts.FilesTotal, counts.FilesFailed,
		counts.Created, counts.Updated, counts.Unchanged, counts.Outliers,
		report,
	)
	if err != nil {
		return wrapErr(err, "store: complete run")
	}
	return nil
}

// FailRun marks a run as failed with the terminal error message.
func (s *PostgresStore) FailRun(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE specdex.ingest_runs
		 SET status = 'failed', finished_at = now(), error = $2
		 WHERE id = $1`,
		id, message,
	)
	if err != nil {
		return wrapErr(err, "store: fail run")
	}
	return nil
}
