// Package outlier persists validation failures outside the main store so
// operators can review them. Sinks receive the full original row context
// plus the reason code; the orchestrator is the only writer.
package outlier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/stg-circuits/specdex/internal/model"
)

// Sink receives outlier records for manual review.
type Sink interface {
	Record(ctx context.Context, rec model.OutlierRecord) error
}

// DirSink writes one JSON file per outlier into a directory.
type DirSink struct {
	dir string
}

// NewDirSink creates the directory if needed and returns a sink writing
// into it.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "outlier: create sink dir %s", dir)
	}
	return &DirSink{dir: dir}, nil
}

// Record writes the outlier as a pretty-printed JSON file named after its
// source position.
func (s *DirSink) Record(_ context.Context, rec model.OutlierRecord) error {
	name := fmt.Sprintf("%s_%s_row%04d_%s.json",
		sanitize(rec.FileName), sanitize(rec.SheetName), rec.RowIndex, rec.Reason)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return eris.Wrap(err, "outlier: marshal record")
	}

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "outlier: write %s", path)
	}
	return nil
}

// MemorySink collects outliers in memory for tests.
type MemorySink struct {
	mu      sync.Mutex
	records []model.OutlierRecord
}

// Record appends the outlier.
func (s *MemorySink) Record(_ context.Context, rec model.OutlierRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (s *MemorySink) Records() []model.OutlierRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutlierRecord, len(s.records))
	copy(out, s.records)
	return out
}

var sanitizer = strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "_")

func sanitize(s string) string {
	s = sanitizer.Replace(s)
	if ext := filepath.Ext(s); ext != "" {
		s = strings.TrimSuffix(s, ext)
	}
	if s == "" {
		s = "unknown"
	}
	return s
}
