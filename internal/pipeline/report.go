package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stg-circuits/specdex/internal/store"
)

// FileState tracks a file through its pipeline stages. Done and Failed are
// the only terminal states.
type FileState string

const (
	FilePending    FileState = "pending"
	FileExtracting FileState = "extracting"
	FileEmbedding  FileState = "embedding"
	FileLoading    FileState = "loading"
	FileDone       FileState = "done"
	FileFailed     FileState = "failed"
)

// FileReport summarizes what happened to a single input file.
type FileReport struct {
	File      string    `json:"file"`
	Status    FileState `json:"status"`
	Error     string    `json:"error,omitempty"`
	Records   int       `json:"records"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Outliers  int       `json:"outliers"`

	// OutlierReasons lists each diverted row as "sheet row N: reason".
	OutlierReasons []string `json:"outlier_reasons,omitempty"`

	// Degraded is set when the file loaded but some records have no
	// embedding; a later re-embed pass picks them up.
	Degraded bool `json:"degraded,omitempty"`
}

// RunReport aggregates a full ingestion run.
type RunReport struct {
	Kind       string       `json:"kind"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Files      []FileReport `json:"files"`
}

// Counts folds the per-file reports into run-level counters.
func (r *RunReport) Counts() store.RunCounts {
	c := store.RunCounts{FilesTotal: len(r.Files)}
	for _, f := range r.Files {
		if f.Status == FileFailed {
			c.FilesFailed++
		}
		c.Created += f.Created
		c.Updated += f.Updated
		c.Unchanged += f.Unchanged
		c.Outliers += f.Outliers
	}
	return c
}

// Failed reports whether any file ended in a failed state.
func (r *RunReport) Failed() bool {
	for _, f := range r.Files {
		if f.Status == FileFailed {
			return true
		}
	}
	return false
}

// JSON renders the report for the run log.
func (r *RunReport) JSON() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// Render formats the report for terminal output, one line per file plus a
// totals line.
func (r *RunReport) Render() string {
	files := make([]FileReport, len(r.Files))
	copy(files, r.Files)
	sort.Slice(files, func(i, j int) bool { return files[i].File < files[j].File })

	var b strings.Builder
	for _, f := range files {
		switch {
		case f.Status == FileFailed:
			fmt.Fprintf(&b, "FAIL  %s: %s\n", f.File, f.Error)
		case f.Degraded:
			fmt.Fprintf(&b, "WARN  %s: %d records (%d created, %d updated, %d unchanged, %d outliers) some embeddings pending\n",
				f.File, f.Records, f.Created, f.Updated, f.Unchanged, f.Outliers)
		default:
			fmt.Fprintf(&b, "OK    %s: %d records (%d created, %d updated, %d unchanged, %d outliers)\n",
				f.File, f.Records, f.Created, f.Updated, f.Unchanged, f.Outliers)
		}
		for _, reason := range f.OutlierReasons {
			fmt.Fprintf(&b, "      outlier %s\n", reason)
		}
	}

	c := r.Counts()
	fmt.Fprintf(&b, "total %d files (%d failed), %d created, %d updated, %d unchanged, %d outliers in %s\n",
		c.FilesTotal, c.FilesFailed, c.Created, c.Updated, c.Unchanged, c.Outliers,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	return b.String()
}
