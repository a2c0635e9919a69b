// Package model defines the record types flowing through the ingestion
// pipeline: normalized records produced by extraction, outliers diverted
// from the main store, and embedding vectors attached at load time.
package model

import "time"

// RecordType tags the origin of a NormalizedRecord.
type RecordType string

const (
	RecordTabularRow RecordType = "tabular-row"
	RecordPDFChunk   RecordType = "pdf-chunk"
)

// NormalizedRecord is the unit handed to the loader. Exactly one of Row or
// Chunk is set, matching Type.
type NormalizedRecord struct {
	SourceKey   string
	Type        RecordType
	FileName    string
	ContentHash string

	Row   *WorkbookRow
	Chunk *DocChunk
}

// Content returns the text that gets embedded and stored in the content
// column.
func (r NormalizedRecord) Content() string {
	switch {
	case r.Chunk != nil:
		return r.Chunk.Text
	case r.Row != nil:
		return r.Row.SearchText()
	}
	return ""
}

// CustomerName returns the customer the record belongs to, when known.
func (r NormalizedRecord) CustomerName() string {
	if r.Chunk != nil {
		return r.Chunk.CustomerName
	}
	if r.Row != nil {
		return r.Row.CustomerName
	}
	return ""
}

// DocChunk is a bounded span of specification text with positional metadata.
// PageStart and PageEnd differ when the chunk crosses a page boundary.
type DocChunk struct {
	ChunkIndex   int
	CustomerName string
	Text         string
	SectionPath  []string
	PageStart    int
	PageEnd      int
	CharStart    int
	CharEnd      int
}

// ReasonCode classifies why a row failed validation.
type ReasonCode string

const (
	ReasonMissingField  ReasonCode = "missing_field"
	ReasonTypeError     ReasonCode = "type_error"
	ReasonEnumViolation ReasonCode = "enum_violation"
)

// OutlierRecord is a row that failed validation. It is never written to the
// main store; the orchestrator routes it to the outlier sink for review.
type OutlierRecord struct {
	FileName  string     `json:"file_name"`
	SheetName string     `json:"sheet_name"`
	RowIndex  int        `json:"row_index"`
	Reason    ReasonCode `json:"reason"`
	Detail    string     `json:"detail"`
	RawCells  []string   `json:"raw_cells,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// EmbeddingVector pairs a vector with the content hash of the text it was
// derived from and the model that produced it. A stored vector is trusted
// only while both still match the record.
type EmbeddingVector struct {
	Vector      []float32
	ContentHash string
	ModelID     string
}

// LoadResult reports what the loader did with a record.
type LoadResult string

const (
	LoadCreated   LoadResult = "created"
	LoadUpdated   LoadResult = "updated"
	LoadUnchanged LoadResult = "unchanged"
)
