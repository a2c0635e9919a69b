// Package hashing derives the stable source keys and content hashes the
// pipeline uses for idempotent upserts and change detection.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// keySep separates hash input parts so ("ab","c") and ("a","bc") differ.
const keySep = "\x1f"

// RowSourceKey derives the stable key for a workbook row. It depends only on
// file identity and logical position, so re-ingesting the same input updates
// rather than duplicates.
func RowSourceKey(fileID, sheetName string, rowIndex int) string {
	return digest("row", fileID, sheetName, strconv.Itoa(rowIndex))
}

// ChunkSourceKey derives the stable key for a document chunk.
func ChunkSourceKey(fileID string, chunkIndex int) string {
	return digest("chunk", fileID, strconv.Itoa(chunkIndex))
}

// FieldsHash hashes a canonical serialization of mapped field values: sorted
// field names, normalized values. Formatting-only differences in the source
// (trailing whitespace, full-width digits) produce the same hash.
func FieldsHash(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(fields)*2)
	for _, name := range names {
		parts = append(parts, name, Normalize(fields[name]))
	}
	return digest(parts...)
}

// TextHash hashes normalized free text (chunk content).
func TextHash(text string) string {
	return digest(Normalize(text))
}

// Normalize folds full-width characters to their half-width forms, collapses
// runs of whitespace to a single space, and trims the ends.
func Normalize(s string) string {
	s = width.Fold.String(s)
	return strings.Join(strings.Fields(s), " ")
}

func digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte(keySep))
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
