package chunk

import (
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

// line is one visual text line with the metadata the chunker needs: the
// dominant font size for heading detection and the count of wide horizontal
// gaps for table-row detection.
type line struct {
	text     string
	fontSize float64
	wideGaps int
}

// page holds the extracted lines of one PDF page, 1-based.
type page struct {
	number int
	lines  []line
}

// loadPages extracts per-page text lines from the PDF at path. The pdf
// library panics on some malformed files, so extraction runs under recover
// and surfaces ErrDocumentParse instead.
func loadPages(path string) (pages []page, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Wrapf(ErrDocumentParse, "chunk: parse %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, eris.Wrapf(ErrDocumentParse, "chunk: open %s: %v", path, err)
	}
	defer f.Close() //nolint:errcheck

	total := r.NumPage()
	if total == 0 {
		return nil, eris.Wrapf(ErrDocumentParse, "chunk: %s has no pages", path)
	}

	for n := 1; n <= total; n++ {
		p := r.Page(n)
		if p.V.IsNull() {
			continue
		}
		lines := assembleLines(p.Content().Text)
		if len(lines) == 0 {
			continue
		}
		pages = append(pages, page{number: n, lines: lines})
	}

	return pages, nil
}

// assembleLines groups positioned text fragments into visual lines: same
// baseline (within a small Y tolerance) means same line, then fragments are
// joined left to right with spaces inserted at horizontal gaps. A gap wider
// than three spaces counts as a column gap for table detection.
func assembleLines(frags []pdf.Text) []line {
	if len(frags) == 0 {
		return nil
	}

	sorted := make([]pdf.Text, len(frags))
	copy(sorted, frags)
	sort.SliceStable(sorted, func(i, j int) bool {
		if math.Abs(sorted[i].Y-sorted[j].Y) > yTolerance {
			return sorted[i].Y > sorted[j].Y // PDF origin is bottom-left
		}
		return sorted[i].X < sorted[j].X
	})

	var lines []line
	var b strings.Builder
	var cur line
	var prevEnd float64
	open := false

	flush := func() {
		if !open {
			return
		}
		cur.text = strings.TrimSpace(b.String())
		if cur.text != "" {
			lines = append(lines, cur)
		}
		b.Reset()
		open = false
	}

	var baseline float64
	for _, t := range sorted {
		if t.S == "" {
			continue
		}
		if !open || math.Abs(t.Y-baseline) > yTolerance {
			flush()
			baseline = t.Y
			cur = line{fontSize: t.FontSize}
			prevEnd = t.X
			open = true
		}

		gap := t.X - prevEnd
		spaceW := t.FontSize * 0.25
		if spaceW <= 0 {
			spaceW = 1
		}
		switch {
		case gap > spaceW*gapColumnFactor:
			b.WriteString("  ")
			cur.wideGaps++
		case gap > spaceW:
			b.WriteString(" ")
		}

		b.WriteString(t.S)
		if t.FontSize > cur.fontSize {
			cur.fontSize = t.FontSize
		}
		prevEnd = t.X + t.W
	}
	flush()

	return lines
}

const (
	yTolerance      = 2.0
	gapColumnFactor = 3.0
)
