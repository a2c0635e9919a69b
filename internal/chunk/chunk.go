// Package chunk parses PDF specification documents into ordered text
// chunks with section and page metadata, sized for embedding.
package chunk

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stg-circuits/specdex/internal/config"
	"github.com/stg-circuits/specdex/internal/hashing"
	"github.com/stg-circuits/specdex/internal/model"
)

// ErrDocumentParse marks a corrupt or unreadable document. File-level,
// fatal for that file; the orchestrator continues with the next one.
var ErrDocumentParse = eris.New("chunk: unparseable document")

// Chunker splits specification documents into chunks.
type Chunker struct {
	window    int
	overlap   int
	minChars  int
	tolerance int
	customers map[string]string
}

// New creates a Chunker from config, applying defaults for unset values.
func New(cfg config.ChunkingConfig) *Chunker {
	c := &Chunker{
		window:    cfg.Window,
		overlap:   cfg.Overlap,
		minChars:  cfg.MinChars,
		tolerance: cfg.Tolerance,
		customers: cfg.Customers,
	}
	if c.window <= 0 {
		c.window = 1000
	}
	if c.overlap <= 0 || c.overlap >= c.window {
		c.overlap = c.window / 5
	}
	if c.minChars <= 0 {
		c.minChars = 80
	}
	if c.tolerance <= 0 {
		c.tolerance = c.window / 8
	}
	return c
}

// Chunk parses the document at path into normalized chunk records. Output
// is deterministic: the same input produces byte-identical chunk boundaries
// and source keys.
func (c *Chunker) Chunk(ctx context.Context, path string) ([]model.NormalizedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("component", "chunk"), zap.String("file", filepath.Base(path)))

	pages, err := loadPages(path)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, eris.Wrapf(ErrDocumentParse, "chunk: no extractable text in %s", path)
	}

	fileID := filepath.Base(path)
	customer := c.customers[fileID]

	segs := c.segment(pages)
	chunks := c.assemble(segs)

	records := make([]model.NormalizedRecord, 0, len(chunks))
	for i, ch := range chunks {
		records = append(records, model.NormalizedRecord{
			SourceKey:   hashing.ChunkSourceKey(fileID, i),
			Type:        model.RecordPDFChunk,
			FileName:    fileID,
			ContentHash: hashing.TextHash(ch.text),
			Chunk: &model.DocChunk{
				ChunkIndex:   i,
				CustomerName: customer,
				Text:         ch.text,
				SectionPath:  ch.section,
				PageStart:    ch.pageStart,
				PageEnd:      ch.pageEnd,
				CharStart:    ch.charStart,
				CharEnd:      ch.charEnd,
			},
		})
	}

	log.Info("document chunked",
		zap.Int("pages", len(pages)),
		zap.Int("chunks", len(records)),
	)
	return records, nil
}

// segment flattens pages into an ordered list of chunkable segments:
// sentences for prose, whole lines for table rows. Headings update the
// section breadcrumb instead of becoming segments, and boilerplate lines
// repeating across pages are dropped first.
type segment struct {
	text    string
	page    int
	section []string
	atomic  bool // table row: never split inside
	start   int  // offset in the canonical document text
}

func (c *Chunker) segment(pages []page) []segment {
	boiler := detectBoilerplate(pages)
	h2Size, h1Size := headingThresholds(pages, boiler)

	var segs []segment
	var section []string
	offset := 0

	add := func(text string, pg int, atomic bool) {
		segs = append(segs, segment{
			text:    text,
			page:    pg,
			section: section,
			atomic:  atomic,
			start:   offset,
		})
		offset += len(text) + 1 // canonical text joins segments with one space
	}

	for _, p := range pages {
		var prose []string
		prosePage := p.number

		flushProse := func() {
			if len(prose) == 0 {
				return
			}
			for _, sentence := range splitSentences(strings.Join(prose, " ")) {
				add(sentence, prosePage, false)
			}
			prose = prose[:0]
		}

		for _, ln := range p.lines {
			if boiler[hashing.Normalize(ln.text)] {
				continue
			}

			switch {
			case isHeading(ln, h2Size):
				flushProse()
				if ln.fontSize >= h1Size {
					section = []string{ln.text}
				} else if len(section) > 0 {
					section = []string{section[0], ln.text}
				} else {
					section = []string{ln.text}
				}
			case ln.wideGaps >= 2 || strings.Count(ln.text, "|") >= 2:
				flushProse()
				add(ln.text, p.number, true)
			default:
				prose = append(prose, ln.text)
			}
		}
		flushProse()
	}

	return segs
}

// chunkAccum is an assembled chunk before record conversion.
type chunkAccum struct {
	text      string
	section   []string
	pageStart int
	pageEnd   int
	charStart int
	charEnd   int
}

// assemble merges segments into chunks around the target window, carrying a
// deterministic overlap of trailing segments into each new chunk. Soft
// boundaries fall on sentence or table-row edges; a hard character cut only
// happens when a single prose segment overruns the window plus tolerance.
func (c *Chunker) assemble(segs []segment) []chunkAccum {
	segs = c.hardSplitOversized(segs)

	var chunks []chunkAccum
	var cur []segment
	curLen := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		texts := make([]string, len(cur))
		for i, s := range cur {
			texts[i] = s.text
		}
		text := strings.Join(texts, " ")
		if len(text) >= c.minChars {
			first, last := cur[0], cur[len(cur)-1]
			pageStart, pageEnd := first.page, first.page
			for _, s := range cur {
				if s.page < pageStart {
					pageStart = s.page
				}
				if s.page > pageEnd {
					pageEnd = s.page
				}
			}
			chunks = append(chunks, chunkAccum{
				text:      text,
				section:   first.section,
				pageStart: pageStart,
				pageEnd:   pageEnd,
				charStart: first.start,
				charEnd:   last.start + len(last.text),
			})
		}
		// Seed the next chunk with trailing segments totaling at least the
		// overlap, so context spanning the boundary survives on both sides.
		var tail []segment
		tailLen := 0
		for i := len(cur) - 1; i >= 0 && tailLen < c.overlap; i-- {
			tail = append([]segment{cur[i]}, tail...)
			tailLen += len(cur[i].text) + 1
		}
		cur = tail
		curLen = tailLen
	}

	for _, seg := range segs {
		segLen := len(seg.text)
		if curLen > 0 && curLen+segLen+1 > c.window {
			flush()
		}
		cur = append(cur, seg)
		curLen += segLen + 1
	}

	if len(cur) > 0 {
		flush()
	}

	return chunks
}

// hardSplitOversized cuts prose segments that alone exceed the window plus
// tolerance at hard character boundaries. Table rows stay whole regardless.
func (c *Chunker) hardSplitOversized(segs []segment) []segment {
	out := make([]segment, 0, len(segs))
	for _, seg := range segs {
		if seg.atomic || len(seg.text) <= c.window+c.tolerance {
			out = append(out, seg)
			continue
		}
		text := seg.text
		start := seg.start
		for len(text) > c.window+c.tolerance {
			cut := c.window
			// Prefer a space within the tolerance window over a mid-word cut.
			if i := strings.LastIndexByte(text[cut-min(c.tolerance, cut):cut], ' '); i >= 0 {
				cut = cut - min(c.tolerance, cut) + i
			}
			out = append(out, segment{text: strings.TrimSpace(text[:cut]), page: seg.page, section: seg.section, start: start})
			start += cut
			text = strings.TrimSpace(text[cut:])
		}
		if text != "" {
			out = append(out, segment{text: text, page: seg.page, section: seg.section, start: start})
		}
	}
	return out
}

// detectBoilerplate finds repeated headers/footers: normalized lines that
// appear on at least 60% of pages (minimum three). They are non-content,
// not outliers, and are dropped silently.
func detectBoilerplate(pages []page) map[string]bool {
	if len(pages) < 3 {
		return nil
	}

	counts := make(map[string]int)
	for _, p := range pages {
		seen := make(map[string]bool)
		for _, ln := range p.lines {
			key := hashing.Normalize(ln.text)
			if key != "" && !seen[key] {
				counts[key]++
				seen[key] = true
			}
		}
	}

	threshold := (len(pages)*6 + 9) / 10 // ceil(60%)
	if threshold < 3 {
		threshold = 3
	}

	boiler := make(map[string]bool)
	for key, n := range counts {
		if n >= threshold {
			boiler[key] = true
		}
	}
	return boiler
}

// headingThresholds derives the two heading font-size cutoffs from the body
// text median.
func headingThresholds(pages []page, boiler map[string]bool) (h2, h1 float64) {
	var sizes []float64
	for _, p := range pages {
		for _, ln := range p.lines {
			if !boiler[hashing.Normalize(ln.text)] && ln.fontSize > 0 {
				sizes = append(sizes, ln.fontSize)
			}
		}
	}
	if len(sizes) == 0 {
		return 1e9, 1e9 // no font info: nothing qualifies as a heading
	}

	median := medianOf(sizes)
	return median * 1.15, median * 1.4
}

func isHeading(ln line, h2Size float64) bool {
	return ln.fontSize >= h2Size && len(ln.text) <= 80 && ln.wideGaps == 0
}

func medianOf(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

var sentenceEnd = regexp.MustCompile(`[.!?]["')\]]?(\s+)`)

// splitSentences splits prose at sentence boundaries, keeping the
// terminating punctuation with its sentence.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []string
	prev := 0
	for _, m := range sentenceEnd.FindAllStringSubmatchIndex(text, -1) {
		end := m[2] // start of the trailing whitespace group
		if s := strings.TrimSpace(text[prev:end]); s != "" {
			out = append(out, s)
		}
		prev = m[3]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		out = append(out, s)
	}
	return out
}
