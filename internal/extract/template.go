package extract

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/stg-circuits/specdex/internal/model"
)

// Sample window for template detection.
const (
	sampleRows = 20
	sampleCols = 15
)

// detectTemplate determines which questionnaire template the workbook
// matches by scanning a sample window of the first sheet for template
// indicators, falling back to structural checks.
func detectTemplate(f *xlsx.File) (model.TemplateKind, error) {
	sheet := f.Sheets[0]

	var parts []string
	for r := 0; r < sampleRows && r < len(sheet.Rows); r++ {
		for c := 0; c < sampleCols && c < len(sheet.Rows[r].Cells); c++ {
			if v := strings.TrimSpace(sheet.Rows[r].Cells[c].String()); v != "" {
				parts = append(parts, v)
			}
		}
	}
	sample := strings.Join(parts, " ")

	if strings.Contains(sample, "Customer Engineering Approval") ||
		(strings.Contains(sample, "CEA") && sheet.Name == "CEA") {
		return model.TemplateCEA, nil
	}

	if strings.Contains(sample, "Engineering Questionnaire") || strings.Contains(sample, "EQ") {
		if strings.Contains(sample, "STG Proposal") && strings.Contains(sample, "Customer Decision") {
			return model.TemplateStarTeam, nil
		}
		return model.TemplateEQ, nil
	}

	// Structural fallback for workbooks whose indicator cells were edited.
	maxCols := 0
	for _, row := range sheet.Rows {
		if len(row.Cells) > maxCols {
			maxCols = len(row.Cells)
		}
	}
	if sheet.Name == "CEA" && maxCols <= 6 {
		return model.TemplateCEA, nil
	}
	if sheet.Name == "EQ Template" {
		if maxCols >= 10 {
			return model.TemplateStarTeam, nil
		}
		return model.TemplateEQ, nil
	}

	return "", eris.Wrapf(ErrSchemaMismatch, "extract: sheet %q", sheet.Name)
}

// questionLayout maps logical question columns to sheet columns.
type questionLayout struct {
	headerRow int
	noCol     int
	descCol   int
	suggCol   int
	respCol   int
	headers   []string // header row text per column, for unknown-field names
}

func (l questionLayout) known(col int) bool {
	return col == l.noCol || col == l.descCol || col == l.suggCol || col == l.respCol
}

func (l questionLayout) columnName(col int) string {
	if col < len(l.headers) && strings.TrimSpace(l.headers[col]) != "" {
		return strings.TrimSpace(l.headers[col])
	}
	return "col" + colLetter(col)
}

// findQuestionHeader scans the first scanRows rows for the question header
// signature (a "No" column alongside a "Description" column) and derives
// the column layout from it. Not finding one is a schema mismatch.
func findQuestionHeader(sheet *xlsx.Sheet, template model.TemplateKind, scanRows int) (questionLayout, error) {
	for r := 0; r < scanRows && r < len(sheet.Rows); r++ {
		layout, ok := matchHeaderRow(sheet.Rows[r], template)
		if ok {
			layout.headerRow = r
			return layout, nil
		}
	}
	return questionLayout{}, eris.Wrapf(ErrSchemaMismatch,
		"extract: no question header row within first %d rows of sheet %q", scanRows, sheet.Name)
}

func matchHeaderRow(row *xlsx.Row, template model.TemplateKind) (questionLayout, bool) {
	layout := questionLayout{noCol: -1, descCol: -1, suggCol: -1, respCol: -1}

	headers := make([]string, len(row.Cells))
	for c, cell := range row.Cells {
		h := strings.ToLower(strings.TrimSpace(cell.String()))
		headers[c] = cell.String()
		switch {
		case h == "no" || h == "no." || h == "item" || h == "#":
			layout.noCol = c
		case strings.Contains(h, "description") || strings.Contains(h, "question"):
			if layout.descCol == -1 {
				layout.descCol = c
			}
		case strings.Contains(h, "suggestion") || strings.Contains(h, "proposal"):
			if layout.suggCol == -1 {
				layout.suggCol = c
			}
		case strings.Contains(h, "decision") || strings.Contains(h, "response") || strings.Contains(h, "customer"):
			if layout.respCol == -1 {
				layout.respCol = c
			}
		}
	}

	if layout.noCol == -1 || layout.descCol == -1 {
		return questionLayout{}, false
	}

	// Template defaults for columns the header text did not resolve.
	if layout.suggCol == -1 {
		layout.suggCol = layout.descCol + 1
	}
	if layout.respCol == -1 {
		if template == model.TemplateStarTeam {
			layout.respCol = layout.suggCol + 2
		} else {
			layout.respCol = layout.suggCol + 1
		}
	}

	layout.headers = headers
	return layout, true
}

// metadataBlock holds the raw strings read from the fixed metadata cells.
type metadataBlock struct {
	customerName          string
	engineerName          string
	customerPN            []string
	factoryPN             []string
	stgPN                 []string
	baseMaterial          string
	solderMask            string
	viaPlugging           string
	panelSize             string
	status                string
	createdAt             string
	stgSignatureDate      string
	customerSignatureDate string
	stgSignatures         []string
	customerSignatures    []string
}

// readMetadata reads the fixed metadata cells common to all templates plus
// the template-specific extras, and scans the bottom rows for signatures.
// Cell positions follow the questionnaire template layout (1-based in the
// sheet; 0-based here).
func readMetadata(sheet *xlsx.Sheet, template model.TemplateKind) metadataBlock {
	var m metadataBlock

	m.customerName = cellString(sheet, 0, 2)
	m.engineerName = cellString(sheet, 0, 4)
	m.customerPN = splitLines(cellRaw(sheet, 1, 2))
	m.factoryPN = splitLines(cellRaw(sheet, 1, 4))
	m.stgPN = splitLines(cellRaw(sheet, 2, 2))
	m.createdAt = cellString(sheet, 2, 4)
	m.baseMaterial = cellString(sheet, 6, 2)
	m.solderMask = cellString(sheet, 6, 4)

	if template == model.TemplateStarTeam {
		m.viaPlugging = cellString(sheet, 7, 2)
		m.panelSize = cellString(sheet, 7, 4)
	}

	readSignatures(sheet, template, &m)
	return m
}

// readSignatures scans the bottom of the sheet for signature labels and
// pulls the dated signature text beneath them. StarTeam packs date and
// signature into one multi-line cell; the first parseable line is the date.
func readSignatures(sheet *xlsx.Sheet, template model.TemplateKind, m *metadataBlock) {
	start := len(sheet.Rows) - 10
	if start < 0 {
		start = 0
	}

	for r := start; r < len(sheet.Rows)-1; r++ {
		label := strings.ToLower(cellString(sheet, r, 0))
		if strings.Contains(label, "date") {
			if v := cellString(sheet, r+1, 0); v != "" {
				m.customerSignatureDate = v
			}
		}

		sigLabel := strings.ToLower(cellString(sheet, r, 3))
		if !strings.Contains(sigLabel, "signature") {
			continue
		}

		if template == model.TemplateStarTeam {
			if date, sig, ok := splitDatedSignature(cellRaw(sheet, r+1, 3)); ok {
				m.stgSignatureDate = date
				m.stgSignatures = []string{sig}
			}
			if date, sig, ok := splitDatedSignature(cellRaw(sheet, r+1, 4)); ok {
				m.customerSignatureDate = date
				m.customerSignatures = []string{sig}
			}
			continue
		}

		if v := cellString(sheet, r+1, 3); v != "" {
			m.customerSignatures = []string{v}
		}
	}
}

// splitDatedSignature splits a "date\nsignature" cell. When the first line
// is not a parseable date, the whole text is treated as the signature.
func splitDatedSignature(raw string) (date, signature string, ok bool) {
	lines := splitLines(raw)
	if len(lines) == 0 {
		return "", "", false
	}
	if len(lines) == 1 {
		return "", lines[0], true
	}
	if _, err := ParseDate(lines[0]); err == nil {
		return lines[0], strings.Join(lines[1:], "\n"), true
	}
	return "", strings.Join(lines, "\n"), true
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// cellRaw returns the untrimmed cell text (multi-line cells keep their
// newlines).
func cellRaw(sheet *xlsx.Sheet, row, col int) string {
	if row < 0 || row >= len(sheet.Rows) {
		return ""
	}
	cells := sheet.Rows[row].Cells
	if col < 0 || col >= len(cells) {
		return ""
	}
	return cells[col].String()
}

func colLetter(col int) string {
	name := ""
	for col >= 0 {
		name = string(rune('A'+col%26)) + name
		col = col/26 - 1
	}
	return name
}
