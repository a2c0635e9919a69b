package model

import (
	"strconv"
	"strings"
	"time"
)

// TemplateKind identifies which questionnaire template a workbook matches.
type TemplateKind string

const (
	TemplateCEA      TemplateKind = "CEA"
	TemplateEQ       TemplateKind = "EQ"
	TemplateStarTeam TemplateKind = "starteam"
)

// RowKind distinguishes the questionnaire header record from question rows.
type RowKind string

const (
	RowQuestionnaire RowKind = "questionnaire"
	RowQuestion      RowKind = "question"
)

// WorkbookRow is the tabular variant of a NormalizedRecord. Fields the
// template does not define land in Unknown rather than an open-ended map, so
// validation stays exhaustive over the known schema.
type WorkbookRow struct {
	Template     TemplateKind
	SheetName    string
	RowIndex     int
	Kind         RowKind
	CustomerName string

	Questionnaire *QuestionnaireHeader
	Question      *QuestionRow
	Unknown       []UnknownField
}

// QuestionnaireHeader holds the sheet-level metadata block of a template.
type QuestionnaireHeader struct {
	EngineerName          string
	CustomerPN            []string
	FactoryPN             []string
	STGPN                 []string
	BaseMaterial          string
	SolderMask            string
	ViaPluggingType       string
	PanelSize             string
	Status                string
	CreatedAt             *time.Time
	STGSignatureDate      *time.Time
	CustomerSignatureDate *time.Time
	STGSignatures         []string
	CustomerSignatures    []string
}

// QuestionRow is one numbered question with its responses.
type QuestionRow struct {
	No               int
	Description      string
	Suggestion       string
	CustomerResponse string
}

// UnknownField preserves a cell that mapped to no known column.
type UnknownField struct {
	Column string
	Value  string
}

// SearchText renders the row as the text used for embedding. Question rows
// concatenate their free-text fields; the questionnaire header summarizes
// the metadata block.
func (w WorkbookRow) SearchText() string {
	var b strings.Builder
	switch w.Kind {
	case RowQuestion:
		if w.Question == nil {
			return ""
		}
		b.WriteString("Q")
		b.WriteString(strconv.Itoa(w.Question.No))
		b.WriteString(": ")
		b.WriteString(w.Question.Description)
		if w.Question.Suggestion != "" {
			b.WriteString("\nSuggestion: ")
			b.WriteString(w.Question.Suggestion)
		}
		if w.Question.CustomerResponse != "" {
			b.WriteString("\nCustomer response: ")
			b.WriteString(w.Question.CustomerResponse)
		}
	case RowQuestionnaire:
		if w.Questionnaire == nil {
			return ""
		}
		q := w.Questionnaire
		b.WriteString("Engineering questionnaire for ")
		b.WriteString(w.CustomerName)
		if len(q.CustomerPN) > 0 {
			b.WriteString("\nCustomer P/N: ")
			b.WriteString(strings.Join(q.CustomerPN, ", "))
		}
		if len(q.FactoryPN) > 0 {
			b.WriteString("\nFactory P/N: ")
			b.WriteString(strings.Join(q.FactoryPN, ", "))
		}
		if len(q.STGPN) > 0 {
			b.WriteString("\nSTG P/N: ")
			b.WriteString(strings.Join(q.STGPN, ", "))
		}
		if q.BaseMaterial != "" {
			b.WriteString("\nBase material: ")
			b.WriteString(q.BaseMaterial)
		}
		if q.SolderMask != "" {
			b.WriteString("\nSolder mask: ")
			b.WriteString(q.SolderMask)
		}
		if q.ViaPluggingType != "" {
			b.WriteString("\nVia plugging: ")
			b.WriteString(q.ViaPluggingType)
		}
		if q.PanelSize != "" {
			b.WriteString("\nPanel size: ")
			b.WriteString(q.PanelSize)
		}
	}
	return b.String()
}
