// Package extract parses engineering questionnaire workbooks into
// normalized records, routing rows that fail validation to the outlier
// sink via the orchestrator.
package extract

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/stg-circuits/specdex/internal/config"
	"github.com/stg-circuits/specdex/internal/hashing"
	"github.com/stg-circuits/specdex/internal/model"
)

// ErrSchemaMismatch marks a workbook that matches no known template or has
// no recognizable question header row. File-level, fatal for that file.
var ErrSchemaMismatch = eris.New("extract: workbook matches no known template")

// Extractor parses questionnaire workbooks.
type Extractor struct {
	schema config.SchemaConfig
}

// New creates an Extractor with the given validation rules.
func New(schema config.SchemaConfig) *Extractor {
	if schema.HeaderScanRows <= 0 {
		schema.HeaderScanRows = 20
	}
	return &Extractor{schema: schema}
}

// Extract parses the workbook at path into normalized records plus the
// outliers encountered. A single bad row never aborts the batch; template
// or header detection failure aborts the whole file with ErrSchemaMismatch.
func (e *Extractor) Extract(ctx context.Context, path string) ([]model.NormalizedRecord, []model.OutlierRecord, error) {
	log := zap.L().With(zap.String("component", "extract"), zap.String("file", filepath.Base(path)))

	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "extract: open workbook %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, nil, eris.Wrapf(ErrSchemaMismatch, "extract: %s has no sheets", path)
	}

	sheet := f.Sheets[0]
	fileID := filepath.Base(path)

	template, err := detectTemplate(f)
	if err != nil {
		return nil, nil, err
	}
	log.Debug("template detected", zap.String("template", string(template)))

	layout, err := findQuestionHeader(sheet, template, e.schema.HeaderScanRows)
	if err != nil {
		return nil, nil, err
	}

	var records []model.NormalizedRecord
	var outliers []model.OutlierRecord

	header, headerOutlier := e.extractHeader(sheet, template, fileID)
	if headerOutlier != nil {
		outliers = append(outliers, *headerOutlier)
	} else {
		records = append(records, header)
	}

	customer := ""
	if headerOutlier == nil {
		customer = header.Row.CustomerName
	}

	for i := layout.headerRow + 1; i < len(sheet.Rows); i++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		rec, out, ok := e.extractQuestion(sheet, i, layout, template, fileID, customer)
		if out != nil {
			outliers = append(outliers, *out)
			continue
		}
		if ok {
			records = append(records, rec)
		}
	}

	log.Info("workbook extracted",
		zap.String("template", string(template)),
		zap.Int("records", len(records)),
		zap.Int("outliers", len(outliers)),
	)
	return records, outliers, nil
}

// extractQuestion maps one sheet row to a question record. Returns ok=false
// for rows that are not question rows at all (blank, decorative).
func (e *Extractor) extractQuestion(sheet *xlsx.Sheet, row int, layout questionLayout, template model.TemplateKind, fileID, customer string) (model.NormalizedRecord, *model.OutlierRecord, bool) {
	noRaw := cellString(sheet, row, layout.noCol)
	desc := cellString(sheet, row, layout.descCol)
	sugg := cellString(sheet, row, layout.suggCol)
	resp := cellString(sheet, row, layout.respCol)

	if noRaw == "" && desc == "" && sugg == "" && resp == "" {
		return model.NormalizedRecord{}, nil, false
	}
	if noRaw == "" {
		// Continuation/decoration rows carry no number; they are not
		// questions and not errors either.
		return model.NormalizedRecord{}, nil, false
	}

	rowNum := row + 1 // 1-based, matching what operators see in the sheet

	no, err := strconv.Atoi(strings.TrimSpace(hashing.Normalize(noRaw)))
	if err != nil {
		return model.NormalizedRecord{}, e.outlier(sheet, row, fileID, model.ReasonTypeError,
			"question number "+strconv.Quote(noRaw)+" is not numeric"), false
	}

	if e.schema.RequireDescription && strings.TrimSpace(desc) == "" {
		return model.NormalizedRecord{}, e.outlier(sheet, row, fileID, model.ReasonMissingField,
			"question "+strconv.Itoa(no)+" has no description"), false
	}

	unknown := collectUnknown(sheet, row, layout)

	wr := &model.WorkbookRow{
		Template:     template,
		SheetName:    sheet.Name,
		RowIndex:     rowNum,
		Kind:         model.RowQuestion,
		CustomerName: customer,
		Question: &model.QuestionRow{
			No:               no,
			Description:      strings.TrimSpace(desc),
			Suggestion:       strings.TrimSpace(sugg),
			CustomerResponse: strings.TrimSpace(resp),
		},
		Unknown: unknown,
	}

	fields := map[string]string{
		"no":                strconv.Itoa(no),
		"description":       desc,
		"suggestion":        sugg,
		"customer_response": resp,
	}

	rec := model.NormalizedRecord{
		SourceKey:   hashing.RowSourceKey(fileID, sheet.Name, rowNum),
		Type:        model.RecordTabularRow,
		FileName:    fileID,
		ContentHash: hashing.FieldsHash(fields),
		Row:         wr,
	}
	return rec, nil, true
}

// extractHeader builds the questionnaire-level record from the metadata
// block at the top of the sheet. Validation failures divert the header to
// the outlier sink but leave question processing untouched.
func (e *Extractor) extractHeader(sheet *xlsx.Sheet, template model.TemplateKind, fileID string) (model.NormalizedRecord, *model.OutlierRecord) {
	meta := readMetadata(sheet, template)

	if meta.customerName == "" {
		return model.NormalizedRecord{}, e.outlier(sheet, 0, fileID, model.ReasonMissingField,
			"customer name missing from metadata block")
	}

	q := &model.QuestionnaireHeader{
		EngineerName:       meta.engineerName,
		CustomerPN:         meta.customerPN,
		FactoryPN:          meta.factoryPN,
		STGPN:              meta.stgPN,
		BaseMaterial:       meta.baseMaterial,
		SolderMask:         meta.solderMask,
		ViaPluggingType:    meta.viaPlugging,
		PanelSize:          meta.panelSize,
		Status:             meta.status,
		STGSignatures:      meta.stgSignatures,
		CustomerSignatures: meta.customerSignatures,
	}

	if meta.createdAt != "" {
		t, err := ParseDate(meta.createdAt)
		if err != nil {
			return model.NormalizedRecord{}, e.outlier(sheet, 2, fileID, model.ReasonTypeError,
				"created date "+strconv.Quote(meta.createdAt)+" is unparseable")
		}
		q.CreatedAt = &t
	}
	if meta.stgSignatureDate != "" {
		if t, err := ParseDate(meta.stgSignatureDate); err == nil {
			q.STGSignatureDate = &t
		}
	}
	if meta.customerSignatureDate != "" {
		if t, err := ParseDate(meta.customerSignatureDate); err == nil {
			q.CustomerSignatureDate = &t
		}
	}

	if q.Status == "" {
		q.Status = "Closed" // historical workbooks carry no status cell
	}
	if len(e.schema.StatusValues) > 0 && !contains(e.schema.StatusValues, q.Status) {
		return model.NormalizedRecord{}, e.outlier(sheet, 0, fileID, model.ReasonEnumViolation,
			"status "+strconv.Quote(q.Status)+" not in allowed set")
	}

	wr := &model.WorkbookRow{
		Template:      template,
		SheetName:     sheet.Name,
		RowIndex:      0,
		Kind:          model.RowQuestionnaire,
		CustomerName:  meta.customerName,
		Questionnaire: q,
	}

	fields := map[string]string{
		"customer_name": meta.customerName,
		"engineer_name": meta.engineerName,
		"customer_pn":   strings.Join(meta.customerPN, "\n"),
		"factory_pn":    strings.Join(meta.factoryPN, "\n"),
		"stg_pn":        strings.Join(meta.stgPN, "\n"),
		"base_material": meta.baseMaterial,
		"solder_mask":   meta.solderMask,
		"via_plugging":  meta.viaPlugging,
		"panel_size":    meta.panelSize,
		"status":        q.Status,
	}

	return model.NormalizedRecord{
		SourceKey:   hashing.RowSourceKey(fileID, sheet.Name, 0),
		Type:        model.RecordTabularRow,
		FileName:    fileID,
		ContentHash: hashing.FieldsHash(fields),
		Row:         wr,
	}, nil
}

func (e *Extractor) outlier(sheet *xlsx.Sheet, row int, fileID string, reason model.ReasonCode, detail string) *model.OutlierRecord {
	return &model.OutlierRecord{
		FileName:  fileID,
		SheetName: sheet.Name,
		RowIndex:  row + 1,
		Reason:    reason,
		Detail:    detail,
		RawCells:  rawCells(sheet, row),
		Timestamp: time.Now().UTC(),
	}
}

func collectUnknown(sheet *xlsx.Sheet, row int, layout questionLayout) []model.UnknownField {
	if row >= len(sheet.Rows) {
		return nil
	}
	var unknown []model.UnknownField
	for col, cell := range sheet.Rows[row].Cells {
		if layout.known(col) {
			continue
		}
		val := strings.TrimSpace(cell.String())
		if val == "" {
			continue
		}
		unknown = append(unknown, model.UnknownField{
			Column: layout.columnName(col),
			Value:  val,
		})
	}
	return unknown
}

func rawCells(sheet *xlsx.Sheet, row int) []string {
	if row < 0 || row >= len(sheet.Rows) {
		return nil
	}
	cells := make([]string, len(sheet.Rows[row].Cells))
	for i, c := range sheet.Rows[row].Cells {
		cells[i] = c.String()
	}
	return cells
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// cellString returns the trimmed text of a cell, tolerating short rows.
func cellString(sheet *xlsx.Sheet, row, col int) string {
	if row < 0 || row >= len(sheet.Rows) {
		return ""
	}
	cells := sheet.Rows[row].Cells
	if col < 0 || col >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[col].String())
}
