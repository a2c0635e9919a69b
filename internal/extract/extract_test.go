package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/stg-circuits/specdex/internal/config"
	"github.com/stg-circuits/specdex/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testSchema() config.SchemaConfig {
	return config.SchemaConfig{
		HeaderScanRows:     20,
		StatusValues:       []string{"Pending", "Open", "Closed"},
		RequireDescription: true,
	}
}

// writeWorkbook saves a single-sheet workbook with the given cell grid.
func writeWorkbook(t *testing.T, path, sheetName string, grid [][]string) {
	t.Helper()

	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	require.NoError(t, err)

	for _, cells := range grid {
		row := sheet.AddRow()
		for _, v := range cells {
			row.AddCell().Value = v
		}
	}
	require.NoError(t, f.Save(path))
}

// eqGrid is a minimal valid EQ workbook: metadata block, question header,
// two valid questions.
func eqGrid() [][]string {
	return [][]string{
		{"Engineering Questionnaire", "Customer", "ACME", "Engineer", "Lee"},
		{"", "Customer PN", "CPN-100", "Factory PN", "FPN-9"},
		{"", "STG PN", "SPN-1", "Created", "2024-03-05"},
		{},
		{},
		{},
		{"", "Base Material", "FR-4", "Solder Mask", "Green"},
		{"No", "Description", "Suggestion", "Customer Response"},
		{"1", "Confirm controlled impedance stackup.", "Use 50 ohm single-ended.", "Agreed"},
		{"2", "Confirm finished copper weight.", "1 oz on outer layers.", ""},
	}
}

func TestExtract_EQWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme_eq.xlsx")
	writeWorkbook(t, path, "EQ Template", eqGrid())

	e := New(testSchema())
	records, outliers, err := e.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, outliers)
	require.Len(t, records, 3, "header record plus two questions")

	header := records[0]
	require.NotNil(t, header.Row.Questionnaire)
	assert.Equal(t, model.RowQuestionnaire, header.Row.Kind)
	assert.Equal(t, "ACME", header.Row.CustomerName)
	assert.Equal(t, "Lee", header.Row.Questionnaire.EngineerName)
	assert.Equal(t, []string{"CPN-100"}, header.Row.Questionnaire.CustomerPN)
	assert.Equal(t, "FR-4", header.Row.Questionnaire.BaseMaterial)
	assert.Equal(t, "Closed", header.Row.Questionnaire.Status)
	require.NotNil(t, header.Row.Questionnaire.CreatedAt)
	assert.Equal(t, 2024, header.Row.Questionnaire.CreatedAt.Year())

	q := records[1]
	require.NotNil(t, q.Row.Question)
	assert.Equal(t, model.TemplateEQ, q.Row.Template)
	assert.Equal(t, 1, q.Row.Question.No)
	assert.Equal(t, "Confirm controlled impedance stackup.", q.Row.Question.Description)
	assert.Equal(t, "ACME", q.Row.CustomerName, "customer propagates from the header")
	assert.Equal(t, model.RecordTabularRow, q.Type)
	assert.NotEmpty(t, q.SourceKey)
	assert.NotEmpty(t, q.ContentHash)
}

func TestExtract_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme_eq.xlsx")
	writeWorkbook(t, path, "EQ Template", eqGrid())

	e := New(testSchema())
	first, _, err := e.Extract(context.Background(), path)
	require.NoError(t, err)
	second, _, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].SourceKey, second[i].SourceKey)
		assert.Equal(t, first[i].ContentHash, second[i].ContentHash)
	}
}

func TestExtract_FormattingOnlyChangesKeepHash(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a", "acme_eq.xlsx")
	pathB := filepath.Join(dir, "b", "acme_eq.xlsx")
	require.NoError(t, os.MkdirAll(filepath.Dir(pathA), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(pathB), 0o755))

	writeWorkbook(t, pathA, "EQ Template", eqGrid())

	reformatted := eqGrid()
	reformatted[8] = []string{"１", "  Confirm controlled   impedance stackup. ", "Use 50 ohm single-ended.", "Agreed"}
	writeWorkbook(t, pathB, "EQ Template", reformatted)

	e := New(testSchema())
	a, _, err := e.Extract(context.Background(), pathA)
	require.NoError(t, err)
	b, _, err := e.Extract(context.Background(), pathB)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	assert.Equal(t, a[1].SourceKey, b[1].SourceKey, "same file name and position")
	assert.Equal(t, a[1].ContentHash, b[1].ContentHash, "full-width digits and whitespace are formatting only")
}

func TestExtract_OutlierIsolation(t *testing.T) {
	grid := eqGrid()
	grid = append(grid,
		[]string{"3", "", "", ""},                   // missing description
		[]string{"4a", "Check solder dam.", "", ""}, // non-numeric question number
		[]string{"", "continuation of question 2"},  // continuation row, not an outlier
		[]string{"5", "Confirm via plugging.", "", ""},
	)
	path := filepath.Join(t.TempDir(), "acme_eq.xlsx")
	writeWorkbook(t, path, "EQ Template", grid)

	e := New(testSchema())
	records, outliers, err := e.Extract(context.Background(), path)
	require.NoError(t, err, "bad rows never abort the file")

	require.Len(t, outliers, 2)
	assert.Equal(t, model.ReasonMissingField, outliers[0].Reason)
	assert.Equal(t, model.ReasonTypeError, outliers[1].Reason)
	assert.NotEmpty(t, outliers[1].RawCells)

	require.Len(t, records, 4, "header plus three valid questions")
	assert.Equal(t, 5, records[3].Row.Question.No)
}

func TestExtract_MissingCustomerDivertsHeaderOnly(t *testing.T) {
	grid := eqGrid()
	grid[0] = []string{"Engineering Questionnaire", "Customer", "", "Engineer", "Lee"}
	path := filepath.Join(t.TempDir(), "acme_eq.xlsx")
	writeWorkbook(t, path, "EQ Template", grid)

	e := New(testSchema())
	records, outliers, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, outliers, 1)
	assert.Equal(t, model.ReasonMissingField, outliers[0].Reason)

	require.Len(t, records, 2, "questions survive a diverted header")
	assert.Empty(t, records[0].Row.CustomerName)
}

func TestExtract_StarTeamTemplate(t *testing.T) {
	grid := [][]string{
		{"Engineering Questionnaire", "Customer", "Globex", "Engineer", "Kim"},
		{"", "Customer PN", "CPN-7", "Factory PN", "FPN-7"},
		{"", "STG PN", "SPN-7", "Created", "2023-11-20"},
		{},
		{},
		{},
		{"", "Base Material", "FR-4 High Tg", "Solder Mask", "Blue"},
		{"", "Via Plugging", "Resin filled", "Panel", "18x24"},
		{"No", "Description", "STG Proposal", "", "Customer Decision"},
		{"1", "Confirm panelization.", "Use 2x3 array.", "", "Approved"},
	}
	path := filepath.Join(t.TempDir(), "globex.xlsx")
	writeWorkbook(t, path, "EQ Template", grid)

	e := New(testSchema())
	records, outliers, err := e.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, outliers)
	require.Len(t, records, 2)

	header := records[0]
	assert.Equal(t, model.TemplateStarTeam, header.Row.Template)
	assert.Equal(t, "Resin filled", header.Row.Questionnaire.ViaPluggingType)
	assert.Equal(t, "18x24", header.Row.Questionnaire.PanelSize)

	q := records[1]
	assert.Equal(t, "Use 2x3 array.", q.Row.Question.Suggestion)
	assert.Equal(t, "Approved", q.Row.Question.CustomerResponse)
}

func TestExtract_UnknownTemplateFailsFile(t *testing.T) {
	grid := [][]string{
		{"Quarterly Revenue", "Q1", "Q2"},
		{"100", "200", "300"},
	}
	path := filepath.Join(t.TempDir(), "revenue.xlsx")
	writeWorkbook(t, path, "Sheet1", grid)

	e := New(testSchema())
	_, _, err := e.Extract(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestExtract_NoHeaderRowFailsFile(t *testing.T) {
	grid := [][]string{
		{"Engineering Questionnaire", "Customer", "ACME"},
		{"just prose with no question table"},
	}
	path := filepath.Join(t.TempDir(), "noheader.xlsx")
	writeWorkbook(t, path, "EQ Template", grid)

	e := New(testSchema())
	_, _, err := e.Extract(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestExtract_UnknownColumnsArePreserved(t *testing.T) {
	grid := eqGrid()
	grid[7] = append(grid[7], "Internal Notes")
	grid[8] = append(grid[8], "checked by QA")
	path := filepath.Join(t.TempDir(), "acme_eq.xlsx")
	writeWorkbook(t, path, "EQ Template", grid)

	e := New(testSchema())
	records, _, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	q := records[1]
	require.Len(t, q.Row.Unknown, 1)
	assert.Equal(t, "Internal Notes", q.Row.Unknown[0].Column)
	assert.Equal(t, "checked by QA", q.Row.Unknown[0].Value)
}
