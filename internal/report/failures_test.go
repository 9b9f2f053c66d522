package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/ident-sync/internal/model"
)

func testRuns() []model.RunSummary {
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	return []model.RunSummary{
		{
			ID: "run-2", Mode: model.RunDeep, StartedAt: t0.Add(time.Hour),
			Failures: []model.Failure{
				{Entity: model.EntityReception, RecordID: "501", Kind: model.ErrRemoteValidation, Message: "bad field"},
				{Entity: model.EntityReception, RecordID: "777", Kind: model.ErrInternal, Message: "boom"},
			},
		},
		{
			ID: "run-1", Mode: model.RunIncremental, StartedAt: t0,
			Failures: []model.Failure{
				{Entity: model.EntityReception, RecordID: "501", Kind: model.ErrInternal, Message: "lead create", Partial: true, ContactID: 9001},
				{Entity: model.EntityPatient, RecordID: "42", Kind: model.ErrRemoteValidation, Message: "phone"},
			},
		},
	}
}

func TestRows_OldestRunFirst(t *testing.T) {
	rows := Rows(testRuns())
	require.Len(t, rows, 4)
	assert.Equal(t, "run-1", rows[0].RunID)
	assert.Equal(t, model.RunIncremental, rows[0].Mode)
	assert.Equal(t, 9001, rows[0].ContactID)
	assert.Equal(t, "run-2", rows[3].RunID)
	assert.Equal(t, "777", rows[3].RecordID)
}

func TestRows_NoFailures(t *testing.T) {
	assert.Empty(t, Rows([]model.RunSummary{{ID: "clean"}}))
	assert.Empty(t, Rows(nil))
}

func TestWriteXLSX_Layout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.xlsx")
	require.NoError(t, WriteXLSX(path, Rows(testRuns())))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := f.Sheet[SheetName]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 5)

	assert.Equal(t, "record_id", sheet.Rows[0].Cells[4].String())
	first := sheet.Rows[1]
	assert.Equal(t, "run-1", first.Cells[0].String())
	assert.Equal(t, "2026-03-10T09:00:00Z", first.Cells[1].String())
	assert.Equal(t, "reception", first.Cells[3].String())
	assert.Equal(t, "true", first.Cells[6].String())
	assert.Equal(t, "9001", first.Cells[7].String())
	assert.Equal(t, "lead create", first.Cells[8].String())
}

func TestReceptionIDs_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.xlsx")
	require.NoError(t, WriteXLSX(path, Rows(testRuns())))

	ids, err := ReceptionIDs(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{501, 777}, ids)
}

func TestReceptionIDs_EmptyReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.xlsx")
	require.NoError(t, WriteXLSX(path, nil))

	ids, err := ReceptionIDs(path)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func writeSheet(t *testing.T, name string, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(name)
	require.NoError(t, err)
	for _, r := range rows {
		addRow(sheet, r)
	}
	path := filepath.Join(t.TempDir(), "edited.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReceptionIDs_HandEditedSheet(t *testing.T) {
	path := writeSheet(t, "Sheet1", [][]string{
		{"record_id", "entity"},
		{" 12 ", "reception"},
		{"13", "patient"},
		{"14", "reception"},
	})

	ids, err := ReceptionIDs(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{12, 14}, ids)
}

func TestReceptionIDs_Errors(t *testing.T) {
	_, err := ReceptionIDs(filepath.Join(t.TempDir(), "missing.xlsx"))
	assert.ErrorContains(t, err, "report: open")

	path := writeSheet(t, SheetName, [][]string{{"id"}, {"1"}})
	_, err = ReceptionIDs(path)
	assert.ErrorContains(t, err, "lacks entity/record_id")

	path = writeSheet(t, SheetName, [][]string{{"entity", "record_id"}, {"reception", "abc"}})
	_, err = ReceptionIDs(path)
	assert.ErrorContains(t, err, `row 2: bad reception id "abc"`)
}
