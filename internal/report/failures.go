// Package report writes per-record sync failures to a spreadsheet an operator
// can review, and reads the reception ids back for a re-drive.
package report

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/ident-sync/internal/model"
)

// SheetName is the worksheet failures are written to.
const SheetName = "Failures"

var header = []string{"run_id", "run_started", "mode", "entity", "record_id", "kind", "partial", "contact_id", "message"}

// Row is one failure with the run it happened in.
type Row struct {
	RunID      string
	RunStarted time.Time
	Mode       model.RunMode
	model.Failure
}

// Rows flattens the failures of runs, oldest run first.
func Rows(runs []model.RunSummary) []Row {
	var out []Row
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		for _, f := range r.Failures {
			out = append(out, Row{RunID: r.ID, RunStarted: r.StartedAt, Mode: r.Mode, Failure: f})
		}
	}
	return out
}

// WriteXLSX saves rows to path.
func WriteXLSX(path string, rows []Row) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "report: add sheet")
	}

	addRow(sheet, header)
	for _, r := range rows {
		contact := ""
		if r.ContactID != 0 {
			contact = strconv.Itoa(r.ContactID)
		}
		addRow(sheet, []string{
			r.RunID,
			r.RunStarted.UTC().Format(time.RFC3339),
			string(r.Mode),
			r.Entity,
			r.RecordID,
			string(r.Kind),
			strconv.FormatBool(r.Partial),
			contact,
			r.Message,
		})
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, v := range cells {
		row.AddCell().SetString(v)
	}
}

// ReceptionIDs reads a failures sheet and returns the distinct reception ids
// in file order. Patient rows are ignored.
func ReceptionIDs(path string) ([]int64, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "report: open %s", path)
	}
	sheet, ok := f.Sheet[SheetName]
	if !ok {
		if len(f.Sheets) == 0 {
			return nil, eris.Errorf("report: %s has no sheets", path)
		}
		sheet = f.Sheets[0]
	}
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	cols := map[string]int{}
	for i, c := range sheet.Rows[0].Cells {
		cols[strings.TrimSpace(c.String())] = i
	}
	entityCol, ok1 := cols["entity"]
	idCol, ok2 := cols["record_id"]
	if !ok1 || !ok2 {
		return nil, eris.Errorf("report: %s lacks entity/record_id columns", path)
	}

	seen := map[int64]bool{}
	var ids []int64
	for n, row := range sheet.Rows[1:] {
		entity := cell(row, entityCol)
		if entity != model.EntityReception {
			continue
		}
		raw := cell(row, idCol)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, eris.Errorf("report: row %d: bad reception id %q", n+2, raw)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func cell(row *xlsx.Row, i int) string {
	if i >= len(row.Cells) {
		return ""
	}
	return strings.TrimSpace(row.Cells[i].String())
}
