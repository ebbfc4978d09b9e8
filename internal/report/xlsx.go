package report

import (
	"math"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// PhaseFitsSheet is the sheet name used by WriteXLSX.
const PhaseFitsSheet = "phase_fits"

// WriteXLSX writes the pivoted table to a single sheet workbook at path.
// NaN cells are left blank.
func WriteXLSX(path string, rows []PivotRow) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(PhaseFitsSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range Columns() {
		header.AddCell().SetString(col)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		for _, v := range r.Values() {
			setCell(row.AddCell(), v)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "xlsx: create dir for %s", path)
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}

func setCell(cell *xlsx.Cell, v any) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			cell.SetString("")
			return
		}
		cell.SetFloat(x)
	case int:
		cell.SetInt(x)
	case bool:
		cell.SetBool(x)
	default:
		cell.SetString(FormatValue(v))
	}
}
