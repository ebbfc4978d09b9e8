package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
)

// FormatValue renders a table cell. NaN renders as an empty cell.
func FormatValue(v any) string {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return ""
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// WriteTSV writes the pivoted table as tab separated values.
func WriteTSV(w io.Writer, rows []PivotRow) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := cw.Write(Columns()); err != nil {
		return eris.Wrap(err, "report: write header")
	}
	for _, r := range rows {
		vals := r.Values()
		record := make([]string, len(vals))
		for i, v := range vals {
			record[i] = FormatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "report: write row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "report: flush")
	}
	return nil
}

// WriteTSVFile writes the pivoted table to path, creating parent directories.
func WriteTSVFile(path string, rows []PivotRow) error {
	return writeFile(path, func(w io.Writer) error { return WriteTSV(w, rows) })
}

func writeFile(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "report: create dir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "report: create %s", path)
	}
	if err := fn(f); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "report: close %s", path)
	}
	return nil
}
