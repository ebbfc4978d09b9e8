package source

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/calib"
)

// LoadPhaseDiff reads a whitespace separated (frequency_hz, phase_diff_rad)
// table. An empty path or a missing file yields no rows and no error.
func LoadPhaseDiff(path string) ([]calib.PhaseDiffRow, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "source: open phase diff %s", path)
	}
	defer f.Close() //nolint:errcheck
	return ParsePhaseDiff(path, f)
}

// ParsePhaseDiff parses phase difference rows. Blank lines and lines
// starting with '#' are skipped; extra columns are ignored.
func ParsePhaseDiff(name string, r io.Reader) ([]calib.PhaseDiffRow, error) {
	var rows []calib.PhaseDiffRow
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, eris.Errorf("source: %s:%d - expected 2 columns, got %d", name, line, len(fields))
		}
		freq, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "source: %s:%d - parse frequency", name, line)
		}
		diff, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "source: %s:%d - parse phase difference", name, line)
		}
		rows = append(rows, calib.PhaseDiffRow{FreqHz: freq, PhaseDiff: diff})
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "source: read phase diff %s", name)
	}
	return rows, nil
}
