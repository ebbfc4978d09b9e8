package report

import (
	"encoding/csv"
	"io"
	"math"

	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/model"
)

// GainFitRow is one tile/pol gain fit for a timeblock.
type GainFitRow struct {
	TileID  int
	SolnIdx int
	Pol     model.Pol
	Fit     model.GainFitInfo
}

var gainColumns = []string{"tile_id", "soln_idx", "pol", "coarse_idx", "gain", "pol0", "pol1", "sigma_resid", "quality"}

// WriteGainTSV writes one line per tile, pol and coarse channel.
func WriteGainTSV(w io.Writer, rows []GainFitRow) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(gainColumns); err != nil {
		return eris.Wrap(err, "report: write gain header")
	}
	for _, r := range rows {
		for c, g := range r.Fit.Gains {
			record := []string{
				FormatValue(r.TileID),
				FormatValue(r.SolnIdx),
				string(r.Pol),
				FormatValue(c),
				FormatValue(g),
				FormatValue(at(r.Fit.Pol0, c)),
				FormatValue(at(r.Fit.Pol1, c)),
				FormatValue(at(r.Fit.SigmaResid, c)),
				FormatValue(r.Fit.Quality),
			}
			if err := cw.Write(record); err != nil {
				return eris.Wrap(err, "report: write gain row")
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "report: flush gain table")
	}
	return nil
}

// WriteGainTSVFile writes the gain table to path.
func WriteGainTSVFile(path string, rows []GainFitRow) error {
	return writeFile(path, func(w io.Writer) error { return WriteGainTSV(w, rows) })
}

func at(s []float64, i int) float64 {
	if i < len(s) {
		return s[i]
	}
	return math.NaN()
}
