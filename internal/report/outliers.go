// Package report flags outlying phase fits, pivots them per tile and writes
// the result tables.
package report

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/mwa-demo/calfit/internal/model"
)

// DefaultOutlierNStd is the default outlier threshold in standard deviations.
const DefaultOutlierNStd = 3.0

// OutlierMetrics are checked in order by FlagOutliers.
var OutlierMetrics = []string{"chi2dof", "sigma_resid"}

// PhaseFitRow is one tile/pol phase fit for a timeblock.
type PhaseFitRow struct {
	TileID  int                `json:"tile_id"`
	SolnIdx int                `json:"soln_idx"`
	Pol     model.Pol          `json:"pol"`
	Fit     model.PhaseFitInfo `json:"fit"`
	Outlier bool               `json:"outlier"`
}

// RejectOutliers returns a copy of rows with rows whose metric reaches
// mean + nstd*std of their polarization marked as outliers. Statistics use
// the finite metric values of rows not already flagged. A negative nstd
// flags rows at or below the threshold instead; zero disables flagging. A
// polarization with no spread in the metric is left unflagged.
func RejectOutliers(rows []PhaseFitRow, metric string, nstd float64) []PhaseFitRow {
	out := append([]PhaseFitRow(nil), rows...)
	if nstd == 0 {
		return out
	}

	var pols []model.Pol
	seen := make(map[model.Pol]bool)
	for _, r := range out {
		if !seen[r.Pol] {
			seen[r.Pol] = true
			pols = append(pols, r.Pol)
		}
	}

	for _, pol := range pols {
		var vals []float64
		for _, r := range out {
			if r.Pol != pol || r.Outlier {
				continue
			}
			if v := r.Fit.Field(metric); !math.IsNaN(v) && !math.IsInf(v, 0) {
				vals = append(vals, v)
			}
		}
		if len(vals) < 2 {
			continue
		}
		mean, std := stat.MeanStdDev(vals, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		thresh := mean + nstd*std
		for i, r := range out {
			if r.Pol != pol {
				continue
			}
			v := r.Fit.Field(metric)
			if (nstd > 0 && v >= thresh) || (nstd < 0 && v <= thresh) {
				out[i].Outlier = true
			}
		}
	}
	return out
}

// FlagOutliers applies RejectOutliers for each of OutlierMetrics in turn.
func FlagOutliers(rows []PhaseFitRow, nstd float64) []PhaseFitRow {
	for _, metric := range OutlierMetrics {
		rows = RejectOutliers(rows, metric, nstd)
	}
	return rows
}

// CountOutliers returns the number of flagged rows.
func CountOutliers(rows []PhaseFitRow) int {
	n := 0
	for _, r := range rows {
		if r.Outlier {
			n++
		}
	}
	return n
}
