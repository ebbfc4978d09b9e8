package calib

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/mwa-demo/calfit/internal/model"
)

// ConvergenceSummary describes how many chanblocks of a solution file
// converged. Non-converged chanblocks carry NaN results.
type ConvergenceSummary struct {
	Filename  string  `json:"filename"`
	Total     int     `json:"total_channels"`
	Converged int     `json:"converged_channels"`
	Fraction  float64 `json:"converged_fraction"`
	// Mean of the converged results, NaN when none converged.
	Mean float64 `json:"mean_convergence"`
}

// SummarizeConvergence reports the convergence of every timeblock and
// chanblock in soln.
func SummarizeConvergence(soln model.Solution) ConvergenceSummary {
	out := ConvergenceSummary{Filename: soln.Filename, Total: len(soln.Results), Fraction: math.NaN(), Mean: math.NaN()}
	var converged []float64
	for _, r := range soln.Results {
		if !math.IsNaN(r) {
			converged = append(converged, r)
		}
	}
	out.Converged = len(converged)
	if out.Total > 0 {
		out.Fraction = float64(out.Converged) / float64(out.Total)
	}
	if len(converged) > 0 {
		out.Mean = stat.Mean(converged, nil)
	}
	return out
}
