package calib

import (
	"math"
	"math/cmplx"

	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/model"
)

// FitGain computes a weighted mean amplitude per coarse channel. Coarse
// channels with fewer than two usable chanblocks are left NaN.
//
// Quality is fixed at 1.0 and pol0, pol1 and sigma_resid are zero for fitted
// channels until a real gain model is fitted.
func FitGain(chanblocksHz []float64, soln []complex128, weights []float64, chanblocksPerCoarse int) (model.GainFitInfo, error) {
	if len(chanblocksHz) != len(soln) || len(soln) != len(weights) {
		return model.GainFitInfo{}, eris.Errorf("calib: gain fit length mismatch: %d chanblocks, %d solutions, %d weights",
			len(chanblocksHz), len(soln), len(weights))
	}
	if chanblocksPerCoarse <= 0 {
		return model.GainFitInfo{}, eris.Errorf("calib: invalid chanblocks per coarse (%d)", chanblocksPerCoarse)
	}
	nCoarse := len(chanblocksHz) / chanblocksPerCoarse
	if nCoarse == 0 || len(chanblocksHz)%nCoarse != 0 {
		return model.GainFitInfo{}, eris.Errorf("calib: %d chanblocks cannot be split into coarse channels of %d",
			len(chanblocksHz), chanblocksPerCoarse)
	}
	size := len(chanblocksHz) / nCoarse

	out := model.NaNGainFit(nCoarse)
	for c := 0; c < nCoarse; c++ {
		var sumAmp, sumW float64
		valid := 0
		for i := c * size; i < (c+1)*size; i++ {
			amp := cmplx.Abs(soln[i])
			if math.IsNaN(amp) || math.IsInf(amp, 0) || !(weights[i] > 0) {
				continue
			}
			sumAmp += amp * weights[i]
			sumW += weights[i]
			valid++
		}
		if valid < 2 {
			continue
		}
		out.Gains[c] = sumAmp / sumW
		out.Pol0[c] = 0
		out.Pol1[c] = 0
		out.SigmaResid[c] = 0
	}
	out.Quality = 1.0
	return out, nil
}
