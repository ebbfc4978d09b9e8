package calib

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"

	"github.com/mwa-demo/calfit/internal/model"
)

// maxConvergence is the largest results value accepted as converged.
const maxConvergence = 1e-4

// BuildWeights converts one timeblock of convergence results into fit
// weights in [0, 1]. Negative or unconverged values get zero weight. When no
// usable spread remains, every channel gets weight 1.
func BuildWeights(results []float64) []float64 {
	exp := make([]float64, len(results))
	var finite []float64
	for i, r := range results {
		if r < 0 || r > maxConvergence || math.IsNaN(r) {
			exp[i] = math.NaN()
			continue
		}
		exp[i] = math.Exp(-r)
		if !math.IsInf(exp[i], 0) {
			finite = append(finite, exp[i])
		}
	}

	if len(finite) == 0 {
		return ones(len(results))
	}
	lo, hi := floats.Min(finite), floats.Max(finite)
	denom := hi - lo
	if denom == 0 || math.IsNaN(denom) || math.IsInf(denom, 0) {
		return ones(len(results))
	}

	w := make([]float64, len(results))
	for i, e := range exp {
		v := (e - lo) / denom
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		w[i] = v
	}
	return w
}

func ones(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

// ResultsPerTime reshapes a solution's flat results into [time][chan]. A
// results array exactly one timeblock long is treated as a single time.
func ResultsPerTime(soln model.Solution) ([][]float64, error) {
	nchan := len(soln.ChanblocksHz)
	if nchan == 0 {
		return nil, eris.Errorf("calib: %s - no channels found for RESULTS reshape", soln.Filename)
	}
	flat := soln.Results
	if len(flat) == 0 || len(flat)%nchan != 0 {
		return nil, eris.Errorf(
			"calib: %s - RESULTS length (%d) not compatible with channels (%d)",
			soln.Filename, len(flat), nchan)
	}
	ntimes := len(flat) / nchan
	if ntimes > 1 && soln.AvgTimes != nil && len(soln.AvgTimes) != ntimes {
		return nil, eris.Errorf(
			"calib: %s - TIMEBLOCKS (%d) != RESULTS blocks (%d)",
			soln.Filename, len(soln.AvgTimes), ntimes)
	}
	out := make([][]float64, ntimes)
	for t := range out {
		out[t] = append([]float64(nil), flat[t*nchan:(t+1)*nchan]...)
	}
	return out, nil
}
