package calib

import (
	"math"
	"math/cmplx"
	"strings"
)

// PhaseDiffRow is one entry of a phase reference correction table.
type PhaseDiffRow struct {
	FreqHz    float64
	PhaseDiff float64 // radians
}

// PhaseCorrection rotates the phases of tiles whose hardware flavor ends
// with a given suffix.
type PhaseCorrection struct {
	FlavorSuffix string
	factors      []complex128
}

// NewPhaseCorrection builds per-channel factors exp(-i*diff) using the
// nearest table frequency for each channel. An empty table or suffix
// returns nil, meaning no correction.
func NewPhaseCorrection(table []PhaseDiffRow, chanblocksHz []float64, flavorSuffix string) *PhaseCorrection {
	if len(table) == 0 || flavorSuffix == "" {
		return nil
	}
	factors := make([]complex128, len(chanblocksHz))
	for i, hz := range chanblocksHz {
		best, bestDist := 0, math.Inf(1)
		for j, row := range table {
			if d := math.Abs(row.FreqHz - hz); d < bestDist {
				best, bestDist = j, d
			}
		}
		factors[i] = cmplx.Exp(complex(0, -table[best].PhaseDiff))
	}
	return &PhaseCorrection{FlavorSuffix: flavorSuffix, factors: factors}
}

// Applies reports whether tiles of this flavor are corrected.
func (p *PhaseCorrection) Applies(flavor string) bool {
	return p != nil && strings.HasSuffix(flavor, p.FlavorSuffix)
}

// Apply returns a corrected copy of soln when the flavor matches, otherwise
// soln itself.
func (p *PhaseCorrection) Apply(flavor string, soln []complex128) []complex128 {
	if !p.Applies(flavor) || len(soln) != len(p.factors) {
		return soln
	}
	out := make([]complex128, len(soln))
	for i, s := range soln {
		out[i] = s * p.factors[i]
	}
	return out
}
