package calib

import (
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mwa-demo/calfit/internal/model"
)

// ValidateChanblocks checks that channel frequencies are present, strictly
// ascending and evenly spaced.
func ValidateChanblocks(filename string, hz []int64) error {
	if len(hz) == 0 {
		return eris.Errorf("calib: %s - no chanblocks found", filename)
	}
	if len(hz) < 2 {
		return nil
	}
	step := hz[1] - hz[0]
	for i := 1; i < len(hz); i++ {
		d := hz[i] - hz[i-1]
		if d <= 0 {
			return eris.Errorf("calib: %s - chanblocks are not in ascending order. %v", filename, hz)
		}
		if d != step {
			return eris.Errorf("calib: %s - chanblocks are not contiguous. %v", filename, hz)
		}
	}
	return nil
}

// ChannelMap is the result of mapping solution channels onto the metadata
// coarse channel grid.
type ChannelMap struct {
	ChanblocksPerCoarse int
	// ChanblocksHz holds one validated frequency list per solution file.
	ChanblocksHz [][]int64
	// CoarseChans holds the coarse channel indices claimed by each file.
	CoarseChans [][]int
}

// MapSolutionChannels checks each solution's chanblocks against the
// reconciled channel info and derives the number of chanblocks per coarse
// channel, which must agree across files.
func MapSolutionChannels(info model.ChannelInfo, solns []model.Solution) (*ChannelMap, error) {
	if len(solns) == 0 {
		return nil, eris.New("calib: no solutions files provided")
	}
	if info.FineChanWidthHz <= 0 || info.FineChansPerCoarse <= 0 {
		return nil, eris.Errorf("calib: invalid metafits channel info %+v", info)
	}

	metaCoarse := make(map[int]bool)
	for _, c := range info.CoarseChans() {
		metaCoarse[c] = true
	}
	fineWidth := int64(info.FineChanWidthHz)
	coarseBandwidth := int64(info.CoarseBandwidthHz())

	out := &ChannelMap{}
	for _, soln := range solns {
		hz := soln.ChanblocksHz
		if err := ValidateChanblocks(soln.Filename, hz); err != nil {
			return nil, err
		}
		if len(hz) < 2 {
			return nil, eris.Errorf("calib: %s - not enough chanblocks found (%v)", soln.Filename, hz)
		}

		width := hz[1] - hz[0]
		if width%fineWidth != 0 {
			return nil, eris.Errorf(
				"calib: %s - chanblock width in solution file (%d) is not a multiple of fine channel width in metafits (%d)",
				soln.Filename, width, fineWidth)
		}
		chansPerBlock := int(width / fineWidth)
		perCoarse := info.FineChansPerCoarse / chansPerBlock
		if perCoarse == 0 {
			return nil, eris.Errorf(
				"calib: %s - chanblock width (%d) wider than a coarse channel (%d)",
				soln.Filename, width, coarseBandwidth)
		}
		if out.ChanblocksPerCoarse == 0 {
			out.ChanblocksPerCoarse = perCoarse
		} else if out.ChanblocksPerCoarse != perCoarse {
			return nil, eris.Errorf(
				"calib: %s - chanblocks_per_coarse %d does not match previous value %d",
				soln.Filename, perCoarse, out.ChanblocksPerCoarse)
		}

		nCoarse := len(hz) / perCoarse
		if nCoarse == 0 || len(hz)%nCoarse != 0 {
			return nil, eris.Errorf(
				"calib: %s - %d chanblocks cannot be split evenly into coarse channels of %d",
				soln.Filename, len(hz), perCoarse)
		}
		groupSize := len(hz) / nCoarse

		var claimed []int
		seen := make(map[int]bool)
		for g := 0; g < nCoarse; g++ {
			block := hz[g*groupSize : (g+1)*groupSize]
			var centroid float64
			if len(block) == 1 {
				centroid = float64(block[0])
			} else {
				bw := block[len(block)-1] - block[0]
				if bw > coarseBandwidth {
					return nil, eris.Errorf(
						"calib: %s - solution coarse bandwidth %dHz > metafits coarse bandwidth %dHz",
						soln.Filename, bw, coarseBandwidth)
				}
				var sum float64
				for _, f := range block {
					sum += float64(f) + float64(width)/2
				}
				centroid = sum / float64(len(block))
			}
			idx := int(math.Floor(centroid / float64(coarseBandwidth)))
			if !metaCoarse[idx] {
				return nil, eris.Errorf(
					"calib: %s - solution coarse centroid %.0fHz (coarse_chan_idx=%d) not found in metafits coarse channels",
					soln.Filename, centroid, idx)
			}
			if seen[idx] {
				return nil, eris.Errorf(
					"calib: %s - solution coarse centroid %.0fHz (coarse_chan_idx=%d) already found in solution coarse channels",
					soln.Filename, centroid, idx)
			}
			seen[idx] = true
			claimed = append(claimed, idx)
		}

		if expected := rangeLen(info, claimed[0]); expected != len(claimed) {
			zap.L().Warn("calib: coarse channel count does not match metafits range",
				zap.String("file", soln.Filename),
				zap.Int("soln_ncoarse", len(claimed)),
				zap.Int("range_ncoarse", expected),
				zap.Int("chanblocks_per_coarse", perCoarse),
				zap.Int("chans_per_block", chansPerBlock),
			)
		}

		out.ChanblocksHz = append(out.ChanblocksHz, hz)
		out.CoarseChans = append(out.CoarseChans, claimed)
	}
	return out, nil
}

// rangeLen returns the length of the metadata range containing coarse.
func rangeLen(info model.ChannelInfo, coarse int) int {
	for _, r := range info.CoarseChanRanges {
		for _, c := range r {
			if c == coarse {
				return len(r)
			}
		}
	}
	return 0
}
