package calib

import (
	"math"
	"math/cmplx"

	"github.com/mwa-demo/calfit/internal/model"
)

// Test channel grid: 10 kHz fine channels, 16 per coarse channel and
// 40 kHz chanblocks, so every coarse channel holds 4 chanblocks.
const (
	testFineWidthHz   = 10_000
	testFinePerCoarse = 16
	testBlockWidthHz  = 40_000
)

func testTiles() []model.Tile {
	return []model.Tile{
		{Name: "Tile013", ID: 13, Rx: 2, Slot: 1, Flavor: "RG6_90"},
		{Name: "Tile011", ID: 11, Rx: 1, Slot: 1, Flavor: "RG6_90"},
		{Name: "Tile012", ID: 12, Rx: 1, Slot: 2, Flavor: "LMR400_320-NI"},
	}
}

func testMeta(name string, obsid int64, ranges ...[]int) model.Metadata {
	return model.Metadata{
		Filename:   name,
		ObsID:      obsid,
		Calibrator: "HydA",
		Tiles:      testTiles(),
		Chans: model.ChannelInfo{
			CoarseChanRanges:   ranges,
			FineChansPerCoarse: testFinePerCoarse,
			FineChanWidthHz:    testFineWidthHz,
		},
	}
}

func testChanblocks(coarse ...int) []int64 {
	var hz []int64
	for _, c := range coarse {
		start := int64(c) * testFineWidthHz * testFinePerCoarse
		for i := int64(0); i < testFinePerCoarse*testFineWidthHz/testBlockWidthHz; i++ {
			hz = append(hz, start+i*testBlockWidthHz)
		}
	}
	return hz
}

// testSolution builds a solution whose XX and YY terms follow gain(tile, hz)
// and whose cross terms are zero.
func testSolution(name string, ntime int, gain func(tile int, hz float64) complex128, coarse ...int) model.Solution {
	hz := testChanblocks(coarse...)
	ntile := len(testTiles())
	j := model.Jones{
		GG: model.NewCube(ntime, ntile, len(hz)),
		GY: model.NewCube(ntime, ntile, len(hz)),
		YG: model.NewCube(ntime, ntile, len(hz)),
		YY: model.NewCube(ntime, ntile, len(hz)),
	}
	for t := 0; t < ntime; t++ {
		for i := 0; i < ntile; i++ {
			for ch, f := range hz {
				g := gain(i, float64(f))
				j.GG.Set(t, i, ch, g)
				j.YY.Set(t, i, ch, g)
			}
		}
	}
	avg := make([]float64, ntime)
	for t := range avg {
		avg[t] = 1.2e9 + float64(t)*8
	}
	return model.Solution{
		Filename:     name,
		ChanblocksHz: hz,
		TileFlags:    make([]bool, ntile),
		AvgTimes:     avg,
		Jones:        j,
		Results:      make([]float64, ntime*len(hz)),
	}
}

func unitGain(int, float64) complex128 { return 1 }

// rampGain returns a cable-delay phase ramp for the given length and
// intercept.
func rampGain(lengthM, intercept float64) func(int, float64) complex128 {
	slope := 2 * math.Pi * lengthM / SpeedOfLight
	return func(_ int, hz float64) complex128 {
		return cmplx.Exp(complex(0, slope*hz+intercept))
	}
}
