package pipeline

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mwa-demo/calfit/internal/calib"
	"github.com/mwa-demo/calfit/internal/model"
)

// 10 kHz fine channels, 16 per coarse channel, 40 kHz chanblocks.
const (
	fineWidthHz   = 10_000
	finePerCoarse = 16
	blockWidthHz  = 40_000
)

// Solution index follows tile id order 11, 12, 13; tile 11 is the default
// reference.
var tileLengths = []float64{10, -10, 30}

func testTiles() []model.Tile {
	return []model.Tile{
		{Name: "Tile013", ID: 13, Rx: 2, Slot: 1, Flavor: "RG6_90"},
		{Name: "Tile011", ID: 11, Rx: 1, Slot: 1, Flavor: "RG6_90"},
		{Name: "Tile012", ID: 12, Rx: 1, Slot: 2, Flavor: "LMR400_320-NI"},
	}
}

func testMeta(name string, obsid int64, coarse ...int) model.Metadata {
	return model.Metadata{
		Filename:   name,
		ObsID:      obsid,
		Calibrator: "HydA",
		Tiles:      testTiles(),
		Chans: model.ChannelInfo{
			CoarseChanRanges:   [][]int{coarse},
			FineChansPerCoarse: finePerCoarse,
			FineChanWidthHz:    fineWidthHz,
		},
	}
}

func testSolution(name string, ntime int, coarse ...int) model.Solution {
	var hz []int64
	for _, c := range coarse {
		start := int64(c) * fineWidthHz * finePerCoarse
		for i := int64(0); i < finePerCoarse*fineWidthHz/blockWidthHz; i++ {
			hz = append(hz, start+i*blockWidthHz)
		}
	}
	ntile := len(testTiles())
	j := model.Jones{
		GG: model.NewCube(ntime, ntile, len(hz)),
		GY: model.NewCube(ntime, ntile, len(hz)),
		YG: model.NewCube(ntime, ntile, len(hz)),
		YY: model.NewCube(ntime, ntile, len(hz)),
	}
	for t := 0; t < ntime; t++ {
		for i := 0; i < ntile; i++ {
			slope := 2 * math.Pi * tileLengths[i] / calib.SpeedOfLight
			for ch, f := range hz {
				g := 2 * cmplx.Exp(complex(0, slope*float64(f)+0.1*float64(i)))
				j.GG.Set(t, i, ch, g)
				j.YY.Set(t, i, ch, g)
			}
		}
	}
	avg := make([]float64, ntime)
	for t := range avg {
		avg[t] = 1.09e9 + float64(t)*8
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

func testSolutions(ntime int) []model.Solution {
	return []model.Solution{
		testSolution("1090000000.json", ntime, 1000, 1001, 1002, 1003),
		testSolution("1090000008.json", ntime, 1004, 1005, 1006, 1007),
	}
}

func newGroup(t *testing.T, solns []model.Solution) *calib.SolutionGroup {
	t.Helper()
	g, err := calib.NewSolutionGroup([]model.Metadata{
		testMeta("1090000000.yaml", 1090000000, 1000, 1001, 1002, 1003),
		testMeta("1090000008.yaml", 1090000008, 1004, 1005, 1006, 1007),
	}, solns)
	require.NoError(t, err)
	return g
}

func findRow(rows []TimeblockResult, tb, tileID int, pol model.Pol) (model.PhaseFitInfo, bool) {
	for _, r := range rows[tb].Rows {
		if r.TileID == tileID && r.Pol == pol {
			return r.Fit, true
		}
	}
	return model.PhaseFitInfo{}, false
}
