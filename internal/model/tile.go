// Package model defines the records shared by the calibration fitting pipeline.
package model

import (
	"sort"

	"github.com/rotisserie/eris"
)

// Tile describes one physical antenna.
type Tile struct {
	Name   string `json:"name" yaml:"name"`
	ID     int    `json:"id" yaml:"id"`
	Flag   bool   `json:"flag" yaml:"flag"`
	Rx     int    `json:"rx" yaml:"rx"`
	Slot   int    `json:"slot" yaml:"slot"`
	Flavor string `json:"flavor" yaml:"flavor"`
}

// ChannelInfo describes a comb of frequency channels.
type ChannelInfo struct {
	// CoarseChanRanges holds groups of contiguous coarse channel indices.
	CoarseChanRanges   [][]int `json:"coarse_chan_ranges"`
	FineChansPerCoarse int     `json:"fine_chans_per_coarse"`
	FineChanWidthHz    int     `json:"fine_chan_width_hz"`
}

// CoarseBandwidthHz is the width of a single coarse channel.
func (c ChannelInfo) CoarseBandwidthHz() int {
	return c.FineChanWidthHz * c.FineChansPerCoarse
}

// CoarseChans flattens all ranges into one list.
func (c ChannelInfo) CoarseChans() []int {
	var out []int
	for _, r := range c.CoarseChanRanges {
		out = append(out, r...)
	}
	return out
}

// ChannelInfoFromCoarseChans builds a ChannelInfo from a metadata header's
// coarse channel list. Channels are sorted and split wherever consecutive
// numbers are not adjacent.
func ChannelInfoFromCoarseChans(chans []int, fineChanWidthHz, totalBandwidthHz, numFineChans int) (ChannelInfo, error) {
	if len(chans) == 0 {
		return ChannelInfo{}, eris.New("model: no coarse channels")
	}
	if totalBandwidthHz != fineChanWidthHz*numFineChans {
		return ChannelInfo{}, eris.Errorf(
			"model: total bandwidth (%d) != fine channel width (%d) * fine channels (%d)",
			totalBandwidthHz, fineChanWidthHz, numFineChans)
	}
	if numFineChans%len(chans) != 0 {
		return ChannelInfo{}, eris.Errorf(
			"model: number of fine channels (%d) not a multiple of the number of coarse channels (%d)",
			numFineChans, len(chans))
	}

	sorted := append([]int(nil), chans...)
	sort.Ints(sorted)

	var ranges [][]int
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || sorted[i]-sorted[i-1] != 1 {
			ranges = append(ranges, append([]int(nil), sorted[start:i]...))
			start = i
		}
	}

	return ChannelInfo{
		CoarseChanRanges:   ranges,
		FineChansPerCoarse: numFineChans / len(chans),
		FineChanWidthHz:    fineChanWidthHz,
	}, nil
}

// Metadata is one observation metadata source.
type Metadata struct {
	Filename   string
	ObsID      int64
	Calibrator string
	Tiles      []Tile
	Chans      ChannelInfo
}
