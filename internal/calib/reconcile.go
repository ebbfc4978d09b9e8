// Package calib aggregates calibration solutions across metadata and
// solution files and fits phase ramps and gains per tile.
package calib

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/model"
)

// tileColumns must match across metadata sources; flags are unioned instead.
var tileColumns = []string{"name", "id", "rx", "slot", "flavor"}

func tileColumn(t model.Tile, column string) string {
	switch column {
	case "name":
		return t.Name
	case "id":
		return fmt.Sprint(t.ID)
	case "rx":
		return fmt.Sprint(t.Rx)
	case "slot":
		return fmt.Sprint(t.Slot)
	case "flavor":
		return t.Flavor
	}
	return ""
}

func sortedTiles(tiles []model.Tile) []model.Tile {
	out := append([]model.Tile(nil), tiles...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReconcileTiles returns the first source's tile table, sorted by id, after
// checking every other source carries the same tiles. A tile is flagged if
// any source flags it.
func ReconcileTiles(sources []model.Metadata) ([]model.Tile, error) {
	if len(sources) == 0 {
		return nil, eris.New("calib: no metafits files provided")
	}
	first := sortedTiles(sources[0].Tiles)
	for _, src := range sources[1:] {
		other := sortedTiles(src.Tiles)
		for _, column := range tileColumns {
			if !tileColumnEqual(first, other, column) {
				return nil, eris.Errorf(
					"calib: tiles from metafits do not match on column=%q. %s != %s\n%v\n\n%v",
					column, sources[0].Filename, src.Filename,
					columnValues(first, column), columnValues(other, column))
			}
		}
		// ids match row for row after the column check
		for i := range other {
			first[i].Flag = first[i].Flag || other[i].Flag
		}
	}
	return first, nil
}

func tileColumnEqual(a, b []model.Tile, column string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if tileColumn(a[i], column) != tileColumn(b[i], column) {
			return false
		}
	}
	return true
}

func columnValues(tiles []model.Tile, column string) []string {
	out := make([]string, len(tiles))
	for i, t := range tiles {
		out[i] = tileColumn(t, column)
	}
	return out
}

// ReconcileChannels merges channel info across metadata sources. Coarse
// channel ranges must be disjoint and fine channel parameters must agree.
func ReconcileChannels(sources []model.Metadata) (model.ChannelInfo, error) {
	if len(sources) == 0 {
		return model.ChannelInfo{}, eris.New("calib: no metafits files provided")
	}
	first := sources[0]
	var ranges [][]int
	for _, r := range first.Chans.CoarseChanRanges {
		if len(r) == 0 {
			return model.ChannelInfo{}, eris.Errorf("calib: %s - empty coarse channel range", first.Filename)
		}
		ranges = append(ranges, r)
	}

	for _, src := range sources[1:] {
		if src.Chans.FineChansPerCoarse != first.Chans.FineChansPerCoarse {
			return model.ChannelInfo{}, eris.Errorf(
				"calib: fine channels per coarse mismatch between metafits files. %s (%d) != %s (%d)",
				first.Filename, first.Chans.FineChansPerCoarse, src.Filename, src.Chans.FineChansPerCoarse)
		}
		if src.Chans.FineChanWidthHz != first.Chans.FineChanWidthHz {
			return model.ChannelInfo{}, eris.Errorf(
				"calib: fine channel width mismatch between metafits files. %s (%d) != %s (%d)",
				first.Filename, first.Chans.FineChanWidthHz, src.Filename, src.Chans.FineChanWidthHz)
		}
		for _, r := range src.Chans.CoarseChanRanges {
			if len(r) == 0 {
				return model.ChannelInfo{}, eris.Errorf("calib: %s - empty coarse channel range", src.Filename)
			}
			ranges = append(ranges, r)
		}
	}

	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })

	for i := 1; i < len(ranges); i++ {
		left, right := ranges[i-1], ranges[i]
		if left[0] == right[0] || left[len(left)-1] >= right[0] {
			return model.ChannelInfo{}, eris.Errorf(
				"calib: coarse channel ranges from metafits overlap. %v, %v (files: %v)",
				left, right, filenames(sources))
		}
	}

	return model.ChannelInfo{
		CoarseChanRanges:   ranges,
		FineChansPerCoarse: first.Chans.FineChansPerCoarse,
		FineChanWidthHz:    first.Chans.FineChanWidthHz,
	}, nil
}

func filenames(sources []model.Metadata) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Filename
	}
	return out
}
