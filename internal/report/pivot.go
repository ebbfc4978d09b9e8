package report

import (
	"sort"

	"github.com/mwa-demo/calfit/internal/model"
)

// TileColumns lead every pivoted row.
var TileColumns = []string{"soln_idx", "name", "tile_id", "rx", "slot", "flavor", "flag"}

// PivotRow is one tile with its XX and YY fits side by side.
type PivotRow struct {
	SolnIdx   int
	Tile      model.Tile
	XX, YY    model.PhaseFitInfo
	OutlierXX bool
	OutlierYY bool
}

// Pivot joins XX and YY rows on tile id and merges the tile table. Tiles
// missing either polarization or absent from tiles are dropped. Rows are
// ordered by the XX soln_idx.
func Pivot(rows []PhaseFitRow, tiles []model.Tile) []PivotRow {
	byID := make(map[int]model.Tile, len(tiles))
	for _, t := range tiles {
		byID[t.ID] = t
	}
	yy := make(map[int]PhaseFitRow)
	for _, r := range rows {
		if r.Pol == model.PolYY {
			yy[r.TileID] = r
		}
	}

	var out []PivotRow
	for _, x := range rows {
		if x.Pol != model.PolXX {
			continue
		}
		y, ok := yy[x.TileID]
		if !ok {
			continue
		}
		tile, ok := byID[x.TileID]
		if !ok {
			continue
		}
		out = append(out, PivotRow{
			SolnIdx:   x.SolnIdx,
			Tile:      tile,
			XX:        x.Fit,
			YY:        y.Fit,
			OutlierXX: x.Outlier,
			OutlierYY: y.Outlier,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SolnIdx < out[j].SolnIdx })
	return out
}

type fitColumn struct {
	name string
	pol  model.Pol
	// field is empty for the outlier flag.
	field string
}

var fitColumns = buildFitColumns()

func buildFitColumns() []fitColumn {
	var cols []fitColumn
	for _, pol := range []model.Pol{model.PolXX, model.PolYY} {
		for _, f := range model.PhaseFitFields {
			cols = append(cols, fitColumn{name: f + pol.Suffix(), pol: pol, field: f})
		}
		cols = append(cols, fitColumn{name: "outlier" + pol.Suffix(), pol: pol})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].name < cols[j].name })
	return cols
}

// Columns returns the pivoted table header.
func Columns() []string {
	cols := append([]string(nil), TileColumns...)
	for _, c := range fitColumns {
		cols = append(cols, c.name)
	}
	return cols
}

// Values returns the row's cells in Columns order. Cells are int, string,
// bool or float64.
func (r PivotRow) Values() []any {
	vals := []any{r.SolnIdx, r.Tile.Name, r.Tile.ID, r.Tile.Rx, r.Tile.Slot, r.Tile.Flavor, r.Tile.Flag}
	for _, c := range fitColumns {
		fit, outlier := r.XX, r.OutlierXX
		if c.pol == model.PolYY {
			fit, outlier = r.YY, r.OutlierYY
		}
		if c.field == "" {
			vals = append(vals, outlier)
			continue
		}
		vals = append(vals, fit.Field(c.field))
	}
	return vals
}
