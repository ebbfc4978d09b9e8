package calib

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/model"
)

// SolutionGroup aggregates the metadata and solution files of one
// calibration run. It is immutable after construction.
type SolutionGroup struct {
	metafits []model.Metadata
	solns    []model.Solution
	tiles    []model.Tile
	chanInfo model.ChannelInfo
	chanMap  *ChannelMap
	results  [][][]float64 // [soln][time][chan]
}

// NewSolutionGroup reconciles the metadata sources and validates every
// solution file against them. All structural checks happen here, before any
// fitting.
func NewSolutionGroup(metafits []model.Metadata, solns []model.Solution) (*SolutionGroup, error) {
	if len(metafits) == 0 {
		return nil, eris.New("calib: no metafits files provided")
	}
	if len(solns) == 0 {
		return nil, eris.New("calib: no solutions files provided")
	}
	tiles, err := ReconcileTiles(metafits)
	if err != nil {
		return nil, err
	}
	chanInfo, err := ReconcileChannels(metafits)
	if err != nil {
		return nil, err
	}
	chanMap, err := MapSolutionChannels(chanInfo, solns)
	if err != nil {
		return nil, err
	}

	g := &SolutionGroup{
		metafits: metafits,
		solns:    solns,
		tiles:    tiles,
		chanInfo: chanInfo,
		chanMap:  chanMap,
	}
	for i, soln := range solns {
		if len(soln.TileFlags) != len(tiles) {
			return nil, eris.Errorf("calib: %s - number of tile flags (%d) does not match metafits tiles (%d)",
				soln.Filename, len(soln.TileFlags), len(tiles))
		}
		perTime, err := ResultsPerTime(soln)
		if err != nil {
			return nil, err
		}
		if len(perTime[0]) != len(chanMap.ChanblocksHz[i]) {
			return nil, eris.Errorf("calib: %s - number of chanblocks (%d) does not match results width (%d)",
				soln.Filename, len(chanMap.ChanblocksHz[i]), len(perTime[0]))
		}
		if i > 0 && len(perTime) != len(g.results[0]) {
			return nil, eris.Errorf("calib: %s - results time dimension (%d) does not match %s (%d)",
				soln.Filename, len(perTime), solns[0].Filename, len(g.results[0]))
		}
		g.results = append(g.results, perTime)
	}
	return g, nil
}

// Tiles returns the reconciled tile table sorted by id.
func (g *SolutionGroup) Tiles() []model.Tile { return append([]model.Tile(nil), g.tiles...) }

// ChanInfo returns the reconciled channel info.
func (g *SolutionGroup) ChanInfo() model.ChannelInfo { return g.chanInfo }

// ChanblocksPerCoarse is shared by every solution file.
func (g *SolutionGroup) ChanblocksPerCoarse() int { return g.chanMap.ChanblocksPerCoarse }

// SolutionFiles lists the solution file names in group order.
func (g *SolutionGroup) SolutionFiles() []string {
	out := make([]string, len(g.solns))
	for i, s := range g.solns {
		out[i] = s.Filename
	}
	return out
}

// MetafitsFiles lists the metadata file names in group order.
func (g *SolutionGroup) MetafitsFiles() []string {
	return filenames(g.metafits)
}

// ChanblocksHz concatenates the chanblock frequencies of every solution.
func (g *SolutionGroup) ChanblocksHz() []float64 {
	var out []float64
	for _, hz := range g.chanMap.ChanblocksHz {
		for _, f := range hz {
			out = append(out, float64(f))
		}
	}
	return out
}

// NumTimeblocks is the number of result timeblocks.
func (g *SolutionGroup) NumTimeblocks() int { return len(g.results[0]) }

// Weights builds fit weights for timeblock t, concatenated across solutions.
func (g *SolutionGroup) Weights(t int) ([]float64, error) {
	var out []float64
	for i, perTime := range g.results {
		if t < 0 || t >= len(perTime) {
			return nil, eris.Errorf("calib: %s - missing results for time index %d", g.solns[i].Filename, t)
		}
		w := BuildWeights(perTime[t])
		if len(w) != len(g.chanMap.ChanblocksHz[i]) {
			return nil, eris.Errorf("calib: %s - weights length (%d) != channels (%d)",
				g.solns[i].Filename, len(w), len(g.chanMap.ChanblocksHz[i]))
		}
		out = append(out, w...)
	}
	return out, nil
}

// solnFlags combines the metadata flag with a solution's tile flags.
func (g *SolutionGroup) solnFlags(i int) []bool {
	flags := make([]bool, len(g.tiles))
	for j, t := range g.tiles {
		flags[j] = t.Flag || g.solns[i].TileFlags[j]
	}
	return flags
}

// RefAnt returns the lowest id tile unflagged in the metadata and in every
// solution file.
func (g *SolutionGroup) RefAnt() (model.Tile, error) {
	flagged := make([]bool, len(g.tiles))
	for i := range g.solns {
		for j, f := range g.solnFlags(i) {
			flagged[j] = flagged[j] || f
		}
	}
	for j, t := range g.tiles {
		if !flagged[j] {
			return t, nil
		}
	}
	return model.Tile{}, eris.New("calib: no unflagged tiles found")
}

// GroupSolutions are reference-divided XX and YY solutions concatenated
// across files along the channel axis.
type GroupSolutions struct {
	TileIDs  []int
	RefIdx   int
	XX, YY   model.Cube
	AvgTimes []float64
}

// Solutions validates each file's tiles, timeblocks and array shapes and
// returns solutions divided by the named reference tile. An empty refName
// leaves solutions undivided.
func (g *SolutionGroup) Solutions(refName string) (*GroupSolutions, error) {
	out := &GroupSolutions{RefIdx: NoReference}
	var xx, yy []model.Cube

	for i, soln := range g.solns {
		flags := g.solnFlags(i)
		if refName != "" {
			idx, err := g.resolveRef(soln, refName, flags)
			if err != nil {
				return nil, err
			}
			if out.RefIdx == NoReference {
				out.RefIdx = idx
			} else if out.RefIdx != idx {
				return nil, eris.Errorf("calib: %s - reference tile in solution file does not match previous solution files (%d != %d)",
					soln.Filename, idx, out.RefIdx)
			}
		}

		ids := make([]int, len(g.tiles))
		for j, t := range g.tiles {
			ids[j] = t.ID
		}
		if out.TileIDs == nil {
			out.TileIDs = ids
		}

		avgTimes := soln.AvgTimes
		if avgTimes == nil {
			avgTimes = make([]float64, soln.Jones.GG.NTime)
			for k := range avgTimes {
				avgTimes[k] = math.NaN()
			}
		}
		if out.AvgTimes == nil {
			out.AvgTimes = avgTimes
		} else if len(out.AvgTimes) != len(avgTimes) {
			return nil, eris.Errorf("calib: %s - number of timeblocks (%d) does not match previous (%d)",
				soln.Filename, len(avgTimes), len(out.AvgTimes))
		}

		nchan := len(g.chanMap.ChanblocksHz[i])
		for _, c := range soln.Jones.Components() {
			if c.NTime != len(avgTimes) {
				return nil, eris.Errorf("calib: %s - SOLUTIONS timeblocks (%d) do not match TIMEBLOCKS (%d)",
					soln.Filename, c.NTime, len(avgTimes))
			}
			if c.NTile != len(ids) {
				return nil, eris.Errorf("calib: %s - number of tiles in SOLUTIONS (%d) does not match TILES (%d)",
					soln.Filename, c.NTile, len(ids))
			}
			if c.NChan != nchan {
				return nil, eris.Errorf("calib: %s - number of channels in SOLUTIONS (%d) does not match CHANBLOCKS (%d)",
					soln.Filename, c.NChan, nchan)
			}
			if len(c.Data) != c.NTime*c.NTile*c.NChan {
				return nil, eris.Errorf("calib: %s - SOLUTIONS data length (%d) does not match shape [%d,%d,%d]",
					soln.Filename, len(c.Data), c.NTime, c.NTile, c.NChan)
			}
		}

		divided := DivideByReference(soln.Jones, out.RefIdx)
		xx = append(xx, divided.GG)
		yy = append(yy, divided.YY)
	}

	var err error
	if out.XX, err = model.ConcatChans(xx...); err != nil {
		return nil, eris.Wrap(err, "calib: concatenate XX solutions")
	}
	if out.YY, err = model.ConcatChans(yy...); err != nil {
		return nil, eris.Wrap(err, "calib: concatenate YY solutions")
	}
	return out, nil
}

func (g *SolutionGroup) resolveRef(soln model.Solution, name string, flags []bool) (int, error) {
	idx := NoReference
	for j, t := range g.tiles {
		if t.Name != name {
			continue
		}
		if idx != NoReference {
			return 0, eris.Errorf("calib: %s - more than one tile with name %s found in solution file", soln.Filename, name)
		}
		idx = j
	}
	if idx == NoReference {
		return 0, eris.Errorf("calib: %s - reference tile %s not found in solution file", soln.Filename, name)
	}
	if flags[idx] {
		return 0, eris.Errorf("calib: %s - reference tile %s is flagged in solutions file (index %d)", soln.Filename, name, idx)
	}
	return idx, nil
}

// Calibrator joins the distinct calibrator names of the metadata sources.
func (g *SolutionGroup) Calibrator() string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range g.metafits {
		if m.Calibrator != "" && !seen[m.Calibrator] {
			seen[m.Calibrator] = true
			names = append(names, m.Calibrator)
		}
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

// ObsIDs returns the distinct observation ids, ascending.
func (g *SolutionGroup) ObsIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, m := range g.metafits {
		if m.ObsID != 0 && !seen[m.ObsID] {
			seen[m.ObsID] = true
			ids = append(ids, m.ObsID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Title names the run from its obsid range, calibrator and an optional
// user supplied name.
func (g *SolutionGroup) Title(name string) string {
	var parts []string
	if ids := g.ObsIDs(); len(ids) == 1 {
		parts = append(parts, fmt.Sprint(ids[0]))
	} else if len(ids) > 1 {
		parts = append(parts, fmt.Sprintf("%d-%d", ids[0], ids[len(ids)-1]))
	}
	if c := g.Calibrator(); c != "" {
		parts = append(parts, c)
	}
	if name != "" {
		parts = append(parts, name)
	}
	if len(parts) == 0 {
		return "calfit"
	}
	return strings.Join(parts, " ")
}
