// Package pipeline runs phase and gain fits over every timeblock of a
// solution group and writes the per-timeblock tables.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mwa-demo/calfit/internal/calib"
	"github.com/mwa-demo/calfit/internal/model"
	"github.com/mwa-demo/calfit/internal/report"
	"github.com/mwa-demo/calfit/internal/store"
)

// Output formats for the phase fit table.
const (
	FormatTSV  = "tsv"
	FormatXLSX = "xlsx"
)

// DefaultFlavorSuffix selects the tiles that receive the phase difference
// correction.
const DefaultFlavorSuffix = "-NI"

// Options configures a run.
type Options struct {
	// RefAnt names the reference tile. Empty picks the lowest id tile that
	// is unflagged everywhere.
	RefAnt string
	// Name is appended to the run title.
	Name string
	// MaxTimeblocks bounds the timeblocks processed; zero means all.
	MaxTimeblocks int
	NIter         int
	FitIono       bool
	// Concurrency bounds concurrent tile fits; zero uses GOMAXPROCS.
	Concurrency int
	OutlierNStd float64
	// PhaseDiff is applied to tiles whose flavor ends with FlavorSuffix.
	PhaseDiff    []calib.PhaseDiffRow
	FlavorSuffix string
	// OutDir receives the tables. Empty writes nothing.
	OutDir string
	Format string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		NIter:        1,
		OutlierNStd:  report.DefaultOutlierNStd,
		FlavorSuffix: DefaultFlavorSuffix,
		OutDir:       ".",
		Format:       FormatTSV,
	}
}

// Validate checks option values that would otherwise fail late.
func (o Options) Validate() error {
	switch o.Format {
	case "", FormatTSV, FormatXLSX:
	default:
		return eris.Errorf("pipeline: unknown output format %q", o.Format)
	}
	if o.MaxTimeblocks < 0 {
		return eris.Errorf("pipeline: max timeblocks must not be negative (%d)", o.MaxTimeblocks)
	}
	if o.Concurrency < 0 {
		return eris.Errorf("pipeline: concurrency must not be negative (%d)", o.Concurrency)
	}
	return nil
}

// TimeblockResult holds the fits of one timeblock.
type TimeblockResult struct {
	Index   int
	AvgTime float64
	Rows    []report.PhaseFitRow
	Pivot   []report.PivotRow
	Gains   []report.GainFitRow
	Files   []string
}

// RunSummary is the outcome of Pipeline.Run.
type RunSummary struct {
	// RunID is empty when no store is configured.
	RunID      string
	Title      string
	RefTile    string
	Timeblocks []TimeblockResult
	Result     model.RunResult
}

// Pipeline fits solution groups and records the runs.
type Pipeline struct {
	store store.Store
	opts  Options
}

// New creates a Pipeline. st may be nil to skip run history.
func New(st store.Store, opts Options) *Pipeline {
	return &Pipeline{store: st, opts: opts}
}

// Run fits every tile and polarization of each timeblock in group.
// Per-tile fit failures are logged and recorded as NaN rows; structural
// problems with the group abort the run.
func (p *Pipeline) Run(ctx context.Context, group *calib.SolutionGroup) (*RunSummary, error) {
	if err := p.opts.Validate(); err != nil {
		return nil, err
	}

	title := group.Title(p.opts.Name)
	log := zap.L().With(zap.String("title", title))
	log.Info("pipeline: starting fit run",
		zap.Int("solutions", len(group.SolutionFiles())),
		zap.Int("timeblocks", group.NumTimeblocks()),
	)

	refName := p.opts.RefAnt
	if refName == "" {
		ref, err := group.RefAnt()
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: pick reference tile")
		}
		refName = ref.Name
	}

	tr := p.startRun(ctx, log, model.RunInput{
		Title:     title,
		Metafits:  group.MetafitsFiles(),
		Solutions: group.SolutionFiles(),
		RefAnt:    refName,
		FitIono:   p.opts.FitIono,
		ObsIDs:    group.ObsIDs(),
	})

	summary, err := p.fit(ctx, log, tr, group, title, refName)
	if err != nil {
		tr.fail(err)
		return nil, err
	}
	tr.complete(&summary.Result)
	summary.RunID = tr.id

	log.Info("pipeline: fit run complete",
		zap.String("run_id", tr.id),
		zap.Int("timeblocks", summary.Result.Timeblocks),
		zap.Int("fits", summary.Result.FitsTotal),
		zap.Int("failed", summary.Result.FitsFailed),
		zap.Int("outliers", summary.Result.Outliers),
	)
	return summary, nil
}

func (p *Pipeline) fit(ctx context.Context, log *zap.Logger, tr *tracker, group *calib.SolutionGroup, title, refName string) (*RunSummary, error) {
	sol, err := group.Solutions(refName)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load solutions")
	}

	ntime := len(sol.AvgTimes)
	if p.opts.MaxTimeblocks > 0 && p.opts.MaxTimeblocks < ntime {
		ntime = p.opts.MaxTimeblocks
	}

	summary := &RunSummary{Title: title, RefTile: refName}
	freqs := group.ChanblocksHz()
	for t := 0; t < ntime; t++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "pipeline: cancelled")
		}
		tb, err := p.fitTimeblock(ctx, log, group, sol, freqs, t)
		if err != nil {
			return nil, err
		}
		if err := p.writeTimeblock(title, tb); err != nil {
			return nil, err
		}
		tr.storeFits(t, tb.Rows)

		summary.Timeblocks = append(summary.Timeblocks, *tb)
		summary.Result.Timeblocks++
		summary.Result.FitsTotal += len(tb.Rows)
		summary.Result.Outliers += report.CountOutliers(tb.Rows)
		for _, r := range tb.Rows {
			if r.Fit.Failed() {
				summary.Result.FitsFailed++
			}
		}
		summary.Result.OutputFiles = append(summary.Result.OutputFiles, tb.Files...)
	}
	return summary, nil
}

type fitJob struct {
	solnIdx int
	tile    model.Tile
	pol     model.Pol
}

func (p *Pipeline) fitTimeblock(ctx context.Context, log *zap.Logger, group *calib.SolutionGroup, sol *calib.GroupSolutions, freqs []float64, t int) (*TimeblockResult, error) {
	weights, err := group.Weights(t)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: timeblock %d weights", t)
	}
	corr := calib.NewPhaseCorrection(p.opts.PhaseDiff, freqs, p.opts.FlavorSuffix)
	if corr == nil && t == 0 {
		log.Info("pipeline: not applying phase correction")
	}

	tiles := group.Tiles()
	byID := make(map[int]model.Tile, len(tiles))
	for _, tile := range tiles {
		byID[tile.ID] = tile
	}
	var jobs []fitJob
	for i, id := range sol.TileIDs {
		tile, ok := byID[id]
		if !ok {
			return nil, eris.Errorf("pipeline: tile id %d missing from metadata", id)
		}
		jobs = append(jobs, fitJob{solnIdx: i, tile: tile, pol: model.PolXX}, fitJob{solnIdx: i, tile: tile, pol: model.PolYY})
	}

	perCoarse := group.ChanblocksPerCoarse()
	nCoarse := 0
	if perCoarse > 0 {
		nCoarse = len(freqs) / perCoarse
	}
	fitOpts := calib.PhaseFitOptions{NIter: p.opts.NIter, FitIono: p.opts.FitIono}

	rows := make([]report.PhaseFitRow, len(jobs))
	gains := make([]report.GainFitRow, len(jobs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())
	for i, job := range jobs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			cube := sol.XX
			if job.pol == model.PolYY {
				cube = sol.YY
			}
			data := corr.Apply(job.tile.Flavor, cube.Row(t, job.solnIdx))
			jobLog := log.With(
				zap.Int("timeblock", t),
				zap.Int("tile_id", job.tile.ID),
				zap.String("tile", job.tile.Name),
				zap.String("pol", string(job.pol)),
			)

			fit, err := calib.FitPhaseLine(freqs, data, weights, fitOpts)
			if err != nil {
				jobLog.Warn("pipeline: phase fit failed", zap.Error(err))
				fit = model.NaNPhaseFit()
			}
			rows[i] = report.PhaseFitRow{TileID: job.tile.ID, SolnIdx: job.solnIdx, Pol: job.pol, Fit: fit}

			gain, err := calib.FitGain(freqs, data, weights, perCoarse)
			if err != nil {
				jobLog.Warn("pipeline: gain fit failed", zap.Error(err))
				gain = model.NaNGainFit(nCoarse)
			}
			gains[i] = report.GainFitRow{TileID: job.tile.ID, SolnIdx: job.solnIdx, Pol: job.pol, Fit: gain}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrapf(err, "pipeline: timeblock %d", t)
	}

	rows = report.FlagOutliers(rows, p.opts.OutlierNStd)
	return &TimeblockResult{
		Index:   t,
		AvgTime: sol.AvgTimes[t],
		Rows:    rows,
		Pivot:   report.Pivot(rows, tiles),
		Gains:   gains,
	}, nil
}

func (p *Pipeline) concurrency() int {
	if p.opts.Concurrency > 0 {
		return p.opts.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}

// FilePrefix returns the path prefix shared by a timeblock's tables.
func FilePrefix(outDir, title string, t int) string {
	name := strings.Join(strings.Fields(title), "_")
	return filepath.Join(outDir, fmt.Sprintf("%s_t%03d_", name, t))
}

func (p *Pipeline) writeTimeblock(title string, tb *TimeblockResult) error {
	if p.opts.OutDir == "" {
		return nil
	}
	prefix := FilePrefix(p.opts.OutDir, title, tb.Index)

	phasePath := prefix + "phase_fits." + FormatTSV
	write := report.WriteTSVFile
	if p.opts.Format == FormatXLSX {
		phasePath = prefix + "phase_fits." + FormatXLSX
		write = report.WriteXLSX
	}
	if err := write(phasePath, tb.Pivot); err != nil {
		return eris.Wrapf(err, "pipeline: write timeblock %d phase fits", tb.Index)
	}

	gainPath := prefix + "gain_fits.tsv"
	if err := report.WriteGainTSVFile(gainPath, tb.Gains); err != nil {
		return eris.Wrapf(err, "pipeline: write timeblock %d gain fits", tb.Index)
	}
	tb.Files = append(tb.Files, phasePath, gainPath)
	return nil
}
