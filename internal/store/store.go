// Package store persists fit runs and their per-tile phase fits.
package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/mwa-demo/calfit/internal/model"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("store: run not found")

// ErrInvalidTransition is returned when a status update is not allowed from
// the run's current status.
var ErrInvalidTransition = errors.New("store: invalid run status transition")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// FitFilter narrows ListPhaseFits. A nil Timeblock returns every timeblock.
type FitFilter struct {
	Timeblock    *int      `json:"timeblock,omitempty"`
	Pol          model.Pol `json:"pol,omitempty"`
	OutliersOnly bool      `json:"outliers_only,omitempty"`
}

const defaultListLimit = 100

// Store defines the persistence interface for fit runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, input model.RunInput) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, result *model.RunResult) error
	FailRun(ctx context.Context, runID string, msg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Phase fits
	InsertPhaseFits(ctx context.Context, runID string, fits []model.StoredPhaseFit) error
	ListPhaseFits(ctx context.Context, runID string, filter FitFilter) ([]model.StoredPhaseFit, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// phaseFitColumns is the phase_fits column order used for inserts and scans.
var phaseFitColumns = []string{
	"run_id", "timeblock", "tile_id", "soln_idx", "pol", "outlier",
	"length", "intercept", "iono_alpha", "sigma_resid", "chi2dof", "quality", "stderr",
}

var phaseFitConflictKeys = []string{"run_id", "timeblock", "tile_id", "pol"}

// phaseFitValues returns a row in phaseFitColumns order. Non-finite values
// are stored as NULL.
func phaseFitValues(runID string, f model.StoredPhaseFit) []any {
	vals := []any{runID, f.Timeblock, f.TileID, f.SolnIdx, string(f.Pol), f.Outlier}
	for _, name := range model.PhaseFitFields {
		vals = append(vals, nullable(f.Fit.Field(name)))
	}
	return vals
}

func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// scannable is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanPhaseFit(row scannable) (model.StoredPhaseFit, error) {
	var f model.StoredPhaseFit
	var pol string
	var v [7]*float64
	err := row.Scan(&f.RunID, &f.Timeblock, &f.TileID, &f.SolnIdx, &pol, &f.Outlier,
		&v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6])
	if err != nil {
		return f, err
	}
	f.Pol = model.Pol(pol)
	f.Fit = model.PhaseFitInfo{
		Length:     orNaN(v[0]),
		Intercept:  orNaN(v[1]),
		IonoAlpha:  orNaN(v[2]),
		SigmaResid: orNaN(v[3]),
		Chi2Dof:    orNaN(v[4]),
		Quality:    orNaN(v[5]),
		Stderr:     orNaN(v[6]),
	}
	return f, nil
}

// placeholders renders n bind parameters starting at start using the given
// style: "?" or "$".
func placeholders(style string, start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		if style == "$" {
			parts[i] = "$" + strconv.Itoa(start+i)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

func statusArgs(statuses []model.RunStatus) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}
