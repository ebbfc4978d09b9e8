package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwa-demo/calfit/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testInput() model.RunInput {
	return model.RunInput{
		Title:     "1090000000-1090000200 HydA",
		Metafits:  []string{"a.yaml", "b.yaml"},
		Solutions: []string{"a.json", "b.json"},
		RefAnt:    "Tile011",
		ObsIDs:    []int64{1090000000, 1090000200},
	}
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))

	var _ Pinger = st
	var _ Pinger = (*PostgresStore)(nil)
}

func TestSQLite_CreateAndGetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testInput())
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStatusQueued, got.Status)
	assert.Equal(t, testInput(), got.Input)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.Error)
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testInput())
	require.NoError(t, err)

	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, model.RunStatusFitting))

	result := &model.RunResult{Timeblocks: 2, FitsTotal: 12, FitsFailed: 1, Outliers: 2, OutputFiles: []string{"out/x_t000_phase_fits.tsv"}}
	require.NoError(t, st.CompleteRun(ctx, run.ID, result))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, *result, *got.Result)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestSQLite_InvalidTransitions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testInput())
	require.NoError(t, err)

	err = st.CompleteRun(ctx, run.ID, &model.RunResult{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "queued runs cannot complete")

	err = st.UpdateRunStatus(ctx, run.ID, model.RunStatusQueued)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, st.FailRun(ctx, run.ID, "no unflagged tiles found"))
	err = st.UpdateRunStatus(ctx, run.ID, model.RunStatusFitting)
	assert.ErrorIs(t, err, ErrInvalidTransition, "failed is terminal")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "no unflagged tiles found", got.Error)

	err = st.UpdateRunStatus(ctx, "missing", model.RunStatusFitting)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := st.CreateRun(ctx, testInput())
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	require.NoError(t, st.UpdateRunStatus(ctx, ids[1], model.RunStatusFitting))

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	fitting, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusFitting})
	require.NoError(t, err)
	require.Len(t, fitting, 1)
	assert.Equal(t, ids[1], fitting[0].ID)

	page, err := st.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := st.ListRuns(ctx, RunFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func testFits() []model.StoredPhaseFit {
	fit := model.PhaseFitInfo{Length: 12.5, Intercept: -0.3, IonoAlpha: math.NaN(), SigmaResid: 0.05, Chi2Dof: 1.2, Quality: 0.98, Stderr: 1e-10}
	return []model.StoredPhaseFit{
		{Timeblock: 0, TileID: 11, SolnIdx: 0, Pol: model.PolXX, Fit: fit},
		{Timeblock: 0, TileID: 11, SolnIdx: 0, Pol: model.PolYY, Fit: fit, Outlier: true},
		{Timeblock: 0, TileID: 12, SolnIdx: 1, Pol: model.PolXX, Fit: model.NaNPhaseFit()},
		{Timeblock: 1, TileID: 11, SolnIdx: 0, Pol: model.PolXX, Fit: fit},
	}
}

func TestSQLite_PhaseFits_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, st.InsertPhaseFits(ctx, run.ID, testFits()))

	fits, err := st.ListPhaseFits(ctx, run.ID, FitFilter{})
	require.NoError(t, err)
	require.Len(t, fits, 4)

	first := fits[0]
	assert.Equal(t, run.ID, first.RunID)
	assert.Equal(t, model.PolXX, first.Pol)
	assert.Equal(t, 11, first.TileID)
	assert.InDelta(t, 12.5, first.Fit.Length, 1e-12)
	assert.True(t, math.IsNaN(first.Fit.IonoAlpha), "NULL reads back as NaN")

	assert.Equal(t, 12, fits[2].TileID)
	assert.True(t, fits[2].Fit.Failed())
	assert.Equal(t, 1, fits[3].Timeblock)
}

func TestSQLite_PhaseFits_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, st.InsertPhaseFits(ctx, run.ID, testFits()))

	tb := 1
	fits, err := st.ListPhaseFits(ctx, run.ID, FitFilter{Timeblock: &tb})
	require.NoError(t, err)
	assert.Len(t, fits, 1)

	fits, err = st.ListPhaseFits(ctx, run.ID, FitFilter{Pol: model.PolYY})
	require.NoError(t, err)
	assert.Len(t, fits, 1)

	fits, err = st.ListPhaseFits(ctx, run.ID, FitFilter{OutliersOnly: true})
	require.NoError(t, err)
	require.Len(t, fits, 1)
	assert.True(t, fits[0].Outlier)

	fits, err = st.ListPhaseFits(ctx, "other", FitFilter{})
	require.NoError(t, err)
	assert.Empty(t, fits)
}

func TestSQLite_PhaseFits_Replace(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, st.InsertPhaseFits(ctx, run.ID, testFits()))

	updated := testFits()[:1]
	updated[0].Fit.Length = 99
	require.NoError(t, st.InsertPhaseFits(ctx, run.ID, updated))

	tb := 0
	fits, err := st.ListPhaseFits(ctx, run.ID, FitFilter{Timeblock: &tb, Pol: model.PolXX})
	require.NoError(t, err)
	require.Len(t, fits, 2)
	assert.Equal(t, 99.0, fits[0].Fit.Length)
}

func TestSQLite_PhaseFits_UnknownRun(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.InsertPhaseFits(context.Background(), "missing", testFits())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert phase fit")
}

func TestSQLite_PhaseFits_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.InsertPhaseFits(context.Background(), "any", nil))
}
