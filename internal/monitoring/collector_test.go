package monitoring

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwa-demo/calfit/internal/model"
	"github.com/mwa-demo/calfit/internal/store"
)

// mockRuns pages a fixed run list newest first.
type mockRuns struct {
	runs  []model.Run
	err   error
	calls int
}

func (m *mockRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	sorted := append([]model.Run(nil), m.runs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	if filter.Offset >= len(sorted) {
		return nil, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(sorted) {
		end = len(sorted)
	}
	return sorted[filter.Offset:end], nil
}

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testRuns() []model.Run {
	return []model.Run{
		{ID: "1", Status: model.RunStatusComplete, CreatedAt: now.Add(-1 * time.Hour), UpdatedAt: now.Add(-1*time.Hour + 30*time.Second),
			Result: &model.RunResult{FitsTotal: 10, FitsFailed: 1, Outliers: 2}},
		{ID: "2", Status: model.RunStatusComplete, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2*time.Hour + 90*time.Second),
			Result: &model.RunResult{FitsTotal: 20, Outliers: 1}},
		{ID: "3", Status: model.RunStatusFailed, CreatedAt: now.Add(-3 * time.Hour), UpdatedAt: now.Add(-3 * time.Hour)},
		{ID: "4", Status: model.RunStatusFitting, CreatedAt: now.Add(-10 * time.Minute), UpdatedAt: now},
		{ID: "5", Status: model.RunStatusFailed, CreatedAt: now.Add(-48 * time.Hour), UpdatedAt: now.Add(-48 * time.Hour)},
	}
}

func newTestCollector(runs RunLister, pageSize int) *Collector {
	c := NewCollector(runs)
	c.pageSize = pageSize
	c.now = func() time.Time { return now }
	return c
}

func TestCollect_Lookback(t *testing.T) {
	m := &mockRuns{runs: testRuns()}
	snap, err := newTestCollector(m, 2).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsFitting)
	assert.Equal(t, 0, snap.RunsQueued)
	assert.InDelta(t, 1.0/3.0, snap.RunFailRate, 1e-9)
	assert.Equal(t, 30, snap.FitsTotal)
	assert.Equal(t, 1, snap.FitsFailed)
	assert.Equal(t, 3, snap.Outliers)
	assert.InDelta(t, 60, snap.AvgDuration, 1e-9)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, now, snap.CollectedAt)
	// The old run ends paging on the third page.
	assert.Equal(t, 3, m.calls)
}

func TestCollect_AllRuns(t *testing.T) {
	snap, err := newTestCollector(&mockRuns{runs: testRuns()}, 500).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsFailed)
	assert.InDelta(t, 0.5, snap.RunFailRate, 1e-9)
}

func TestCollect_Empty(t *testing.T) {
	snap, err := newTestCollector(&mockRuns{}, 10).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.RunFailRate)
	assert.Zero(t, snap.AvgDuration)
}

func TestCollect_ListError(t *testing.T) {
	_, err := newTestCollector(&mockRuns{err: errors.New("db down")}, 10).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "monitoring: list runs")
}
