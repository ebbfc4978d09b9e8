// Package monitoring summarizes recent fit run history.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/model"
	"github.com/mwa-demo/calfit/internal/store"
)

// MetricsSnapshot holds a point-in-time view of fit runs.
type MetricsSnapshot struct {
	// Run counts (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsQueued   int     `json:"runs_queued"`
	RunsFitting  int     `json:"runs_fitting"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Fit counts summed over completed runs.
	FitsTotal   int     `json:"fits_total"`
	FitsFailed  int     `json:"fits_failed"`
	Outliers    int     `json:"outliers"`
	AvgDuration float64 `json:"avg_duration_secs"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of store.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from the run store.
type Collector struct {
	runs     RunLister
	pageSize int
	now      func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, pageSize: 500, now: time.Now}
}

// Collect gathers a snapshot of runs created within the lookback window.
// A lookback of zero or less covers every run.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}

	var cutoff time.Time
	if lookbackHours > 0 {
		cutoff = now.Add(-time.Duration(lookbackHours) * time.Hour)
	}

	var totalDur time.Duration
	// Runs are listed newest first, so paging stops at the first run
	// older than the cutoff.
	for offset := 0; ; offset += c.pageSize {
		page, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: c.pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		for _, r := range page {
			if !cutoff.IsZero() && r.CreatedAt.Before(cutoff) {
				return finish(snap, totalDur), nil
			}
			snap.RunsTotal++
			switch r.Status {
			case model.RunStatusQueued:
				snap.RunsQueued++
			case model.RunStatusFitting:
				snap.RunsFitting++
			case model.RunStatusComplete:
				snap.RunsComplete++
				totalDur += r.UpdatedAt.Sub(r.CreatedAt)
			case model.RunStatusFailed:
				snap.RunsFailed++
			}
			if r.Result != nil {
				snap.FitsTotal += r.Result.FitsTotal
				snap.FitsFailed += r.Result.FitsFailed
				snap.Outliers += r.Result.Outliers
			}
		}
		if len(page) < c.pageSize {
			return finish(snap, totalDur), nil
		}
	}
}

func finish(snap *MetricsSnapshot, totalDur time.Duration) *MetricsSnapshot {
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsComplete > 0 {
		snap.AvgDuration = totalDur.Seconds() / float64(snap.RunsComplete)
	}
	return snap
}
