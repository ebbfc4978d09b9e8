package model

import "time"

// RunStatus represents the current state of a calibration fit run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusFitting  RunStatus = "fitting"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// AllowedFrom returns the statuses a run may move to s from. Queued has no
// predecessors.
func (s RunStatus) AllowedFrom() []RunStatus {
	switch s {
	case RunStatusFitting:
		return []RunStatus{RunStatusQueued}
	case RunStatusComplete:
		return []RunStatus{RunStatusFitting}
	case RunStatusFailed:
		return []RunStatus{RunStatusQueued, RunStatusFitting}
	}
	return nil
}

// CanTransition reports whether a run in status s may move to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, from := range next.AllowedFrom() {
		if from == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed
}

// RunInput describes the files and options a run was started with.
type RunInput struct {
	Title     string   `json:"title"`
	Metafits  []string `json:"metafits"`
	Solutions []string `json:"solutions"`
	RefAnt    string   `json:"ref_ant"`
	FitIono   bool     `json:"fit_iono"`
	ObsIDs    []int64  `json:"obsids,omitempty"`
}

// Run represents a single calibration fit run.
type Run struct {
	ID        string     `json:"id"`
	Input     RunInput   `json:"input"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult holds the final outcome of a run.
type RunResult struct {
	Timeblocks  int      `json:"timeblocks"`
	FitsTotal   int      `json:"fits_total"`
	FitsFailed  int      `json:"fits_failed"`
	Outliers    int      `json:"outliers"`
	OutputFiles []string `json:"output_files"`
}

// StoredPhaseFit is one persisted phase fit row.
type StoredPhaseFit struct {
	RunID     string       `json:"run_id"`
	Timeblock int          `json:"timeblock"`
	TileID    int          `json:"tile_id"`
	SolnIdx   int          `json:"soln_idx"`
	Pol       Pol          `json:"pol"`
	Outlier   bool         `json:"outlier"`
	Fit       PhaseFitInfo `json:"fit"`
}
