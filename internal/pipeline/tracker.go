package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/mwa-demo/calfit/internal/model"
	"github.com/mwa-demo/calfit/internal/report"
	"github.com/mwa-demo/calfit/internal/resilience"
	"github.com/mwa-demo/calfit/internal/store"
)

// tracker records run progress in the store. Transient store errors are
// retried; remaining failures are logged and never abort the fit. A nil
// store turns every call into a no-op.
type tracker struct {
	ctx   context.Context
	log   *zap.Logger
	store store.Store
	id    string
}

func (p *Pipeline) startRun(ctx context.Context, log *zap.Logger, input model.RunInput) *tracker {
	tr := &tracker{ctx: ctx, log: log}
	if p.store == nil {
		return tr
	}
	var run *model.Run
	err := resilience.Do(ctx, resilience.DefaultPolicy(), "create run", func(ctx context.Context) error {
		var err error
		run, err = p.store.CreateRun(ctx, input)
		return err
	})
	if err != nil {
		log.Warn("pipeline: failed to create run", zap.Error(err))
		return tr
	}
	tr.store = p.store
	tr.id = run.ID
	tr.log = log.With(zap.String("run_id", run.ID))
	tr.setStatus(model.RunStatusFitting)
	return tr
}

func (tr *tracker) setStatus(status model.RunStatus) {
	if tr.store == nil {
		return
	}
	err := tr.retry(tr.ctx, "update run status", func(ctx context.Context) error {
		return tr.store.UpdateRunStatus(ctx, tr.id, status)
	})
	if err != nil {
		tr.log.Warn("pipeline: failed to update status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (tr *tracker) storeFits(timeblock int, rows []report.PhaseFitRow) {
	if tr.store == nil {
		return
	}
	fits := make([]model.StoredPhaseFit, len(rows))
	for i, r := range rows {
		fits[i] = model.StoredPhaseFit{
			RunID:     tr.id,
			Timeblock: timeblock,
			TileID:    r.TileID,
			SolnIdx:   r.SolnIdx,
			Pol:       r.Pol,
			Outlier:   r.Outlier,
			Fit:       r.Fit,
		}
	}
	err := tr.retry(tr.ctx, "store phase fits", func(ctx context.Context) error {
		return tr.store.InsertPhaseFits(ctx, tr.id, fits)
	})
	if err != nil {
		tr.log.Warn("pipeline: failed to store phase fits", zap.Int("timeblock", timeblock), zap.Error(err))
	}
}

func (tr *tracker) complete(result *model.RunResult) {
	if tr.store == nil {
		return
	}
	err := tr.retry(tr.ctx, "complete run", func(ctx context.Context) error {
		return tr.store.CompleteRun(ctx, tr.id, result)
	})
	if err != nil {
		tr.log.Warn("pipeline: failed to save run result", zap.Error(err))
	}
}

func (tr *tracker) fail(cause error) {
	if tr.store == nil {
		return
	}
	// The run context may already be cancelled; record the failure anyway.
	err := tr.retry(context.WithoutCancel(tr.ctx), "fail run", func(ctx context.Context) error {
		return tr.store.FailRun(ctx, tr.id, cause.Error())
	})
	if err != nil {
		tr.log.Warn("pipeline: failed to mark run failed", zap.Error(err))
	}
}

func (tr *tracker) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, resilience.DefaultPolicy(), op, fn)
}
