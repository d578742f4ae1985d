package engine

import (
	"context"

	"golang.org/x/time/rate"

	"taskd/internal/task"
	"taskd/internal/task/asyncstate"
	logx "taskd/pkg/logx"
)

// progressFunc mirrors every update into the scope and persists at most one
// update per ProgressInterval. Completion (100%) is always written.
func (x *Executor) progressFunc(ctx context.Context, cfg Config, corr string, runID int64, log logx.Logger) task.ProgressFunc {
	lim := rate.NewLimiter(rate.Every(cfg.ProgressInterval), 1)
	return func(percent *int, message string) {
		if percent != nil {
			x.scope.Set(corr, asyncstate.KeyPercent, *percent)
		}
		x.scope.Set(corr, asyncstate.KeyMessage, message)

		final := percent != nil && *percent >= 100
		if !final && !lim.Allow() {
			return
		}
		sctx, cancel := storeContext(ctx, cfg)
		defer cancel()
		if err := x.store.RecordProgress(sctx, runID, percent, message); err != nil {
			log.Debug("progress write failed", logx.Err(err))
		}
	}
}
