package housekeeping

import (
	"context"
	"fmt"
	"time"

	"taskd/internal/config"
	"taskd/internal/task"
)

// purgeHandler trims execution history.
//
// Params: max_age (duration), max_count (rows kept per task). Zero disables a rule.
type purgeHandler struct{ m *Module }

func (h *purgeHandler) Run(ctx context.Context, tc *task.Context) error {
	cfg, store := h.m.snapshot()
	if store == nil {
		return fmt.Errorf("housekeeping: not initialized")
	}

	maxAge, err := config.Duration("max_age", tc.Param("max_age"), cfg.historyMaxAge)
	if err != nil {
		return err
	}
	maxCount := tc.ParamInt("max_count", cfg.historyMaxCount)
	if maxAge <= 0 && maxCount <= 0 {
		tc.SetResult("no retention limits configured")
		return nil
	}

	tc.ReportProgress(0, "purging history")
	n, err := store.PurgeHistory(ctx, time.Now().UTC(), maxAge, maxCount)
	if err != nil {
		return fmt.Errorf("purge history: %w", err)
	}
	tc.ReportProgress(100, "done")
	tc.SetResult(fmt.Sprintf("removed %d history rows", n))
	return nil
}
