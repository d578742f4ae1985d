package scheduler

import (
	"context"
	"errors"
	"fmt"

	"taskd/internal/task"
	"taskd/internal/task/activator"
	"taskd/internal/task/asyncstate"
	logx "taskd/pkg/logx"
)

// recoverOrphans closes running rows whose heartbeat is older than the grace
// period, on any machine. This process's own live runs are touched first, so
// only rows of exited or hung processes qualify.
func (s *Service) recoverOrphans(ctx context.Context) {
	cfg := s.config()
	s.heartbeat(ctx)
	n, err := s.store.RecoverOrphans(ctx, s.now().Add(-cfg.RecoveryGrace), task.OrphanedRunMessage)
	if err != nil {
		s.log.Warn("orphan sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Warn("orphaned runs closed", logx.Int64("count", n), logx.Duration("grace", cfg.RecoveryGrace))
	}
}

// recoverOwnRuns closes rows left running by a previous process with this
// machine name. It runs once, before the first tick.
func (s *Service) recoverOwnRuns(ctx context.Context) {
	n, err := s.store.RecoverMachine(ctx, s.machine, task.OrphanedRunMessage, s.liveRunIDs()...)
	if err != nil {
		s.log.Warn("startup sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Warn("runs from previous process closed", logx.Int64("count", n))
	}
}

// heartbeat marks this process's in-flight runs as alive.
func (s *Service) heartbeat(ctx context.Context) {
	ids := s.liveRunIDs()
	if len(ids) == 0 {
		return
	}
	if err := s.store.Heartbeat(ctx, ids...); err != nil {
		s.log.Warn("heartbeat failed", logx.Int("runs", len(ids)), logx.Err(err))
	}
}

func (s *Service) liveRunIDs() []int64 {
	scope := s.exec.Scope()
	var ids []int64
	for _, corr := range scope.Live() {
		if v, ok := scope.Get(corr, asyncstate.KeyRunID); ok {
			if id, ok := v.(int64); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (s *Service) purgeHistory(ctx context.Context) {
	cfg := s.config()
	n, err := s.store.PurgeHistory(ctx, s.now(), cfg.HistoryMaxAge, cfg.HistoryMaxCount)
	if err != nil {
		s.log.Warn("history purge failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("history purged", logx.Int64("rows", n))
	}
}

// seed creates configured descriptors whose type is not stored yet.
// Existing descriptors are left alone so operator edits survive restarts.
func (s *Service) seed(ctx context.Context) error {
	s.mu.Lock()
	seeds := append([]task.Descriptor(nil), s.seeds...)
	s.mu.Unlock()

	var errs []error
	for _, d := range seeds {
		_, err := s.store.GetTaskByType(ctx, d.Type)
		if err == nil {
			continue
		}
		if !errors.Is(err, task.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		if s.reg.ResolveHandlerType(activator.NormalizeTypeName(d.Type)) == nil {
			s.log.Warn("seeding descriptor with unregistered type", logx.String("type", d.Type))
		}
		if err := s.SaveTask(ctx, &d); err != nil {
			errs = append(errs, fmt.Errorf("seed %s: %w", d.Type, err))
			continue
		}
		s.log.Info("descriptor seeded", logx.Int64("task_id", d.ID), logx.String("task", d.Name), logx.String("cron", d.CronExpression))
	}
	return errors.Join(errs...)
}

// primeNextRuns schedules enabled descriptors that have a cron but no next run,
// e.g. rows inserted directly into the table or left unscheduled by an old parse failure.
func (s *Service) primeNextRuns(ctx context.Context) error {
	all, err := s.store.ListTasks(ctx, false)
	if err != nil {
		return err
	}
	now := s.now()
	for _, d := range all {
		if !d.Scheduled() || !d.NextRunUtc.IsZero() {
			continue
		}
		next := s.nextRun(d, now)
		if next.IsZero() {
			continue
		}
		if err := s.store.SetNextRun(ctx, d.ID, next); err != nil {
			return err
		}
		s.log.Debug("next run primed", logx.Int64("task_id", d.ID), logx.Time("next", next))
	}
	return nil
}
