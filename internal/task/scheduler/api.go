package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/activator"
	"taskd/internal/task/asyncstate"
	logx "taskd/pkg/logx"
)

const (
	defaultPreviewCount = 20
	defaultHistoryLimit = 50
)

// RunSingleTask starts d immediately, regardless of enabled flag or next run.
// params override the descriptor's parameters for this run only.
func (s *Service) RunSingleTask(ctx context.Context, id int64, params map[string]string) (*Run, error) {
	d, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := s.dispatch(ctx, *d, task.TriggerManual, params)
	if err != nil {
		return nil, err
	}
	s.log.Info("manual run started", logx.Int64("task_id", id), logx.String("task", d.Name), logx.Int64("run_id", r.Execution.ID))
	return r, nil
}

// RequestCancellation flags the live run of descriptor id, if any.
// The handler stops at its next cancellation check.
func (s *Service) RequestCancellation(id int64) bool {
	ok := s.exec.Scope().Cancel(task.CorrelationID(id))
	if ok {
		s.log.Info("cancellation requested", logx.Int64("task_id", id))
	}
	return ok
}

// ListTasks returns every descriptor whose module is active, enriched with
// this machine's last run and live progress. Unknown types stay visible.
func (s *Service) ListTasks(ctx context.Context) ([]TaskInfo, error) {
	all, err := s.store.ListTasks(ctx, true)
	if err != nil {
		return nil, err
	}
	eval := s.evaluator()
	now := s.now()
	out := make([]TaskInfo, 0, len(all))
	for _, d := range all {
		info := TaskInfo{Descriptor: d, DisplayName: d.Name}
		if ht := s.reg.ResolveHandlerType(d.Type); ht != nil {
			if !s.reg.IsModuleActive(ht) {
				continue
			}
			info.Module = ht.Module
			if ht.DisplayName != "" && ht.DisplayName != ht.Type {
				info.DisplayName = ht.DisplayName
			}
		}
		if d.RunPerMachine {
			own, err := s.store.MachineNextRun(ctx, d.ID, s.machine)
			if err != nil {
				return nil, err
			}
			if !own.IsZero() {
				info.NextRunUtc = own
			}
		}
		last, err := s.store.LastExecution(ctx, d.ID, s.machine)
		if err != nil {
			return nil, err
		}
		info.LastRun = last
		if d.Scheduled() {
			if prev, ok, err := eval.PreviousOccurrence(d.CronExpression, now.Add(time.Second)); err == nil && ok {
				info.PrevScheduledUtc = prev
			}
		}
		info.Running, info.ProgressPercent, info.ProgressMessage = s.liveProgress(d.ID)
		out = append(out, info)
	}
	return out, nil
}

func (s *Service) liveProgress(id int64) (running bool, percent *int, message string) {
	scope := s.exec.Scope()
	corr := task.CorrelationID(id)
	if _, ok := scope.Since(corr); !ok {
		return false, nil, ""
	}
	if v, ok := scope.Get(corr, asyncstate.KeyPercent); ok {
		if p, ok := v.(int); ok {
			percent = &p
		}
	}
	if v, ok := scope.Get(corr, asyncstate.KeyMessage); ok {
		message, _ = v.(string)
	}
	return true, percent, message
}

// RunningTasks lists this machine's running rows, preferring live progress over
// the persisted (throttled) values.
func (s *Service) RunningTasks(ctx context.Context) ([]RunningTask, error) {
	rows, err := s.store.ListExecutions(ctx, storage.ExecutionQuery{MachineName: s.machine, RunningOnly: true})
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]RunningTask, 0, len(rows))
	for _, e := range rows {
		rt := RunningTask{
			DescriptorID:    e.DescriptorID,
			RunID:           e.ID,
			StartedUtc:      e.StartedUtc,
			Elapsed:         e.Duration(now),
			ProgressPercent: e.ProgressPercent,
			ProgressMessage: e.ProgressMessage,
			CancelRequested: s.exec.Scope().IsCancelled(task.CorrelationID(e.DescriptorID)),
		}
		if live, p, msg := s.liveProgress(e.DescriptorID); live {
			if p != nil {
				rt.ProgressPercent = p
			}
			if msg != "" {
				rt.ProgressMessage = msg
			}
		}
		out = append(out, rt)
	}
	for i := range out {
		if d, err := s.store.GetTask(ctx, out[i].DescriptorID); err == nil {
			out[i].Name = d.Name
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedUtc.Before(out[j].StartedUtc) })
	return out, nil
}

// History returns the newest runs of descriptor id across all machines.
func (s *Service) History(ctx context.Context, id int64, limit int) ([]task.ExecutionInfo, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.store.ListExecutions(ctx, storage.ExecutionQuery{DescriptorID: id, Limit: limit})
}

// PreviewSchedule lists up to max fire times within the next year.
// On a parse error the returned Preview carries the message as well.
func (s *Service) PreviewSchedule(expr string, max int) (Preview, error) {
	if max <= 0 {
		max = defaultPreviewCount
	}
	eval := s.evaluator()
	p := Preview{Expression: expr, Timezone: eval.Location().String(), Next: []time.Time{}}
	now := s.now()
	next, err := eval.Preview(expr, now, now.AddDate(1, 0, 0), max)
	if err != nil {
		p.Error = err.Error()
		return p, err
	}
	if next != nil {
		p.Next = next
	}
	p.Description, _ = eval.Describe(expr)
	return p, nil
}

// SaveTask validates d, computes its next run and inserts (ID 0) or updates it.
// Type and protection of a system descriptor cannot be changed.
func (s *Service) SaveTask(ctx context.Context, d *task.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.CronExpression != "" {
		if err := s.evaluator().Validate(d.CronExpression); err != nil {
			return err
		}
	}
	d.NextRunUtc = s.nextRun(*d, s.now())

	if d.ID == 0 {
		if _, err := s.store.AddTask(ctx, d); err != nil {
			return err
		}
		s.log.Info("task created", logx.Int64("task_id", d.ID), logx.String("task", d.Name))
		return nil
	}

	cur, err := s.store.GetTask(ctx, d.ID)
	if err != nil {
		return err
	}
	if cur.IsSystem {
		if activator.NormalizeTypeName(cur.Type) != activator.NormalizeTypeName(d.Type) {
			return fmt.Errorf("%w: type of task %d cannot change", task.ErrProtected, d.ID)
		}
		d.IsSystem = true
	}
	if err := s.store.UpdateTask(ctx, d); err != nil {
		return err
	}
	s.log.Info("task updated", logx.Int64("task_id", d.ID), logx.String("task", d.Name), logx.Bool("enabled", d.Enabled))
	return nil
}

// DeleteTasks removes descriptors and their history. Protected descriptors are skipped.
func (s *Service) DeleteTasks(ctx context.Context, ids ...int64) (storage.DeleteResult, error) {
	res, err := s.store.DeleteTasks(ctx, ids...)
	if err != nil && !errors.Is(err, task.ErrProtected) {
		return res, err
	}
	for _, id := range res.Deleted {
		s.exec.Scope().Cancel(task.CorrelationID(id))
	}
	if len(res.Deleted) > 0 || len(res.Skipped) > 0 {
		s.log.Info("tasks deleted", logx.Any("deleted", res.Deleted), logx.Any("skipped", res.Skipped))
	}
	return res, err
}
