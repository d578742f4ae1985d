package scheduler

import (
	"context"
	"errors"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	"taskd/internal/task/schedule"
	logx "taskd/pkg/logx"
)

const tickErrorThrottle = time.Minute

// tick dispatches every due descriptor. It never blocks on a run: handlers
// execute on supervised goroutines, and overlap is prevented by the claim.
func (s *Service) tick(ctx context.Context) {
	if !s.Enabled() || ctx.Err() != nil {
		return
	}
	now := s.now().UTC()
	due, err := s.store.GetDueTasks(ctx, now, s.machine)
	if err != nil {
		s.reportTickError(err)
		return
	}
	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		_, err := s.dispatch(ctx, d, task.TriggerScheduled, nil)
		switch {
		case err == nil:
		case errors.Is(err, task.ErrAlreadyRunning), errors.Is(err, task.ErrModuleInactive), errors.Is(err, task.ErrNotFound):
			s.log.Trace("due task skipped", logx.Int64("task_id", d.ID), logx.String("reason", err.Error()))
		case errors.Is(err, supervisor.ErrStopped):
			return
		default:
			s.reportTickError(err)
			return
		}
	}
}

// dispatch claims d and starts its execution in the background.
// A lost claim surfaces as task.ErrAlreadyRunning.
func (s *Service) dispatch(ctx context.Context, d task.Descriptor, trig task.Trigger, params map[string]string) (*Run, error) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil, ErrNotStarted
	}

	if ht := s.reg.ResolveHandlerType(d.Type); ht != nil && !s.reg.IsModuleActive(ht) {
		s.publish(eventbus.RunSkipped, task.RunEvent{
			DescriptorID: d.ID, Name: d.Name, Type: d.Type, Trigger: trig, Reason: "module inactive",
		})
		return nil, task.ErrModuleInactive
	}

	run, err := s.store.TryClaim(ctx, d.ID, s.machine)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, task.ErrAlreadyRunning
	}

	r := &Run{Execution: *run, done: make(chan struct{})}
	err = sup.TryGo("task:"+d.Name, func(rctx context.Context) error {
		defer close(r.done)
		r.outcome = s.exec.Execute(rctx, engine.Request{Descriptor: d, Run: *run, Trigger: trig, Params: params})
		s.reschedule(rctx, d.ID)
		return nil
	})
	if err != nil {
		// Release the claim; the row would otherwise wait for the orphan sweep.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := s.store.Finalize(fctx, run.ID, task.Outcome{Status: task.StatusCancelled, Result: "scheduler stopping"}); ferr != nil {
			s.log.Warn("releasing claim failed", logx.Int64("run_id", run.ID), logx.Err(ferr))
		}
		close(r.done)
		return nil, err
	}
	return r, nil
}

// reschedule recomputes the next run from the completion time.
// The descriptor is re-read so edits and stop-on-error made during the run win.
// RunPerMachine descriptors only advance this machine's schedule.
func (s *Service) reschedule(ctx context.Context, id int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	d, err := s.store.GetTask(ctx, id)
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			s.log.Warn("reschedule: load failed", logx.Int64("task_id", id), logx.Err(err))
		}
		return
	}
	next := s.nextRun(*d, s.now())
	if d.RunPerMachine {
		err = s.store.SetMachineNextRun(ctx, id, s.machine, next)
	} else {
		err = s.store.SetNextRun(ctx, id, next)
	}
	if err != nil {
		s.log.Warn("reschedule: write failed", logx.Int64("task_id", id), logx.Err(err))
	}
}

// nextRun returns the zero time for unscheduled descriptors and for invalid
// or exhausted expressions; such descriptors stop firing until edited.
func (s *Service) nextRun(d task.Descriptor, after time.Time) time.Time {
	if !d.Scheduled() {
		return time.Time{}
	}
	next, ok, err := s.evaluator().NextOccurrence(d.CronExpression, after)
	if err != nil {
		var pe *schedule.ParseError
		if errors.As(err, &pe) {
			s.log.Error("invalid cron expression; task will not fire",
				logx.Int64("task_id", d.ID), logx.String("task", d.Name), logx.String("expr", d.CronExpression), logx.Err(err))
		}
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	return next
}

// reportTickError degrades a failed tick to a no-op, logging at most once per throttle window.
func (s *Service) reportTickError(err error) {
	s.publish(eventbus.TickFailed, err.Error())

	now := time.Now()
	s.tickMu.Lock()
	last := s.lastTickErr
	if !last.IsZero() && now.Sub(last) < tickErrorThrottle {
		s.tickMu.Unlock()
		s.log.Debug("tick failed", logx.Err(err))
		return
	}
	s.lastTickErr = now
	s.tickMu.Unlock()

	s.log.Warn("tick failed; retrying next interval", logx.Err(err))
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
