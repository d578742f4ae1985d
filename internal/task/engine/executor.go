package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/internal/task/asyncstate"
	logx "taskd/pkg/logx"
)

// shutdownResult is recorded on runs interrupted by process shutdown.
const shutdownResult = "interrupted by shutdown"

// Executor runs one claimed execution to completion: it resolves the handler,
// tracks cancellation and progress, and always closes the history row.
type Executor struct {
	mu  sync.Mutex
	cfg Config

	store Store
	reg   Resolver
	scope *asyncstate.Scope
	log   logx.Logger
	bus   eventbus.Bus
}

func New(cfg Config, store Store, reg Resolver, scope *asyncstate.Scope, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if scope == nil {
		scope = asyncstate.New()
	}
	return &Executor{
		cfg:   cfg.withDefaults(),
		store: store,
		reg:   reg,
		scope: scope,
		log:   log.With(logx.String("comp", "executor")),
		bus:   bus,
	}
}

// Apply swaps tuning at runtime; in-flight runs keep the config they started with.
func (x *Executor) Apply(cfg Config) {
	x.mu.Lock()
	x.cfg = cfg.withDefaults()
	x.mu.Unlock()
}

func (x *Executor) config() Config {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cfg
}

// Scope exposes the cancellation scope shared with the scheduler.
func (x *Executor) Scope() *asyncstate.Scope { return x.scope }

// Execute blocks until the handler returns and the outcome is persisted.
// Handler errors and panics never escape; they become the run's outcome.
func (x *Executor) Execute(ctx context.Context, req Request) task.Outcome {
	cfg := x.config()
	d, run := req.Descriptor, req.Run
	corr := task.CorrelationID(d.ID)
	log := x.log.With(
		logx.Int64("task_id", d.ID),
		logx.String("task", d.Name),
		logx.Int64("run_id", run.ID),
		logx.String("trigger", string(req.Trigger)),
	)

	runCtx, release := x.scope.Begin(ctx, corr)
	defer release()
	x.scope.Set(corr, asyncstate.KeyRunID, run.ID)

	start := time.Now()
	log.Debug("run started", logx.String("type", d.Type))
	x.publish(eventbus.RunStarted, d, run, req.Trigger, task.Outcome{Status: task.StatusRunning}, 0)

	params := task.MergeParams(d.Parameters, req.Params)
	var (
		tc  *task.Context
		err error
	)
	h, err := x.resolve(d)
	if err == nil {
		tc = task.NewContext(d, run, params, log, x.progressFunc(ctx, cfg, corr, run.ID, log), func() bool {
			return x.scope.IsCancelled(corr)
		})
		err = x.invoke(runCtx, d, h, tc, log)
	}

	out := x.classify(ctx, corr, tc, err)
	dur := time.Since(start)

	if ferr := x.finalize(ctx, cfg, run.ID, out, log); ferr != nil {
		log.Error("finalize failed; row left for the orphan sweep", logx.Err(ferr))
	}

	if out.Status == task.StatusFailed && d.StopOnError {
		sctx, cancel := storeContext(ctx, cfg)
		if serr := x.store.SetEnabled(sctx, d.ID, false); serr != nil {
			log.Warn("stop-on-error disable failed", logx.Err(serr))
		} else {
			log.Warn("task disabled after failure (stop_on_error)")
		}
		cancel()
	}

	switch out.Status {
	case task.StatusSucceeded:
		if dur >= 750*time.Millisecond {
			log.Info("run succeeded", logx.Duration("dur", dur))
		} else {
			log.Debug("run succeeded", logx.Duration("dur", dur))
		}
	case task.StatusCancelled:
		log.Info("run cancelled", logx.Duration("dur", dur), logx.String("result", out.Result))
	default:
		log.Warn("run failed", logx.Duration("dur", dur), logx.String("error", out.Error))
	}
	x.publish(eventbus.RunFinished, d, run, req.Trigger, out, dur)
	return out
}

func (x *Executor) resolve(d task.Descriptor) (task.Handler, error) {
	ht := x.reg.ResolveHandlerType(d.Type)
	if ht == nil {
		return nil, &task.HandlerResolutionError{Type: d.Type}
	}
	return x.reg.Activate(ht)
}

// invoke guards against handler panics: one bad handler must not take the process down.
func (x *Executor) invoke(ctx context.Context, d task.Descriptor, h task.Handler, tc *task.Context, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = &task.HandlerExecutionError{Type: d.Type, Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	if err := h.Run(ctx, tc); err != nil {
		return &task.HandlerExecutionError{Type: d.Type, Err: err}
	}
	return nil
}

// classify maps the handler result onto a terminal outcome.
func (x *Executor) classify(parent context.Context, corr string, tc *task.Context, err error) task.Outcome {
	result := ""
	if tc != nil {
		result = tc.Result()
	}
	switch {
	case err == nil:
		return task.Outcome{Status: task.StatusSucceeded, Result: result}
	case errors.Is(err, task.ErrCancelled),
		x.scope.IsCancelled(corr) && errors.Is(err, context.Canceled):
		return task.Outcome{Status: task.StatusCancelled, Result: result}
	case parent.Err() != nil && errors.Is(err, context.Canceled):
		return task.Outcome{Status: task.StatusCancelled, Result: shutdownResult}
	default:
		return task.Outcome{Status: task.StatusFailed, Error: err.Error(), Result: result}
	}
}

// finalize closes the row, retrying transient store failures with jittered backoff.
// It uses a context detached from ctx so shutdown does not leave rows open.
func (x *Executor) finalize(ctx context.Context, cfg Config, runID int64, out task.Outcome, log logx.Logger) error {
	var err error
	for attempt := 0; attempt <= cfg.FinalizeRetryMax; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg.FinalizeRetryBase, cfg.FinalizeRetryMaxDelay, 0.2, attempt)
			log.Debug("finalize retry scheduled", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
			time.Sleep(delay)
		}
		sctx, cancel := storeContext(ctx, cfg)
		err = x.store.Finalize(sctx, runID, out)
		cancel()
		if err == nil || errors.Is(err, task.ErrNotFound) {
			return err
		}
	}
	return err
}

func (x *Executor) publish(typ string, d task.Descriptor, run task.ExecutionInfo, trig task.Trigger, out task.Outcome, dur time.Duration) {
	if x.bus == nil {
		return
	}
	x.bus.Publish(eventbus.Event{Type: typ, Data: task.RunEvent{
		DescriptorID: d.ID,
		Name:         d.Name,
		Type:         d.Type,
		RunID:        run.ID,
		MachineName:  run.MachineName,
		Trigger:      trig,
		Status:       out.Status,
		Error:        out.Error,
		Result:       out.Result,
		Duration:     dur,
	}})
}

// storeContext detaches from ctx cancellation but keeps a deadline.
func storeContext(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
}
