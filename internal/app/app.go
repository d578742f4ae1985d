package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"taskd/internal/adminapi"
	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/module"
	"taskd/internal/notify"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task/activator"
	"taskd/internal/task/asyncstate"
	"taskd/internal/task/engine"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
	"taskd/pkg/systemd"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm     *config.ConfigManager
	sup      *supervisor.Supervisor
	instance string

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	modules *module.Manager
	exec    *engine.Executor
	sched   *scheduler.Service
	notif   *notify.Service
	admin   *adminapi.Server
	sd      systemd.Notifier
}

// New loads the config, opens storage and builds every component. Nothing
// runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateMappings(cfg); err != nil {
		return nil, err
	}

	instance := shortuuid.New()[:12]
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("instance", instance))
	appLog := log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	set := activator.NewModuleSet(nil)
	reg := activator.NewRegistry(set)
	mods := module.NewManager(log.With(logx.String("comp", "modules")), reg, set, module.Deps{
		Log:   log,
		Store: store,
	})

	execCfg, _ := mapExecutorConfig(cfg)
	exec := engine.New(execCfg, store, reg, asyncstate.New(), log, bus)

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, store, reg, exec, log, bus)
	sched.SetSeeds(cfg.Descriptors())

	notifLog := log.With(logx.String("comp", "notify"))
	senders, err := mapSenders(cfg, notifLog)
	if err != nil {
		appLog.Warn("telegram notifications disabled", logx.Err(err))
	}
	notif := notify.New(mapNotifyConfig(cfg), notifLog, bus, senders...)

	a := &App{
		cfgm:     cfgm,
		instance: instance,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		modules:  mods,
		exec:     exec,
		sched:    sched,
		notif:    notif,
	}
	if cfg.Admin.Enabled {
		adminCfg, _ := mapAdminConfig(cfg)
		a.admin = adminapi.New(adminCfg, sched, log,
			adminapi.WithModules(mods.Snapshot),
			adminapi.WithNotifications(notif.Snapshot),
		)
	}
	return a, nil
}

// Modules is where task modules are registered before Start.
func (a *App) Modules() *module.Manager { return a.modules }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Instance() string { return a.instance }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMappings(cfg)
	})

	a.modules.Apply(runCtx, a.cfgm.Get().Modules)

	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.admin != nil {
		errs, err := a.admin.Start()
		if err != nil {
			return fmt.Errorf("start admin api: %w", err)
		}
		a.sup.Go("adminapi", func(c context.Context) error {
			select {
			case <-c.Done():
				return nil
			case err := <-errs:
				return err
			}
		})
	}

	// Debug-level event log; the notifier and admin API subscribe on their own.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		_, _ = a.sd.Status("scheduling on %s", a.sched.MachineName())
		if iv := systemd.WatchdogInterval(); iv > 0 {
			a.sup.Go("systemd.watchdog", func(c context.Context) error {
				return a.sd.Watchdog(c, iv, func() bool { return a.sched.Snapshot().Started })
			})
			a.log.Info("systemd watchdog enabled", logx.Duration("interval", iv))
		}
	}

	a.log.Info("app started", logx.String("machine", a.sched.MachineName()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	// Interrupted runs are finalized while storage is still open and their
	// notifications drain before the supervisor context is canceled.
	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("adminapi", 2*time.Second, func(c context.Context) error {
		if a.admin == nil {
			return nil
		}
		return a.admin.Stop(c)
	})
	step("scheduler", 5*time.Second, a.sched.Stop)
	a.exec.Scope().Reset()
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}
