package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"taskd/internal/config"
	logx "taskd/pkg/logx"
)

// Sections that are read once at startup.
var restartRequired = []string{"storage", "admin", "tasks"}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig fans a committed config out to every live component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, modsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range restartRequired {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg != nil && strings.TrimSpace(oldCfg.Scheduler.MachineName) != strings.TrimSpace(newCfg.Scheduler.MachineName) {
		a.log.Warn("scheduler.machine_name changed; restart required for changes to take effect")
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if len(modsChanged) > 0 {
		a.log.Debug("module config changes detected", logx.Any("modules", modsChanged))
		a.modules.Apply(ctx, newCfg.Modules)
	}

	if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}

	if execCfg, err := mapExecutorConfig(newCfg); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(execCfg)
	}

	if slices.Contains(sections, "notify") {
		a.applyNotify(ctx, newCfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotify(ctx context.Context, cfg *config.Config) {
	ncfg := mapNotifyConfig(cfg)
	wasRunning := a.notif.Running()

	senders, err := mapSenders(cfg, a.log.With(logx.String("comp", "notify")))
	if err != nil {
		a.log.Warn("telegram notifications disabled", logx.Err(err))
	}
	a.notif.SetSenders(senders...)
	a.notif.Apply(ncfg)

	switch {
	case wasRunning && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasRunning && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(a.sup.Context())
	}
}
