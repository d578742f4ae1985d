package app

import (
	"errors"
	"strings"
	"time"

	"taskd/internal/adminapi"
	"taskd/internal/config"
	"taskd/internal/notify"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

const defaultSQLitePath = "./taskd.db"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := config.StorageDriver(sc.Driver)
	switch driver {
	case "sqlite":
		busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, 0)
		if err != nil {
			return storage.Config{}, err
		}
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultSQLitePath
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: dsn, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, errors.New("unknown storage.driver: " + sc.Driver)
	}
}

// mapSchedulerConfig leaves zero values for the scheduler's own defaults.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.Duration(path, raw, 0)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out := scheduler.Config{
		Enabled:          cfg.Scheduler.Enabled,
		PollInterval:     dur("scheduler.poll_interval", cfg.Scheduler.PollInterval),
		MachineName:      strings.TrimSpace(cfg.Scheduler.MachineName),
		Timezone:         strings.TrimSpace(cfg.Scheduler.Timezone),
		RecoveryGrace:    dur("recovery.grace", cfg.Recovery.Grace),
		RecoveryInterval: dur("recovery.interval", cfg.Recovery.Interval),
		HistoryMaxAge:    dur("history.max_age", cfg.History.MaxAge),
		HistoryMaxCount:  cfg.History.MaxCount,
		PurgeInterval:    dur("history.purge_interval", cfg.History.PurgeInterval),
	}
	return out, errors.Join(errs...)
}

func mapExecutorConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Executor
	if e == nil {
		return engine.Config{}, nil
	}
	base, err1 := config.Duration("executor.finalize_retry_base", e.FinalizeRetryBase, 0)
	maxDelay, err2 := config.Duration("executor.finalize_retry_max_delay", e.FinalizeRetryMaxDelay, 0)
	progress, err3 := config.Duration("executor.progress_interval", e.ProgressInterval, 0)
	storeTimeout, err4 := config.Duration("executor.store_timeout", e.StoreTimeout, 0)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		FinalizeRetryMax:      e.FinalizeRetryMax,
		FinalizeRetryBase:     base,
		FinalizeRetryMaxDelay: maxDelay,
		ProgressInterval:      progress,
		StoreTimeout:          storeTimeout,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	n := cfg.Notify
	if n == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:           n.Enabled,
		ScheduledFailures: n.ScheduledFailures,
		RatePerSec:        n.RatePerSec,
	}
}

// mapSenders always includes the log sender so notifications stay visible
// without any chat channel configured.
func mapSenders(cfg *config.Config, log logx.Logger) ([]notify.Sender, error) {
	senders := []notify.Sender{notify.LogSender{Log: log}}
	n := cfg.Notify
	if n == nil || n.Telegram == nil {
		return senders, nil
	}
	tg, err := notify.NewTelegram(notify.TelegramConfig{
		Token:    n.Telegram.Token,
		ChatID:   n.Telegram.ChatID,
		ThreadID: n.Telegram.ThreadID,
	})
	if err != nil {
		return senders, err
	}
	return append(senders, tg), nil
}

func mapAdminConfig(cfg *config.Config) (adminapi.Config, error) {
	a := cfg.Admin
	wait, err1 := config.Duration("admin.run_now_wait", a.RunNowWait, 0)
	read, err2 := config.Duration("admin.read_timeout", a.ReadTimeout, 0)
	write, err3 := config.Duration("admin.write_timeout", a.WriteTimeout, 0)
	if err := errors.Join(err1, err2, err3); err != nil {
		return adminapi.Config{}, err
	}
	return adminapi.Config{
		Addr:         strings.TrimSpace(a.Addr),
		Token:        strings.TrimSpace(a.Token),
		RunNowWait:   wait,
		ReadTimeout:  read,
		WriteTimeout: write,
		Profiling:    a.Pprof,
	}, nil
}

// validateMappings is installed as the reload validator: a config that
// Validate accepts but a component cannot take is rejected before commit.
func validateMappings(cfg *config.Config) error {
	_, err1 := mapStorageConfig(cfg)
	_, err2 := mapSchedulerConfig(cfg)
	_, err3 := mapExecutorConfig(cfg)
	_, err4 := mapAdminConfig(cfg)
	return errors.Join(err1, err2, err3, err4)
}
