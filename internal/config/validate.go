package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskd/internal/task"
	"taskd/internal/task/schedule"
	logx "taskd/pkg/logx"
)

// Validate checks everything that can be checked without opening resources.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := Duration(path, raw, 0)
		add(err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	switch StorageDriver(cfg.Storage.Driver) {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if cfg.Storage.MaxOpenConns < 0 {
		add(errors.New("storage.max_open_conns must be >= 0"))
	}

	dur("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	if _, err := schedule.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}

	if e := cfg.Executor; e != nil {
		dur("executor.finalize_retry_base", e.FinalizeRetryBase)
		dur("executor.finalize_retry_max_delay", e.FinalizeRetryMaxDelay)
		dur("executor.progress_interval", e.ProgressInterval)
		dur("executor.store_timeout", e.StoreTimeout)
	}
	dur("recovery.grace", cfg.Recovery.Grace)
	dur("recovery.interval", cfg.Recovery.Interval)
	dur("history.max_age", cfg.History.MaxAge)
	dur("history.purge_interval", cfg.History.PurgeInterval)
	if cfg.History.MaxCount < 0 {
		add(errors.New("history.max_count must be >= 0"))
	}

	dur("admin.run_now_wait", cfg.Admin.RunNowWait)
	dur("admin.read_timeout", cfg.Admin.ReadTimeout)
	dur("admin.write_timeout", cfg.Admin.WriteTimeout)

	if n := cfg.Notify; n != nil && n.Enabled {
		if n.RatePerSec < 0 {
			add(errors.New("notify.rate_per_sec must be >= 0"))
		}
		if tg := n.Telegram; tg != nil {
			if strings.TrimSpace(tg.Token) == "" {
				add(errors.New("notify.telegram.token is required"))
			}
			if tg.ChatID == 0 {
				add(errors.New("notify.telegram.chat_id is required"))
			}
		}
	}

	eval := schedule.New(time.UTC)
	for i, t := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.Type) == "" {
			add(fmt.Errorf("%s: name and type are required", path))
		}
		if _, err := task.ParsePriority(t.Priority); err != nil {
			add(fmt.Errorf("%s.priority: %w", path, err))
		}
		if c := strings.TrimSpace(t.Cron); c != "" {
			if err := eval.Validate(c); err != nil {
				add(fmt.Errorf("%s.cron: %w", path, err))
			}
		}
	}
	return errors.Join(errs...)
}

// StorageDriver normalizes driver aliases. Empty means sqlite.
func StorageDriver(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

// Descriptors converts seeds to task descriptors. Call after Validate.
func (c *Config) Descriptors() []task.Descriptor {
	out := make([]task.Descriptor, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		prio, _ := task.ParsePriority(t.Priority)
		out = append(out, task.Descriptor{
			Name:           strings.TrimSpace(t.Name),
			Type:           strings.TrimSpace(t.Type),
			CronExpression: strings.TrimSpace(t.Cron),
			Enabled:        t.Enabled,
			RunPerMachine:  t.RunPerMachine,
			StopOnError:    t.StopOnError,
			IsSystem:       t.System,
			Priority:       prio,
			Parameters:     t.Parameters,
		})
	}
	return out
}
