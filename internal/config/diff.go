package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never secrets: tokens and DSNs are reported as set/unset)
// and (3) the module names whose enabled flag or config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if StorageDriver(oldS.Driver) != StorageDriver(newS.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(newS.Path) ||
		strings.TrimSpace(oldS.DSN) != strings.TrimSpace(newS.DSN) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) ||
		oldS.MaxOpenConns != newS.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", StorageDriver(newS.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newS.DSN) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(derefExecutor(oldCfg.Executor), derefExecutor(newCfg.Executor)) {
		changed = append(changed, "executor")
	}
	if oldCfg.Recovery != newCfg.Recovery {
		changed = append(changed, "recovery")
	}
	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.max_age", newCfg.History.MaxAge),
			logx.Int("history.max_count", newCfg.History.MaxCount),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
		)
	}

	if !reflect.DeepEqual(derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)) {
		changed = append(changed, "notify")
		n := derefNotify(newCfg.Notify)
		attrs = append(attrs,
			logx.Bool("notify.enabled", n.Enabled),
			logx.Bool("notify.telegram", n.Telegram != nil),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.Int("tasks.count", len(newCfg.Tasks)))
	}

	moduleChanged := diffModules(oldCfg.Modules, newCfg.Modules)
	if len(moduleChanged) > 0 {
		changed = append(changed, "modules")
		attrs = append(attrs,
			logx.Int("modules.changed_count", len(moduleChanged)),
			logx.Int("modules.enabled_count", countEnabled(newCfg.Modules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, moduleChanged
}

func derefExecutor(e *ExecutorConfig) ExecutorConfig {
	if e == nil {
		return ExecutorConfig{}
	}
	return *e
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func countEnabled(m map[string]ModuleConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffModules(oldM, newM map[string]ModuleConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || fingerprint(o.Config) != fingerprint(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
