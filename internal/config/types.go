package config

import (
	"bytes"
	"encoding/json"
)

// Config is the root of taskd.yaml / taskd.json.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface on load and on hot reload.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Executor tunes per-run bookkeeping. Omitted means defaults.
	Executor *ExecutorConfig `json:"executor,omitempty"`
	Recovery RecoveryConfig  `json:"recovery,omitzero"`
	History  HistoryConfig   `json:"history,omitzero"`

	// Modules toggles task modules by name. A module absent from the map is disabled.
	Modules map[string]ModuleConfigRaw `json:"modules"`

	Admin  AdminConfig   `json:"admin,omitzero"`
	Notify *NotifyConfig `json:"notify,omitempty"`

	// Tasks are seeded on startup when no descriptor of the same type exists.
	Tasks []TaskSeed `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://taskd@db/taskd" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`          // postgres; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// SchedulerConfig controls the polling driver.
//
// Defaults: poll_interval "5s", machine_name = hostname, timezone = host zone.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"`
	MachineName  string `json:"machine_name,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// ExecutorConfig controls how runs are finalized and how progress is persisted.
//
// Defaults: finalize_retry_max 3, finalize_retry_base "500ms",
// finalize_retry_max_delay "5s", progress_interval "1s", store_timeout "5s".
type ExecutorConfig struct {
	FinalizeRetryMax      int    `json:"finalize_retry_max,omitempty"`
	FinalizeRetryBase     string `json:"finalize_retry_base,omitempty"`
	FinalizeRetryMaxDelay string `json:"finalize_retry_max_delay,omitempty"`
	ProgressInterval      string `json:"progress_interval,omitempty"`
	StoreTimeout          string `json:"store_timeout,omitempty"`
}

// RecoveryConfig controls the orphaned-run sweep (startup + periodic).
// Defaults: grace "30m", interval "10m".
type RecoveryConfig struct {
	Grace    string `json:"grace,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// HistoryConfig caps execution history per descriptor. Zero disables a rule.
type HistoryConfig struct {
	MaxAge        string `json:"max_age,omitempty"`
	MaxCount      int    `json:"max_count,omitempty"`
	PurgeInterval string `json:"purge_interval,omitempty"`
}

// AdminConfig controls the operator HTTP API.
//
// Security note: bind to localhost or set a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8089"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	// RunNowWait is how long run-now waits before reporting (default "200ms").
	RunNowWait   string `json:"run_now_wait,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// Pprof mounts the runtime profiler under /debug/pprof.
	Pprof bool `json:"pprof,omitempty"`
}

// NotifyConfig controls operator notifications about finished runs.
//
// Manual runs are always reported; scheduled runs only when they fail and
// scheduled_failures is set.
type NotifyConfig struct {
	Enabled           bool            `json:"enabled"`
	ScheduledFailures bool            `json:"scheduled_failures,omitempty"`
	RatePerSec        int             `json:"rate_per_sec,omitempty"`
	Telegram          *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// TaskSeed describes a descriptor created on first start.
type TaskSeed struct {
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Cron          string            `json:"cron,omitempty"`
	Enabled       bool              `json:"enabled"`
	RunPerMachine bool              `json:"run_per_machine,omitempty"`
	StopOnError   bool              `json:"stop_on_error,omitempty"`
	System        bool              `json:"system,omitempty"`
	Priority      string            `json:"priority,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
}

type ModuleConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so misspelled module keys fail the reload.
func (p *ModuleConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ModuleConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// ModuleStates returns the module -> enabled map used by the activator.
func (c *Config) ModuleStates() map[string]bool {
	out := make(map[string]bool, len(c.Modules))
	for name, m := range c.Modules {
		out[name] = m.Enabled
	}
	return out
}

// Hash is a canonical hash of the module's raw config; 0 when empty.
func (p ModuleConfigRaw) Hash() uint64 { return fingerprint(p.Config) }
