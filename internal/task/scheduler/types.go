package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/eventbus"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/activator"
	"taskd/internal/task/engine"
	"taskd/internal/task/schedule"
	logx "taskd/pkg/logx"
)

// Config controls the polling driver and its housekeeping jobs.
type Config struct {
	Enabled bool
	// PollInterval is how often due descriptors are looked up (default 5s).
	PollInterval time.Duration
	// MachineName identifies this process in history rows. Empty means hostname.
	MachineName string
	// Timezone is the IANA zone cron expressions are evaluated in; empty means the host zone.
	Timezone string

	// RecoveryGrace is how long a running row may go without a heartbeat
	// before the sweep closes it. Live runs are heartbeated every third of it,
	// so it must match across machines sharing a store.
	RecoveryGrace    time.Duration
	RecoveryInterval time.Duration

	// History retention per descriptor; zero disables a rule.
	HistoryMaxAge   time.Duration
	HistoryMaxCount int
	PurgeInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = 30 * time.Minute
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 10 * time.Minute
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
	return c
}

func (c Config) heartbeatInterval() time.Duration {
	return c.RecoveryGrace / 3
}

// Registry is the activator surface the scheduler needs.
type Registry interface {
	ResolveHandlerType(name string) *activator.HandlerType
	IsModuleActive(ht *activator.HandlerType) bool
}

// Service owns the tick loop, the run-now path and operator queries.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	reg     Registry
	exec    *engine.Executor
	eval    *schedule.Evaluator
	machine string
	seeds   []task.Descriptor

	// set between Start and Stop
	c   *cron.Cron
	sup *supervisor.Supervisor

	tickMu      sync.Mutex
	lastTickErr time.Time

	now func() time.Time
}

// Run is a handle on a manually started execution.
type Run struct {
	Execution task.ExecutionInfo
	done      chan struct{}
	outcome   task.Outcome
}

// Done closes once the run is finalized.
func (r *Run) Done() <-chan struct{} { return r.done }

// Outcome is valid after Done is closed.
func (r *Run) Outcome() task.Outcome {
	<-r.done
	return r.outcome
}

// Wait blocks until the run completes or ctx ends. ok is false on timeout.
func (r *Run) Wait(ctx context.Context) (out task.Outcome, ok bool) {
	select {
	case <-r.done:
		return r.outcome, true
	case <-ctx.Done():
		return task.Outcome{Status: task.StatusRunning}, false
	}
}

// TaskInfo is a descriptor as presented to operators.
type TaskInfo struct {
	task.Descriptor
	DisplayName string              `json:"display_name,omitempty"`
	Module      string              `json:"module,omitempty"`
	LastRun     *task.ExecutionInfo `json:"last_run,omitempty"`
	// PrevScheduledUtc is the most recent cron fire at or before now.
	PrevScheduledUtc time.Time `json:"prev_scheduled_utc,omitzero"`
	Running          bool      `json:"running"`
	ProgressPercent  *int      `json:"progress_percent,omitempty"`
	ProgressMessage  string    `json:"progress_message,omitempty"`
}

// RunningTask is one in-flight execution on this machine.
type RunningTask struct {
	DescriptorID    int64         `json:"descriptor_id"`
	Name            string        `json:"name"`
	RunID           int64         `json:"run_id"`
	StartedUtc      time.Time     `json:"started_utc"`
	Elapsed         time.Duration `json:"elapsed"`
	ProgressPercent *int          `json:"progress_percent,omitempty"`
	ProgressMessage string        `json:"progress_message,omitempty"`
	CancelRequested bool          `json:"cancel_requested"`
}

// Preview is the operator view of a cron expression.
type Preview struct {
	Expression  string      `json:"expression"`
	Description string      `json:"description,omitempty"`
	Timezone    string      `json:"timezone"`
	Next        []time.Time `json:"next"`
	Error       string      `json:"error,omitempty"`
}

// Snapshot is a diagnostic view of the service.
type Snapshot struct {
	Enabled      bool                `json:"enabled"`
	Started      bool                `json:"started"`
	MachineName  string              `json:"machine_name"`
	Timezone     string              `json:"timezone"`
	PollInterval time.Duration       `json:"poll_interval"`
	LiveRuns     []string            `json:"live_runs"`
	Runs         supervisor.Snapshot `json:"runs"`
}
