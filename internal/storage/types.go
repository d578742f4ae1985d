package storage

import (
	"context"
	"time"

	"taskd/internal/task"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (":memory:" for an ephemeral store)
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Store is the persistence contract of the scheduling subsystem.
//
// All timestamps are UTC. A zero time.Time stands for NULL.
type Store interface {
	AddTask(ctx context.Context, d *task.Descriptor) (int64, error)
	UpdateTask(ctx context.Context, d *task.Descriptor) error
	GetTask(ctx context.Context, id int64) (*task.Descriptor, error)
	GetTaskByType(ctx context.Context, typeName string) (*task.Descriptor, error)
	ListTasks(ctx context.Context, includeDisabled bool) ([]task.Descriptor, error)
	DeleteTasks(ctx context.Context, ids ...int64) (DeleteResult, error)
	// SetNextRun writes the descriptor-wide next run. For RunPerMachine
	// descriptors it is the fallback of machines without their own schedule.
	SetNextRun(ctx context.Context, id int64, next time.Time) error
	// SetMachineNextRun writes machine's own next run of a descriptor.
	SetMachineNextRun(ctx context.Context, id int64, machine string, next time.Time) error
	// MachineNextRun returns machine's own next run, or the zero time when it has none.
	MachineNextRun(ctx context.Context, id int64, machine string) (time.Time, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error

	// GetDueTasks returns enabled descriptors whose next run is at or before now
	// and that are not running (per machine when RunPerMachine, cluster-wide otherwise),
	// highest priority first. RunPerMachine descriptors are judged by machine's own
	// next run when it has one.
	GetDueTasks(ctx context.Context, now time.Time, machine string) ([]task.Descriptor, error)

	// TryClaim atomically records a running history row for the descriptor.
	// It returns (nil, nil) when another runner holds the claim.
	TryClaim(ctx context.Context, descriptorID int64, machine string) (*task.ExecutionInfo, error)
	RecordProgress(ctx context.Context, runID int64, percent *int, message string) error
	// Finalize closes a running row. Closing an already closed row is a no-op.
	Finalize(ctx context.Context, runID int64, out task.Outcome) error

	GetExecution(ctx context.Context, runID int64) (*task.ExecutionInfo, error)
	// LastExecution returns nil when the descriptor never ran (on machine, if set).
	LastExecution(ctx context.Context, descriptorID int64, machine string) (*task.ExecutionInfo, error)
	ListExecutions(ctx context.Context, q ExecutionQuery) ([]task.ExecutionInfo, error)

	// Heartbeat marks running rows as alive.
	Heartbeat(ctx context.Context, runIDs ...int64) error
	// RecoverOrphans fails running rows whose last heartbeat is before staleBefore.
	RecoverOrphans(ctx context.Context, staleBefore time.Time, message string) (int64, error)
	// RecoverMachine fails every running row of machine except the ids in live.
	RecoverMachine(ctx context.Context, machine string, message string, live ...int64) (int64, error)
	// PurgeHistory keeps, per descriptor, the newest maxCount finished rows no older than maxAge.
	// A non-positive limit disables that rule.
	PurgeHistory(ctx context.Context, now time.Time, maxAge time.Duration, maxCount int) (int64, error)

	Close() error
}

// ExecutionQuery filters history rows. Zero fields do not filter.
type ExecutionQuery struct {
	DescriptorID int64
	MachineName  string
	RunningOnly  bool
	Limit        int
}

// DeleteResult reports a batch delete. Protected descriptors are skipped, not deleted.
type DeleteResult struct {
	Deleted []int64 `json:"deleted"`
	Skipped []int64 `json:"skipped,omitempty"`
	Missing []int64 `json:"missing,omitempty"`
}
