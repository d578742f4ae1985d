package engine

import (
	"context"
	"time"

	"taskd/internal/task"
	"taskd/internal/task/activator"
)

// Config tunes per-run bookkeeping. Zero values fall back to defaults.
type Config struct {
	// FinalizeRetryMax is the number of extra attempts when closing a history row fails.
	FinalizeRetryMax      int
	FinalizeRetryBase     time.Duration
	FinalizeRetryMaxDelay time.Duration
	// ProgressInterval is the minimum spacing of persisted progress writes per run.
	ProgressInterval time.Duration
	// StoreTimeout bounds each store call made on behalf of a run.
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FinalizeRetryMax < 0 {
		c.FinalizeRetryMax = 0
	} else if c.FinalizeRetryMax == 0 {
		c.FinalizeRetryMax = 3
	}
	if c.FinalizeRetryBase <= 0 {
		c.FinalizeRetryBase = 500 * time.Millisecond
	}
	if c.FinalizeRetryMaxDelay <= 0 {
		c.FinalizeRetryMaxDelay = 5 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Store is the slice of storage.Store the executor writes to.
type Store interface {
	RecordProgress(ctx context.Context, runID int64, percent *int, message string) error
	Finalize(ctx context.Context, runID int64, out task.Outcome) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
}

// Resolver turns a descriptor type into a runnable handler.
type Resolver interface {
	ResolveHandlerType(name string) *activator.HandlerType
	Activate(ht *activator.HandlerType) (task.Handler, error)
}

// Request is one claimed run to execute.
type Request struct {
	Descriptor task.Descriptor
	Run        task.ExecutionInfo
	Trigger    task.Trigger
	// Params override descriptor parameters on key collision.
	Params map[string]string
}
