package task

import "time"

// Status is the lifecycle state recorded on a history row.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ExecutionInfo is one history row: a single attempt to run a descriptor on a machine.
type ExecutionInfo struct {
	ID              int64     `json:"id"`
	DescriptorID    int64     `json:"descriptor_id"`
	MachineName     string    `json:"machine_name"`
	StartedUtc      time.Time `json:"started_utc"`
	EndedUtc        time.Time `json:"ended_utc,omitzero"`
	IsRunning       bool      `json:"is_running"`
	Status          Status    `json:"status"`
	ProgressPercent *int      `json:"progress_percent,omitempty"`
	ProgressMessage string    `json:"progress_message,omitempty"`
	Error           string    `json:"error,omitempty"`
	Result          string    `json:"result,omitempty"`
}

// Duration is the elapsed run time, measured up to now for running rows.
func (e ExecutionInfo) Duration(now time.Time) time.Duration {
	if e.StartedUtc.IsZero() {
		return 0
	}
	end := e.EndedUtc
	if end.IsZero() {
		end = now
	}
	return end.Sub(e.StartedUtc)
}

// Outcome is the terminal state handed to Store.Finalize.
type Outcome struct {
	Status Status
	Error  string
	Result string
}

// Trigger tells how a run was started.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// RunEvent is the payload of run.* bus events.
type RunEvent struct {
	DescriptorID int64         `json:"descriptor_id"`
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	RunID        int64         `json:"run_id"`
	MachineName  string        `json:"machine_name"`
	Trigger      Trigger       `json:"trigger"`
	Status       Status        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Result       string        `json:"result,omitempty"`
	Duration     time.Duration `json:"duration"`
	Reason       string        `json:"reason,omitempty"`
}
