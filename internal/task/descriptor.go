package task

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Priority orders due descriptors within a tick; higher runs first.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority accepts "low", "normal", "high" or -1/0/1.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "0":
		return PriorityNormal, nil
	case "low", "-1":
		return PriorityLow, nil
	case "high", "1":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q", s)
}

// Descriptor is a persisted definition of a schedulable unit of work.
//
// CronExpression "" means manual only: the descriptor never becomes due on its own.
// LastRunUtc and NextRunUtc are a cache maintained by the scheduler; zero means unset.
type Descriptor struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name" validate:"required,max=200"`
	Type           string            `json:"type" validate:"required,max=400"`
	CronExpression string            `json:"cron_expression,omitempty" validate:"max=1000"`
	Enabled        bool              `json:"enabled"`
	RunPerMachine  bool              `json:"run_per_machine"`
	StopOnError    bool              `json:"stop_on_error"`
	IsSystem       bool              `json:"is_system"`
	Priority       Priority          `json:"priority" validate:"min=-1,max=1"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	LastRunUtc     time.Time         `json:"last_run_utc,omitzero"`
	NextRunUtc     time.Time         `json:"next_run_utc,omitzero"`
	CreatedUtc     time.Time         `json:"created_utc,omitzero"`
	UpdatedUtc     time.Time         `json:"updated_utc,omitzero"`
}

// Scheduled reports whether the descriptor is expected to fire on its own.
func (d Descriptor) Scheduled() bool {
	return d.Enabled && strings.TrimSpace(d.CronExpression) != ""
}

// CorrelationID keys a descriptor's entry in the cancellation scope.
func CorrelationID(descriptorID int64) string {
	return "task:" + strconv.FormatInt(descriptorID, 10)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks structural constraints. Cron syntax is checked by the schedule package.
func (d *Descriptor) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	d.Name = strings.TrimSpace(d.Name)
	d.Type = strings.TrimSpace(d.Type)
	d.CronExpression = strings.TrimSpace(d.CronExpression)
	if err := validate.Struct(d); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// MergeParams returns base overlaid with override. Override wins on key collision.
func MergeParams(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
