package module

import (
	"context"
	"encoding/json"

	"taskd/internal/storage"
	"taskd/internal/task/activator"
	logx "taskd/pkg/logx"
)

// Deps are the services a module may use from its handlers.
type Deps struct {
	Log   logx.Logger
	Store storage.Store
}

// Module is a named group of task types that an operator can enable or disable.
//
// Tasks is called once, when the module is registered. Registrations whose
// Module field is empty are attributed to the module itself.
type Module interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Tasks() []activator.Registration
}

// Configurable modules receive their raw "modules.<name>.config" object on
// start and whenever it changes.
type Configurable interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator modules reject a bad config before it is applied; the
// module is then kept inactive until its config changes.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// Status is one row of Manager.Snapshot.
type Status struct {
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	Active      bool     `json:"active"`
	Initialized bool     `json:"initialized"`
	Types       []string `json:"types"`
	Quarantined bool     `json:"quarantined,omitempty"`
	Error       string   `json:"error,omitempty"`
}
