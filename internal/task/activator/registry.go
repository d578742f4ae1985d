package activator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"taskd/internal/task"
)

// Factory builds a fresh handler for one run.
type Factory func() (task.Handler, error)

// Registration binds a logical type name to its factory and owning module.
// Module "" marks core types that are always active.
type Registration struct {
	Module      string
	Type        string
	DisplayName string
	Factory     Factory
}

// HandlerType is a resolved registration.
type HandlerType struct {
	Module      string
	Type        string
	DisplayName string
	factory     Factory
}

// ModuleCatalog answers whether a module is currently enabled.
type ModuleCatalog interface {
	IsActive(module string) bool
}

var ErrDuplicateType = errors.New("task type already registered")

// Registry maps normalized type names to handler factories.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]*HandlerType
	modules ModuleCatalog
}

// NewRegistry returns an empty registry. A nil catalog treats every module as active.
func NewRegistry(modules ModuleCatalog) *Registry {
	return &Registry{types: map[string]*HandlerType{}, modules: modules}
}

// NormalizeTypeName trims whitespace and any ", Assembly" style qualifier and
// folds case, so "Housekeeping.Purge, core" and "housekeeping.purge" match.
func NormalizeTypeName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, ','); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	return strings.ToLower(name)
}

func (r *Registry) Register(reg Registration) error {
	key := NormalizeTypeName(reg.Type)
	if key == "" {
		return errors.New("task type name required")
	}
	if reg.Factory == nil {
		return fmt.Errorf("task type %q: factory required", reg.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, reg.Type)
	}
	display := reg.DisplayName
	if display == "" {
		display = reg.Type
	}
	r.types[key] = &HandlerType{
		Module:      strings.TrimSpace(reg.Module),
		Type:        strings.TrimSpace(reg.Type),
		DisplayName: display,
		factory:     reg.Factory,
	}
	return nil
}

// RegisterFunc registers a stateless handler function.
func (r *Registry) RegisterFunc(module, typeName string, fn task.HandlerFunc) error {
	return r.Register(Registration{Module: module, Type: typeName, Factory: func() (task.Handler, error) { return fn, nil }})
}

// ResolveHandlerType returns nil when no handler is registered for name.
func (r *Registry) ResolveHandlerType(name string) *HandlerType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[NormalizeTypeName(name)]
}

// IsModuleActive reports whether ht's module is enabled. It is consulted on every tick.
func (r *Registry) IsModuleActive(ht *HandlerType) bool {
	if ht == nil {
		return false
	}
	if ht.Module == "" || r.modules == nil {
		return true
	}
	return r.modules.IsActive(ht.Module)
}

// IsTypeActive is ResolveHandlerType + IsModuleActive. Unknown types report false.
func (r *Registry) IsTypeActive(name string) bool {
	return r.IsModuleActive(r.ResolveHandlerType(name))
}

// Activate builds a handler instance for one run.
func (r *Registry) Activate(ht *HandlerType) (task.Handler, error) {
	if ht == nil {
		return nil, errors.New("nil handler type")
	}
	h, err := ht.factory()
	if err != nil {
		return nil, &task.HandlerResolutionError{Type: ht.Type, Err: err}
	}
	if h == nil {
		return nil, &task.HandlerResolutionError{Type: ht.Type, Err: errors.New("factory returned nil handler")}
	}
	return h, nil
}

// Types lists registrations sorted by type name.
func (r *Registry) Types() []HandlerType {
	r.mu.RLock()
	out := make([]HandlerType, 0, len(r.types))
	for _, ht := range r.types {
		out = append(out, *ht)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
