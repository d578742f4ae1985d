package module

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"taskd/internal/config"
	"taskd/internal/task/activator"
	logx "taskd/pkg/logx"
)

const callTimeout = 10 * time.Second

var ErrDuplicateModule = errors.New("module already registered")

type quarantineState struct {
	hash  uint64
	err   string
	since time.Time
	count int
}

// Manager registers modules and reconciles them with configuration.
//
// A module is active when it is enabled in config, its Init succeeded and its
// current config was accepted. Activity is published to the activator's
// ModuleSet, which the scheduler consults on every tick.
type Manager struct {
	log  logx.Logger
	reg  *activator.Registry
	set  *activator.ModuleSet
	deps Deps

	mu         sync.Mutex
	mods       map[string]Module
	order      []string
	types      map[string][]string
	inited     map[string]bool
	configured map[string]bool
	enabled    map[string]bool
	lastHash   map[string]uint64
	lastErr    map[string]string
	quarantine map[string]quarantineState
}

func NewManager(log logx.Logger, reg *activator.Registry, set *activator.ModuleSet, deps Deps) *Manager {
	if deps.Log.IsZero() {
		deps.Log = log
	}
	return &Manager{
		log:        log.With(logx.String("comp", "modules")),
		reg:        reg,
		set:        set,
		deps:       deps,
		mods:       map[string]Module{},
		types:      map[string][]string{},
		inited:     map[string]bool{},
		configured: map[string]bool{},
		enabled:    map[string]bool{},
		lastHash:   map[string]uint64{},
		lastErr:    map[string]string{},
		quarantine: map[string]quarantineState{},
	}
}

// Register adds modules and their task types. Registration order is kept for
// Init and Snapshot.
func (m *Manager) Register(mods ...Module) error {
	for _, mod := range mods {
		name := normalizeName(mod.Name())
		if name == "" {
			return errors.New("module name is empty")
		}
		m.mu.Lock()
		_, dup := m.mods[name]
		m.mu.Unlock()
		if dup {
			return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
		}

		var regs []activator.Registration
		if err := m.safeCall("module.tasks."+name, func() error {
			regs = mod.Tasks()
			return nil
		}); err != nil {
			return err
		}
		typeNames := make([]string, 0, len(regs))
		for _, r := range regs {
			r.Module = name
			if err := m.reg.Register(r); err != nil {
				return fmt.Errorf("module %s: %w", name, err)
			}
			typeNames = append(typeNames, r.Type)
		}

		m.mu.Lock()
		m.mods[name] = mod
		m.order = append(m.order, name)
		m.types[name] = typeNames
		m.mu.Unlock()
		m.log.Debug("module registered", logx.String("module", name), logx.Int("types", len(typeNames)))
	}
	return nil
}

// Apply reconciles every registered module with cfgs and returns the modules
// whose activity changed. Modules named in cfgs but never registered are ignored.
func (m *Manager) Apply(ctx context.Context, cfgs map[string]config.ModuleConfigRaw) []string {
	byName := make(map[string]config.ModuleConfigRaw, len(cfgs))
	for k, v := range cfgs {
		byName[normalizeName(k)] = v
	}

	m.mu.Lock()
	order := append([]string(nil), m.order...)
	for k := range byName {
		if _, ok := m.mods[k]; !ok {
			m.log.Debug("config names unknown module", logx.String("module", k))
		}
	}
	m.mu.Unlock()

	active := make(map[string]bool, len(order))
	for _, name := range order {
		raw := byName[name]
		m.mu.Lock()
		mod := m.mods[name]
		m.enabled[name] = raw.Enabled
		m.mu.Unlock()
		if !raw.Enabled {
			active[name] = false
			continue
		}
		active[name] = m.prepare(ctx, name, mod, raw) == nil
	}

	changed := m.set.Apply(active)
	for _, name := range changed {
		m.log.Info("module activity changed", logx.String("module", name), logx.Bool("active", active[name]))
	}
	return changed
}

// prepare initializes a module once and hands it its config when the config
// changed since the last accepted one.
func (m *Manager) prepare(ctx context.Context, name string, mod Module, raw config.ModuleConfigRaw) error {
	h := raw.Hash()

	m.mu.Lock()
	q, quarantined := m.quarantine[name]
	if quarantined && q.hash != h {
		delete(m.quarantine, name)
		quarantined = false
		m.log.Info("module quarantine cleared (config changed)", logx.String("module", name))
	}
	needInit := !m.inited[name]
	upToDate := m.configured[name] && m.lastHash[name] == h
	m.mu.Unlock()
	if quarantined {
		return errors.New(q.err)
	}

	if needInit {
		ictx, cancel := context.WithTimeout(ctx, callTimeout)
		err := m.safeCall("module.init."+name, func() error { return mod.Init(ictx, m.deps) })
		cancel()
		if err != nil {
			m.log.Error("module init failed", logx.String("module", name), logx.Err(err))
			m.mu.Lock()
			m.lastErr[name] = err.Error()
			m.mu.Unlock()
			return err
		}
		m.mu.Lock()
		m.inited[name] = true
		m.mu.Unlock()
	}
	if upToDate {
		return nil
	}

	if v, ok := mod.(ConfigValidator); ok {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := m.safeCall("module.validate."+name, func() error { return v.ValidateConfig(cctx, raw.Config) })
		cancel()
		if err != nil {
			err = fmt.Errorf("config validate: %w", err)
			m.setQuarantine(name, h, err, "validate")
			return err
		}
	}
	if c, ok := mod.(Configurable); ok {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := m.safeCall("module.config."+name, func() error { return c.OnConfigChange(cctx, raw.Config) })
		cancel()
		if err != nil {
			err = fmt.Errorf("config apply: %w", err)
			m.setQuarantine(name, h, err, "config")
			return err
		}
	}

	m.mu.Lock()
	m.configured[name] = true
	m.lastHash[name] = h
	delete(m.lastErr, name)
	m.mu.Unlock()
	return nil
}

func (m *Manager) setQuarantine(name string, h uint64, err error, stage string) {
	msg := err.Error()
	m.mu.Lock()
	prev, ok := m.quarantine[name]
	if ok && prev.hash == h && prev.err == msg {
		prev.count++
		m.quarantine[name] = prev
		m.mu.Unlock()
		return
	}
	m.quarantine[name] = quarantineState{hash: h, err: msg, since: time.Now(), count: prev.count + 1}
	m.lastErr[name] = msg
	m.mu.Unlock()
	m.log.Error("module quarantined", logx.String("module", name), logx.String("stage", stage), logx.String("err", msg))
}

// Snapshot reports each registered module in registration order.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		_, q := m.quarantine[name]
		types := append([]string(nil), m.types[name]...)
		sort.Strings(types)
		out = append(out, Status{
			Name:        name,
			Enabled:     m.enabled[name],
			Active:      m.set.IsActive(name),
			Initialized: m.inited[name],
			Types:       types,
			Quarantined: q,
			Error:       m.lastErr[name],
		})
	}
	return out
}

func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in module call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func normalizeName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
