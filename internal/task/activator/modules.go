package activator

import (
	"maps"
	"sort"
	"strings"
	"sync"
)

// ModuleSet is a ModuleCatalog backed by a name -> enabled map that can be
// swapped at runtime (config hot reload). Unknown modules are inactive.
type ModuleSet struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

func NewModuleSet(enabled map[string]bool) *ModuleSet {
	s := &ModuleSet{}
	s.Apply(enabled)
	return s
}

func (s *ModuleSet) IsActive(module string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[normalizeModule(module)]
}

// Apply replaces the enabled map and returns the modules whose state changed.
func (s *ModuleSet) Apply(enabled map[string]bool) (changed []string) {
	next := make(map[string]bool, len(enabled))
	for k, v := range enabled {
		next[normalizeModule(k)] = v
	}

	s.mu.Lock()
	prev := s.enabled
	s.enabled = next
	s.mu.Unlock()

	seen := map[string]bool{}
	for k := range maps.Keys(prev) {
		seen[k] = true
	}
	for k := range maps.Keys(next) {
		seen[k] = true
	}
	for k := range seen {
		if prev[k] != next[k] {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Snapshot returns a copy of the current map.
func (s *ModuleSet) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.enabled)
}

func normalizeModule(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
