package asyncstate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Well-known state keys written by the executor.
const (
	KeyPercent = "percent"
	KeyMessage = "message"
	KeyRunID   = "run_id"
)

// Scope is a process-wide map of in-flight runs keyed by correlation id.
//
// Each entry carries a cancel flag, the run's context cancel func and a small
// state bag. A missing entry reads as "not cancelled" and "no state".
// It is safe for concurrent use.
type Scope struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	cancelled bool
	cancel    context.CancelFunc
	started   time.Time
	state     map[string]any
}

func New() *Scope {
	return &Scope{entries: map[string]*entry{}}
}

// Begin registers id and returns a context canceled by Cancel(id).
// release removes the entry; it is safe to call more than once.
func (s *Scope) Begin(parent context.Context, id string) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancel(parent)
	e := &entry{cancel: cancel, started: time.Now(), state: map[string]any{}}

	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			s.mu.Lock()
			if s.entries[id] == e {
				delete(s.entries, id)
			}
			s.mu.Unlock()
			cancel()
		})
	}
}

// Cancel flags id as cancelled and cancels its context.
// It reports whether a live entry existed.
func (s *Scope) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		e.cancelled = true
	}
	s.mu.Unlock()
	if ok && e.cancel != nil {
		e.cancel()
	}
	return ok
}

func (s *Scope) IsCancelled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return ok && e.cancelled
}

// Get returns a value from id's state bag.
func (s *Scope) Get(id, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	v, ok := e.state[key]
	return v, ok
}

// Set stores a value for a live entry; writes for unknown ids are dropped.
func (s *Scope) Set(id, key string, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.state[key] = v
	return true
}

// Clear drops id's entry without cancelling its context.
func (s *Scope) Clear(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Live lists registered ids in sorted order.
func (s *Scope) Live() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Since returns when id was registered.
func (s *Scope) Since(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.started, true
}

// Reset cancels every entry and empties the scope. Used at shutdown.
func (s *Scope) Reset() {
	s.mu.Lock()
	old := s.entries
	s.entries = map[string]*entry{}
	s.mu.Unlock()
	for _, e := range old {
		if e.cancel != nil {
			e.cancel()
		}
	}
}
