package schedule

import (
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/robfig/cron/v3"
)

// Schedule yields the next activation strictly after t, or the zero time when exhausted.
// Both robfig/cron schedules and gorhill/cronexpr expressions satisfy it.
type Schedule interface {
	Next(t time.Time) time.Time
}

// Evaluator parses cron expressions and computes fire times.
//
// Expressions are interpreted in the evaluator's location; all returned
// instants are UTC. Parsed schedules are cached by expression text.
type Evaluator struct {
	loc    *time.Location
	parser cron.Parser

	mu    sync.RWMutex
	cache map[string]Schedule
}

// maxCached bounds the parse cache; previews of arbitrary operator input must not grow it forever.
const maxCached = 512

// New returns an evaluator for loc (nil means UTC).
func New(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cache:  map[string]Schedule{},
	}
}

// LoadLocation resolves a timezone name; "" maps to the host zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	switch name {
	case "":
		return time.Local, nil
	case "UTC", "utc":
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func (e *Evaluator) Location() *time.Location { return e.loc }

// Parse validates expr and returns its schedule.
//
// robfig/cron handles 5/6-field expressions and descriptors (@hourly, @every 5m).
// Six fields always mean second..day-of-week. Forms robfig rejects (year field,
// L, W, #) fall back to gorhill/cronexpr on the same field layout.
func (e *Evaluator) Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &ParseError{Expression: expr, Reason: "empty expression"}
	}

	e.mu.RLock()
	s, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := e.parse(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.cache) >= maxCached {
		clear(e.cache)
	}
	e.cache[expr] = s
	e.mu.Unlock()
	return s, nil
}

func (e *Evaluator) parse(expr string) (Schedule, error) {
	s, err := e.parser.Parse(expr)
	if err == nil {
		return s, nil
	}
	if !strings.HasPrefix(expr, "@") && needsExtendedSyntax(expr) {
		if x, xerr := cronexpr.Parse(canonicalFields(expr)); xerr == nil {
			return x, nil
		}
	}
	return nil, newParseError(expr, err)
}

// canonicalFields widens a six-field expression to second..year with an
// any-year field; cronexpr alone would read six fields as minute..year.
func canonicalFields(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) == 6 {
		return strings.Join(append(fields, "*"), " ")
	}
	return strings.Join(fields, " ")
}

// needsExtendedSyntax reports whether expr uses syntax only cronexpr understands.
func needsExtendedSyntax(expr string) bool {
	fields := strings.Fields(expr)
	if len(fields) == 7 {
		return true
	}
	for _, f := range fields {
		u := strings.ToUpper(f)
		if strings.ContainsAny(u, "LW#") && !isName(u) {
			return true
		}
	}
	return false
}

// isName reports month/day names that happen to contain L or W (JUL, WED, ...).
func isName(f string) bool {
	for _, part := range strings.FieldsFunc(f, func(r rune) bool { return r == ',' || r == '-' || r == '/' }) {
		if _, ok := monthNames[part]; ok {
			continue
		}
		if _, ok := dayNames[part]; ok {
			continue
		}
		return false
	}
	return true
}

// Validate is Parse without the result.
func (e *Evaluator) Validate(expr string) error {
	_, err := e.Parse(expr)
	return err
}

// NextOccurrence returns the earliest fire time strictly after after.
// ok is false when the expression can never fire again.
func (e *Evaluator) NextOccurrence(expr string, after time.Time) (next time.Time, ok bool, err error) {
	s, err := e.Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	next = s.Next(after.In(e.loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

// PreviousOccurrence returns the latest fire time strictly before before.
//
// Cron schedules only iterate forward, so this widens a backward window until
// a fire time is found or the window exceeds eight years (covers Feb 29 cycles).
func (e *Evaluator) PreviousOccurrence(expr string, before time.Time) (prev time.Time, ok bool, err error) {
	s, err := e.Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	before = before.In(e.loc)
	for _, window := range []time.Duration{time.Hour, 24 * time.Hour, 32 * 24 * time.Hour, 367 * 24 * time.Hour, 8 * 367 * 24 * time.Hour} {
		var last time.Time
		for t := s.Next(before.Add(-window)); !t.IsZero() && t.Before(before); t = s.Next(t) {
			last = t
		}
		if !last.IsZero() {
			return last.UTC(), true, nil
		}
	}
	return time.Time{}, false, nil
}

// FutureOccurrences returns a lazy, restartable sequence of fire times in (from, to],
// ascending, at most max (max <= 0 means unbounded up to to).
func (e *Evaluator) FutureOccurrences(expr string, from, to time.Time, max int) (iter.Seq[time.Time], error) {
	s, err := e.Parse(expr)
	if err != nil {
		return nil, err
	}
	loc := e.loc
	return func(yield func(time.Time) bool) {
		n := 0
		cur := from.In(loc)
		for max <= 0 || n < max {
			next := s.Next(cur)
			if next.IsZero() || next.After(to) || !next.After(cur) {
				return
			}
			if !yield(next.UTC()) {
				return
			}
			cur = next
			n++
		}
	}, nil
}

// Preview collects up to max occurrences between from and to.
func (e *Evaluator) Preview(expr string, from, to time.Time, max int) ([]time.Time, error) {
	seq, err := e.FutureOccurrences(expr, from, to, max)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for t := range seq {
		out = append(out, t)
	}
	return out, nil
}

// String renders a fire time in the evaluator's zone, for operator output.
func (e *Evaluator) String(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(e.loc).Format("2006-01-02 15:04:05 MST")
}
