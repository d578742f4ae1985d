package schedule

import (
	"errors"
	"fmt"
	"strings"
)

// ParseError describes a malformed cron expression.
//
// Position is the 1-based field index of Token, or 0 when the error concerns
// the expression as a whole (wrong field count, unknown descriptor).
type ParseError struct {
	Expression string
	Token      string
	Position   int
	Field      string
	Reason     string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid cron expression %q", e.Expression)
	if e.Position > 0 {
		fmt.Fprintf(&b, ": field %d", e.Position)
		if e.Field != "" {
			fmt.Fprintf(&b, " (%s)", e.Field)
		}
		if e.Token != "" {
			fmt.Fprintf(&b, " token %q", e.Token)
		}
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// IsParseError reports whether err is (or wraps) a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func fieldNames(n int) []string {
	switch n {
	case 6:
		return []string{"second", "minute", "hour", "day-of-month", "month", "day-of-week"}
	case 7:
		return []string{"second", "minute", "hour", "day-of-month", "month", "day-of-week", "year"}
	default:
		return []string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	}
}

// newParseError maps a robfig/cron parse failure onto the offending field.
// robfig messages embed the bad token ("failed to parse int from X: ..."),
// so the first field part that appears in the message is reported.
func newParseError(expr string, cause error) *ParseError {
	pe := &ParseError{Expression: expr, Reason: cause.Error()}
	if strings.HasPrefix(expr, "@") {
		pe.Token = strings.Fields(expr)[0]
		return pe
	}

	fields := strings.Fields(expr)
	if len(fields) < 5 || len(fields) > 7 {
		pe.Reason = fmt.Sprintf("expected 5 to 7 fields, found %d", len(fields))
		return pe
	}
	names := fieldNames(len(fields))
	msg := cause.Error()
	for i, f := range fields {
		for _, part := range strings.FieldsFunc(f, func(r rune) bool { return r == ',' || r == '-' || r == '/' }) {
			if part == "*" || part == "?" || !strings.Contains(msg, part) {
				continue
			}
			if !tokenMentioned(msg, part) {
				continue
			}
			pe.Position = i + 1
			pe.Field = names[i]
			pe.Token = f
			return pe
		}
	}
	return pe
}

// tokenMentioned avoids matching a short numeric part inside a larger number in msg.
func tokenMentioned(msg, part string) bool {
	idx := 0
	for {
		j := strings.Index(msg[idx:], part)
		if j < 0 {
			return false
		}
		start := idx + j
		end := start + len(part)
		before := start == 0 || !isDigit(msg[start-1])
		after := end >= len(msg) || !isDigit(msg[end])
		if before && after {
			return true
		}
		idx = end
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
