package schedule

import (
	"strings"
	"sync"
	"time"

	crondesc "github.com/lnquy/cron"
)

var monthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var dayNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

var descriptorText = map[string]string{
	"@yearly":   "At 00:00, on day 1 of the month, only in January",
	"@annually": "At 00:00, on day 1 of the month, only in January",
	"@monthly":  "At 00:00, on day 1 of the month",
	"@weekly":   "At 00:00, only on Sunday",
	"@daily":    "At 00:00",
	"@midnight": "At 00:00",
	"@hourly":   "Every hour",
}

var describer = sync.OnceValues(func() (*crondesc.ExpressionDescriptor, error) {
	return crondesc.NewDescriptor(crondesc.Use24HourTimeFormat(true))
})

// Describe renders a human-readable summary of a valid expression.
func (e *Evaluator) Describe(expr string) (string, error) {
	if _, err := e.Parse(expr); err != nil {
		return "", err
	}
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@") {
		if txt, ok := descriptorText[strings.ToLower(expr)]; ok {
			return txt, nil
		}
		if rest, ok := strings.CutPrefix(expr, "@every "); ok {
			if d, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil {
				return "Every " + d.String(), nil
			}
		}
		return expr, nil
	}

	d, err := describer()
	if err != nil {
		return "", err
	}
	return d.ToDescription(canonicalFields(expr), crondesc.Locale_en)
}
