package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a Go duration string at config path. Empty or zero yields def.
// Negative values are rejected.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// MustDuration is Duration for values already checked by Validate.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := Duration("", raw, def)
	if err != nil {
		return def
	}
	return d
}
