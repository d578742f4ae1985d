package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	tests := []struct {
		name  string
		expr  string
		after time.Time
		want  time.Time
	}{
		{name: "every five minutes", expr: "*/5 * * * *", after: utc(2025, 3, 1, 10, 2, 30), want: utc(2025, 3, 1, 10, 5, 0)},
		{name: "strictly after", expr: "*/5 * * * *", after: utc(2025, 3, 1, 10, 5, 0), want: utc(2025, 3, 1, 10, 10, 0)},
		{name: "seconds field", expr: "30 * * * * *", after: utc(2025, 3, 1, 10, 0, 0), want: utc(2025, 3, 1, 10, 0, 30)},
		{name: "descriptor", expr: "@hourly", after: utc(2025, 3, 1, 10, 0, 1), want: utc(2025, 3, 1, 11, 0, 0)},
		{name: "every", expr: "@every 90s", after: utc(2025, 3, 1, 10, 0, 0), want: utc(2025, 3, 1, 10, 1, 30)},
		{name: "weekday range", expr: "30 9 * * 1-5", after: utc(2025, 3, 1, 12, 0, 0), want: utc(2025, 3, 3, 9, 30, 0)},
		{name: "last day of month", expr: "0 0 L * *", after: utc(2025, 2, 10, 0, 0, 0), want: utc(2025, 2, 28, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := e.NextOccurrence(tt.expr, tt.after)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.after))
		})
	}
}

func TestNextOccurrenceExhausted(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	got, ok, err := e.NextOccurrence("0 0 0 1 1 * 2020", utc(2025, 1, 1, 0, 0, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, got.IsZero())
}

func TestNextOccurrenceUsesLocation(t *testing.T) {
	t.Parallel()
	e := New(time.FixedZone("UTC+7", 7*3600))
	got, ok, err := e.NextOccurrence("0 9 * * *", utc(2025, 3, 1, 0, 0, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utc(2025, 3, 1, 2, 0, 0), got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)

	_, _, err := e.NextOccurrence("0 25 * * *", time.Now())
	var pe *ParseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 2, pe.Position)
	assert.Equal(t, "hour", pe.Field)
	assert.Equal(t, "25", pe.Token)

	_, err = e.Parse("* *")
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 0, pe.Position)
	assert.Contains(t, pe.Error(), "expected 5 to 7 fields")

	_, err = e.Parse("@fortnightly")
	require.True(t, IsParseError(err))

	_, err = e.Parse("   ")
	require.True(t, IsParseError(err))
}

func TestFutureOccurrences(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	from := utc(2025, 3, 1, 10, 2, 0)

	seq, err := e.FutureOccurrences("*/5 * * * *", from, from.Add(time.Hour), 3)
	require.NoError(t, err)

	var first []time.Time
	for ts := range seq {
		first = append(first, ts)
	}
	assert.Equal(t, []time.Time{utc(2025, 3, 1, 10, 5, 0), utc(2025, 3, 1, 10, 10, 0), utc(2025, 3, 1, 10, 15, 0)}, first)

	// Restartable: a second range yields the same prefix.
	var second []time.Time
	for ts := range seq {
		second = append(second, ts)
	}
	assert.Equal(t, first, second)

	// Bounded by to.
	got, err := e.Preview("0 * * * *", from, from.Add(2*time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{utc(2025, 3, 1, 11, 0, 0), utc(2025, 3, 1, 12, 0, 0)}, got)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].After(got[i-1]))
	}
}

func TestPreviousOccurrence(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)

	got, ok, err := e.PreviousOccurrence("0 * * * *", utc(2025, 3, 1, 10, 30, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utc(2025, 3, 1, 10, 0, 0), got)

	got, ok, err = e.PreviousOccurrence("0 0 1 1 *", utc(2025, 3, 1, 0, 0, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utc(2025, 1, 1, 0, 0, 0), got)

	got, ok, err = e.PreviousOccurrence("0 * * * *", utc(2025, 3, 1, 10, 0, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utc(2025, 3, 1, 9, 0, 0), got, "strictly before")
}

func TestSixFieldsAreAlwaysSecondsFirst(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	tests := []struct {
		name  string
		expr  string
		after time.Time
		want  time.Time
	}{
		{name: "last day", expr: "30 0 9 L * *", after: utc(2025, 2, 1, 0, 0, 0), want: utc(2025, 2, 28, 9, 0, 30)},
		{name: "nearest weekday", expr: "0 0 8 15W * *", after: utc(2025, 3, 1, 0, 0, 0), want: utc(2025, 3, 14, 8, 0, 0)},
		{name: "nth weekday", expr: "0 0 10 * * 1#2", after: utc(2025, 3, 1, 0, 0, 0), want: utc(2025, 3, 10, 10, 0, 0)},
		{name: "plain", expr: "15 0 9 * * *", after: utc(2025, 3, 1, 0, 0, 0), want: utc(2025, 3, 1, 9, 0, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := e.NextOccurrence(tt.expr, tt.after)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	// A trailing year in six fields is an hour of "L", not minute..year.
	_, err := e.Parse("0 12 L * * 2030")
	assert.True(t, IsParseError(err), "got %v", err)
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	e := New(time.UTC)
	exact := map[string]string{
		"*/5 * * * *":    "Every 5 minutes",
		"30 9 * * 1-5":   "At 09:30, Monday through Friday",
		"@hourly":        "Every hour",
		"@every 1h30m":   "Every 1h30m0s",
		"0 0 1 * *":      "At 00:00, on day 1 of the month",
		"*/10 * * * * *": "Every 10 seconds",
	}
	for expr, want := range exact {
		got, err := e.Describe(expr)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}

	// Six and seven fields describe the same schedule.
	six, err := e.Describe("30 0 9 L * *")
	require.NoError(t, err)
	seven, err := e.Describe("30 0 9 L * * *")
	require.NoError(t, err)
	assert.Equal(t, seven, six)
	assert.Contains(t, six, "last day of the month")
	assert.Contains(t, six, "09:00:30")

	got, err := e.Describe("0 0 0 L * * 2030")
	require.NoError(t, err)
	assert.Contains(t, got, "2030")

	_, err = e.Describe("bogus")
	assert.Error(t, err)
}
