// Package timeutil provides UTC-safe time handling for persisted timestamps.
//
// All timestamp strings use ISO 8601 with an explicit +00:00 offset to avoid
// local-time ambiguity when persisted or compared in SQLite. Naive values read
// back from storage are interpreted as UTC to preserve legacy rows.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// isoLayout renders UTC instants with an explicit +00:00 offset rather than Z.
const isoLayout = "2006-01-02T15:04:05-07:00"

// Clock abstracts the wall clock so the lifecycle engine and scheduler can be
// driven by a manual clock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the real UTC time.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock is a settable clock for tests.
type ManualClock struct {
	current time.Time
}

// NewManualClock creates a manual clock starting at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{current: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	return c.current
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

// Set moves the clock to the given instant.
func (c *ManualClock) Set(t time.Time) {
	c.current = t.UTC()
}

// FormatUTC renders a time as ISO 8601 with a +00:00 offset.
func FormatUTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(isoLayout)
}

// Parse converts a persisted timestamp string into a UTC time. It accepts an
// explicit offset, a trailing Z, or a naive value (treated as UTC).
func Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp value is required")
	}

	normalized := strings.Replace(value, "Z", "+00:00", 1)
	layouts := []string{
		isoLayout,
		"2006-01-02T15:04:05.999999-07:00",
		"2006-01-02T15:04:05",        // naive, second resolution
		"2006-01-02T15:04:05.999999", // naive with fraction
		"2006-01-02 15:04:05",        // sqlite datetime() output
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

// MinutesSince returns whole minutes elapsed between the persisted timestamp
// and now. Negative deltas clamp to zero.
func MinutesSince(value string, now time.Time) (int, error) {
	parsed, err := Parse(value)
	if err != nil {
		return 0, err
	}
	delta := now.UTC().Sub(parsed)
	if delta < 0 {
		return 0, nil
	}
	return int(delta / time.Minute), nil
}

// ElapsedSeconds returns floor(end − start) in whole seconds, clamped to zero
// when the delta is negative (clock skew on storage restore).
func ElapsedSeconds(start, end time.Time) int64 {
	delta := end.Sub(start)
	if delta < 0 {
		return 0
	}
	return int64(delta / time.Second)
}
