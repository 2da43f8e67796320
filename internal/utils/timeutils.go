package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// AlignWindow truncates t down to the start of its bucket.
func AlignWindow(t time.Time, bucket time.Duration) time.Time {
	if bucket <= 0 {
		return t
	}
	return t.UTC().Truncate(bucket)
}

// WindowFor returns the [start, end) bucket containing t.
func WindowFor(t time.Time, bucket time.Duration) (time.Time, time.Time) {
	start := AlignWindow(t, bucket)
	return start, start.Add(bucket)
}
