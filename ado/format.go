package ado

import (
	"fmt"
	"time"
)

// FormatTimestamp renders an ISO 8601 wire timestamp as "2006-01-02 15:04:05 UTC".
// Returns the input unchanged if it does not parse, and "" for empty input.
func FormatTimestamp(value string) string {
	if value == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// HumanDuration computes a human-readable duration between two wire timestamps,
// e.g. "1h 3m 20s", "4m 12s", "45s". Returns "" if either timestamp is missing,
// unparseable, or finish precedes start.
func HumanDuration(start, finish string) string {
	if start == "" || finish == "" {
		return ""
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return ""
	}
	f, err := time.Parse(time.RFC3339, finish)
	if err != nil {
		return ""
	}
	total := int(f.Sub(s).Seconds())
	if total < 0 {
		return ""
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
