package events

import (
	"strings"
	"time"
)

// the server emits python isoformat() timestamps, which carry no offset
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a server timestamp. ok is false when s is empty or in
// no known layout, in which case fallback is returned.
func ParseTimestamp(s string, fallback time.Time) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return fallback, false
}

// FormatTimestamp renders t the way the server does.
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000")
}
