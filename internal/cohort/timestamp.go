package cohort

import (
	"strings"
	"time"

	"fastpersist/internal/logging"
)

var tsLog = logging.New("cohort")

// ParseTimestamp parses an ISO-8601 instant or falls back gracefully.
// Trailing "Z" is translated to "+00:00"; a naive (no offset) result is
// assumed UTC; a date-only string becomes midnight UTC. Unparseable input
// logs a warning and returns (zero, false) — it never panics or returns an
// error the caller must handle, matching the "log and continue" policy for
// malformed payload fields.
func ParseTimestamp(input interface{}) (time.Time, bool) {
	switch v := input.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v, true
	case string:
		return parseTimestampString(v)
	default:
		tsLog.Warn("unsupported timestamp input type %T", input)
		return time.Time{}, false
	}
}

func parseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	normalized := s
	if strings.HasSuffix(normalized, "Z") {
		normalized = strings.TrimSuffix(normalized, "Z") + "+00:00"
	}

	layouts := []string{
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
		dateLayout,
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			if t.Location() == time.UTC || !strings.ContainsAny(normalized, "+-Z") || hasNoOffset(layout) {
				if t.Location() != time.UTC && hasNoOffset(layout) {
					t = t.UTC()
				}
			}
			return t.UTC(), true
		}
	}

	tsLog.Warn("could not parse timestamp %q", s)
	return time.Time{}, false
}

// hasNoOffset reports whether the given reference layout carries no
// timezone offset token, meaning a parse against it yields a naive time
// that must be assumed UTC.
func hasNoOffset(layout string) bool {
	return !strings.Contains(layout, "-07:00")
}

// SerializeTimestamp renders an instant as an ISO-8601 UTC string with
// nanosecond precision trimmed, the canonical wire form used in WAL lines
// and JSON payloads.
func SerializeTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
