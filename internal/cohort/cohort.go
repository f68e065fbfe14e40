// Package cohort implements spec component A: normalising cohort dates and
// parsing timestamps. A cohort is a single calendar day's worth of WAL
// segments and associated files, named by its ISO-8601 date string.
package cohort

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Normalize accepts a date string, an ISO timestamp string, or a time.Time
// and returns the cohort's YYYY-MM-DD form. Strings are split at "T" before
// date parsing, so a full timestamp string normalises to its date part.
func Normalize(input interface{}) (string, error) {
	switch v := input.(type) {
	case string:
		return normalizeString(v)
	case time.Time:
		return v.UTC().Format(dateLayout), nil
	default:
		return "", fmt.Errorf("cohort: unsupported input type %T", input)
	}
}

func normalizeString(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("cohort: empty date string")
	}
	datePart := s
	if idx := strings.IndexByte(s, 'T'); idx >= 0 {
		datePart = s[:idx]
	}
	if _, err := time.Parse(dateLayout, datePart); err != nil {
		return "", fmt.Errorf("cohort: invalid date %q: %w", s, err)
	}
	return datePart, nil
}

// Today returns today's cohort in UTC, the default used when an engine is
// opened without an explicit cohort identifier.
func Today() string {
	return time.Now().UTC().Format(dateLayout)
}

// IsValid reports whether s parses as a YYYY-MM-DD cohort identifier.
func IsValid(s string) bool {
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

// Age returns how old the cohort is, in days, relative to now (UTC).
// A cohort in the future returns a negative value.
func Age(s string) (int, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return 0, fmt.Errorf("cohort: invalid date %q: %w", s, err)
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	return int(today.Sub(t.Truncate(24 * time.Hour)).Hours() / 24), nil
}
