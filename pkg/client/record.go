package client

import (
	"strconv"
	"time"
)

// TimeFormat is the ISO-8601 UTC layout the dashboard API expects for t0/t1.
const TimeFormat = "2006-01-02T15:04:05Z"

// Record is a single item of a listing. The schema is owned by the API; the
// collection engine only reads cursor and dedupe fields.
type Record map[string]any

// String returns the field as a non-empty string. Numbers are formatted
// without exponent; anything else, or a missing/null/empty value, is absent.
func (r Record) String(field string) (string, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return "", false
	}

	switch val := v.(type) {
	case string:
		return val, val != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	default:
		return "", false
	}
}

// Strings returns the field as a list of strings, skipping non-string items.
func (r Record) Strings(field string) []string {
	raw, ok := r[field].([]any)
	if !ok {
		if s, ok := r[field].([]string); ok {
			return s
		}
		return nil
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PageRequest carries the paging parameters of a listing call.
type PageRequest struct {
	PerPage       int
	StartingAfter string
}

// FormatTime renders t in the API's timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
