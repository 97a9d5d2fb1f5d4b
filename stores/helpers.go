package stores

import (
	"time"

	"github.com/oarkflow/date"
)

// sqlTimeLayout is fixed width so stored timestamps compare lexically.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatSQLTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(sqlTimeLayout, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

// scanTime converts whatever the driver returned for a timestamp column.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
