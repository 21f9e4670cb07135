package tracefile

import (
	"fmt"
	"strings"
	"time"
)

// Fractional seconds are accepted after the seconds field by time.Parse.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05Z07:00",
}

// ParseTimestamp parses a dump timestamp. Timestamps without a year
// ("08-16 10:02:11.123", the logcat form) are completed with refYear.
// Timestamps without a zone offset are read as UTC.
func ParseTimestamp(s string, refYear int) (time.Time, error) {
	t, _, err := parseTimestamp(s, refYear)
	return t, err
}

func parseTimestamp(s string, refYear int) (t time.Time, zoned bool, err error) {
	s = strings.TrimSpace(s)
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return time.Time{}, false, fmt.Errorf("invalid timestamp %q", s)
	}
	if dash != 4 {
		s = fmt.Sprintf("%04d-%s", refYear, s)
	}
	for i, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, i > 0, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("invalid timestamp %q", s)
}

// WithinWindow reports whether two timestamps are strictly less than window
// apart. Unparsable timestamps never match. When only one side carries a
// zone offset (Android 11+ pid headers against logcat times), the other is
// taken as wall-clock time in that zone.
func WithinWindow(a, b string, window time.Duration, refYear int) bool {
	ta, za, err := parseTimestamp(a, refYear)
	if err != nil {
		return false
	}
	tb, zb, err := parseTimestamp(b, refYear)
	if err != nil {
		return false
	}
	switch {
	case za && !zb:
		tb = inZone(tb, ta.Location())
	case zb && !za:
		ta = inZone(ta, tb.Location())
	}
	diff := ta.Sub(tb)
	if diff < 0 {
		diff = -diff
	}
	return diff < window
}

func inZone(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
