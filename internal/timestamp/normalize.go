// Package timestamp converts the timestamps published by sensor firmware into
// canonical UTC strings with a Z suffix.
package timestamp

import (
	"strings"
	"time"
)

// UnsetClock is what the firmware reports before its clock has synchronized.
const UnsetClock = "1970-01-01 01:00:02"

// Layout is the canonical output format. Fractional seconds are kept only when non-zero.
const Layout = "2006-01-02T15:04:05.999999999Z07:00"

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05Z07",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Normalizer rewrites raw timestamps. The zero value uses the wall clock.
type Normalizer struct {
	Now func() time.Time
}

// Normalize returns raw as a UTC timestamp string. It never fails: anything it
// cannot interpret is replaced by the current time.
func (n Normalizer) Normalize(raw string) string {
	ts, _ := n.NormalizeChecked(raw)
	return ts
}

// NormalizeChecked is Normalize that also reports whether raw was discarded
// in favour of the current time.
func (n Normalizer) NormalizeChecked(raw string) (string, bool) {
	if raw == "" || raw == UnsetClock {
		return n.now(), true
	}

	if strings.HasSuffix(raw, "Z") {
		return raw, false
	}

	if strings.HasSuffix(raw, "+00:00") {
		return strings.TrimSuffix(raw, "+00:00") + "Z", false
	}

	if date, clock, ok := strings.Cut(raw, "T"); ok && date != "" && clock != "" && !strings.ContainsAny(clock, "+-Z") {
		return raw + "Z", false
	}

	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(Layout), false
		}
	}

	return n.now(), true
}

func (n Normalizer) now() string {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	return now().UTC().Format(Layout)
}

// Normalize applies the default Normalizer.
func Normalize(raw string) string {
	return Normalizer{}.Normalize(raw)
}
