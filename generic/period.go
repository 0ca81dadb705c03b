package generic

import (
	"strconv"
	"time"
)

// =============================================================================
// MONTH KEY - The accounting period
// =============================================================================

// MonthKey identifies an accounting month as "YYYY-MM".
type MonthKey string

const monthLayout = "2006-01"

// MonthOf returns the month containing t (in t's location).
func MonthOf(t time.Time) MonthKey {
	return MonthKey(t.Format(monthLayout))
}

// ParseMonthKey validates a "YYYY-MM" key.
func ParseMonthKey(s string) (MonthKey, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return "", Errorf(ErrInvalidDate, "malformed period %q, want YYYY-MM", s)
	}
	return MonthOf(t), nil
}

// Start returns the first instant of the month in UTC.
func (m MonthKey) Start() time.Time {
	t, err := time.Parse(monthLayout, string(m))
	if err != nil {
		return time.Time{}
	}
	return t
}

// End returns the last day of the month at midnight UTC.
func (m MonthKey) End() time.Time {
	return m.Start().AddDate(0, 1, -1)
}

// Contains reports whether t falls within the month.
func (m MonthKey) Contains(t time.Time) bool {
	return MonthOf(t.UTC()) == m
}

// Next returns the following month.
func (m MonthKey) Next() MonthKey { return MonthOf(m.Start().AddDate(0, 1, 0)) }

// Previous returns the preceding month.
func (m MonthKey) Previous() MonthKey { return MonthOf(m.Start().AddDate(0, -1, 0)) }

func (m MonthKey) String() string { return string(m) }

// Year returns the year component, or 0 for a malformed key.
func (m MonthKey) Year() int {
	if len(m) < 4 {
		return 0
	}
	y, _ := strconv.Atoi(string(m[:4]))
	return y
}

// =============================================================================
// OPEN PERIOD - Versioned singleton pointer
// =============================================================================

// OpenPeriod is the single globally-agreed "current month". It only moves
// forward, and only through a compare-and-swap on Version.
type OpenPeriod struct {
	Key      MonthKey  `json:"key"`
	Version  int64     `json:"version"`
	OpenedAt time.Time `json:"opened_at"`
}

// Advance returns the pointer for the following month.
func (p OpenPeriod) Advance(at time.Time) OpenPeriod {
	return OpenPeriod{Key: p.Key.Next(), Version: p.Version + 1, OpenedAt: at}
}
