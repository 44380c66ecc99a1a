package types

import (
	"fmt"
	"time"
)

// ClockTime is a time of day with second resolution, independent of any
// particular date. It is the unit of charge-window boundaries.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// ParseClock accepts "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (ClockTime, error) {
	var ct ClockTime
	var err error
	switch len(s) {
	case 5:
		_, err = fmt.Sscanf(s, "%02d:%02d", &ct.Hour, &ct.Minute)
	case 8:
		_, err = fmt.Sscanf(s, "%02d:%02d:%02d", &ct.Hour, &ct.Minute, &ct.Second)
	default:
		return ct, fmt.Errorf("invalid time of day %q", s)
	}
	if err != nil {
		return ct, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if ct.Hour < 0 || ct.Hour > 23 || ct.Minute < 0 || ct.Minute > 59 || ct.Second < 0 || ct.Second > 59 {
		return ct, fmt.Errorf("time of day %q out of range", s)
	}
	return ct, nil
}

// MustClock is a test and fixture helper; it panics on malformed input.
func MustClock(s string) ClockTime {
	ct, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return ct
}

// ClockOf extracts the time of day of t in t's location.
func ClockOf(t time.Time) ClockTime {
	return ClockTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// Seconds returns the offset from midnight.
func (c ClockTime) Seconds() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

func (c ClockTime) Before(o ClockTime) bool { return c.Seconds() < o.Seconds() }

// LTE reports c <= o.
func (c ClockTime) LTE(o ClockTime) bool { return c.Seconds() <= o.Seconds() }

// MarshalJSON emits "HH:MM:SS".
func (c ClockTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON accepts "HH:MM" or "HH:MM:SS".
func (c *ClockTime) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid time of day %s", b)
	}
	ct, err := ParseClock(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*c = ct
	return nil
}

// Window is a charge window [Start, End). Start > End means the window
// spans midnight and covers [Start, 24:00) plus [00:00, End).
type Window struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

// Contains reports whether the time of day t falls inside the window.
func (w Window) Contains(t ClockTime) bool {
	if w.Start.LTE(w.End) {
		return w.Start.LTE(t) && t.Before(w.End)
	}
	// spans midnight, e.g. 23:30-04:30
	return !t.Before(w.Start) || t.Before(w.End)
}

// EndAt returns the wall-clock moment at which the window covering now
// ends. The second return is false when now is outside the window.
func (w Window) EndAt(now time.Time) (time.Time, bool) {
	t := ClockOf(now)
	if !w.Contains(t) {
		return time.Time{}, false
	}
	endSameDay := time.Date(now.Year(), now.Month(), now.Day(),
		w.End.Hour, w.End.Minute, w.End.Second, 0, now.Location())
	if w.Start.LTE(w.End) {
		return endSameDay, true
	}
	if !t.Before(w.Start) {
		// inside the pre-midnight leg; the window ends tomorrow
		return endSameDay.AddDate(0, 0, 1), true
	}
	// started yesterday, ends today
	return endSameDay, true
}

// Day is a civil date in the operator timezone, in ISO form (2006-01-02).
// The lexical order of Day values matches their chronological order.
type Day string

// DayOf truncates t to its civil date.
func DayOf(t time.Time) Day {
	return Day(t.Format("2006-01-02"))
}

// ParseDay validates an ISO date string.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return "", fmt.Errorf("invalid service_day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// AddDays shifts the date by n days.
func (d Day) AddDays(n int) Day {
	t, err := time.Parse("2006-01-02", string(d))
	if err != nil {
		return d
	}
	return DayOf(t.AddDate(0, 0, n))
}

// DaysUntil returns the signed day count from d to other.
func (d Day) DaysUntil(other Day) int {
	a, err1 := time.Parse("2006-01-02", string(d))
	b, err2 := time.Parse("2006-01-02", string(other))
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}
