package model

import (
	"fmt"
	"time"
)

// Window is a daily local time-of-day range, both ends inclusive at minute
// precision. End before Start means the window wraps past midnight, e.g.
// 15:00-09:30 is open from 15:00 through 09:30 the next morning. Equal ends
// open the window for that single minute only.
type Window struct {
	start int // minutes since midnight
	end   int
	loc   *time.Location
}

func (a Admission) Window() (*Window, error) {
	start, err := parseClock(a.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := parseClock(a.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	tz := a.Timezone
	if tz == "" {
		tz = "Local"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return &Window{start: start, end: end, loc: loc}, nil
}

// NewWindow is a convenience constructor used by tests and the CLI.
func NewWindow(start, end string, loc *time.Location) (*Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return nil, err
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	return &Window{start: s, end: e, loc: loc}, nil
}

// Allows reports whether t falls inside the window. A nil window is always
// open.
func (w *Window) Allows(t time.Time) bool {
	if w == nil {
		return true
	}
	lt := t.In(w.loc)
	m := lt.Hour()*60 + lt.Minute()
	if w.start <= w.end {
		return w.start <= m && m <= w.end
	}
	return m >= w.start || m <= w.end
}

func (w *Window) String() string {
	if w == nil {
		return "always"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s", w.start/60, w.start%60, w.end/60, w.end%60, w.loc)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
