// Package window gates site traffic to a daily range of local hours that may
// wrap past midnight.
package window

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// Window is a daily range of local hours during which the scheduler is
// allowed to hit the site. Both bounds are inclusive.
type Window struct {
	StartHour int
	EndHour   int
	location  *time.Location
}

// New builds a window evaluated in the named timezone.
func New(startHour, endHour int, tz string) (Window, error) {
	if startHour < 0 || startHour > 23 {
		return Window{}, fmt.Errorf("window: start hour %d out of range", startHour)
	}
	if endHour < 0 || endHour > 23 {
		return Window{}, fmt.Errorf("window: end hour %d out of range", endHour)
	}
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("window: load tz: %w", err)
		}
	}
	return Window{StartHour: startHour, EndHour: endHour, location: loc}, nil
}

// Contains reports whether now falls inside the window.
func (w Window) Contains(now time.Time) bool {
	return IsWithinWindow(now, w.StartHour, w.EndHour, w.loc())
}

// UntilOpen estimates how long until the window next opens, truncated to
// whole hours. Zero when the window is already open.
func (w Window) UntilOpen(now time.Time) time.Duration {
	if w.Contains(now) {
		return 0
	}
	hour := now.In(w.loc()).Hour()
	hours := w.StartHour - hour
	if hours < 0 {
		hours += 24
	}
	return time.Duration(hours) * time.Hour
}

// Location returns the timezone the window is evaluated in.
func (w Window) Location() *time.Location {
	return w.loc()
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:00-%02d:59 %s", w.StartHour, w.EndHour, w.loc())
}

func (w Window) loc() *time.Location {
	if w.location == nil {
		return time.UTC
	}
	return w.location
}

// IsWithinWindow reports whether the local hour of now lies in
// [startHour, endHour]. A start after the end wraps past midnight.
func IsWithinWindow(now time.Time, startHour, endHour int, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	hour := now.In(loc).Hour()
	if startHour <= endHour {
		return hour >= startHour && hour <= endHour
	}
	return hour >= startHour || hour <= endHour
}
