// Package appointments probes facilities for open days and decides which
// one is worth booking.
package appointments

import (
	"time"

	"github.com/wolfman30/visa-scheduler/internal/store"
)

// DateLayout is the portal's calendar date format.
const DateLayout = "2006-01-02"

// Facility is a consular facility that can be probed.
type Facility struct {
	ID   int
	Name string
}

// Candidate is an acceptable open day found at a facility.
type Candidate struct {
	FacilityID   int
	FacilityName string
	Date         string
}

// Criteria decides whether a probed date improves on the current booking.
type Criteria struct {
	current string
	start   string
	end     string
	horizon string
}

// NewCriteria builds the acceptance rule for one cycle. The date filters only
// apply when both are set. Without a current appointment, dates past
// now+horizonDays are rejected.
func NewCriteria(current *store.CurrentAppointment, start, end *time.Time, horizonDays int, now time.Time) Criteria {
	c := Criteria{}
	if current != nil && current.IsActive && current.Date != "" {
		c.current = current.Date
	}
	if start != nil && end != nil {
		c.start = start.Format(DateLayout)
		c.end = end.Format(DateLayout)
	}
	if horizonDays <= 0 {
		horizonDays = 365
	}
	c.horizon = now.AddDate(0, 0, horizonDays).Format(DateLayout)
	return c
}

// Current returns the active appointment date, if any.
func (c Criteria) Current() (string, bool) {
	return c.current, c.current != ""
}

// Accepts reports whether date (YYYY-MM-DD) should be booked.
func (c Criteria) Accepts(date string) bool {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return false
	}
	if c.current != "" && date >= c.current {
		return false
	}
	if c.start != "" {
		return date >= c.start && date <= c.end
	}
	if c.current == "" {
		return date <= c.horizon
	}
	return true
}

// Select returns the earliest candidate. Ties go to the first seen.
func Select(candidates []*Candidate) *Candidate {
	var best *Candidate
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if best == nil || c.Date < best.Date {
			best = c
		}
	}
	return best
}
