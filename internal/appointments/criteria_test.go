package appointments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/visa-scheduler/internal/store"
)

func day(s string) *time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestCriteriaAccepts(t *testing.T) {
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	current := &store.CurrentAppointment{Date: "2026-09-15", IsActive: true}

	tests := []struct {
		name     string
		current  *store.CurrentAppointment
		start    *time.Time
		end      *time.Time
		date     string
		expected bool
	}{
		{"earlier than current", current, nil, nil, "2026-06-01", true},
		{"same day as current", current, nil, nil, "2026-09-15", false},
		{"later than current", current, nil, nil, "2026-10-01", false},
		{"earlier but outside range", current, day("2026-07-01"), day("2026-08-31"), "2026-06-01", false},
		{"earlier and inside range", current, day("2026-07-01"), day("2026-08-31"), "2026-07-01", true},
		{"range end inclusive", current, day("2026-07-01"), day("2026-08-31"), "2026-08-31", true},
		{"only start filter ignored", current, day("2026-07-01"), nil, "2026-06-01", true},
		{"only end filter ignored", nil, nil, day("2026-04-01"), "2026-06-01", true},
		{"no current within horizon", nil, nil, nil, "2027-03-01", true},
		{"no current past horizon", nil, nil, nil, "2027-03-02", false},
		{"no current with range", nil, day("2026-07-01"), day("2026-08-31"), "2026-08-01", true},
		{"inactive current ignored", &store.CurrentAppointment{Date: "2026-05-01"}, nil, nil, "2026-06-01", true},
		{"malformed date", current, nil, nil, "not-a-date", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCriteria(tt.current, tt.start, tt.end, 365, now)
			assert.Equal(t, tt.expected, c.Accepts(tt.date))
		})
	}
}

func TestCriteriaCurrent(t *testing.T) {
	now := time.Now()
	_, ok := NewCriteria(nil, nil, nil, 0, now).Current()
	assert.False(t, ok)

	date, ok := NewCriteria(&store.CurrentAppointment{Date: "2026-09-15", IsActive: true}, nil, nil, 0, now).Current()
	assert.True(t, ok)
	assert.Equal(t, "2026-09-15", date)
}

func TestSelect(t *testing.T) {
	toronto := &Candidate{FacilityID: 94, FacilityName: "Toronto", Date: "2026-05-10"}
	calgary := &Candidate{FacilityID: 89, FacilityName: "Calgary", Date: "2026-04-02"}
	vancouver := &Candidate{FacilityID: 95, FacilityName: "Vancouver", Date: "2026-04-02"}

	assert.Nil(t, Select(nil))
	assert.Nil(t, Select([]*Candidate{nil, nil}))
	assert.Same(t, toronto, Select([]*Candidate{nil, toronto}))
	assert.Same(t, calgary, Select([]*Candidate{toronto, calgary, vancouver}))
	assert.Same(t, vancouver, Select([]*Candidate{toronto, nil, vancouver, calgary}), "ties go to the first seen")
}
