// Package portal knows the layout of the visa scheduling site: its URLs,
// form selectors, JSON endpoints and the sign-in flow.
package portal

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Form selectors.
const (
	SelectorEmail        = `input[name="user[email]"]`
	SelectorPassword     = `input[name="user[password]"]`
	SelectorPolicy       = `#policy_confirmed`
	SelectorSignInSubmit = `input[name="commit"]`

	SelectorFacility = `#appointments_consulate_appointment_facility_id`
	SelectorDate     = `#appointments_consulate_appointment_date`
	SelectorTime     = `#appointments_consulate_appointment_time`
	SelectorSubmit   = `#appointments_submit`
	SelectorConfirm  = `a.alert`
)

var userIDPattern = regexp.MustCompile(`/schedule/(\d+)(?:[/?#]|$)`)

// Site builds URLs for one country's portal.
type Site struct {
	BaseURL string
	Country string
}

// NewSite normalizes the base URL and country code.
func NewSite(baseURL, country string) Site {
	return Site{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Country: strings.ToLower(strings.TrimSpace(country)),
	}
}

func (s Site) root() string {
	return s.BaseURL + "/" + s.Country + "/niv"
}

func (s Site) SignIn() string {
	return s.root() + "/users/sign_in"
}

func (s Site) Account() string {
	return s.root() + "/account"
}

func (s Site) Appointment(userID string) string {
	return s.root() + "/schedule/" + userID + "/appointment"
}

// Days is the JSON endpoint listing open days for a facility.
func (s Site) Days(userID string, facilityID int) string {
	return fmt.Sprintf("%s/days/%d.json?appointments[expedite]=false", s.Appointment(userID), facilityID)
}

// Times is the JSON endpoint listing open time slots on one day.
func (s Site) Times(userID string, facilityID int, date string) string {
	return fmt.Sprintf("%s/times/%d.json?date=%s&appointments[expedite]=false", s.Appointment(userID), facilityID, url.QueryEscape(date))
}

// IsSignInURL reports whether the page was bounced to the sign-in form.
func IsSignInURL(u string) bool {
	return strings.Contains(u, "sign_in")
}

// IsAppointmentURL reports whether the page is on the booking form.
func IsAppointmentURL(u string) bool {
	return strings.Contains(u, "/appointment")
}

// UserIDFromURL extracts the numeric schedule id from a portal URL.
func UserIDFromURL(u string) (string, bool) {
	m := userIDPattern.FindStringSubmatch(u)
	if m == nil {
		return "", false
	}
	return m[1], true
}
