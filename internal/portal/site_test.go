package portal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSiteURLs(t *testing.T) {
	s := NewSite("https://ais.usvisa-info.com/", "CA")

	assert.Equal(t, "https://ais.usvisa-info.com/ca/niv/users/sign_in", s.SignIn())
	assert.Equal(t, "https://ais.usvisa-info.com/ca/niv/account", s.Account())
	assert.Equal(t, "https://ais.usvisa-info.com/ca/niv/schedule/123/appointment", s.Appointment("123"))
	assert.Equal(t, "https://ais.usvisa-info.com/ca/niv/schedule/123/appointment/days/94.json?appointments[expedite]=false", s.Days("123", 94))
	assert.Equal(t, "https://ais.usvisa-info.com/ca/niv/schedule/123/appointment/times/94.json?date=2025-03-01&appointments[expedite]=false", s.Times("123", 94, "2025-03-01"))
}

func TestUserIDFromURL(t *testing.T) {
	tests := []struct {
		url    string
		want   string
		wantOK bool
	}{
		{"https://ais.usvisa-info.com/ca/niv/schedule/48213345/continue_actions", "48213345", true},
		{"https://ais.usvisa-info.com/ca/niv/schedule/48213345", "48213345", true},
		{"https://ais.usvisa-info.com/ca/niv/schedule/48213345?x=1", "48213345", true},
		{"https://ais.usvisa-info.com/ca/niv/account", "", false},
		{"https://ais.usvisa-info.com/ca/niv/schedule/abc/appointment", "", false},
	}
	for _, tt := range tests {
		got, ok := UserIDFromURL(tt.url)
		assert.Equal(t, tt.wantOK, ok, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}
}

func TestURLClassifiers(t *testing.T) {
	assert.True(t, IsSignInURL("https://x/ca/niv/users/sign_in"))
	assert.False(t, IsSignInURL("https://x/ca/niv/account"))
	assert.True(t, IsAppointmentURL("https://x/ca/niv/schedule/1/appointment"))
	assert.False(t, IsAppointmentURL("https://x/ca/niv/account"))
}
