package portal

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	scheduledPattern = regexp.MustCompile(`(?i)appointment[^.]*?(?:\bon\b|:)\s*(\d{1,2} [A-Za-z]+,? \d{4}|[A-Za-z]+ \d{1,2},? \d{4})`)
	scheduledLayouts = []string{"2 January, 2006", "2 January 2006", "January 2, 2006", "January 2 2006"}
)

// UserIDFromHTML finds the schedule id in the page's links.
func UserIDFromHTML(html string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}
	var id string
	doc.Find(`a[href*="/schedule/"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if v, ok := UserIDFromURL(href); ok {
			id = v
			return false
		}
		return true
	})
	return id, id != ""
}

// ScheduledDateFromHTML extracts the date from text such as
// "Consular Appointment: 11 March, 2026" or "Your appointment is on May 3, 2026".
func ScheduledDateFromHTML(html string) (time.Time, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return time.Time{}, false
	}
	var found time.Time
	doc.Find("p, li, td, div, span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.Join(strings.Fields(s.Text()), " ")
		m := scheduledPattern.FindStringSubmatch(text)
		if m == nil {
			return true
		}
		for _, layout := range scheduledLayouts {
			if t, err := time.Parse(layout, m[1]); err == nil {
				found = t
				return false
			}
		}
		return true
	})
	return found, !found.IsZero()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
