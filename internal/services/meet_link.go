package services

import (
	"net/url"
	"regexp"
	"strings"
)

var meetCodePattern = regexp.MustCompile(`meet\.google\.com/([a-z]{3}-[a-z]{4}-[a-z]{3})`)

// ExtractSpaceID returns the meeting code of a Google Meet link, e.g.
// "abc-defg-hij" for https://meet.google.com/abc-defg-hij?authuser=0.
func ExtractSpaceID(link string) (string, bool) {
	link = strings.TrimSpace(strings.ToLower(link))
	if link == "" {
		return "", false
	}
	if u, err := url.Parse(link); err == nil && u.Host != "" {
		link = u.Host + u.Path
	}
	m := meetCodePattern.FindStringSubmatch(link)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// calendarResource is the provider resource a meeting's channel watches.
func calendarResource(calendarID string) string {
	if calendarID == "" {
		calendarID = "primary"
	}
	return "calendars/" + url.PathEscape(calendarID) + "/events"
}
