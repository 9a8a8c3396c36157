package scrape

import (
	"regexp"
	"strings"
	"time"
)

// dateLayouts are tried in order by ParseTime.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	time.DateOnly,
	"Mon 02 Jan '06",
	"Mon 2 Jan '06",
	"Monday 2 January 2006",
	"Mon 2 January 2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006 3:04pm",
	"2 January 2006 3:04pm",
	"Mon 2 Jan 2006 3:04pm",
}

var rangeSep = regexp.MustCompile(`\s+(?:to|–|-|—)\s+`)

// ParseTime reads a start time from listing text. Ranges such as
// "Sat 1 March 2025 to Sun 2 March 2025" yield the first date. Times
// without a zone are interpreted in loc. It returns nil when nothing
// matches.
func ParseTime(s string, loc *time.Location) *time.Time {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}
	if parts := rangeSep.Split(s, 2); len(parts) == 2 && parts[0] != "" {
		if t := parseOne(parts[0], loc); t != nil {
			return t
		}
	}
	return parseOne(s, loc)
}

func parseOne(s string, loc *time.Location) *time.Time {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t
		}
	}
	// Accept lower-case meridiem markers written in upper case.
	if lower := strings.ToLower(s); lower != s {
		for _, layout := range dateLayouts {
			if !strings.Contains(layout, "pm") {
				continue
			}
			if t, err := time.ParseInLocation(layout, lower, loc); err == nil {
				return &t
			}
		}
	}
	return nil
}
