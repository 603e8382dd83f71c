package risk

import (
	"fmt"
	"strings"
	"time"
)

type monthDay struct {
	month time.Month
	day   int
}

// Fixed-date holidays observed everywhere.
var globalHolidays = []monthDay{
	{time.January, 1},
	{time.December, 25},
}

// Fixed-date holidays per country.
var countryHolidays = map[string][]monthDay{
	"US": {{time.July, 4}, {time.November, 11}},
	"CA": {{time.July, 1}, {time.December, 26}},
	"GB": {{time.December, 26}},
	"DE": {{time.October, 3}, {time.December, 26}},
	"FR": {{time.May, 1}, {time.July, 14}, {time.November, 11}},
	"IT": {{time.April, 25}, {time.June, 2}},
	"ES": {{time.October, 12}},
	"MX": {{time.September, 16}},
	"BR": {{time.September, 7}},
	"IN": {{time.January, 26}, {time.August, 15}},
	"JP": {{time.February, 11}},
	"AU": {{time.January, 26}},
	"NL": {{time.April, 27}},
	"CH": {{time.August, 1}},
}

// Calendar answers whether a date is a public holiday.
type Calendar struct {
	extra map[string]bool // "2006-01-02" or "US:2006-01-02"
}

// NewCalendar builds a calendar with additional dates. Entries are
// "2006-01-02" for every country or "CC:2006-01-02" for one country.
func NewCalendar(extra []string) (*Calendar, error) {
	c := &Calendar{extra: make(map[string]bool, len(extra))}
	for _, e := range extra {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		country, date, scoped := strings.Cut(e, ":")
		if !scoped {
			date, country = country, ""
		}
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", e, err)
		}
		if country != "" {
			date = strings.ToUpper(country) + ":" + date
		}
		c.extra[date] = true
	}
	return c, nil
}

// IsHoliday reports whether t falls on a holiday in country. An empty
// country only matches global dates.
func (c *Calendar) IsHoliday(country string, t time.Time) bool {
	country = strings.ToUpper(country)
	md := monthDay{t.Month(), t.Day()}

	for _, h := range globalHolidays {
		if h == md {
			return true
		}
	}
	for _, h := range countryHolidays[country] {
		if h == md {
			return true
		}
	}
	if country == "US" && isThanksgiving(t) {
		return true
	}

	if c == nil {
		return false
	}
	date := t.Format(time.DateOnly)
	return c.extra[date] || (country != "" && c.extra[country+":"+date])
}

// isThanksgiving reports the fourth Thursday of November.
func isThanksgiving(t time.Time) bool {
	return t.Month() == time.November && t.Weekday() == time.Thursday && (t.Day()-1)/7 == 3
}
