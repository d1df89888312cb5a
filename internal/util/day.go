package util

import (
	"fmt"
	"math"
	"time"
)

// DateLayout is the calendar-date key used for trading days.
const DateLayout = "2006-01-02"

// LoadLocation falls back to UTC on an unknown zone name.
func LoadLocation(tz string) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TodayOpen returns the local midnight (00:00) for `now` in loc.
func TodayOpen(loc *time.Location, now time.Time) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// DateKey formats the local calendar date of now, e.g. "2024-03-15".
func DateKey(loc *time.Location, now time.Time) string {
	return now.In(loc).Format(DateLayout)
}

// MinuteOfDay returns hour*60+minute of now in loc.
func MinuteOfDay(loc *time.Location, now time.Time) int {
	l := now.In(loc)
	return l.Hour()*60 + l.Minute()
}

// DaysUntil counts whole calendar days from now to date (YYYY-MM-DD) in loc.
// Dates already past give a negative count.
func DaysUntil(loc *time.Location, now time.Time, date string) (int, error) {
	d, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return 0, fmt.Errorf("expiration %q: %w", date, err)
	}
	return int(math.Round(d.Sub(TodayOpen(loc, now)).Hours() / 24)), nil
}
