package risk

import (
	"time"

	"github.com/chidi150c/optionpilot/internal/state"
	"github.com/chidi150c/optionpilot/internal/util"
)

// Window is an inclusive range of minutes since local midnight, [Start, End].
type Window struct {
	Start int
	End   int
}

func (w Window) Contains(minute int) bool { return minute >= w.Start && minute <= w.End }

// Session is the exchange calendar and the intraday entry windows, all in Loc.
type Session struct {
	Loc          *time.Location
	Open         int // 570 = 09:30
	Close        int // 960 = 16:00
	Windows      map[state.Kind][]Window
	EODCutoff    int // no entries at or after this minute (955)
	FridayCutoff int // no entries on Fridays at or after this minute (900)
	Holidays     map[string]bool
}

func (s Session) local(now time.Time) time.Time { return now.In(s.Loc) }

func (s Session) Minute(now time.Time) int { return util.MinuteOfDay(s.Loc, now) }

func (s Session) DateKey(now time.Time) string { return util.DateKey(s.Loc, now) }

func (s Session) IsWeekend(now time.Time) bool {
	wd := s.local(now).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func (s Session) IsHoliday(now time.Time) bool { return s.Holidays[s.DateKey(now)] }

// TradingDay is a weekday that is not an exchange holiday.
func (s Session) TradingDay(now time.Time) bool { return !s.IsWeekend(now) && !s.IsHoliday(now) }

// MarketOpen reports regular trading hours.
func (s Session) MarketOpen(now time.Time) bool {
	if !s.TradingDay(now) {
		return false
	}
	m := s.Minute(now)
	return m >= s.Open && m <= s.Close
}

// InWindow reports whether kind may enter now. An empty kind checks every window.
func (s Session) InWindow(now time.Time, kind state.Kind) bool {
	if !s.TradingDay(now) {
		return false
	}
	return s.inWindowMinute(s.Minute(now), kind)
}

func (s Session) inWindowMinute(m int, kind state.Kind) bool {
	for k, ws := range s.Windows {
		if kind != "" && k != kind {
			continue
		}
		for _, w := range ws {
			if w.Contains(m) {
				return true
			}
		}
	}
	return false
}

func (s Session) IsFridayAfterCutoff(now time.Time) bool {
	return s.local(now).Weekday() == time.Friday && s.Minute(now) >= s.FridayCutoff
}

// DefaultSession is the US equity options calendar in America/New_York.
func DefaultSession() Session {
	return Session{
		Loc:   util.LoadLocation("America/New_York"),
		Open:  9*60 + 30,
		Close: 16 * 60,
		Windows: map[state.Kind][]Window{
			state.KindCreditSpread: {{Start: 9*60 + 45, End: 10*60 + 30}},
			state.KindDirectional:  {{Start: 9*60 + 30, End: 10*60 + 30}, {Start: 15 * 60, End: 15*60 + 55}},
		},
		EODCutoff:    15*60 + 55,
		FridayCutoff: 15 * 60,
		Holidays:     map[string]bool{},
	}
}
