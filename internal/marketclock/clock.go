// Package marketclock answers "which markets can I trade right now" as a pure
// function of wall-clock time. The domestic session is the KRX regular
// session; the overseas session is the US session mapped into local time with
// a coarse seasonal daylight-savings window rather than exact exchange
// calendars.
package marketclock

import "time"

// Markets reports which sessions are active.
type Markets struct {
	Domestic bool
	Overseas bool
}

// Session boundaries, local time.
const (
	domesticOpenHour   = 9
	domesticCloseHour  = 15
	domesticCloseMin   = 30
	dstOpenHour        = 22 // April-October
	dstOpenMin         = 30
	dstCloseHour       = 5
	stdOpenHour        = 23 // November-March
	stdOpenMin         = 30
	stdCloseHour       = 6
)

// ActiveMarkets evaluates both sessions at now. Stateless.
func ActiveMarkets(now time.Time) Markets {
	return Markets{
		Domestic: domesticOpen(now),
		Overseas: overseasOpen(now),
	}
}

// domesticOpen: Monday-Friday 09:00-15:30, both bounds inclusive.
func domesticOpen(now time.Time) bool {
	wd := now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	h, m := now.Hour(), now.Minute()
	if h < domesticOpenHour {
		return false
	}
	if h > domesticCloseHour {
		return false
	}
	if h == domesticCloseHour && m > domesticCloseMin {
		return false
	}
	return true
}

// overseasOpen: the US session spans midnight local time. During DST months
// (April-October) it runs 22:30-05:00, otherwise 23:30-06:00. A session only
// counts when it opened on a weekday, and weekends are closed outright, so
// the Friday session's early-morning tail stops at midnight into Saturday and
// Monday 04:00 (which would belong to a Sunday open) does not trade.
func overseasOpen(now time.Time) bool {
	wd := now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}

	openHour, openMin, closeHour := stdOpenHour, stdOpenMin, stdCloseHour
	if isDSTMonth(now.Month()) {
		openHour, openMin, closeHour = dstOpenHour, dstOpenMin, dstCloseHour
	}

	h, m := now.Hour(), now.Minute()

	// Evening half: session opening today.
	if h > openHour || (h == openHour && m >= openMin) {
		return true
	}

	// Morning half: session opened the previous day.
	if h < closeHour {
		prev := now.AddDate(0, 0, -1).Weekday()
		return prev != time.Saturday && prev != time.Sunday
	}

	return false
}

// isDSTMonth approximates the US daylight-savings period by whole months.
func isDSTMonth(m time.Month) bool {
	return m >= time.April && m <= time.October
}
