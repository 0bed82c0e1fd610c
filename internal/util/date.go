package util

import "time"

// easternFallback is used when the tz database is unavailable (minimal
// containers). DST-agnostic.
var easternFallback = time.FixedZone("ET", -5*60*60)

// Eastern returns the US market timezone.
func Eastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return easternFallback
	}
	return loc
}

// TodayEST returns the current trading date in US Eastern time, truncated to
// midnight. Watch dates from the recommendation source are Eastern dates, so
// every "is this actionable today" comparison goes through this.
func TodayEST() time.Time {
	return DateOf(time.Now().In(Eastern()))
}

// DateOf truncates t to midnight in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// IsWeekend reports whether the date falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// LastWorkingDay walks backward from date to the most recent weekday that is
// not a holiday per isHoliday.
func LastWorkingDay(date time.Time, isHoliday func(time.Time) bool) time.Time {
	for IsWeekend(date) || isHoliday(date) {
		date = date.AddDate(0, 0, -1)
	}
	return date
}
