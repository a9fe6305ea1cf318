package billsync

import "time"

// MonthWindow returns the calendar-month window containing now:
// [first-of-month 00:00 UTC, first-of-next-month 00:00 UTC).
// Quota counts are computed against this half-open interval.
func MonthWindow(now time.Time) (start, end time.Time) {
	n := now.UTC()
	start = time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes month overflow, so December rolls into January.
	end = time.Date(n.Year(), n.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return start, end
}
