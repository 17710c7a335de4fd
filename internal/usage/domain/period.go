package domain

import "time"

// Period returns the [start, end) window of the period containing now, counted
// in whole periods from anchor. The anchor may lie after now.
func Period(period ResetPeriod, anchor, now time.Time) (time.Time, time.Time) {
	anchor = anchor.UTC()
	now = now.UTC()
	n := estimate(period, anchor, now)
	for addPeriods(period, anchor, n).After(now) {
		n--
	}
	for !addPeriods(period, anchor, n+1).After(now) {
		n++
	}
	return addPeriods(period, anchor, n), addPeriods(period, anchor, n+1)
}

func estimate(period ResetPeriod, anchor, now time.Time) int {
	switch period {
	case ResetDay:
		return int(now.Sub(anchor).Hours() / 24)
	case ResetWeek:
		return int(now.Sub(anchor).Hours() / (24 * 7))
	case ResetYear:
		return now.Year() - anchor.Year()
	default:
		return (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	}
}

func addPeriods(period ResetPeriod, anchor time.Time, n int) time.Time {
	switch period {
	case ResetDay:
		return anchor.AddDate(0, 0, n)
	case ResetWeek:
		return anchor.AddDate(0, 0, 7*n)
	case ResetYear:
		return addMonths(anchor, 12*n)
	default:
		return addMonths(anchor, n)
	}
}

// addMonths keeps the anchor's day of month, clamped to the target month's
// last day, so a period anchored on the 31st does not drift.
func addMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	first = first.AddDate(0, n, 0)
	last := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// StartOfMonth is the default anchor for quotas that have none.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
