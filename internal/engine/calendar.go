package engine

import "time"

const clockLayout = "3:04 PM"

// Calendar renders t relative to now the way a calendar view reads:
// "Today at 9:15 AM", "Yesterday at ...", "Last Monday at ...",
// "Tomorrow at ...", "Friday at ...", or DD/MM/YYYY beyond a week.
// Both times are read in now's location.
func Calendar(t, now time.Time) string {
	t = t.In(now.Location())
	diff := daysBetween(now, t)
	clock := t.Format(clockLayout)

	switch {
	case diff < -6:
		return DayOf(t).Key()
	case diff < -1:
		return "Last " + t.Weekday().String() + " at " + clock
	case diff < 0:
		return "Yesterday at " + clock
	case diff < 1:
		return "Today at " + clock
	case diff < 2:
		return "Tomorrow at " + clock
	case diff < 7:
		return t.Weekday().String() + " at " + clock
	}
	return DayOf(t).Key()
}

// daysBetween counts calendar days from now's date to t's date.
func daysBetween(now, t time.Time) int {
	a := DayOf(now).Start(time.UTC)
	b := DayOf(t).Start(time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
