package engine

import (
	"testing"
	"time"
)

func TestCalendar(t *testing.T) {
	// Wednesday
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	at := func(day, hour, min int) time.Time {
		return time.Date(2026, 10, day, hour, min, 0, 0, time.UTC)
	}

	cases := []struct {
		t    time.Time
		want string
	}{
		{at(14, 9, 5), "Today at 9:05 AM"},
		{at(14, 17, 30), "Today at 5:30 PM"},
		{at(13, 8, 0), "Yesterday at 8:00 AM"},
		{at(15, 8, 0), "Tomorrow at 8:00 AM"},
		{at(10, 8, 0), "Last Saturday at 8:00 AM"},
		{at(8, 8, 0), "Last Thursday at 8:00 AM"},
		{at(7, 8, 0), "07/10/2026"},
		{at(18, 8, 0), "Sunday at 8:00 AM"},
		{at(21, 8, 0), "21/10/2026"},
	}
	for _, c := range cases {
		if got := Calendar(c.t, now); got != c.want {
			t.Errorf("Calendar(%v) = %q, want %q", c.t, got, c.want)
		}
	}
}

func TestCalendarUsesNowLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, loc)
	// 22:30 UTC on the 13th is 01:30 on the 14th in UTC+3.
	ts := time.Date(2026, 10, 13, 22, 30, 0, 0, time.UTC)

	if got := Calendar(ts, now); got != "Today at 1:30 AM" {
		t.Errorf("Expected Today at 1:30 AM, got %q", got)
	}
}
