// Package engine holds the daily attendance ledger and its on-disk store.
package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/celerix-dev/celerix-ledger/internal/errs"
)

// Recognised event types. Any other non-reserved field name is accepted by
// Ledger.Apply and only ever updates an existing record.
const (
	EventSignIn  = "signin"
	EventSignOut = "signout"
)

// nameField is the reserved JSON key holding the person's name.
const nameField = "name"

// Day is a calendar date at day granularity.
//
// Key renders the flat day-first label (DD/MM/YYYY). Path renders the
// on-disk layout (YYYY/MM/DD), which is the only form used to address files.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar day of t in t's location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// NewDay validates a year/month/day triple.
func NewDay(year, month, day int) (Day, error) {
	if month < 1 || month > 12 || day < 1 || year < 1 || year > 9999 {
		return Day{}, errs.New(errs.KindValidation, fmt.Sprintf("invalid date %04d/%02d/%02d", year, month, day), nil)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return Day{}, errs.New(errs.KindValidation, fmt.Sprintf("invalid date %04d/%02d/%02d", year, month, day), nil)
	}
	return Day{Year: year, Month: time.Month(month), Day: day}, nil
}

// Key returns DD/MM/YYYY.
func (d Day) Key() string {
	return fmt.Sprintf("%02d/%02d/%04d", d.Day, int(d.Month), d.Year)
}

// Path returns the YYYY/MM/DD layout using the OS separator, without extension.
func (d Day) Path() string {
	return filepath.Join(fmt.Sprintf("%04d", d.Year), fmt.Sprintf("%02d", int(d.Month)), fmt.Sprintf("%02d", d.Day))
}

func (d Day) String() string {
	return d.Key()
}

// Start returns midnight of d in loc.
func (d Day) Start(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// Before reports whether d is an earlier calendar day than o.
func (d Day) Before(o Day) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}
