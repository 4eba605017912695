// Package calendar holds the pure work-day arithmetic: converting a
// moderator's work-start anchor into a work-day ordinal, and a (date, time,
// zone) triple into an absolute instant. No state, no I/O.
package calendar

import (
	"fmt"
	"time"

	"modsched/internal/domain"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// LoadZone resolves an IANA zone name against the zone database. An empty
// name defaults to UTC; an unknown name is an InvalidConfiguration error,
// never a silent UTC fallback.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrInvalidConfiguration, name)
	}
	return loc, nil
}

// WorkDayOf computes the 1-based work-day ordinal for a moderator at nowUTC,
// relative to the anchor's start date in the anchor's own timezone. Returns
// WorkDayUnset while the anchor has no start date. Monotonic non-decreasing
// in nowUTC and stable within one local day.
func WorkDayOf(anchor domain.WorkStartAnchor, nowUTC time.Time) (int, error) {
	if anchor.WorkStartDate == nil {
		return domain.WorkDayUnset, nil
	}
	loc, err := LoadZone(anchor.Timezone)
	if err != nil {
		return domain.WorkDayUnset, err
	}
	start, err := parseDate(*anchor.WorkStartDate)
	if err != nil {
		return domain.WorkDayUnset, err
	}

	local := nowUTC.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	day := int(today.Sub(start).Hours()/24) + 1
	if day < 1 {
		day = 1
	}
	return day, nil
}

// AbsoluteInstant combines a calendar date and a time of day in a named zone
// into an absolute instant. The zone's offset is resolved for that specific
// date, so DST transitions come out right.
func AbsoluteInstant(date, timeOfDay, timezone string) (time.Time, error) {
	loc, err := LoadZone(timezone)
	if err != nil {
		return time.Time{}, err
	}
	d, err := parseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	c, err := time.Parse(clockLayout, timeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad time of day %q", domain.ErrValidation, timeOfDay)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), 0, 0, loc), nil
}

func parseDate(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", domain.ErrValidation, s)
	}
	return d, nil
}
