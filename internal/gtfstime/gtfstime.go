// Package gtfstime implements the schedule time model: signed second offsets
// anchored at local noon of the service date.
//
// GTFS allows stop times past 24:00:00 for after-midnight service, and transit
// agencies observe daylight saving time. Anchoring at noon instead of midnight
// means a DST transition in the 02:00 hour can never shift a nominally-timed
// stop: noon exists exactly once on every civil date.
package gtfstime

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// NoTime marks an absent arrival or departure in stop_times.txt.
const NoTime = math.MinInt32

// secondsPerHalfDay is the offset of midnight relative to local noon. A stop
// time of hh >= 24 encodes to an offset >= this value.
const secondsPerHalfDay = 12 * 60 * 60

// serviceDateLayout is the GTFS calendar date format.
const serviceDateLayout = "20060102"

// dayTokenLayout is the long form of the protocol day token (ddMMMyyyy).
const dayTokenLayout = "02Jan2006"

// OffsetFromHHMMSS converts a GTFS "hh:mm:ss" time to seconds relative to
// local noon on the service date. Hours of 24 and above are allowed. An empty
// string yields NoTime with no error.
func OffsetFromHHMMSS(s string) (int, error) {
	if s == "" {
		return NoTime, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return NoTime, fmt.Errorf("malformed time %q: want hh:mm:ss", s)
	}

	var hms [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return NoTime, fmt.Errorf("malformed time %q: %w", s, err)
		}
		hms[i] = n
	}

	if hms[0] < 0 {
		return NoTime, fmt.Errorf("malformed time %q: negative hour", s)
	}
	if hms[1] < 0 || hms[1] > 59 {
		return NoTime, fmt.Errorf("malformed time %q: invalid minute", s)
	}
	if hms[2] < 0 || hms[2] > 59 {
		return NoTime, fmt.Errorf("malformed time %q: invalid second", s)
	}

	return hms[0]*3600 + hms[1]*60 + hms[2] - secondsPerHalfDay, nil
}

// ToHHMMSS renders a noon offset back to GTFS "hh:mm:ss" form. NoTime renders
// as the empty string.
func ToHHMMSS(offset int) string {
	if offset == NoTime {
		return ""
	}
	total := offset + secondsPerHalfDay
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// IsNextActualDay reports whether the offset names a time past midnight, i.e.
// on the civil day after the service date.
func IsNextActualDay(offset int) bool {
	return offset >= secondsPerHalfDay
}

// LocalNoon returns 12:00:00 local time on the given date in loc.
func LocalNoon(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, loc)
}

// ToInstant converts a service date plus noon offset to an absolute instant in
// the agency time zone. The result carries the correct DST flag for the civil
// time it lands on.
func ToInstant(serviceDate time.Time, offset int, loc *time.Location) time.Time {
	return LocalNoon(serviceDate, loc).Add(time.Duration(offset) * time.Second)
}

// ServiceWindow returns the three service dates the reconciler must consider
// for "today": yesterday (after-midnight trips still running), today, and
// tomorrow (early trips of the next service day).
func ServiceWindow(today time.Time) [3]time.Time {
	d := DateOnly(today)
	return [3]time.Time{d.AddDate(0, 0, -1), d, d.AddDate(0, 0, 1)}
}

// DateOnly truncates a time to midnight of its civil date, keeping location.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// SameDate reports whether two times fall on the same civil date.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ParseServiceDate parses a GTFS yyyymmdd date in the given location.
func ParseServiceDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(serviceDateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed service date %q: %w", s, err)
	}
	return t, nil
}

// FormatServiceDate renders a date in GTFS yyyymmdd form.
func FormatServiceDate(t time.Time) string {
	return t.Format(serviceDateLayout)
}

// ParseDayToken resolves a protocol day argument: D (today), Y (yesterday),
// T (tomorrow), or a literal ddMMMyyyy date.
func ParseDayToken(token string, today time.Time, loc *time.Location) (time.Time, error) {
	switch strings.ToUpper(token) {
	case "D":
		return DateOnly(today), nil
	case "Y":
		return DateOnly(today).AddDate(0, 0, -1), nil
	case "T":
		return DateOnly(today).AddDate(0, 0, 1), nil
	}
	t, err := time.ParseInLocation(dayTokenLayout, token, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed day token %q: %w", token, err)
	}
	return t, nil
}
