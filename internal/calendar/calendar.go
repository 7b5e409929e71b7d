// Package calendar partitions date ranges into daily, weekly, monthly and yearly
// periods and derives the labels used to name aggregation buckets.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Interval is a calendar resolution.
type Interval string

// Supported intervals.
const (
	Daily   Interval = "daily"
	Weekly  Interval = "weekly"
	Monthly Interval = "monthly"
	Yearly  Interval = "yearly"
)

// RollUpIntervals are the resolutions derived from daily buckets.
var RollUpIntervals = []Interval{Weekly, Monthly, Yearly}

// Date layouts accepted on input and used for day keys.
const (
	DayKeyLayout = "20060102"
	ISOLayout    = "2006-01-02"
)

// Range is an inclusive span of whole days.
type Range struct {
	Start time.Time
	End   time.Time
}

// String renders the range for logs.
func (r Range) String() string {
	return fmt.Sprintf("%s..%s", r.Start.Format(ISOLayout), r.End.Format(ISOLayout))
}

// Contains reports whether day falls inside the range.
func (r Range) Contains(day time.Time) bool {
	d := Truncate(day)
	return !d.Before(r.Start) && !d.After(r.End)
}

// ParseDate accepts YYYYMMDD or YYYY-MM-DD and returns midnight UTC.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{DayKeyLayout, ISOLayout} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want YYYYMMDD or YYYY-MM-DD", raw)
}

// ParseInterval validates an interval tag.
func ParseInterval(raw string) (Interval, error) {
	switch iv := Interval(strings.ToLower(strings.TrimSpace(raw))); iv {
	case Daily, Weekly, Monthly, Yearly:
		return iv, nil
	default:
		return "", fmt.Errorf("invalid interval %q: want daily, weekly, monthly or yearly", raw)
	}
}

// Truncate drops the time of day, keeping the calendar date in UTC.
func Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayKey formats a day as YYYYMMDD.
func DayKey(t time.Time) string {
	return t.Format(DayKeyLayout)
}

// Days lists every day from start to end inclusive.
func Days(start, end time.Time) []time.Time {
	start, end = Truncate(start), Truncate(end)
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Partition splits [start, end] into contiguous, non-overlapping sub-ranges.
// Weekly sub-ranges are seven-day windows counted from start; monthly and
// yearly sub-ranges follow calendar boundaries, with the first and last clipped
// to the requested bounds. Pass a range widened by Align to get whole ISO weeks.
func Partition(start, end time.Time, interval Interval) ([]Range, error) {
	start, end = Truncate(start), Truncate(end)
	if start.After(end) {
		return nil, fmt.Errorf("start %s is after end %s", start.Format(ISOLayout), end.Format(ISOLayout))
	}
	if _, err := ParseInterval(string(interval)); err != nil {
		return nil, err
	}
	var out []Range
	for cur := start; !cur.After(end); {
		periodEnd := PeriodEnd(cur, interval)
		if interval == Weekly {
			periodEnd = cur.AddDate(0, 0, 6)
		}
		if periodEnd.After(end) {
			periodEnd = end
		}
		out = append(out, Range{Start: cur, End: periodEnd})
		cur = periodEnd.AddDate(0, 0, 1)
	}
	return out, nil
}

// PeriodStart returns the first day of the period containing day.
func PeriodStart(day time.Time, interval Interval) time.Time {
	day = Truncate(day)
	switch interval {
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Yearly:
		return time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// PeriodEnd returns the last day of the period containing day.
func PeriodEnd(day time.Time, interval Interval) time.Time {
	day = Truncate(day)
	switch interval {
	case Weekly:
		return PeriodStart(day, Weekly).AddDate(0, 0, 6)
	case Monthly:
		first := PeriodStart(day, Monthly)
		next := first.AddDate(0, 0, 32)
		next = time.Date(next.Year(), next.Month(), 1, 0, 0, 0, 0, time.UTC)
		return next.AddDate(0, 0, -1)
	case Yearly:
		return time.Date(day.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// Align widens [start, end] to whole periods of the interval.
func Align(start, end time.Time, interval Interval) Range {
	return Range{Start: PeriodStart(start, interval), End: PeriodEnd(end, interval)}
}

// Label names the period containing day: YYYYMMDD, YYYY-Www, YYYY-MM or YYYY.
func Label(day time.Time, interval Interval) string {
	switch interval {
	case Weekly:
		year, week := day.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Monthly:
		return day.Format("2006-01")
	case Yearly:
		return day.Format("2006")
	default:
		return DayKey(day)
	}
}
