// Package system provides the wall clock used for run and scrape timestamps.
package system

import "time"

// Clock implements crawler.Clock. Times are reported in a fixed location so
// scrape timestamps read in the news site's local time.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting in loc. A nil loc means UTC.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Now returns the current time in the clock's location.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location reports the clock's location.
func (c *Clock) Location() *time.Location {
	return c.loc
}
