package calendar

import (
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
)

// Window is a regular trading session as offsets from local midnight.
type Window struct {
	Open  time.Duration
	Close time.Duration
}

// Contains reports whether offset lies within the session, both ends inclusive.
func (w Window) Contains(offset time.Duration) bool {
	return offset >= w.Open && offset <= w.Close
}

// Clock answers whether the market is open at a given instant.
type Clock struct {
	loc       *time.Location
	regular   Window
	closedDay time.Weekday
	cache     *Cache
}

// OpenChecker is the view of the Clock that workers poll.
type OpenChecker interface {
	IsOpen(now time.Time) bool
}

var _ OpenChecker = (*Clock)(nil)

// NewClock returns a Clock for the exchange the cache was built for.
// A nil cache behaves as an empty calendar.
func NewClock(loc *time.Location, regular Window, closedDay time.Weekday, cache *Cache) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc, regular: regular, closedDay: closedDay, cache: cache}
}

// Location returns the exchange time zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Today returns the exchange-local date of now.
func (c *Clock) Today(now time.Time) models.Date {
	return models.DateOf(now.In(c.loc))
}

// IsOpen reports whether the market trades at now.
//
// The closure weekday is always closed. A holiday entry dated today with a
// special window for the exchange restricts trading to that window. Otherwise
// an entry that closes the exchange (see HolidayEntry.Closes) or any closure
// date the cache knows shuts the day. Everything else falls through to the
// regular session.
func (c *Clock) IsOpen(now time.Time) bool {
	local := now.In(c.loc)
	if local.Weekday() == c.closedDay {
		return false
	}

	today := models.DateOf(local)
	exchange := c.cache.Exchange()
	entries := c.cache.Today()
	for _, entry := range entries {
		if entry.Date != today {
			continue
		}
		if w, ok := entry.Window(exchange); ok {
			return w.Contains(now)
		}
	}
	for _, entry := range entries {
		if entry.Date == today && entry.Closes(exchange, c.cache.Policy()) {
			return false
		}
	}
	if c.cache.IsHoliday(today) {
		return false
	}

	return c.regular.Contains(local.Sub(today.In(c.loc)))
}

// maxNextOpenDays bounds the NextOpen scan; no real calendar closes longer.
const maxNextOpenDays = 31

// NextOpen returns the start of the next session at or after now. Special
// windows are only known for today; later days assume the regular session.
// ok is false when no session starts within maxNextOpenDays.
func (c *Clock) NextOpen(now time.Time) (next time.Time, ok bool) {
	if c.IsOpen(now) {
		return now, true
	}

	today := c.Today(now)
	var candidates []time.Time
	for _, entry := range c.cache.Today() {
		if w, found := entry.Window(c.cache.Exchange()); found && entry.Date == today {
			candidates = append(candidates, w.Open)
		}
	}
	candidates = append(candidates, today.In(c.loc).Add(c.regular.Open))
	for _, t := range candidates {
		if t.After(now) && c.IsOpen(t) {
			return t, true
		}
	}

	for i := 1; i <= maxNextOpenDays; i++ {
		d := today.AddDays(i)
		if d.Weekday() == c.closedDay || c.cache.IsHoliday(d) {
			continue
		}
		return d.In(c.loc).Add(c.regular.Open), true
	}
	return time.Time{}, false
}
