// Package calendar decides when the exchange trades and which expiries are live.
package calendar

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Unmatched holiday policies. See Clock.IsOpen.
const (
	PolicyIgnore = "ignore"
	PolicyClose  = "close"
)

// SpecialWindow is a one-off trading session for an exchange on a holiday.
type SpecialWindow struct {
	Exchange string
	Open     time.Time
	Close    time.Time
}

// Contains reports whether t falls inside the window, both ends inclusive.
func (w SpecialWindow) Contains(t time.Time) bool {
	return !t.Before(w.Open) && !t.After(w.Close)
}

var specialWindowRe = regexp.MustCompile(`^\s*([A-Za-z0-9_]+)\s*\(\s*Start:\s*(\d+)\s*,\s*End:\s*(\d+)\s*\)\s*$`)

// ParseSpecialWindow parses "NSE (Start: <ms-epoch>, End: <ms-epoch>)".
// Malformed text, or an end before the start, yields ok == false.
func ParseSpecialWindow(text string) (SpecialWindow, bool) {
	m := specialWindowRe.FindStringSubmatch(text)
	if m == nil {
		return SpecialWindow{}, false
	}
	start, err1 := strconv.ParseInt(m[2], 10, 64)
	end, err2 := strconv.ParseInt(m[3], 10, 64)
	if err1 != nil || err2 != nil {
		return SpecialWindow{}, false
	}
	return newSpecialWindow(m[1], start, end)
}

func newSpecialWindow(exchange string, startMs, endMs int64) (SpecialWindow, bool) {
	exchange = normalizeExchange(exchange)
	if exchange == "" || startMs <= 0 || endMs < startMs {
		return SpecialWindow{}, false
	}
	return SpecialWindow{
		Exchange: exchange,
		Open:     time.UnixMilli(startMs),
		Close:    time.UnixMilli(endMs),
	}, true
}

// HolidayEntry is one calendar entry for one date. It is immutable after construction.
type HolidayEntry struct {
	Date            models.Date
	Description     string
	HolidayType     string
	ClosedExchanges []string
	SpecialWindows  map[string]SpecialWindow
}

// FromBroker converts an API holiday. Unparseable open_exchanges elements are dropped.
func FromBroker(h broker.Holiday) (HolidayEntry, error) {
	date, err := models.ParseDate(h.Date)
	if err != nil {
		return HolidayEntry{}, err
	}
	entry := HolidayEntry{
		Date:           date,
		Description:    h.Description,
		HolidayType:    h.HolidayType,
		SpecialWindows: make(map[string]SpecialWindow),
	}
	for _, ex := range h.ClosedExchanges {
		if ex = normalizeExchange(ex); ex != "" {
			entry.ClosedExchanges = append(entry.ClosedExchanges, ex)
		}
	}
	for _, timing := range h.OpenExchanges {
		var (
			w  SpecialWindow
			ok bool
		)
		if timing.Text != "" {
			w, ok = ParseSpecialWindow(timing.Text)
		} else {
			w, ok = newSpecialWindow(timing.Exchange, timing.StartTime, timing.EndTime)
		}
		if ok {
			entry.SpecialWindows[w.Exchange] = w
		}
	}
	return entry, nil
}

// Window returns the special session for exchange, if any.
func (h HolidayEntry) Window(exchange string) (SpecialWindow, bool) {
	w, ok := h.SpecialWindows[normalizeExchange(exchange)]
	return w, ok
}

// ClosesExchange reports whether the entry names exchange as closed.
func (h HolidayEntry) ClosesExchange(exchange string) bool {
	exchange = normalizeExchange(exchange)
	for _, ex := range h.ClosedExchanges {
		if ex == exchange {
			return true
		}
	}
	return false
}

// Closes reports whether the entry removes the regular session of exchange
// under policy. A special window for the exchange means it still trades.
func (h HolidayEntry) Closes(exchange, policy string) bool {
	if _, ok := h.Window(exchange); ok {
		return false
	}
	if h.ClosesExchange(exchange) {
		return true
	}
	return policy == PolicyClose
}

func normalizeExchange(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Cache holds the calendar fetched at startup. It is never mutated after
// construction, so concurrent readers need no locking.
type Cache struct {
	exchange string
	policy   string
	today    []HolidayEntry
	closed   map[models.Date]struct{}
}

// NewCache builds a cache from already-fetched entries. todays are the entries
// for the current date; others contribute closure dates only; extra are
// operator-configured closure dates.
func NewCache(exchange, policy string, todays, others []HolidayEntry, extra []models.Date) *Cache {
	c := &Cache{
		exchange: normalizeExchange(exchange),
		policy:   policy,
		today:    append([]HolidayEntry(nil), todays...),
		closed:   make(map[models.Date]struct{}),
	}
	all := append(append([]HolidayEntry(nil), todays...), others...)
	special := make(map[models.Date]struct{})
	for _, e := range all {
		if _, ok := e.Window(c.exchange); ok {
			special[e.Date] = struct{}{}
		}
	}
	for _, e := range all {
		if _, ok := special[e.Date]; ok {
			continue
		}
		if e.Closes(c.exchange, policy) {
			c.closed[e.Date] = struct{}{}
		}
	}
	for _, d := range extra {
		c.closed[d] = struct{}{}
	}
	return c
}

// LoadCache fetches today's entries and the annual list concurrently. Either
// call failing is logged and treated as "no holidays"; LoadCache never fails.
func LoadCache(ctx context.Context, src broker.HolidaySource, today models.Date,
	exchange, policy string, extra []models.Date, logger logrus.FieldLogger) *Cache {
	var todays, annual []HolidayEntry

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := src.GetHolidaysForDateCtx(gctx, today)
		if err != nil {
			logger.WithError(err).WithField("date", today.String()).
				Warn("Failed to fetch today's holiday data, assuming regular trading hours")
			return nil
		}
		todays = convertHolidays(raw, logger)
		return nil
	})
	g.Go(func() error {
		raw, err := src.GetHolidaysCtx(gctx)
		if err != nil {
			logger.WithError(err).Warn("Failed to fetch holiday list, expiry dates will only skip weekends and configured holidays")
			return nil
		}
		annual = convertHolidays(raw, logger)
		return nil
	})
	_ = g.Wait()

	// The date-wise endpoint may return neighbouring dates; only exact matches count as today.
	var matched, others []HolidayEntry
	for _, e := range todays {
		if e.Date == today {
			matched = append(matched, e)
		} else {
			others = append(others, e)
		}
	}
	// The annual list stands in for today's entries when the date-wise call
	// came back without any.
	dateWise := len(matched) > 0
	for _, e := range annual {
		switch {
		case e.Date != today:
			others = append(others, e)
		case !dateWise:
			matched = append(matched, e)
		}
	}

	c := NewCache(exchange, policy, matched, others, extra)
	logger.WithFields(logrus.Fields{
		"today_entries": len(c.today),
		"closure_dates": len(c.closed),
	}).Info("Holiday calendar loaded")
	return c
}

func convertHolidays(raw []broker.Holiday, logger logrus.FieldLogger) []HolidayEntry {
	out := make([]HolidayEntry, 0, len(raw))
	for _, h := range raw {
		e, err := FromBroker(h)
		if err != nil {
			logger.WithError(err).WithField("description", h.Description).Warn("Skipping holiday with invalid date")
			continue
		}
		out = append(out, e)
	}
	return out
}

// Today returns the entries dated today. The slice must not be modified.
func (c *Cache) Today() []HolidayEntry {
	if c == nil {
		return nil
	}
	return c.today
}

// IsHoliday reports whether the exchange is closed all day on d.
func (c *Cache) IsHoliday(d models.Date) bool {
	if c == nil {
		return false
	}
	_, ok := c.closed[d]
	return ok
}

// Exchange returns the exchange the cache was built for.
func (c *Cache) Exchange() string {
	if c == nil {
		return ""
	}
	return c.exchange
}

// Policy returns the unmatched-holiday policy.
func (c *Cache) Policy() string {
	if c == nil {
		return PolicyIgnore
	}
	return c.policy
}

// ClosureDates returns the number of distinct full-closure dates known.
func (c *Cache) ClosureDates() int {
	if c == nil {
		return 0
	}
	return len(c.closed)
}
