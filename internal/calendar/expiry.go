package calendar

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
)

// ErrLookaheadExceeded is returned when fewer than n expiries exist within the look-ahead bound.
var ErrLookaheadExceeded = errors.New("expiry look-ahead exceeded")

// Rule selects which weekday occurrences are expiries.
type Rule string

const (
	// RuleLast is the last occurrence of the weekday in each month.
	RuleLast Rule = "last"
	// RuleWeekly is every occurrence of the weekday.
	RuleWeekly Rule = "weekly"
)

// HolidayChecker reports full-closure dates.
type HolidayChecker interface {
	IsHoliday(d models.Date) bool
}

// maxShiftDays bounds the backward walk off a weekend/holiday run.
const maxShiftDays = 14

// Enumerator computes upcoming expiry dates for one instrument.
type Enumerator struct {
	rule         Rule
	weekday      time.Weekday
	holidays     HolidayChecker
	maxLookahead int
}

// NewEnumerator returns an Enumerator. maxLookaheadMonths <= 0 selects 24.
func NewEnumerator(rule Rule, weekday time.Weekday, holidays HolidayChecker, maxLookaheadMonths int) *Enumerator {
	if maxLookaheadMonths <= 0 {
		maxLookaheadMonths = 24
	}
	return &Enumerator{rule: rule, weekday: weekday, holidays: holidays, maxLookahead: maxLookaheadMonths}
}

// NextN returns the next n expiries on or after today, strictly increasing.
// Dates that would fall on a weekend or holiday move to the prior trading
// day; a moved date earlier than today is dropped.
func (e *Enumerator) NextN(today models.Date, n int) ([]models.Date, error) {
	if n <= 0 {
		return nil, nil
	}

	var next func(models.Date) models.Date
	switch e.rule {
	case RuleLast:
		next = e.nextLast
	case RuleWeekly:
		next = e.nextWeekly
	default:
		return nil, fmt.Errorf("unknown expiry rule %q", e.rule)
	}

	horizon := models.NewDate(today.Year(), today.Month()+time.Month(e.maxLookahead), 1)
	out := make([]models.Date, 0, n)
	cursor := today
	for len(out) < n {
		target := next(cursor)
		if !target.Before(horizon) {
			return out, fmt.Errorf("%w: found %d of %d expiries within %d months of %s",
				ErrLookaheadExceeded, len(out), n, e.maxLookahead, today)
		}
		cursor = target.AddDays(1)

		expiry, ok := e.shiftToTradingDay(target)
		if !ok || expiry.Before(today) {
			continue
		}
		if len(out) > 0 && !expiry.After(out[len(out)-1]) {
			continue
		}
		out = append(out, expiry)
	}
	return out, nil
}

// nextLast returns the first month-end weekday occurrence on or after from.
func (e *Enumerator) nextLast(from models.Date) models.Date {
	month := models.NewDate(from.Year(), from.Month(), 1)
	for {
		last := lastWeekdayOfMonth(month, e.weekday)
		if !last.Before(from) {
			return last
		}
		month = models.NewDate(month.Year(), month.Month()+1, 1)
	}
}

// nextWeekly returns the first weekday occurrence on or after from.
func (e *Enumerator) nextWeekly(from models.Date) models.Date {
	delta := (int(e.weekday) - int(from.Weekday()) + 7) % 7
	return from.AddDays(delta)
}

func (e *Enumerator) shiftToTradingDay(d models.Date) (models.Date, bool) {
	for i := 0; i <= maxShiftDays; i++ {
		if !isWeekend(d) && (e.holidays == nil || !e.holidays.IsHoliday(d)) {
			return d, true
		}
		d = d.AddDays(-1)
	}
	return models.Date{}, false
}

func lastWeekdayOfMonth(anyDayInMonth models.Date, weekday time.Weekday) models.Date {
	last := anyDayInMonth.LastOfMonth()
	back := (int(last.Weekday()) - int(weekday) + 7) % 7
	return last.AddDays(-back)
}

func isWeekend(d models.Date) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
