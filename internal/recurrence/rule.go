// Package recurrence expands recurring series into concrete occurrences.
//
// Rules cover the subset of RFC 5545 RRULE the platform accepts: FREQ,
// INTERVAL, exactly one of COUNT or UNTIL, BYDAY, BYMONTHDAY and BYMONTH.
// Expansion works on wall-clock times in the anchor's timezone, so a 09:00
// series stays at 09:00 across DST transitions.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

var (
	// ErrInvalidRule is returned when a rule fails structural validation.
	ErrInvalidRule = errors.New("invalid recurrence rule")

	// ErrUnsupportedRule is returned when an RRULE uses a component outside
	// the supported subset.
	ErrUnsupportedRule = errors.New("unsupported rrule component")
)

// UnsupportedRuleError reports the RRULE component that is outside the
// supported subset. It matches ErrUnsupportedRule under errors.Is.
type UnsupportedRuleError struct {
	Component string
}

func (e *UnsupportedRuleError) Error() string {
	return fmt.Sprintf("unsupported rrule component: %s", e.Component)
}

func (e *UnsupportedRuleError) Is(target error) bool {
	return target == ErrUnsupportedRule
}

// Frequency is the base repetition unit of a rule. Sub-daily frequencies are
// outside the supported subset.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// IsValid reports whether the frequency is part of the supported subset.
func (f Frequency) IsValid() bool {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

func (f Frequency) rrule() rrule.Frequency {
	switch f {
	case Daily:
		return rrule.DAILY
	case Weekly:
		return rrule.WEEKLY
	case Monthly:
		return rrule.MONTHLY
	default:
		return rrule.YEARLY
	}
}

// Weekday is a BYDAY member in its two-letter RFC 5545 form.
type Weekday string

const (
	Monday    Weekday = "MO"
	Tuesday   Weekday = "TU"
	Wednesday Weekday = "WE"
	Thursday  Weekday = "TH"
	Friday    Weekday = "FR"
	Saturday  Weekday = "SA"
	Sunday    Weekday = "SU"
)

// IsValid reports whether the weekday is one of the seven two-letter codes.
func (w Weekday) IsValid() bool {
	switch w {
	case Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday:
		return true
	}
	return false
}

func (w Weekday) rrule() rrule.Weekday {
	switch w {
	case Monday:
		return rrule.MO
	case Tuesday:
		return rrule.TU
	case Wednesday:
		return rrule.WE
	case Thursday:
		return rrule.TH
	case Friday:
		return rrule.FR
	case Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

// Rule is the validated recurrence pattern of a series. Exactly one of Count
// or Until bounds the series; unbounded rules are rejected so expansion always
// terminates.
type Rule struct {
	Frequency  Frequency
	Interval   int
	Count      *int
	Until      *time.Time
	ByWeekday  []Weekday
	ByMonthDay []int
	ByMonth    []int
}

// Validate checks the rule against the supported subset.
func (r Rule) Validate() error {
	if !r.Frequency.IsValid() {
		return fmt.Errorf("%w: frequency %q", ErrInvalidRule, r.Frequency)
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be >= 1, got %d", ErrInvalidRule, r.Interval)
	}
	if (r.Count == nil) == (r.Until == nil) {
		return fmt.Errorf("%w: exactly one of count or until must be set", ErrInvalidRule)
	}
	if r.Count != nil && *r.Count < 1 {
		return fmt.Errorf("%w: count must be >= 1, got %d", ErrInvalidRule, *r.Count)
	}
	for _, wd := range r.ByWeekday {
		if !wd.IsValid() {
			return fmt.Errorf("%w: weekday %q", ErrInvalidRule, wd)
		}
	}
	for _, md := range r.ByMonthDay {
		if md < 1 || md > 31 {
			return fmt.Errorf("%w: month day %d out of range", ErrInvalidRule, md)
		}
	}
	for _, m := range r.ByMonth {
		if m < 1 || m > 12 {
			return fmt.Errorf("%w: month %d out of range", ErrInvalidRule, m)
		}
	}
	return nil
}

// Bounded reports whether the rule is count-bounded (as opposed to until-bounded).
func (r Rule) Bounded() bool { return r.Count != nil }

func (r Rule) options(anchorStart time.Time) rrule.ROption {
	opt := rrule.ROption{
		Freq:     r.Frequency.rrule(),
		Interval: r.Interval,
		Dtstart:  anchorStart,
	}
	if r.Count != nil {
		opt.Count = *r.Count
	}
	if r.Until != nil {
		opt.Until = r.Until.UTC()
	}
	for _, wd := range r.ByWeekday {
		opt.Byweekday = append(opt.Byweekday, wd.rrule())
	}
	opt.Bymonthday = append(opt.Bymonthday, r.ByMonthDay...)
	opt.Bymonth = append(opt.Bymonth, r.ByMonth...)
	return opt
}
