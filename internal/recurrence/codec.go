package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	untilDateTimeLayout = "20060102T150405Z"
	untilDateLayout     = "20060102"

	rrulePrefix = "RRULE:"
)

// FormatRule serializes the rule into its canonical RRULE content-line form,
// without the "RRULE:" prefix. Components are emitted in a fixed order so the
// output is stable: FREQ, INTERVAL, COUNT or UNTIL, BYDAY, BYMONTHDAY, BYMONTH.
func FormatRule(r Rule) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FREQ=%s;INTERVAL=%d", r.Frequency, r.Interval)
	if r.Count != nil {
		fmt.Fprintf(&b, ";COUNT=%d", *r.Count)
	} else {
		fmt.Fprintf(&b, ";UNTIL=%s", r.Until.UTC().Format(untilDateTimeLayout))
	}
	if len(r.ByWeekday) > 0 {
		days := make([]string, len(r.ByWeekday))
		for i, wd := range r.ByWeekday {
			days[i] = string(wd)
		}
		fmt.Fprintf(&b, ";BYDAY=%s", strings.Join(days, ","))
	}
	if len(r.ByMonthDay) > 0 {
		fmt.Fprintf(&b, ";BYMONTHDAY=%s", joinInts(r.ByMonthDay))
	}
	if len(r.ByMonth) > 0 {
		fmt.Fprintf(&b, ";BYMONTH=%s", joinInts(r.ByMonth))
	}
	return b.String(), nil
}

// ParseRule parses an RRULE content line into a Rule. A leading "RRULE:"
// prefix is accepted and stripped. Components outside the supported subset
// fail with an UnsupportedRuleError naming the offending component.
func ParseRule(s string) (Rule, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, rrulePrefix))
	if s == "" {
		return Rule{}, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}

	rule := Rule{Interval: 1}
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return Rule{}, fmt.Errorf("%w: malformed component %q", ErrInvalidRule, part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "FREQ":
			freq := Frequency(strings.ToUpper(value))
			if !freq.IsValid() {
				return Rule{}, &UnsupportedRuleError{Component: "FREQ=" + value}
			}
			rule.Frequency = freq
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Rule{}, fmt.Errorf("%w: interval %q", ErrInvalidRule, value)
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Rule{}, fmt.Errorf("%w: count %q", ErrInvalidRule, value)
			}
			rule.Count = &n
		case "UNTIL":
			t, err := parseUntil(value)
			if err != nil {
				return Rule{}, fmt.Errorf("%w: until %q", ErrInvalidRule, value)
			}
			rule.Until = &t
		case "BYDAY":
			for _, d := range strings.Split(value, ",") {
				wd := Weekday(strings.ToUpper(strings.TrimSpace(d)))
				if !wd.IsValid() {
					// Ordinal forms such as 2MO are valid RRULE but
					// outside the subset.
					return Rule{}, &UnsupportedRuleError{Component: "BYDAY=" + d}
				}
				rule.ByWeekday = append(rule.ByWeekday, wd)
			}
		case "BYMONTHDAY":
			days, err := splitInts(value)
			if err != nil {
				return Rule{}, fmt.Errorf("%w: bymonthday %q", ErrInvalidRule, value)
			}
			rule.ByMonthDay = days
		case "BYMONTH":
			months, err := splitInts(value)
			if err != nil {
				return Rule{}, fmt.Errorf("%w: bymonth %q", ErrInvalidRule, value)
			}
			rule.ByMonth = months
		default:
			return Rule{}, &UnsupportedRuleError{Component: key}
		}
	}

	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func parseUntil(value string) (time.Time, error) {
	if t, err := time.Parse(untilDateTimeLayout, value); err == nil {
		return t, nil
	}
	// Date-only UNTIL appears on all-day series.
	return time.Parse(untilDateLayout, value)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(value string) ([]int, error) {
	parts := strings.Split(value, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		values = append(values, n)
	}
	return values, nil
}
