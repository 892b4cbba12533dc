package domain

import (
	"fmt"
	"time"
)

// TimeInterval is a concrete span of time together with the IANA timezone it
// was scheduled in. Instants are stored in UTC; the timezone preserves the
// wall-clock intent so recurring series expand correctly across DST.
//
// Intervals are half-open: [Start, End).
type TimeInterval struct {
	start    time.Time
	end      time.Time
	timezone string
	loc      *time.Location
}

// NewTimeInterval creates a validated interval. The timezone must be a
// loadable IANA name; end must not precede start.
func NewTimeInterval(start, end time.Time, timezone string) (TimeInterval, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return TimeInterval{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	if end.Before(start) {
		return TimeInterval{}, fmt.Errorf("interval end %s precedes start %s", end, start)
	}
	return TimeInterval{
		start:    start.UTC(),
		end:      end.UTC(),
		timezone: timezone,
		loc:      loc,
	}, nil
}

// MustTimeInterval is NewTimeInterval that panics on error. Intended for
// tests and static fixtures.
func MustTimeInterval(start, end time.Time, timezone string) TimeInterval {
	iv, err := NewTimeInterval(start, end, timezone)
	if err != nil {
		panic(err)
	}
	return iv
}

// Start returns the UTC start instant.
func (i TimeInterval) Start() time.Time { return i.start }

// End returns the UTC end instant.
func (i TimeInterval) End() time.Time { return i.end }

// Timezone returns the IANA timezone name the interval was scheduled in.
func (i TimeInterval) Timezone() string { return i.timezone }

// Location returns the loaded timezone.
func (i TimeInterval) Location() *time.Location {
	if i.loc == nil {
		return time.UTC
	}
	return i.loc
}

// StartIn returns the start as a wall-clock time in the interval's timezone.
func (i TimeInterval) StartIn() time.Time { return i.start.In(i.Location()) }

// EndIn returns the end as a wall-clock time in the interval's timezone.
func (i TimeInterval) EndIn() time.Time { return i.end.In(i.Location()) }

// Duration returns the interval length.
func (i TimeInterval) Duration() time.Duration { return i.end.Sub(i.start) }

// IsZero reports whether the interval is the zero value.
func (i TimeInterval) IsZero() bool { return i.start.IsZero() && i.end.IsZero() }

// Overlaps reports whether two intervals share any instant. Touching
// endpoints do not overlap.
func (i TimeInterval) Overlaps(other TimeInterval) bool {
	return i.start.Before(other.end) && other.start.Before(i.end)
}

// Contains reports whether t falls inside the interval.
func (i TimeInterval) Contains(t time.Time) bool {
	return !t.Before(i.start) && t.Before(i.end)
}

// Equals compares instants; the timezone label does not participate.
func (i TimeInterval) Equals(other TimeInterval) bool {
	return i.start.Equal(other.start) && i.end.Equal(other.end)
}

// Shift returns the interval moved by d, keeping the timezone.
func (i TimeInterval) Shift(d time.Duration) TimeInterval {
	shifted := i
	shifted.start = i.start.Add(d)
	shifted.end = i.end.Add(d)
	return shifted
}

// Window returns the interval as a plain UTC query window.
func (i TimeInterval) Window() TimeWindow {
	return TimeWindow{Start: i.start, End: i.end}
}

func (i TimeInterval) String() string {
	return fmt.Sprintf("[%s, %s) %s", i.start.Format(time.RFC3339), i.end.Format(time.RFC3339), i.timezone)
}

// TimeWindow is a half-open UTC query range. Unlike TimeInterval it carries
// no timezone; it bounds searches rather than scheduling intent.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// NewTimeWindow creates a validated window; end must be after start.
func NewTimeWindow(start, end time.Time) (TimeWindow, error) {
	if !end.After(start) {
		return TimeWindow{}, fmt.Errorf("window end %s not after start %s", end, start)
	}
	return TimeWindow{Start: start.UTC(), End: end.UTC()}, nil
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration { return w.End.Sub(w.Start) }

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// ContainsInterval reports whether the interval lies entirely inside the
// window.
func (w TimeWindow) ContainsInterval(iv TimeInterval) bool {
	return !iv.Start().Before(w.Start) && !iv.End().After(w.End)
}

// Overlaps reports whether the interval shares any instant with the window.
func (w TimeWindow) Overlaps(iv TimeInterval) bool {
	return w.Start.Before(iv.End()) && iv.Start().Before(w.End)
}

// IsZero reports whether the window is unset.
func (w TimeWindow) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
