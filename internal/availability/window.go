// Package availability derives bookable and busy windows for calendars and
// bundles from stored events, blocked time, and explicit available-time
// entries, expanding recurring series on the fly. All window math is pure;
// only the repository reads suspend.
package availability

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

// Window is one half-open [Start, End) span of availability or busyness in
// UTC. CalendarID names the calendar the span came from; for bundle queries
// that is the contributing child, or uuid.Nil when coalescing merged spans
// from several children.
//
// CanBookPartially distinguishes derived gaps, which accept any booking that
// fits inside them, from managed available-time entries, which are offered
// as-is.
type Window struct {
	Start            time.Time
	End              time.Time
	CanBookPartially bool
	CalendarID       uuid.UUID
}

// Duration returns the window length.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Contains reports whether the interval lies entirely inside the window.
func (w Window) Contains(iv domain.TimeInterval) bool {
	return !iv.Start().Before(w.Start) && !iv.End().After(w.End)
}

// Overlaps reports whether the interval shares any instant with the window.
func (w Window) Overlaps(iv domain.TimeInterval) bool {
	return w.Start.Before(iv.End()) && iv.Start().Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// sortWindows orders windows by start, then end.
func sortWindows(ws []Window) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].Start.Equal(ws[j].Start) {
			return ws[i].End.Before(ws[j].End)
		}
		return ws[i].Start.Before(ws[j].Start)
	})
}

// Coalesce merges overlapping and touching windows that share the same
// booking mode. A merged window keeps its CalendarID only when every merged
// span came from the same calendar. The input is not modified; the result is
// sorted ascending.
func Coalesce(ws []Window) []Window {
	if len(ws) <= 1 {
		return append([]Window(nil), ws...)
	}
	sorted := append([]Window(nil), ws...)
	sortWindows(sorted)

	merged := make([]Window, 0, len(sorted))
	cur := sorted[0]
	for _, w := range sorted[1:] {
		if w.CanBookPartially == cur.CanBookPartially && !w.Start.After(cur.End) {
			if w.End.After(cur.End) {
				cur.End = w.End
			}
			if w.CalendarID != cur.CalendarID {
				cur.CalendarID = uuid.Nil
			}
			continue
		}
		merged = append(merged, cur)
		cur = w
	}
	return append(merged, cur)
}

// clip intersects each window with bounds, dropping spans that fall outside.
func clip(ws []Window, bounds domain.TimeWindow) []Window {
	out := make([]Window, 0, len(ws))
	for _, w := range ws {
		if !w.End.After(bounds.Start) || !w.Start.Before(bounds.End) {
			continue
		}
		if w.Start.Before(bounds.Start) {
			w.Start = bounds.Start
		}
		if w.End.After(bounds.End) {
			w.End = bounds.End
		}
		if w.End.After(w.Start) {
			out = append(out, w)
		}
	}
	return out
}

// complement walks the coalesced busy spans and emits the gaps between them
// inside bounds. Gaps accept partial bookings; with no busy spans the whole
// bounds comes back as one window.
func complement(busy []Window, bounds domain.TimeWindow, calendarID uuid.UUID) []Window {
	merged := Coalesce(clip(busy, bounds))

	gaps := make([]Window, 0, len(merged)+1)
	cursor := bounds.Start
	for _, b := range merged {
		if b.Start.After(cursor) {
			gaps = append(gaps, Window{Start: cursor, End: b.Start, CanBookPartially: true, CalendarID: calendarID})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if bounds.End.After(cursor) {
		gaps = append(gaps, Window{Start: cursor, End: bounds.End, CanBookPartially: true, CalendarID: calendarID})
	}
	return gaps
}
