package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/recurrence"
	"github.com/slotwise/calsync/internal/tenant"
)

// DefaultSlotGranularity is the step free-slot search slides by when the
// caller passes zero.
const DefaultSlotGranularity = 30 * time.Minute

// DefaultSlotLimit caps how many free slots one search returns.
const DefaultSlotLimit = 100

// Engine answers the two availability questions for a calendar or bundle
// over a window: what is busy, and what can be booked. Recurring series are
// expanded in-process; nothing is precomputed or cached.
type Engine struct {
	calendars domain.CalendarRepository
	events    domain.CalendarEventRepository
	blocks    domain.BlockedTimeRepository
	windows   domain.AvailableTimeRepository
	rules     domain.RecurrenceRuleRepository

	maxOccurrences int
}

// NewEngine wires the engine over the calendar repositories.
func NewEngine(
	calendars domain.CalendarRepository,
	events domain.CalendarEventRepository,
	blocks domain.BlockedTimeRepository,
	windows domain.AvailableTimeRepository,
	rules domain.RecurrenceRuleRepository,
) *Engine {
	return &Engine{
		calendars:      calendars,
		events:         events,
		blocks:         blocks,
		windows:        windows,
		rules:          rules,
		maxOccurrences: recurrence.DefaultMaxOccurrences,
	}
}

// UnavailableWindows returns the busy spans of the calendar inside the
// window, coalesced and sorted ascending. For a bundle the children's busy
// spans are merged into one sequence.
func (e *Engine) UnavailableWindows(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow) ([]Window, error) {
	cal, err := e.lookupCalendar(ctx, tc, calendarID)
	if err != nil {
		return nil, err
	}

	if !cal.IsBundle() {
		busy, err := e.busyForCalendar(ctx, tc, cal, window)
		if err != nil {
			return nil, err
		}
		return Coalesce(clip(busy, window)), nil
	}

	var busy []Window
	for _, childID := range cal.ChildIDs() {
		child, err := e.lookupCalendar(ctx, tc, childID)
		if err != nil {
			return nil, fmt.Errorf("bundle %s child: %w", cal.ID(), err)
		}
		childBusy, err := e.busyForCalendar(ctx, tc, child, window)
		if err != nil {
			return nil, err
		}
		busy = append(busy, childBusy...)
	}
	return Coalesce(clip(busy, window)), nil
}

// AvailableWindows returns the bookable spans of the calendar inside the
// window, sorted ascending. Calendars managing explicit available time
// return their stored entries; everything else returns the complement of
// busy time. For a bundle, a span is available when at least one child is
// available in it, so the children's spans are unioned.
func (e *Engine) AvailableWindows(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow) ([]Window, error) {
	cal, err := e.lookupCalendar(ctx, tc, calendarID)
	if err != nil {
		return nil, err
	}

	if !cal.IsBundle() {
		return e.availableForCalendar(ctx, tc, cal, window)
	}

	var union []Window
	for _, childID := range cal.ChildIDs() {
		child, err := e.lookupCalendar(ctx, tc, childID)
		if err != nil {
			return nil, fmt.Errorf("bundle %s child: %w", cal.ID(), err)
		}
		childAvail, err := e.availableForCalendar(ctx, tc, child, window)
		if err != nil {
			return nil, err
		}
		union = append(union, childAvail...)
	}

	// Derived gaps merge across children; managed slots stay whole because
	// merging would invent slot boundaries no child offers.
	var partial, slots []Window
	for _, w := range union {
		if w.CanBookPartially {
			partial = append(partial, w)
		} else {
			slots = append(slots, w)
		}
	}
	merged := Coalesce(partial)
	merged = append(merged, slots...)
	sortWindows(merged)
	return merged, nil
}

// FreeSlots searches the available windows for concrete candidate slots of
// the given duration. Inside partially bookable windows candidates slide at
// granularity steps aligned to the wall clock; managed slots are offered
// whole. Zero granularity selects DefaultSlotGranularity, zero limit
// DefaultSlotLimit.
func (e *Engine) FreeSlots(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow, duration time.Duration, granularity time.Duration, limit int) ([]Window, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("slot duration must be positive, got %s", duration)
	}
	if granularity <= 0 {
		granularity = DefaultSlotGranularity
	}
	if limit <= 0 {
		limit = DefaultSlotLimit
	}

	available, err := e.AvailableWindows(ctx, tc, calendarID, window)
	if err != nil {
		return nil, err
	}

	slots := make([]Window, 0, limit)
	for _, w := range available {
		if !w.CanBookPartially {
			if w.Duration() >= duration {
				slots = append(slots, w)
				if len(slots) >= limit {
					return slots, nil
				}
			}
			continue
		}

		start := w.Start.Truncate(granularity)
		if start.Before(w.Start) {
			start = start.Add(granularity)
		}
		for ; !start.Add(duration).After(w.End); start = start.Add(granularity) {
			slots = append(slots, Window{
				Start:            start,
				End:              start.Add(duration),
				CanBookPartially: true,
				CalendarID:       w.CalendarID,
			})
			if len(slots) >= limit {
				return slots, nil
			}
		}
	}
	return slots, nil
}

// CanBook reports whether the interval can be booked on the calendar. The
// interval must fit entirely inside one available window; on a bundle at
// least one child must take it. Failures are ErrNoAvailableTimeWindow and
// ErrNoAvailableChildCalendar respectively.
func (e *Engine) CanBook(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, interval domain.TimeInterval) error {
	cal, err := e.lookupCalendar(ctx, tc, calendarID)
	if err != nil {
		return err
	}
	if cal.IsBundle() {
		_, err := e.SelectBundleChild(ctx, tc, cal, interval)
		return err
	}
	return e.canBookOn(ctx, tc, cal, interval)
}

// SelectBundleChild picks the child calendar a bundle booking lands on: the
// primary child when set and free, otherwise the first free child in the
// bundle's stable child order. No free child fails with
// ErrNoAvailableChildCalendar.
func (e *Engine) SelectBundleChild(ctx context.Context, tc tenant.Context, bundle *domain.Calendar, interval domain.TimeInterval) (*domain.Calendar, error) {
	if !bundle.IsBundle() {
		return nil, fmt.Errorf("calendar %s is not a bundle", bundle.ID())
	}

	order := bundle.ChildIDs()
	if primary := bundle.PrimaryChildID(); primary != uuid.Nil {
		reordered := make([]uuid.UUID, 0, len(order))
		reordered = append(reordered, primary)
		for _, id := range order {
			if id != primary {
				reordered = append(reordered, id)
			}
		}
		order = reordered
	}

	for _, childID := range order {
		child, err := e.lookupCalendar(ctx, tc, childID)
		if err != nil {
			return nil, fmt.Errorf("bundle %s child: %w", bundle.ID(), err)
		}
		if err := e.canBookOn(ctx, tc, child, interval); err == nil {
			return child, nil
		} else if !isBookingRefusal(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("bundle %s interval %s: %w", bundle.ID(), interval, domain.ErrNoAvailableChildCalendar)
}

func (e *Engine) canBookOn(ctx context.Context, tc tenant.Context, cal *domain.Calendar, interval domain.TimeInterval) error {
	window, err := domain.NewTimeWindow(interval.Start(), interval.End())
	if err != nil {
		return fmt.Errorf("booking interval: %w", err)
	}
	available, err := e.availableForCalendar(ctx, tc, cal, window)
	if err != nil {
		return err
	}
	for _, w := range available {
		if w.Contains(interval) {
			return nil
		}
	}
	return fmt.Errorf("calendar %s interval %s: %w", cal.ID(), interval, domain.ErrNoAvailableTimeWindow)
}

func isBookingRefusal(err error) bool {
	return errors.Is(err, domain.ErrNoAvailableTimeWindow) || errors.Is(err, domain.ErrNoAvailableChildCalendar)
}

// availableForCalendar computes one non-bundle calendar's bookable spans.
func (e *Engine) availableForCalendar(ctx context.Context, tc tenant.Context, cal *domain.Calendar, window domain.TimeWindow) ([]Window, error) {
	if cal.ManagesAvailableWindows() {
		managed, err := e.managedWindows(ctx, tc, cal, window)
		if err != nil {
			return nil, err
		}
		clipped := clip(managed, window)
		sortWindows(clipped)
		return clipped, nil
	}

	busy, err := e.busyForCalendar(ctx, tc, cal, window)
	if err != nil {
		return nil, err
	}
	return complement(busy, window, cal.ID()), nil
}

// busyForCalendar gathers the calendar's busy spans: booked events, blocked
// time, and the expanded occurrences of both kinds' recurring series.
func (e *Engine) busyForCalendar(ctx context.Context, tc tenant.Context, cal *domain.Calendar, window domain.TimeWindow) ([]Window, error) {
	var busy []Window

	events, err := e.events.FindIntersecting(ctx, tc, cal.ID(), window)
	if err != nil {
		return nil, fmt.Errorf("find events for %s: %w", cal.ID(), err)
	}
	for _, ev := range events {
		if ev.IsCancelled() {
			continue
		}
		busy = append(busy, Window{Start: ev.Interval().Start(), End: ev.Interval().End(), CalendarID: cal.ID()})
	}

	eventMasters, err := e.events.FindMastersStartingBefore(ctx, tc, cal.ID(), window.End)
	if err != nil {
		return nil, fmt.Errorf("find event masters for %s: %w", cal.ID(), err)
	}
	entries := make([]seriesEntry, 0, len(eventMasters))
	for _, m := range eventMasters {
		entries = append(entries, eventEntry(m))
	}
	occs, err := e.expandMasters(ctx, tc, eventSeries{repo: e.events}, entries, window)
	if err != nil {
		return nil, err
	}
	busy = appendOccurrences(busy, occs, cal.ID())

	blocks, err := e.blocks.FindIntersecting(ctx, tc, cal.ID(), window)
	if err != nil {
		return nil, fmt.Errorf("find blocks for %s: %w", cal.ID(), err)
	}
	for _, b := range blocks {
		if b.IsCancelled() {
			continue
		}
		busy = append(busy, Window{Start: b.Interval().Start(), End: b.Interval().End(), CalendarID: cal.ID()})
	}

	blockMasters, err := e.blocks.FindMastersStartingBefore(ctx, tc, cal.ID(), window.End)
	if err != nil {
		return nil, fmt.Errorf("find block masters for %s: %w", cal.ID(), err)
	}
	entries = entries[:0]
	for _, m := range blockMasters {
		entries = append(entries, blockEntry(m))
	}
	occs, err = e.expandMasters(ctx, tc, blockSeries{repo: e.blocks}, entries, window)
	if err != nil {
		return nil, err
	}
	busy = appendOccurrences(busy, occs, cal.ID())

	return busy, nil
}

// managedWindows gathers a managing calendar's stored available time,
// expanding recurring availability.
func (e *Engine) managedWindows(ctx context.Context, tc tenant.Context, cal *domain.Calendar, window domain.TimeWindow) ([]Window, error) {
	var out []Window

	stored, err := e.windows.FindIntersecting(ctx, tc, cal.ID(), window)
	if err != nil {
		return nil, fmt.Errorf("find available time for %s: %w", cal.ID(), err)
	}
	for _, w := range stored {
		if w.IsCancelled() {
			continue
		}
		out = append(out, Window{Start: w.Interval().Start(), End: w.Interval().End(), CalendarID: cal.ID()})
	}

	masters, err := e.windows.FindMastersStartingBefore(ctx, tc, cal.ID(), window.End)
	if err != nil {
		return nil, fmt.Errorf("find available-time masters for %s: %w", cal.ID(), err)
	}
	entries := make([]seriesEntry, 0, len(masters))
	for _, m := range masters {
		entries = append(entries, availableEntry(m))
	}
	occs, err := e.expandMasters(ctx, tc, availableSeries{repo: e.windows}, entries, window)
	if err != nil {
		return nil, err
	}
	out = appendOccurrences(out, occs, cal.ID())
	return out, nil
}

// expandMasters gathers each master's plan, batch-resolves their rules, then
// expands purely.
func (e *Engine) expandMasters(ctx context.Context, tc tenant.Context, src seriesSource, masters []seriesEntry, window domain.TimeWindow) ([]recurrence.Occurrence, error) {
	plans := make([]seriesPlan, 0, len(masters))
	var ruleIDs []uuid.UUID
	for _, m := range masters {
		if m.cancelled {
			continue
		}
		plan, err := gatherSeries(ctx, tc, src, m)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
		ruleIDs = append(ruleIDs, plan.ruleIDs()...)
	}
	if len(plans) == 0 {
		return nil, nil
	}

	rules, err := e.rules.FindByIDs(ctx, tc, ruleIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve recurrence rules: %w", err)
	}

	var occs []recurrence.Occurrence
	for _, plan := range plans {
		expanded, err := plan.expand(rules, window, e.maxOccurrences)
		if err != nil {
			return nil, err
		}
		occs = append(occs, expanded...)
	}
	return occs, nil
}

func (e *Engine) lookupCalendar(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.Calendar, error) {
	cal, err := e.calendars.FindByID(ctx, tc, id)
	if err != nil {
		return nil, fmt.Errorf("find calendar %s: %w", id, err)
	}
	if cal == nil {
		return nil, fmt.Errorf("calendar %s: %w", id, domain.ErrCalendarNotFound)
	}
	return cal, nil
}

func appendOccurrences(ws []Window, occs []recurrence.Occurrence, calendarID uuid.UUID) []Window {
	for _, occ := range occs {
		ws = append(ws, Window{Start: occ.Start.UTC(), End: occ.End.UTC(), CalendarID: calendarID})
	}
	return ws
}
