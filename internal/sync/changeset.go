// Package sync reconciles provider calendars into local state. One run
// streams the provider's events over a window, stages a change set in
// memory, and applies it in a single transaction; the CalendarSync row is
// both the durable job record and the carrier of the incremental cursor.
package sync

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// StagedEvent pairs a staged event with the participants the provider
// reported for it.
type StagedEvent struct {
	Event     *domain.CalendarEvent
	Attendees []domain.AttendeeRecord
}

// ChangeSet is everything one reconciliation decided to write, accumulated
// before the transaction opens. Apply order matters: rules first so events
// can reference them, deletes last.
type ChangeSet struct {
	Rules        []*domain.RecurrenceRule
	CreateEvents []StagedEvent
	CreateBlocks []*domain.BlockedTime
	UpdateEvents []StagedEvent
	UpdateBlocks []*domain.BlockedTime
	DeleteEvents []*domain.CalendarEvent
	DeleteBlocks []*domain.BlockedTime
}

// Created counts staged inserts.
func (s *ChangeSet) Created() int { return len(s.CreateEvents) + len(s.CreateBlocks) }

// Updated counts staged rewrites.
func (s *ChangeSet) Updated() int { return len(s.UpdateEvents) + len(s.UpdateBlocks) }

// Deleted counts staged removals.
func (s *ChangeSet) Deleted() int { return len(s.DeleteEvents) + len(s.DeleteBlocks) }

// IsEmpty reports whether the reconciliation found nothing to write.
func (s *ChangeSet) IsEmpty() bool {
	return s.Created() == 0 && s.Updated() == 0 && s.Deleted() == 0
}

// BusyIntervals returns the intervals the staged writes occupy. The
// available-time cleanup for managing calendars retracts stored windows
// these overlap. Cancelled tombstones free time rather than take it, so
// they do not count.
func (s *ChangeSet) BusyIntervals() []domain.TimeInterval {
	var out []domain.TimeInterval
	for _, st := range s.CreateEvents {
		if !st.Event.IsCancelled() {
			out = append(out, st.Event.Interval())
		}
	}
	for _, st := range s.UpdateEvents {
		if !st.Event.IsCancelled() {
			out = append(out, st.Event.Interval())
		}
	}
	for _, b := range s.CreateBlocks {
		if !b.IsCancelled() {
			out = append(out, b.Interval())
		}
	}
	for _, b := range s.UpdateBlocks {
		if !b.IsCancelled() {
			out = append(out, b.Interval())
		}
	}
	return out
}

// changeBuilder classifies one provider stream against the local baseline.
// Matching runs on external ids; the baseline holds every synced row of the
// calendar so an entity that drifted outside the window still matches
// instead of being re-created.
type changeBuilder struct {
	tc                 tenant.Context
	calendarID         uuid.UUID
	shouldUpdateEvents bool

	events map[string]*domain.CalendarEvent
	blocks map[string]*domain.BlockedTime

	// Masters staged this run, so instances streamed after their master in
	// the same pass link directly instead of waiting for a relink.
	stagedMasters map[string]*domain.CalendarEvent

	matched map[string]bool
	set     ChangeSet
}

func newChangeBuilder(tc tenant.Context, calendarID uuid.UUID, shouldUpdateEvents bool, events []*domain.CalendarEvent, blocks []*domain.BlockedTime) *changeBuilder {
	b := &changeBuilder{
		tc:                 tc,
		calendarID:         calendarID,
		shouldUpdateEvents: shouldUpdateEvents,
		events:             make(map[string]*domain.CalendarEvent, len(events)),
		blocks:             make(map[string]*domain.BlockedTime, len(blocks)),
		stagedMasters:      make(map[string]*domain.CalendarEvent),
		matched:            make(map[string]bool),
	}
	for _, ev := range events {
		b.events[ev.ExternalID()] = ev
	}
	for _, blk := range blocks {
		b.blocks[blk.ExternalID()] = blk
	}
	return b
}

// stage classifies one provider record. A returned error wrapping
// ErrMalformed is item-fatal: the caller skips the record and the run
// continues.
func (b *changeBuilder) stage(rec domain.EventRecord) error {
	if rec.ExternalID == "" {
		return fmt.Errorf("record without external id: %w", domain.ErrMalformed)
	}

	if ev, ok := b.events[rec.ExternalID]; ok {
		b.matched[rec.ExternalID] = true
		return b.stageEventMatch(ev, rec)
	}
	if blk, ok := b.blocks[rec.ExternalID]; ok {
		b.matched[rec.ExternalID] = true
		return b.stageBlockMatch(blk, rec)
	}

	switch {
	case rec.IsInstance():
		return b.stageInstance(rec)
	case rec.IsCancelled():
		// A cancellation for something never synced carries nothing to undo.
		return nil
	case rec.IsRecurringMaster():
		return b.stageMaster(rec)
	default:
		return b.stageSingle(rec)
	}
}

func (b *changeBuilder) stageEventMatch(ev *domain.CalendarEvent, rec domain.EventRecord) error {
	if !b.shouldUpdateEvents {
		return nil
	}
	if rec.IsCancelled() {
		b.set.DeleteEvents = append(b.set.DeleteEvents, ev)
		return nil
	}

	interval, err := rec.Interval()
	if err != nil {
		return fmt.Errorf("event %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	ev.SetTitle(rec.Title)
	ev.SetDescription(rec.Description)
	ev.SetAllDay(rec.AllDay)
	if err := ev.Reschedule(interval); err != nil {
		return fmt.Errorf("event %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	for k, v := range rec.Meta {
		ev.SetMeta(k, v)
	}
	b.set.UpdateEvents = append(b.set.UpdateEvents, StagedEvent{Event: ev, Attendees: rec.Attendees})
	return nil
}

func (b *changeBuilder) stageBlockMatch(blk *domain.BlockedTime, rec domain.EventRecord) error {
	if rec.IsCancelled() {
		b.set.DeleteBlocks = append(b.set.DeleteBlocks, blk)
		return nil
	}

	interval, err := rec.Interval()
	if err != nil {
		return fmt.Errorf("block %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	blk.SetReason(rec.Title)
	blk.SetAllDay(rec.AllDay)
	if err := blk.Reschedule(interval); err != nil {
		return fmt.Errorf("block %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	for k, v := range rec.Meta {
		blk.SetMeta(k, v)
	}
	b.set.UpdateBlocks = append(b.set.UpdateBlocks, blk)
	return nil
}

// stageInstance handles a record overriding one occurrence of a recurring
// series. With the master local the override becomes a linked event; without
// it the record lands as a BlockedTime remembering the missing parent, to be
// relinked once the master arrives.
func (b *changeBuilder) stageInstance(rec domain.EventRecord) error {
	parent := b.stagedMasters[rec.RecurringEventID]
	if parent == nil {
		if local, ok := b.events[rec.RecurringEventID]; ok && local.IsRecurringMaster() {
			parent = local
		}
	}

	originalStart := rec.Start
	if rec.OriginalStart != nil {
		originalStart = *rec.OriginalStart
	}

	if parent == nil {
		if rec.IsCancelled() {
			// No series to tombstone against.
			return nil
		}
		interval, err := rec.Interval()
		if err != nil {
			return fmt.Errorf("instance %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
		}
		blk, err := domain.NewProviderBlockedTime(b.tc, b.calendarID, rec.Title, interval, rec.ExternalID)
		if err != nil {
			return fmt.Errorf("instance %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
		}
		blk.SetAllDay(rec.AllDay)
		blk.SetRecurrenceID(originalStart)
		blk.SetPendingParent(rec.RecurringEventID)
		for k, v := range rec.Meta {
			blk.SetMeta(k, v)
		}
		b.set.CreateBlocks = append(b.set.CreateBlocks, blk)
		return nil
	}

	interval, err := rec.Interval()
	if err != nil || interval.IsZero() {
		if !rec.IsCancelled() {
			return fmt.Errorf("instance %s without usable times: %w", rec.ExternalID, domain.ErrMalformed)
		}
		// Providers drop the times from cancelled instances; the tombstone
		// keeps the occurrence's own slot.
		interval, err = domain.NewTimeInterval(originalStart, originalStart.Add(parent.Interval().Duration()), parent.Interval().Timezone())
		if err != nil {
			return fmt.Errorf("instance %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
		}
	}

	ev, err := domain.NewProviderEvent(b.tc, b.calendarID, rec.Title, interval, rec.ExternalID)
	if err != nil {
		return fmt.Errorf("instance %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	ev.SetAllDay(rec.AllDay)
	if err := ev.AsInstance(parent.ID(), originalStart, true); err != nil {
		return fmt.Errorf("instance %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	if rec.IsCancelled() {
		if err := ev.Cancel(); err != nil {
			return fmt.Errorf("instance %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
		}
	}
	for k, v := range rec.Meta {
		ev.SetMeta(k, v)
	}
	b.set.CreateEvents = append(b.set.CreateEvents, StagedEvent{Event: ev, Attendees: rec.Attendees})
	return nil
}

func (b *changeBuilder) stageMaster(rec domain.EventRecord) error {
	interval, err := rec.Interval()
	if err != nil {
		return fmt.Errorf("master %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	rule, err := domain.NewRecurrenceRule(b.tc, *rec.Recurrence)
	if err != nil {
		return fmt.Errorf("master %s rule: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	ev, err := domain.NewProviderEvent(b.tc, b.calendarID, rec.Title, interval, rec.ExternalID)
	if err != nil {
		return fmt.Errorf("master %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	ev.SetAllDay(rec.AllDay)
	if err := ev.AttachRule(rule.ID()); err != nil {
		return fmt.Errorf("master %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	for k, v := range rec.Meta {
		ev.SetMeta(k, v)
	}
	b.set.Rules = append(b.set.Rules, rule)
	b.set.CreateEvents = append(b.set.CreateEvents, StagedEvent{Event: ev, Attendees: rec.Attendees})
	b.stagedMasters[rec.ExternalID] = ev
	return nil
}

// stageSingle stages a plain provider event the platform did not book. It
// lands as opaque blocked time: it occupies the calendar without being
// editable through the event API.
func (b *changeBuilder) stageSingle(rec domain.EventRecord) error {
	interval, err := rec.Interval()
	if err != nil {
		return fmt.Errorf("event %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	blk, err := domain.NewProviderBlockedTime(b.tc, b.calendarID, rec.Title, interval, rec.ExternalID)
	if err != nil {
		return fmt.Errorf("event %s: %v: %w", rec.ExternalID, err, domain.ErrMalformed)
	}
	blk.SetAllDay(rec.AllDay)
	for k, v := range rec.Meta {
		blk.SetMeta(k, v)
	}
	b.set.CreateBlocks = append(b.set.CreateBlocks, blk)
	return nil
}

// finish closes the classification. On a full sync every baseline row the
// stream never mentioned, starting inside [t0, t1), is staged for deletion:
// the stream was the complete truth for that span. Incremental runs delete
// only on explicit cancellations.
func (b *changeBuilder) finish(fullSync bool, windowStart, windowEnd time.Time) *ChangeSet {
	if !fullSync {
		return &b.set
	}
	for extID, ev := range b.events {
		if b.matched[extID] || !b.shouldUpdateEvents {
			continue
		}
		if inDeletionSpan(ev.Interval().Start(), windowStart, windowEnd) {
			b.set.DeleteEvents = append(b.set.DeleteEvents, ev)
		}
	}
	for extID, blk := range b.blocks {
		if b.matched[extID] {
			continue
		}
		if inDeletionSpan(blk.Interval().Start(), windowStart, windowEnd) {
			b.set.DeleteBlocks = append(b.set.DeleteBlocks, blk)
		}
	}
	return &b.set
}

// inDeletionSpan bounds full-sync deletions to entities the stream could
// have seen. Anything starting past the window's end was invisible to the
// provider listing and must survive.
func inDeletionSpan(start, windowStart, windowEnd time.Time) bool {
	return !start.Before(windowStart) && start.Before(windowEnd)
}
