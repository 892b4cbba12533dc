package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusCancelled EventStatus = "cancelled"
)

// Meta keys the sync pipeline reserves on events and blocked times. Meta is
// otherwise free-form.
const (
	// MetaKeyOrigin marks where an entity was born. Entities staged from a
	// provider stream carry MetaOriginProvider and are never mutated by
	// internal API calls.
	MetaKeyOrigin      = "origin"
	MetaOriginProvider = "provider"

	// MetaKeyPendingParent holds the external id of a recurring master that
	// had not been seen locally when one of its instances arrived. The sync
	// engine relinks and clears it once the master lands.
	MetaKeyPendingParent = "pending_parent_external_id"
)

// CalendarEvent is a scheduled happening on one calendar. Recurring masters
// carry a recurrence rule reference; modified or cancelled instances point
// back at their master with the original occurrence start; "this and
// following" edits hang a continuation off the master.
type CalendarEvent struct {
	sharedDomain.BaseAggregateRoot
	calendarID               uuid.UUID
	title                    string
	description              string
	interval                 TimeInterval
	allDay                   bool
	externalID               string
	status                   EventStatus
	recurrenceRuleID         uuid.UUID
	parentEventID            uuid.UUID
	recurrenceID             *time.Time
	isRecurringException     bool
	bulkModificationParentID uuid.UUID
	meta                     map[string]string
}

// NewCalendarEvent books a new internal event. Provider-mirrored events use
// NewProviderEvent instead.
func NewCalendarEvent(tc tenant.Context, calendarID uuid.UUID, title string, interval TimeInterval) (*CalendarEvent, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if calendarID == uuid.Nil {
		return nil, errors.New("calendar id is required")
	}
	if title == "" {
		return nil, errors.New("event title is required")
	}
	if interval.IsZero() {
		return nil, errors.New("event interval is required")
	}

	ev := &CalendarEvent{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(tc.TenantID()),
		calendarID:        calendarID,
		title:             title,
		interval:          interval,
		status:            EventStatusConfirmed,
	}
	ev.AddDomainEvent(NewEventBooked(ev))
	return ev, nil
}

// NewProviderEvent stages an event mirrored from a provider stream. It is
// marked provider-owned and raises no booking event; untitled provider events
// are accepted.
func NewProviderEvent(tc tenant.Context, calendarID uuid.UUID, title string, interval TimeInterval, externalID string) (*CalendarEvent, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if calendarID == uuid.Nil {
		return nil, errors.New("calendar id is required")
	}
	if externalID == "" {
		return nil, errors.New("external id is required for provider events")
	}
	if interval.IsZero() {
		return nil, errors.New("event interval is required")
	}

	ev := &CalendarEvent{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(tc.TenantID()),
		calendarID:        calendarID,
		title:             title,
		interval:          interval,
		externalID:        externalID,
		status:            EventStatusConfirmed,
	}
	ev.setMeta(MetaKeyOrigin, MetaOriginProvider)
	return ev, nil
}

// RehydrateCalendarEvent reconstructs an event from storage.
func RehydrateCalendarEvent(
	id, tenantID, calendarID uuid.UUID,
	title, description string,
	interval TimeInterval,
	allDay bool,
	externalID string,
	status EventStatus,
	recurrenceRuleID, parentEventID uuid.UUID,
	recurrenceID *time.Time,
	isRecurringException bool,
	bulkModificationParentID uuid.UUID,
	meta map[string]string,
	version int,
	createdAt, updatedAt time.Time,
) *CalendarEvent {
	return &CalendarEvent{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(
			sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt), version),
		calendarID:               calendarID,
		title:                    title,
		description:              description,
		interval:                 interval,
		allDay:                   allDay,
		externalID:               externalID,
		status:                   status,
		recurrenceRuleID:         recurrenceRuleID,
		parentEventID:            parentEventID,
		recurrenceID:             recurrenceID,
		isRecurringException:     isRecurringException,
		bulkModificationParentID: bulkModificationParentID,
		meta:                     meta,
	}
}

func (e *CalendarEvent) CalendarID() uuid.UUID     { return e.calendarID }
func (e *CalendarEvent) Title() string             { return e.title }
func (e *CalendarEvent) Description() string       { return e.description }
func (e *CalendarEvent) Interval() TimeInterval    { return e.interval }
func (e *CalendarEvent) AllDay() bool              { return e.allDay }
func (e *CalendarEvent) ExternalID() string        { return e.externalID }
func (e *CalendarEvent) Status() EventStatus       { return e.status }
func (e *CalendarEvent) IsCancelled() bool         { return e.status == EventStatusCancelled }
func (e *CalendarEvent) RecurrenceRuleID() uuid.UUID { return e.recurrenceRuleID }
func (e *CalendarEvent) ParentEventID() uuid.UUID  { return e.parentEventID }
func (e *CalendarEvent) RecurrenceID() *time.Time  { return e.recurrenceID }
func (e *CalendarEvent) IsRecurringException() bool { return e.isRecurringException }

// BulkModificationParentID returns the master this event continues, or
// uuid.Nil.
func (e *CalendarEvent) BulkModificationParentID() uuid.UUID { return e.bulkModificationParentID }

// IsRecurringMaster reports whether this event owns a recurrence rule.
func (e *CalendarEvent) IsRecurringMaster() bool {
	return e.recurrenceRuleID != uuid.Nil && e.parentEventID == uuid.Nil
}

// IsInstance reports whether this event overrides a single occurrence of a
// master.
func (e *CalendarEvent) IsInstance() bool { return e.parentEventID != uuid.Nil }

// IsContinuation reports whether this event rewrites a master's tail.
func (e *CalendarEvent) IsContinuation() bool { return e.bulkModificationParentID != uuid.Nil }

// IsBulkCancellation reports whether this continuation cancels the remainder
// of its master outright.
func (e *CalendarEvent) IsBulkCancellation() bool {
	return e.IsContinuation() && e.recurrenceRuleID == uuid.Nil
}

// IsProviderOwned reports whether the provider holds the source of truth for
// this event.
func (e *CalendarEvent) IsProviderOwned() bool {
	return e.meta[MetaKeyOrigin] == MetaOriginProvider
}

// SetTitle updates the title. Provider events may carry empty titles, so
// blank is allowed here.
func (e *CalendarEvent) SetTitle(title string) {
	e.title = title
	e.Touch()
}

// SetDescription updates the description.
func (e *CalendarEvent) SetDescription(description string) {
	e.description = description
	e.Touch()
}

// SetAllDay marks the event as an all-day entry.
func (e *CalendarEvent) SetAllDay(allDay bool) {
	e.allDay = allDay
	e.Touch()
}

// Reschedule moves the event to a new interval.
func (e *CalendarEvent) Reschedule(interval TimeInterval) error {
	if interval.IsZero() {
		return errors.New("event interval is required")
	}
	e.interval = interval
	e.Touch()
	return nil
}

// LinkExternal records the provider's identifier after pushing the event out.
func (e *CalendarEvent) LinkExternal(externalID string) error {
	if externalID == "" {
		return errors.New("external id is required")
	}
	e.externalID = externalID
	e.Touch()
	return nil
}

// AttachRule turns the event into a recurring master.
func (e *CalendarEvent) AttachRule(ruleID uuid.UUID) error {
	if ruleID == uuid.Nil {
		return errors.New("rule id is required")
	}
	if e.parentEventID != uuid.Nil {
		return errors.New("an instance cannot carry its own rule")
	}
	e.recurrenceRuleID = ruleID
	e.Touch()
	return nil
}

// AsInstance links the event to its master as a single-occurrence override.
// originalStart is the occurrence the override replaces, as expanded from the
// master's rule.
func (e *CalendarEvent) AsInstance(parentEventID uuid.UUID, originalStart time.Time, exception bool) error {
	if parentEventID == uuid.Nil {
		return errors.New("parent event id is required")
	}
	if parentEventID == e.ID() {
		return errors.New("an event cannot be its own parent")
	}
	start := originalStart.UTC()
	e.parentEventID = parentEventID
	e.recurrenceID = &start
	e.isRecurringException = exception
	e.Touch()
	return nil
}

// ContinueFrom marks the event as the tail rewrite of master. forkStart is
// the original start of the first occurrence the rewrite replaces; the
// continuation's own interval may differ when the edit also moved the time.
// A continuation without a recurrence rule cancels the remainder outright.
func (e *CalendarEvent) ContinueFrom(masterID uuid.UUID, forkStart time.Time) error {
	if masterID == uuid.Nil {
		return errors.New("master event id is required")
	}
	if masterID == e.ID() {
		return errors.New("an event cannot continue itself")
	}
	if forkStart.IsZero() {
		return errors.New("fork start is required")
	}
	fork := forkStart.UTC()
	e.bulkModificationParentID = masterID
	e.recurrenceID = &fork
	e.Touch()
	return nil
}

// ForkStart returns the original occurrence start a continuation forks from.
// It falls back to the continuation's own start for rows recorded before the
// fork was stored separately.
func (e *CalendarEvent) ForkStart() time.Time {
	if e.bulkModificationParentID != uuid.Nil && e.recurrenceID != nil {
		return *e.recurrenceID
	}
	return e.interval.Start()
}

// Cancel tombstones the event.
func (e *CalendarEvent) Cancel() error {
	if e.status == EventStatusCancelled {
		return fmt.Errorf("event %s already cancelled", e.ID())
	}
	e.status = EventStatusCancelled
	e.Touch()
	e.AddDomainEvent(NewEventCancelled(e))
	return nil
}

// Transfer moves the event to another calendar, typically after the provider
// copy was re-created there. The new external id may be empty when moving to
// an internal calendar.
func (e *CalendarEvent) Transfer(toCalendarID uuid.UUID, newExternalID string) error {
	if toCalendarID == uuid.Nil {
		return errors.New("target calendar id is required")
	}
	if toCalendarID == e.calendarID {
		return errors.New("event already lives on that calendar")
	}
	from := e.calendarID
	e.calendarID = toCalendarID
	e.externalID = newExternalID
	e.Touch()
	e.AddDomainEvent(NewEventTransferred(e, from))
	return nil
}

// Meta returns a copy of the free-form metadata.
func (e *CalendarEvent) Meta() map[string]string {
	if len(e.meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.meta))
	for k, v := range e.meta {
		out[k] = v
	}
	return out
}

// MetaValue looks up a single metadata key.
func (e *CalendarEvent) MetaValue(key string) (string, bool) {
	v, ok := e.meta[key]
	return v, ok
}

// SetMeta sets a metadata key.
func (e *CalendarEvent) SetMeta(key, value string) {
	e.setMeta(key, value)
	e.Touch()
}

// DeleteMeta removes a metadata key.
func (e *CalendarEvent) DeleteMeta(key string) {
	delete(e.meta, key)
	e.Touch()
}

// PendingParent returns the external id of a master this event still waits
// for.
func (e *CalendarEvent) PendingParent() (string, bool) {
	return e.MetaValue(MetaKeyPendingParent)
}

func (e *CalendarEvent) setMeta(key, value string) {
	if e.meta == nil {
		e.meta = make(map[string]string)
	}
	e.meta[key] = value
}
