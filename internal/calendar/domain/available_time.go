package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// AvailableTime is an explicit bookable window on a calendar that manages
// its available windows. Calendars without such windows derive availability
// as the complement of busy time instead. Windows recur the same way events
// and blocks do.
type AvailableTime struct {
	sharedDomain.BaseEntity
	calendarID               uuid.UUID
	interval                 TimeInterval
	cancelled                bool
	recurrenceRuleID         uuid.UUID
	parentWindowID           uuid.UUID
	recurrenceID             *time.Time
	isRecurringException     bool
	bulkModificationParentID uuid.UUID
}

// NewAvailableTime opens a bookable window.
func NewAvailableTime(tc tenant.Context, calendarID uuid.UUID, interval TimeInterval) (*AvailableTime, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if calendarID == uuid.Nil {
		return nil, errors.New("calendar id is required")
	}
	if interval.IsZero() || interval.Duration() <= 0 {
		return nil, errors.New("available window needs a positive interval")
	}
	return &AvailableTime{
		BaseEntity: sharedDomain.NewBaseEntity(tc.TenantID()),
		calendarID: calendarID,
		interval:   interval,
	}, nil
}

// RehydrateAvailableTime reconstructs a window from storage.
func RehydrateAvailableTime(
	id, tenantID, calendarID uuid.UUID,
	interval TimeInterval,
	cancelled bool,
	recurrenceRuleID, parentWindowID uuid.UUID,
	recurrenceID *time.Time,
	isRecurringException bool,
	bulkModificationParentID uuid.UUID,
	createdAt, updatedAt time.Time,
) *AvailableTime {
	return &AvailableTime{
		BaseEntity:               sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt),
		calendarID:               calendarID,
		interval:                 interval,
		cancelled:                cancelled,
		recurrenceRuleID:         recurrenceRuleID,
		parentWindowID:           parentWindowID,
		recurrenceID:             recurrenceID,
		isRecurringException:     isRecurringException,
		bulkModificationParentID: bulkModificationParentID,
	}
}

func (a *AvailableTime) CalendarID() uuid.UUID       { return a.calendarID }
func (a *AvailableTime) Interval() TimeInterval      { return a.interval }
func (a *AvailableTime) IsCancelled() bool           { return a.cancelled }
func (a *AvailableTime) RecurrenceRuleID() uuid.UUID { return a.recurrenceRuleID }
func (a *AvailableTime) ParentWindowID() uuid.UUID   { return a.parentWindowID }
func (a *AvailableTime) RecurrenceID() *time.Time    { return a.recurrenceID }
func (a *AvailableTime) IsRecurringException() bool  { return a.isRecurringException }

func (a *AvailableTime) BulkModificationParentID() uuid.UUID { return a.bulkModificationParentID }

// IsRecurringMaster reports whether this window owns a recurrence rule.
func (a *AvailableTime) IsRecurringMaster() bool {
	return a.recurrenceRuleID != uuid.Nil && a.parentWindowID == uuid.Nil
}

// Reschedule moves the window.
func (a *AvailableTime) Reschedule(interval TimeInterval) error {
	if interval.IsZero() || interval.Duration() <= 0 {
		return errors.New("available window needs a positive interval")
	}
	a.interval = interval
	a.Touch()
	return nil
}

// AttachRule turns the window into a recurring master.
func (a *AvailableTime) AttachRule(ruleID uuid.UUID) error {
	if ruleID == uuid.Nil {
		return errors.New("rule id is required")
	}
	if a.parentWindowID != uuid.Nil {
		return errors.New("an instance cannot carry its own rule")
	}
	a.recurrenceRuleID = ruleID
	a.Touch()
	return nil
}

// Cancel tombstones the window, removing one occurrence of a recurring
// availability without disturbing the series.
func (a *AvailableTime) Cancel() {
	a.cancelled = true
	a.Touch()
}

// AsInstance links the window to its recurring master window.
func (a *AvailableTime) AsInstance(parentWindowID uuid.UUID, originalStart time.Time, exception bool) error {
	if parentWindowID == uuid.Nil {
		return errors.New("parent window id is required")
	}
	if parentWindowID == a.ID() {
		return errors.New("a window cannot be its own parent")
	}
	start := originalStart.UTC()
	a.parentWindowID = parentWindowID
	a.recurrenceID = &start
	a.isRecurringException = exception
	a.Touch()
	return nil
}

// ContinueFrom marks the window as the tail rewrite of master. forkStart is
// the original start of the first occurrence the rewrite replaces.
func (a *AvailableTime) ContinueFrom(masterID uuid.UUID, forkStart time.Time) error {
	if masterID == uuid.Nil {
		return errors.New("master window id is required")
	}
	if masterID == a.ID() {
		return errors.New("a window cannot continue itself")
	}
	if forkStart.IsZero() {
		return errors.New("fork start is required")
	}
	fork := forkStart.UTC()
	a.bulkModificationParentID = masterID
	a.recurrenceID = &fork
	a.Touch()
	return nil
}

// ForkStart returns the original occurrence start a continuation forks from,
// falling back to the window's own start.
func (a *AvailableTime) ForkStart() time.Time {
	if a.bulkModificationParentID != uuid.Nil && a.recurrenceID != nil {
		return *a.recurrenceID
	}
	return a.interval.Start()
}
