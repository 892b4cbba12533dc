package domain

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/tenant"
)

// Repositories take an explicit tenant.Context next to the cancellation
// context. Every query is bound to the tenant; the only exceptions are the
// system-level scans the background workers run, which are named *All and
// documented as such.
//
// FindBy* methods return (nil, nil) when nothing matches.

// CalendarRepository persists calendars and bundle membership.
type CalendarRepository interface {
	Save(ctx context.Context, tc tenant.Context, cal *Calendar) error
	FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Calendar, error)
	FindByExternalID(ctx context.Context, tc tenant.Context, provider Provider, externalID string) (*Calendar, error)
	FindByProvider(ctx context.Context, tc tenant.Context, provider Provider) ([]*Calendar, error)
	FindByKind(ctx context.Context, tc tenant.Context, kind CalendarKind) ([]*Calendar, error)
	FindAll(ctx context.Context, tc tenant.Context) ([]*Calendar, error)
	Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error
}

// RecurrenceRuleRepository persists the rule arena.
type RecurrenceRuleRepository interface {
	Save(ctx context.Context, tc tenant.Context, rule *RecurrenceRule) error
	FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*RecurrenceRule, error)
	FindByIDs(ctx context.Context, tc tenant.Context, ids []uuid.UUID) (map[uuid.UUID]*RecurrenceRule, error)
	Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error
}

// CalendarEventRepository persists events and answers the slices the sync
// and availability engines work from.
type CalendarEventRepository interface {
	Save(ctx context.Context, tc tenant.Context, event *CalendarEvent) error
	FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*CalendarEvent, error)
	FindByExternalID(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, externalID string) (*CalendarEvent, error)

	// FindSynced returns every event on the calendar that carries a
	// provider identity. The sync engine diffs provider streams against it.
	FindSynced(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*CalendarEvent, error)

	// FindIntersecting returns non-recurring events and instance overrides
	// whose interval overlaps the window. Recurring masters and
	// continuations are excluded; the availability engine expands those
	// itself, suppressing every overridden occurrence, so overrides count
	// only through their concrete stored interval.
	FindIntersecting(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window TimeWindow) ([]*CalendarEvent, error)

	// FindMastersStartingBefore returns recurring masters anchored before
	// the given instant, excluding continuations.
	FindMastersStartingBefore(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, before time.Time) ([]*CalendarEvent, error)

	// FindInstances returns the single-occurrence overrides of a master.
	FindInstances(ctx context.Context, tc tenant.Context, parentEventID uuid.UUID) ([]*CalendarEvent, error)

	// FindContinuations returns the direct tail rewrites of a master.
	FindContinuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]*CalendarEvent, error)

	// FindPendingParent returns events still waiting for their recurring
	// master to arrive from the provider.
	FindPendingParent(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*CalendarEvent, error)

	Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error
}

// BlockedTimeRepository persists busy spans, mirroring the event queries.
type BlockedTimeRepository interface {
	Save(ctx context.Context, tc tenant.Context, block *BlockedTime) error
	FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*BlockedTime, error)
	FindByExternalID(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, externalID string) (*BlockedTime, error)
	FindSynced(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*BlockedTime, error)
	FindIntersecting(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window TimeWindow) ([]*BlockedTime, error)
	FindMastersStartingBefore(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, before time.Time) ([]*BlockedTime, error)
	FindInstances(ctx context.Context, tc tenant.Context, parentBlockID uuid.UUID) ([]*BlockedTime, error)
	FindContinuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]*BlockedTime, error)
	FindPendingParent(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*BlockedTime, error)
	Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error
}

// AvailableTimeRepository persists explicit bookable windows.
type AvailableTimeRepository interface {
	Save(ctx context.Context, tc tenant.Context, window *AvailableTime) error
	FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*AvailableTime, error)
	FindIntersecting(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window TimeWindow) ([]*AvailableTime, error)
	FindMastersStartingBefore(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, before time.Time) ([]*AvailableTime, error)
	FindInstances(ctx context.Context, tc tenant.Context, parentWindowID uuid.UUID) ([]*AvailableTime, error)
	FindContinuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]*AvailableTime, error)
	Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error
}

// CalendarSyncRepository persists sync runs. Save enforces optimistic
// concurrency on the version column and fails with ErrStaleVersion when
// another worker advanced the run first.
type CalendarSyncRepository interface {
	Save(ctx context.Context, tc tenant.Context, sync *CalendarSync) error
	FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*CalendarSync, error)

	// FindLatestSuccessful returns the most recent successful run for the
	// calendar, carrying the incremental cursor.
	FindLatestSuccessful(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) (*CalendarSync, error)

	// FindByCalendar returns recent runs, newest first.
	FindByCalendar(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, limit int) ([]*CalendarSync, error)

	// FindPendingAll scans not_started runs across every tenant, oldest
	// first. Only the scheduler calls it; each returned run carries its own
	// tenant id for the job payload.
	FindPendingAll(ctx context.Context, limit int) ([]*CalendarSync, error)
}

// WebhookSubscriptionRepository persists provider push channels.
type WebhookSubscriptionRepository interface {
	Save(ctx context.Context, tc tenant.Context, sub *WebhookSubscription) error
	FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*WebhookSubscription, error)
	FindActiveByCalendar(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, provider Provider) (*WebhookSubscription, error)
	FindByExternalSubscriptionID(ctx context.Context, tc tenant.Context, externalSubscriptionID string) (*WebhookSubscription, error)
	FindByChannelID(ctx context.Context, tc tenant.Context, channelID string) (*WebhookSubscription, error)

	// FindExpiringAll scans active channels lapsing before the given
	// instant across every tenant. Only the renewal worker calls it.
	FindExpiringAll(ctx context.Context, before time.Time, limit int) ([]*WebhookSubscription, error)

	Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error
}

// WebhookEventRepository persists the notification log.
type WebhookEventRepository interface {
	Save(ctx context.Context, tc tenant.Context, event *WebhookEvent) error
	FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*WebhookEvent, error)
	FindRecent(ctx context.Context, tc tenant.Context, limit int) ([]*WebhookEvent, error)
}

// AttendanceSet bundles everything attending one event.
type AttendanceSet struct {
	Users     []*EventAttendance
	External  []*EventExternalAttendance
	Resources []*ResourceAllocation
}

// AttendanceRepository persists participation across its four tables.
// External attendees are deduplicated per tenant by email.
type AttendanceRepository interface {
	SaveUserAttendance(ctx context.Context, tc tenant.Context, attendance *EventAttendance) error
	SaveExternalAttendee(ctx context.Context, tc tenant.Context, attendee *ExternalAttendee) error
	FindExternalAttendeeByEmail(ctx context.Context, tc tenant.Context, email string) (*ExternalAttendee, error)
	SaveExternalAttendance(ctx context.Context, tc tenant.Context, attendance *EventExternalAttendance) error
	SaveResourceAllocation(ctx context.Context, tc tenant.Context, allocation *ResourceAllocation) error
	FindByEvent(ctx context.Context, tc tenant.Context, eventID uuid.UUID) (AttendanceSet, error)

	// DeleteByEvent clears an event's participation before a rewrite.
	DeleteByEvent(ctx context.Context, tc tenant.Context, eventID uuid.UUID) error
}
