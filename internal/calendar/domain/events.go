package domain

import (
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
)

// Aggregate type names carried on domain events.
const (
	AggregateCalendar            = "calendar.Calendar"
	AggregateCalendarEvent       = "calendar.CalendarEvent"
	AggregateCalendarSync        = "calendar.CalendarSync"
	AggregateWebhookSubscription = "calendar.WebhookSubscription"
	AggregateWebhookEvent        = "calendar.WebhookEvent"
)

// Routing keys for domain events on the message bus.
const (
	RoutingCalendarCreated      = "calendar.created"
	RoutingCalendarLinked       = "calendar.linked"
	RoutingEventBooked          = "event.booked"
	RoutingEventCancelled       = "event.cancelled"
	RoutingEventTransferred     = "event.transferred"
	RoutingSyncScheduled        = "sync.scheduled"
	RoutingSyncCompleted        = "sync.completed"
	RoutingSyncFailed           = "sync.failed"
	RoutingWebhookReceived      = "webhook.received"
	RoutingSubscriptionRenewed  = "subscription.renewed"
)

// CalendarCreated is raised when a calendar or bundle is created.
type CalendarCreated struct {
	sharedDomain.BaseEvent
	CalendarID uuid.UUID    `json:"calendar_id"`
	Name       string       `json:"name"`
	Provider   Provider     `json:"provider"`
	Kind       CalendarKind `json:"kind"`
}

func NewCalendarCreated(cal *Calendar) *CalendarCreated {
	return &CalendarCreated{
		BaseEvent:  sharedDomain.NewBaseEvent(cal.ID(), cal.TenantID(), AggregateCalendar, RoutingCalendarCreated),
		CalendarID: cal.ID(),
		Name:       cal.Name(),
		Provider:   cal.Provider(),
		Kind:       cal.Kind(),
	}
}

// CalendarLinked is raised when a calendar gains a provider identity.
type CalendarLinked struct {
	sharedDomain.BaseEvent
	CalendarID uuid.UUID `json:"calendar_id"`
	Provider   Provider  `json:"provider"`
	ExternalID string    `json:"external_id"`
}

func NewCalendarLinked(cal *Calendar) *CalendarLinked {
	return &CalendarLinked{
		BaseEvent:  sharedDomain.NewBaseEvent(cal.ID(), cal.TenantID(), AggregateCalendar, RoutingCalendarLinked),
		CalendarID: cal.ID(),
		Provider:   cal.Provider(),
		ExternalID: cal.ExternalID(),
	}
}

// EventBooked is raised when an event is booked through the platform.
type EventBooked struct {
	sharedDomain.BaseEvent
	BookedEventID uuid.UUID `json:"event_id"`
	CalendarID    uuid.UUID `json:"calendar_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

func NewEventBooked(ev *CalendarEvent) *EventBooked {
	return &EventBooked{
		BaseEvent:     sharedDomain.NewBaseEvent(ev.ID(), ev.TenantID(), AggregateCalendarEvent, RoutingEventBooked),
		BookedEventID: ev.ID(),
		CalendarID:    ev.CalendarID(),
		Start:         ev.Interval().Start(),
		End:           ev.Interval().End(),
	}
}

// EventCancelled is raised when an event is cancelled through the platform.
type EventCancelled struct {
	sharedDomain.BaseEvent
	CancelledEventID uuid.UUID `json:"event_id"`
	CalendarID       uuid.UUID `json:"calendar_id"`
}

func NewEventCancelled(ev *CalendarEvent) *EventCancelled {
	return &EventCancelled{
		BaseEvent:        sharedDomain.NewBaseEvent(ev.ID(), ev.TenantID(), AggregateCalendarEvent, RoutingEventCancelled),
		CancelledEventID: ev.ID(),
		CalendarID:       ev.CalendarID(),
	}
}

// EventTransferred is raised when an event moves between calendars.
type EventTransferred struct {
	sharedDomain.BaseEvent
	TransferredEventID uuid.UUID `json:"event_id"`
	FromCalendarID     uuid.UUID `json:"from_calendar_id"`
	ToCalendarID       uuid.UUID `json:"to_calendar_id"`
}

func NewEventTransferred(ev *CalendarEvent, fromCalendarID uuid.UUID) *EventTransferred {
	return &EventTransferred{
		BaseEvent:          sharedDomain.NewBaseEvent(ev.ID(), ev.TenantID(), AggregateCalendarEvent, RoutingEventTransferred),
		TransferredEventID: ev.ID(),
		FromCalendarID:     fromCalendarID,
		ToCalendarID:       ev.CalendarID(),
	}
}

// SyncScheduled is raised when a sync run is enqueued.
type SyncScheduled struct {
	sharedDomain.BaseEvent
	SyncID      uuid.UUID `json:"sync_id"`
	CalendarID  uuid.UUID `json:"calendar_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

func NewSyncScheduled(sync *CalendarSync) *SyncScheduled {
	return &SyncScheduled{
		BaseEvent:   sharedDomain.NewBaseEvent(sync.ID(), sync.TenantID(), AggregateCalendarSync, RoutingSyncScheduled),
		SyncID:      sync.ID(),
		CalendarID:  sync.CalendarID(),
		WindowStart: sync.Window().Start,
		WindowEnd:   sync.Window().End,
	}
}

// SyncCompleted is raised when a sync run succeeds.
type SyncCompleted struct {
	sharedDomain.BaseEvent
	SyncID     uuid.UUID `json:"sync_id"`
	CalendarID uuid.UUID `json:"calendar_id"`
}

func NewSyncCompleted(sync *CalendarSync) *SyncCompleted {
	return &SyncCompleted{
		BaseEvent:  sharedDomain.NewBaseEvent(sync.ID(), sync.TenantID(), AggregateCalendarSync, RoutingSyncCompleted),
		SyncID:     sync.ID(),
		CalendarID: sync.CalendarID(),
	}
}

// SyncRunFailed is raised when a sync run fails.
type SyncRunFailed struct {
	sharedDomain.BaseEvent
	SyncID     uuid.UUID `json:"sync_id"`
	CalendarID uuid.UUID `json:"calendar_id"`
	Reason     string    `json:"reason"`
}

func NewSyncRunFailed(sync *CalendarSync) *SyncRunFailed {
	return &SyncRunFailed{
		BaseEvent:  sharedDomain.NewBaseEvent(sync.ID(), sync.TenantID(), AggregateCalendarSync, RoutingSyncFailed),
		SyncID:     sync.ID(),
		CalendarID: sync.CalendarID(),
		Reason:     sync.ErrorMessage(),
	}
}

// WebhookReceived is raised once a provider notification is validated and
// recorded.
type WebhookReceived struct {
	sharedDomain.BaseEvent
	WebhookEventID     uuid.UUID `json:"webhook_event_id"`
	Provider           Provider  `json:"provider"`
	EventType          string    `json:"event_type"`
	ExternalCalendarID string    `json:"external_calendar_id,omitempty"`
}

func NewWebhookReceived(we *WebhookEvent) *WebhookReceived {
	return &WebhookReceived{
		BaseEvent:          sharedDomain.NewBaseEvent(we.ID(), we.TenantID(), AggregateWebhookEvent, RoutingWebhookReceived),
		WebhookEventID:     we.ID(),
		Provider:           we.Provider(),
		EventType:          we.EventType(),
		ExternalCalendarID: we.ExternalCalendarID(),
	}
}

// SubscriptionRenewed is raised when a push channel is re-registered.
type SubscriptionRenewed struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	CalendarID     uuid.UUID `json:"calendar_id"`
	Provider       Provider  `json:"provider"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func NewSubscriptionRenewed(sub *WebhookSubscription) *SubscriptionRenewed {
	return &SubscriptionRenewed{
		BaseEvent:      sharedDomain.NewBaseEvent(sub.ID(), sub.TenantID(), AggregateWebhookSubscription, RoutingSubscriptionRenewed),
		SubscriptionID: sub.ID(),
		CalendarID:     sub.CalendarID(),
		Provider:       sub.Provider(),
		ExpiresAt:      sub.ExpiresAt(),
	}
}
