package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// RSVPStatus is a participant's answer to an invitation.
type RSVPStatus string

const (
	RSVPPending  RSVPStatus = "pending"
	RSVPAccepted RSVPStatus = "accepted"
	RSVPDeclined RSVPStatus = "declined"
)

// IsValid reports whether the status is known.
func (s RSVPStatus) IsValid() bool {
	switch s {
	case RSVPPending, RSVPAccepted, RSVPDeclined:
		return true
	}
	return false
}

// EventAttendance links a platform user to an event.
type EventAttendance struct {
	sharedDomain.BaseEntity
	eventID uuid.UUID
	userID  uuid.UUID
	rsvp    RSVPStatus
}

// NewEventAttendance invites a platform user; the RSVP starts pending.
func NewEventAttendance(tc tenant.Context, eventID, userID uuid.UUID) (*EventAttendance, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if eventID == uuid.Nil {
		return nil, errors.New("event id is required")
	}
	if userID == uuid.Nil {
		return nil, errors.New("user id is required")
	}
	return &EventAttendance{
		BaseEntity: sharedDomain.NewBaseEntity(tc.TenantID()),
		eventID:    eventID,
		userID:     userID,
		rsvp:       RSVPPending,
	}, nil
}

// RehydrateEventAttendance reconstructs an attendance row from storage.
func RehydrateEventAttendance(id, tenantID, eventID, userID uuid.UUID, rsvp RSVPStatus, createdAt, updatedAt time.Time) *EventAttendance {
	return &EventAttendance{
		BaseEntity: sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt),
		eventID:    eventID,
		userID:     userID,
		rsvp:       rsvp,
	}
}

func (a *EventAttendance) EventID() uuid.UUID { return a.eventID }
func (a *EventAttendance) UserID() uuid.UUID  { return a.userID }
func (a *EventAttendance) RSVP() RSVPStatus   { return a.rsvp }

// SetRSVP records the user's answer.
func (a *EventAttendance) SetRSVP(status RSVPStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid rsvp status %q", status)
	}
	a.rsvp = status
	a.Touch()
	return nil
}

// ExternalAttendee is a participant identified by email only, deduplicated
// per tenant.
type ExternalAttendee struct {
	sharedDomain.BaseEntity
	email       string
	displayName string
}

// NewExternalAttendee registers an outside participant.
func NewExternalAttendee(tc tenant.Context, email, displayName string) (*ExternalAttendee, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid attendee email %q", email)
	}
	return &ExternalAttendee{
		BaseEntity:  sharedDomain.NewBaseEntity(tc.TenantID()),
		email:       email,
		displayName: displayName,
	}, nil
}

// RehydrateExternalAttendee reconstructs an attendee from storage.
func RehydrateExternalAttendee(id, tenantID uuid.UUID, email, displayName string, createdAt, updatedAt time.Time) *ExternalAttendee {
	return &ExternalAttendee{
		BaseEntity:  sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt),
		email:       email,
		displayName: displayName,
	}
}

func (a *ExternalAttendee) Email() string       { return a.email }
func (a *ExternalAttendee) DisplayName() string { return a.displayName }

// SetDisplayName updates the display name, typically from provider data.
func (a *ExternalAttendee) SetDisplayName(name string) {
	a.displayName = name
	a.Touch()
}

// EventExternalAttendance links an external attendee to an event.
type EventExternalAttendance struct {
	sharedDomain.BaseEntity
	eventID    uuid.UUID
	attendeeID uuid.UUID
	rsvp       RSVPStatus
}

// NewEventExternalAttendance invites an external attendee.
func NewEventExternalAttendance(tc tenant.Context, eventID, attendeeID uuid.UUID, rsvp RSVPStatus) (*EventExternalAttendance, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if eventID == uuid.Nil {
		return nil, errors.New("event id is required")
	}
	if attendeeID == uuid.Nil {
		return nil, errors.New("attendee id is required")
	}
	if rsvp == "" {
		rsvp = RSVPPending
	}
	if !rsvp.IsValid() {
		return nil, fmt.Errorf("invalid rsvp status %q", rsvp)
	}
	return &EventExternalAttendance{
		BaseEntity: sharedDomain.NewBaseEntity(tc.TenantID()),
		eventID:    eventID,
		attendeeID: attendeeID,
		rsvp:       rsvp,
	}, nil
}

// RehydrateEventExternalAttendance reconstructs a link row from storage.
func RehydrateEventExternalAttendance(id, tenantID, eventID, attendeeID uuid.UUID, rsvp RSVPStatus, createdAt, updatedAt time.Time) *EventExternalAttendance {
	return &EventExternalAttendance{
		BaseEntity: sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt),
		eventID:    eventID,
		attendeeID: attendeeID,
		rsvp:       rsvp,
	}
}

func (a *EventExternalAttendance) EventID() uuid.UUID    { return a.eventID }
func (a *EventExternalAttendance) AttendeeID() uuid.UUID { return a.attendeeID }
func (a *EventExternalAttendance) RSVP() RSVPStatus      { return a.rsvp }

// SetRSVP records the attendee's answer.
func (a *EventExternalAttendance) SetRSVP(status RSVPStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid rsvp status %q", status)
	}
	a.rsvp = status
	a.Touch()
	return nil
}

// ResourceAllocation reserves a resource calendar, such as a room, for an
// event.
type ResourceAllocation struct {
	sharedDomain.BaseEntity
	eventID            uuid.UUID
	resourceCalendarID uuid.UUID
	rsvp               RSVPStatus
}

// NewResourceAllocation reserves a resource for the event.
func NewResourceAllocation(tc tenant.Context, eventID, resourceCalendarID uuid.UUID) (*ResourceAllocation, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if eventID == uuid.Nil {
		return nil, errors.New("event id is required")
	}
	if resourceCalendarID == uuid.Nil {
		return nil, errors.New("resource calendar id is required")
	}
	return &ResourceAllocation{
		BaseEntity:         sharedDomain.NewBaseEntity(tc.TenantID()),
		eventID:            eventID,
		resourceCalendarID: resourceCalendarID,
		rsvp:               RSVPPending,
	}, nil
}

// RehydrateResourceAllocation reconstructs an allocation from storage.
func RehydrateResourceAllocation(id, tenantID, eventID, resourceCalendarID uuid.UUID, rsvp RSVPStatus, createdAt, updatedAt time.Time) *ResourceAllocation {
	return &ResourceAllocation{
		BaseEntity:         sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt),
		eventID:            eventID,
		resourceCalendarID: resourceCalendarID,
		rsvp:               rsvp,
	}
}

func (a *ResourceAllocation) EventID() uuid.UUID            { return a.eventID }
func (a *ResourceAllocation) ResourceCalendarID() uuid.UUID { return a.resourceCalendarID }
func (a *ResourceAllocation) RSVP() RSVPStatus              { return a.rsvp }

// SetRSVP records the resource's acceptance, as reported by the provider.
func (a *ResourceAllocation) SetRSVP(status RSVPStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid rsvp status %q", status)
	}
	a.rsvp = status
	a.Touch()
	return nil
}
