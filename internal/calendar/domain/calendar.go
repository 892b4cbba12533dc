package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// MaxCalendarNameLength bounds calendar names accepted from callers and
// providers alike.
const MaxCalendarNameLength = 255

// Calendar is the aggregate root every event, block and availability window
// hangs off. A calendar either lives internally, mirrors an external provider
// calendar, or bundles other calendars of the same tenant.
type Calendar struct {
	sharedDomain.BaseAggregateRoot
	name                    string
	provider                Provider
	kind                    CalendarKind
	externalID              string
	timezone                string
	managesAvailableWindows bool
	capacity                int
	childIDs                []uuid.UUID
	primaryChildID          uuid.UUID
}

// NewCalendar creates an internal calendar. Bundles have their own
// constructor.
func NewCalendar(tc tenant.Context, name string, kind CalendarKind, timezone string) (*Calendar, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if err := validateCalendarName(name); err != nil {
		return nil, err
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid calendar kind %q", kind)
	}
	if kind == KindBundle {
		return nil, errors.New("bundle calendars must be created with NewBundleCalendar")
	}
	if err := validateTimezone(&timezone); err != nil {
		return nil, err
	}

	cal := &Calendar{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(tc.TenantID()),
		name:              name,
		provider:          ProviderInternal,
		kind:              kind,
		timezone:          timezone,
	}
	cal.AddDomainEvent(NewCalendarCreated(cal))
	return cal, nil
}

// NewLinkedCalendar registers an existing provider calendar locally. The
// external id is the provider's identifier for the calendar.
func NewLinkedCalendar(tc tenant.Context, name string, provider Provider, externalID string, kind CalendarKind, timezone string) (*Calendar, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if err := validateCalendarName(name); err != nil {
		return nil, err
	}
	if !provider.IsExternal() {
		return nil, fmt.Errorf("provider %q cannot be linked", provider)
	}
	if externalID == "" {
		return nil, errors.New("external id is required")
	}
	if !kind.IsValid() || kind == KindBundle || kind == KindVirtual {
		return nil, fmt.Errorf("invalid kind %q for a linked calendar", kind)
	}
	if err := validateTimezone(&timezone); err != nil {
		return nil, err
	}

	cal := &Calendar{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(tc.TenantID()),
		name:              name,
		provider:          provider,
		kind:              kind,
		externalID:        externalID,
		timezone:          timezone,
	}
	cal.AddDomainEvent(NewCalendarLinked(cal))
	return cal, nil
}

// NewBundleCalendar creates a bundle over the given children. The primary
// child, when set, wins ties during booking; it must be one of the children.
// Children must belong to the same tenant, which the caller verifies before
// construction since only ids are held here.
func NewBundleCalendar(tc tenant.Context, name string, childIDs []uuid.UUID, primaryChildID uuid.UUID) (*Calendar, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if err := validateCalendarName(name); err != nil {
		return nil, err
	}
	if len(childIDs) == 0 {
		return nil, errors.New("a bundle needs at least one child calendar")
	}

	cal := &Calendar{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(tc.TenantID()),
		name:              name,
		provider:          ProviderInternal,
		kind:              KindBundle,
		timezone:          "UTC",
	}
	if err := cal.SetChildren(childIDs, primaryChildID); err != nil {
		return nil, err
	}
	cal.AddDomainEvent(NewCalendarCreated(cal))
	return cal, nil
}

// RehydrateCalendar reconstructs a calendar from storage without raising
// events.
func RehydrateCalendar(
	id, tenantID uuid.UUID,
	name string,
	provider Provider,
	kind CalendarKind,
	externalID, timezone string,
	managesAvailableWindows bool,
	capacity int,
	childIDs []uuid.UUID,
	primaryChildID uuid.UUID,
	version int,
	createdAt, updatedAt time.Time,
) *Calendar {
	return &Calendar{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(
			sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt), version),
		name:                    name,
		provider:                provider,
		kind:                    kind,
		externalID:              externalID,
		timezone:                timezone,
		managesAvailableWindows: managesAvailableWindows,
		capacity:                capacity,
		childIDs:                childIDs,
		primaryChildID:          primaryChildID,
	}
}

func (c *Calendar) Name() string          { return c.name }
func (c *Calendar) Provider() Provider    { return c.provider }
func (c *Calendar) Kind() CalendarKind    { return c.kind }
func (c *Calendar) ExternalID() string    { return c.externalID }
func (c *Calendar) Timezone() string      { return c.timezone }
func (c *Calendar) Capacity() int         { return c.capacity }
func (c *Calendar) IsBundle() bool        { return c.kind == KindBundle }
func (c *Calendar) IsResource() bool      { return c.kind == KindResource }
func (c *Calendar) IsExternal() bool      { return c.provider.IsExternal() }

// ManagesAvailableWindows reports whether availability is defined by explicit
// AvailableTime windows instead of the complement of busy time.
func (c *Calendar) ManagesAvailableWindows() bool { return c.managesAvailableWindows }

// ChildIDs returns the bundle children in their stable booking order.
func (c *Calendar) ChildIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(c.childIDs))
	copy(out, c.childIDs)
	return out
}

// PrimaryChildID returns the preferred child, or uuid.Nil when unset.
func (c *Calendar) PrimaryChildID() uuid.UUID { return c.primaryChildID }

// HasChild reports whether id is one of the bundle's children.
func (c *Calendar) HasChild(id uuid.UUID) bool {
	for _, child := range c.childIDs {
		if child == id {
			return true
		}
	}
	return false
}

// Rename changes the calendar name.
func (c *Calendar) Rename(name string) error {
	if err := validateCalendarName(name); err != nil {
		return err
	}
	c.name = name
	c.Touch()
	return nil
}

// SetTimezone changes the calendar's default timezone.
func (c *Calendar) SetTimezone(timezone string) error {
	if err := validateTimezone(&timezone); err != nil {
		return err
	}
	c.timezone = timezone
	c.Touch()
	return nil
}

// SetManagesAvailableWindows flips between complement-based and
// explicit-window availability.
func (c *Calendar) SetManagesAvailableWindows(enabled bool) {
	c.managesAvailableWindows = enabled
	c.Touch()
}

// SetCapacity sets how many overlapping bookings the calendar accepts.
// Zero means single occupancy.
func (c *Calendar) SetCapacity(capacity int) error {
	if capacity < 0 {
		return fmt.Errorf("capacity must be >= 0, got %d", capacity)
	}
	c.capacity = capacity
	c.Touch()
	return nil
}

// SetChildren replaces the bundle's children. Only bundles carry children.
func (c *Calendar) SetChildren(childIDs []uuid.UUID, primaryChildID uuid.UUID) error {
	if c.kind != KindBundle {
		return fmt.Errorf("calendar kind %q cannot have children", c.kind)
	}
	seen := make(map[uuid.UUID]struct{}, len(childIDs))
	for _, id := range childIDs {
		if id == uuid.Nil {
			return errors.New("child calendar id must not be nil")
		}
		if id == c.ID() {
			return errors.New("a bundle cannot contain itself")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate child calendar %s", id)
		}
		seen[id] = struct{}{}
	}
	if primaryChildID != uuid.Nil {
		if _, ok := seen[primaryChildID]; !ok {
			return fmt.Errorf("primary child %s is not a bundle member", primaryChildID)
		}
	}
	c.childIDs = make([]uuid.UUID, len(childIDs))
	copy(c.childIDs, childIDs)
	c.primaryChildID = primaryChildID
	c.Touch()
	return nil
}

// LinkExternal attaches a provider identity to a previously internal
// calendar, for example after creating its remote counterpart.
func (c *Calendar) LinkExternal(provider Provider, externalID string) error {
	if !provider.IsExternal() {
		return fmt.Errorf("provider %q cannot be linked", provider)
	}
	if externalID == "" {
		return errors.New("external id is required")
	}
	if c.kind == KindBundle {
		return errors.New("bundles cannot be linked to a provider")
	}
	c.provider = provider
	c.externalID = externalID
	c.Touch()
	c.AddDomainEvent(NewCalendarLinked(c))
	return nil
}

func validateCalendarName(name string) error {
	if name == "" {
		return errors.New("calendar name is required")
	}
	if len(name) > MaxCalendarNameLength {
		return fmt.Errorf("calendar name exceeds %d characters", MaxCalendarNameLength)
	}
	return nil
}

func validateTimezone(timezone *string) error {
	if *timezone == "" {
		*timezone = "UTC"
		return nil
	}
	if _, err := time.LoadLocation(*timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", *timezone, err)
	}
	return nil
}
