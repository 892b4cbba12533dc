package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	"github.com/slotwise/calsync/internal/tenant"
)

// ImportService pulls provider-side calendars and organization resources
// into the platform. Imports are idempotent upserts keyed by
// (tenant, provider, external id); rerunning one refreshes names and
// capacities without duplicating calendars.
type ImportService struct {
	calendars domain.CalendarRepository
	adapters  domain.AdapterFactory
	publisher eventbus.Publisher
	logger    *slog.Logger
}

// NewImportService wires an import service. publisher may be nil.
func NewImportService(
	calendars domain.CalendarRepository,
	adapters domain.AdapterFactory,
	publisher eventbus.Publisher,
	logger *slog.Logger,
) *ImportService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportService{
		calendars: calendars,
		adapters:  adapters,
		publisher: publisher,
		logger:    logger,
	}
}

// ImportAccountCalendars registers every calendar the tenant's provider
// account can see. Existing links are refreshed in place.
func (s *ImportService) ImportAccountCalendars(ctx context.Context, tc tenant.Context, provider domain.Provider) ([]*domain.Calendar, error) {
	adapter, err := s.adapters.AdapterFor(ctx, tc, provider)
	if err != nil {
		return nil, err
	}

	stream, err := adapter.ListCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list account calendars: %w", err)
	}
	defer func() { _ = stream.Close() }()

	var imported []*domain.Calendar
	for {
		desc, ok, err := stream.Next(ctx)
		if err != nil {
			return imported, fmt.Errorf("stream account calendars: %w", err)
		}
		if !ok {
			break
		}

		kind := domain.KindPersonal
		if desc.IsResource {
			kind = domain.KindResource
		}
		cal, err := s.upsertLinked(ctx, tc, provider, desc.ExternalID, desc.Name, desc.Timezone, kind, 0)
		if err != nil {
			return imported, err
		}
		imported = append(imported, cal)
	}
	return imported, nil
}

// ImportOrgResources registers the provider's organization resources, such
// as rooms and equipment, as resource calendars.
func (s *ImportService) ImportOrgResources(ctx context.Context, tc tenant.Context, provider domain.Provider) ([]*domain.Calendar, error) {
	adapter, err := s.adapters.AdapterFor(ctx, tc, provider)
	if err != nil {
		return nil, err
	}

	resources, err := adapter.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list org resources: %w", err)
	}

	var imported []*domain.Calendar
	for _, res := range resources {
		cal, err := s.upsertLinked(ctx, tc, provider, res.ExternalID, res.Name, "", domain.KindResource, res.Capacity)
		if err != nil {
			return imported, err
		}
		imported = append(imported, cal)
	}
	return imported, nil
}

func (s *ImportService) upsertLinked(ctx context.Context, tc tenant.Context, provider domain.Provider, externalID, name, timezone string, kind domain.CalendarKind, capacity int) (*domain.Calendar, error) {
	existing, err := s.calendars.FindByExternalID(ctx, tc, provider, externalID)
	if err != nil {
		return nil, fmt.Errorf("lookup calendar %q: %w", externalID, err)
	}

	if existing != nil {
		changed := false
		if name != "" && name != existing.Name() {
			if err := existing.Rename(name); err != nil {
				return nil, err
			}
			changed = true
		}
		if timezone != "" && timezone != existing.Timezone() {
			if err := existing.SetTimezone(timezone); err != nil {
				return nil, err
			}
			changed = true
		}
		if capacity > 0 && capacity != existing.Capacity() {
			if err := existing.SetCapacity(capacity); err != nil {
				return nil, err
			}
			changed = true
		}
		if changed {
			if err := s.calendars.Save(ctx, tc, existing); err != nil {
				return nil, fmt.Errorf("refresh calendar %q: %w", externalID, err)
			}
		}
		return existing, nil
	}

	cal, err := domain.NewLinkedCalendar(tc, name, provider, externalID, kind, timezone)
	if err != nil {
		return nil, fmt.Errorf("import calendar %q: %w", externalID, err)
	}
	if capacity > 0 {
		if err := cal.SetCapacity(capacity); err != nil {
			return nil, err
		}
	}
	if err := s.calendars.Save(ctx, tc, cal); err != nil {
		return nil, fmt.Errorf("save calendar %q: %w", externalID, err)
	}
	s.publishEvents(ctx, cal)
	return cal, nil
}

func (s *ImportService) publishEvents(ctx context.Context, agg eventCarrier) {
	if s.publisher == nil {
		agg.ClearDomainEvents()
		return
	}
	for _, ev := range agg.DomainEvents() {
		if err := eventbus.PublishDomainEvent(ctx, s.publisher, ev); err != nil {
			s.logger.Warn("domain event not published",
				"routing_key", ev.RoutingKey(), "error", err)
		}
	}
	agg.ClearDomainEvents()
}
