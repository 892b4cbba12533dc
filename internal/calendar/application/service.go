// Package application holds the user-facing calendar operations: creating
// and linking calendars, booking events against availability, edits pushed
// through provider adapters, bulk series modification, and provider imports.
// The sync and availability engines do the heavy lifting; this layer
// sequences them and owns the admission rules.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/availability"
	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/clock"
	"github.com/slotwise/calsync/internal/recurrence"
	shared "github.com/slotwise/calsync/internal/shared/application"
	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	"github.com/slotwise/calsync/internal/sync"
	"github.com/slotwise/calsync/internal/tenant"
)

// Availability is the slice of the availability engine booking admission
// needs. *availability.Engine satisfies it.
type Availability interface {
	CanBook(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, interval domain.TimeInterval) error
	SelectBundleChild(ctx context.Context, tc tenant.Context, bundle *domain.Calendar, interval domain.TimeInterval) (*domain.Calendar, error)
}

// Transferrer moves an event between calendars. *sync.Engine satisfies it.
type Transferrer interface {
	TransferEvent(ctx context.Context, tc tenant.Context, eventID, toCalendarID uuid.UUID) (*domain.CalendarEvent, error)
}

// ChannelEnsurer establishes a push channel for a linked calendar.
// *webhook.SubscriptionManager satisfies it; nil skips channel setup.
type ChannelEnsurer interface {
	EnsureSubscription(ctx context.Context, tc tenant.Context, cal *domain.Calendar) (*domain.WebhookSubscription, error)
}

// ServiceConfig bounds the sync window the service schedules for freshly
// linked calendars.
type ServiceConfig struct {
	SyncLookback time.Duration
	SyncHorizon  time.Duration
}

// DefaultServiceConfig returns the production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SyncLookback: 24 * time.Hour,
		SyncHorizon:  30 * 24 * time.Hour,
	}
}

// Service orchestrates calendar and event commands for one deployment. All
// writes that span entities go through the unit of work; provider calls
// happen before the transaction opens, never inside it.
type Service struct {
	calendars  domain.CalendarRepository
	events     domain.CalendarEventRepository
	rules      domain.RecurrenceRuleRepository
	attendance domain.AttendanceRepository
	syncs      domain.CalendarSyncRepository
	adapters   domain.AdapterFactory
	avail      Availability
	transfer   Transferrer
	channels   ChannelEnsurer
	uow        shared.UnitOfWork
	publisher  eventbus.Publisher
	config     ServiceConfig
	clk        clock.Clock
	logger     *slog.Logger
}

// NewService wires the calendar service. channels and publisher may be nil;
// logger defaults to slog.Default().
func NewService(
	calendars domain.CalendarRepository,
	events domain.CalendarEventRepository,
	rules domain.RecurrenceRuleRepository,
	attendance domain.AttendanceRepository,
	syncs domain.CalendarSyncRepository,
	adapters domain.AdapterFactory,
	avail Availability,
	transfer Transferrer,
	channels ChannelEnsurer,
	uow shared.UnitOfWork,
	publisher eventbus.Publisher,
	config ServiceConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	if config.SyncLookback <= 0 {
		config.SyncLookback = 24 * time.Hour
	}
	if config.SyncHorizon <= 0 {
		config.SyncHorizon = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		calendars:  calendars,
		events:     events,
		rules:      rules,
		attendance: attendance,
		syncs:      syncs,
		adapters:   adapters,
		avail:      avail,
		transfer:   transfer,
		channels:   channels,
		uow:        uow,
		publisher:  publisher,
		config:     config,
		clk:        clk,
		logger:     logger,
	}
}

// CreateCalendar makes a new internal calendar.
func (s *Service) CreateCalendar(ctx context.Context, tc tenant.Context, name string, kind domain.CalendarKind, timezone string, managesWindows bool) (*domain.Calendar, error) {
	cal, err := domain.NewCalendar(tc, name, kind, timezone)
	if err != nil {
		return nil, err
	}
	cal.SetManagesAvailableWindows(managesWindows)
	if err := s.calendars.Save(ctx, tc, cal); err != nil {
		return nil, fmt.Errorf("save calendar: %w", err)
	}
	s.publishEvents(ctx, cal)
	return cal, nil
}

// LinkExternalCalendar registers a provider calendar locally, schedules its
// first full sync, and establishes a push channel when the provider supports
// one. Linking the same external calendar twice returns the existing record.
func (s *Service) LinkExternalCalendar(ctx context.Context, tc tenant.Context, provider domain.Provider, externalID, name, timezone string, kind domain.CalendarKind) (*domain.Calendar, error) {
	existing, err := s.calendars.FindByExternalID(ctx, tc, provider, externalID)
	if err != nil {
		return nil, fmt.Errorf("lookup linked calendar: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	cal, err := domain.NewLinkedCalendar(tc, name, provider, externalID, kind, timezone)
	if err != nil {
		return nil, err
	}
	if err := s.calendars.Save(ctx, tc, cal); err != nil {
		return nil, fmt.Errorf("save calendar: %w", err)
	}
	s.publishEvents(ctx, cal)

	if _, err := s.scheduleSync(ctx, tc, cal, s.defaultWindow(), true); err != nil {
		s.logger.Warn("initial sync not scheduled",
			"calendar_id", cal.ID(), "error", err)
	}

	if s.channels != nil {
		if _, err := s.channels.EnsureSubscription(ctx, tc, cal); err != nil && !errors.Is(err, domain.ErrNotSupported) {
			s.logger.Warn("push channel not established",
				"calendar_id", cal.ID(), "provider", provider, "error", err)
		}
	}
	return cal, nil
}

// CreateBundle groups existing calendars into one bookable pool. Children
// must exist under the caller's tenant and may not themselves be bundles.
func (s *Service) CreateBundle(ctx context.Context, tc tenant.Context, name string, childIDs []uuid.UUID, primaryChildID uuid.UUID) (*domain.Calendar, error) {
	for _, id := range childIDs {
		child, err := s.calendars.FindByID(ctx, tc, id)
		if err != nil {
			return nil, fmt.Errorf("lookup bundle child: %w", err)
		}
		if child == nil {
			return nil, fmt.Errorf("bundle child %s: %w", id, domain.ErrCalendarNotFound)
		}
		if child.IsBundle() {
			return nil, fmt.Errorf("bundle child %s is itself a bundle", id)
		}
	}

	cal, err := domain.NewBundleCalendar(tc, name, childIDs, primaryChildID)
	if err != nil {
		return nil, err
	}
	if err := s.calendars.Save(ctx, tc, cal); err != nil {
		return nil, fmt.Errorf("save bundle: %w", err)
	}
	s.publishEvents(ctx, cal)
	return cal, nil
}

// ScheduleSync queues a reconciliation of the calendar over the window and
// requests immediate pickup.
func (s *Service) ScheduleSync(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow, shouldUpdateEvents bool) (*domain.CalendarSync, error) {
	cal, err := s.lookupCalendar(ctx, tc, calendarID)
	if err != nil {
		return nil, err
	}
	if window.IsZero() {
		window = s.defaultWindow()
	}
	return s.scheduleSync(ctx, tc, cal, window, shouldUpdateEvents)
}

// ExternalAttendeeInput names one attendee outside the platform.
type ExternalAttendeeInput struct {
	Email       string
	DisplayName string
}

// BookingInput describes one event to book.
type BookingInput struct {
	CalendarID  uuid.UUID
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Timezone    string
	AllDay      bool

	// Rule makes the booking a recurring series.
	Rule *recurrence.Rule

	UserIDs             []uuid.UUID
	ExternalAttendees   []ExternalAttendeeInput
	ResourceCalendarIDs []uuid.UUID
}

// BookEvent admits and persists one booking. The interval must fit entirely
// inside an available window of the target calendar; on a bundle the booking
// lands on the selected child. External calendars receive the event before
// the local write so the provider's identifier is stored with it.
func (s *Service) BookEvent(ctx context.Context, tc tenant.Context, input BookingInput) (*domain.CalendarEvent, error) {
	interval, err := domain.NewTimeInterval(input.Start, input.End, input.Timezone)
	if err != nil {
		return nil, err
	}
	if input.Rule != nil {
		if err := input.Rule.Validate(); err != nil {
			return nil, err
		}
	}

	cal, err := s.lookupCalendar(ctx, tc, input.CalendarID)
	if err != nil {
		return nil, err
	}

	target := cal
	if cal.IsBundle() {
		target, err = s.avail.SelectBundleChild(ctx, tc, cal, interval)
		if err != nil {
			return nil, err
		}
	} else if err := s.avail.CanBook(ctx, tc, cal.ID(), interval); err != nil {
		return nil, err
	}

	ev, err := domain.NewCalendarEvent(tc, target.ID(), input.Title, interval)
	if err != nil {
		return nil, err
	}
	ev.SetDescription(input.Description)
	ev.SetAllDay(input.AllDay)

	var rule *domain.RecurrenceRule
	if input.Rule != nil {
		rule, err = domain.NewRecurrenceRule(tc, *input.Rule)
		if err != nil {
			return nil, err
		}
		if err := ev.AttachRule(rule.ID()); err != nil {
			return nil, err
		}
	}

	// Push to the provider before the local transaction: provider I/O never
	// runs inside one, and a failed push leaves nothing to clean up.
	if target.IsExternal() && target.ExternalID() != "" {
		rec, err := s.pushCreate(ctx, tc, target, ev, input.Rule)
		if err != nil {
			return nil, err
		}
		if rec.ExternalID != "" {
			if err := ev.LinkExternal(rec.ExternalID); err != nil {
				return nil, err
			}
		}
	}

	err = shared.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		if rule != nil {
			if err := s.rules.Save(txCtx, tc, rule); err != nil {
				return fmt.Errorf("save recurrence rule: %w", err)
			}
		}
		if err := s.events.Save(txCtx, tc, ev); err != nil {
			return fmt.Errorf("save event: %w", err)
		}
		return s.attachAttendance(txCtx, tc, ev, input)
	})
	if err != nil {
		return nil, err
	}

	s.publishEvents(ctx, ev)
	return ev, nil
}

// EventUpdate carries the fields an update may change; nil leaves a field
// alone.
type EventUpdate struct {
	Title       *string
	Description *string
	Start       *time.Time
	End         *time.Time
	Timezone    *string
}

// UpdateEvent edits an internally owned event and pushes the change to the
// provider when the event was exported. Provider-originated events are
// refused; the provider is their source of truth and the next sync would
// undo the edit anyway.
func (s *Service) UpdateEvent(ctx context.Context, tc tenant.Context, eventID uuid.UUID, update EventUpdate) (*domain.CalendarEvent, error) {
	ev, err := s.lookupEvent(ctx, tc, eventID)
	if err != nil {
		return nil, err
	}
	if ev.IsProviderOwned() {
		return nil, domain.ErrProviderOwnedEvent
	}

	if update.Title != nil {
		ev.SetTitle(*update.Title)
	}
	if update.Description != nil {
		ev.SetDescription(*update.Description)
	}
	if update.Start != nil || update.End != nil || update.Timezone != nil {
		iv := ev.Interval()
		start, end, zone := iv.Start(), iv.End(), iv.Timezone()
		if update.Start != nil {
			start = *update.Start
		}
		if update.End != nil {
			end = *update.End
		}
		if update.Timezone != nil {
			zone = *update.Timezone
		}
		next, err := domain.NewTimeInterval(start, end, zone)
		if err != nil {
			return nil, err
		}
		if err := ev.Reschedule(next); err != nil {
			return nil, err
		}
	}

	if ev.ExternalID() != "" {
		cal, err := s.lookupCalendar(ctx, tc, ev.CalendarID())
		if err != nil {
			return nil, err
		}
		adapter, err := s.adapters.AdapterFor(ctx, tc, cal.Provider())
		if err != nil {
			return nil, err
		}
		if _, err := adapter.UpdateEvent(ctx, cal.ExternalID(), ev.ExternalID(), eventInput(ev, nil)); err != nil {
			return nil, fmt.Errorf("push event update: %w", err)
		}
	}

	if err := s.events.Save(ctx, tc, ev); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}
	return ev, nil
}

// CancelEvent cancels an internally owned event, deleting it from the
// provider first when it was exported. The local row becomes a cancelled
// tombstone so recurring structure stays intact.
func (s *Service) CancelEvent(ctx context.Context, tc tenant.Context, eventID uuid.UUID) error {
	ev, err := s.lookupEvent(ctx, tc, eventID)
	if err != nil {
		return err
	}
	if ev.IsProviderOwned() {
		return domain.ErrProviderOwnedEvent
	}

	if ev.ExternalID() != "" {
		cal, err := s.lookupCalendar(ctx, tc, ev.CalendarID())
		if err != nil {
			return err
		}
		adapter, err := s.adapters.AdapterFor(ctx, tc, cal.Provider())
		if err != nil {
			return err
		}
		// Already gone remotely is fine; the cancel stands either way.
		if err := adapter.DeleteEvent(ctx, cal.ExternalID(), ev.ExternalID()); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("push event delete: %w", err)
		}
	}

	if err := ev.Cancel(); err != nil {
		return err
	}
	if err := s.events.Save(ctx, tc, ev); err != nil {
		return fmt.Errorf("save event: %w", err)
	}

	s.publishEvents(ctx, ev)
	return nil
}

// BulkModifyFrom rewrites a recurring series from the given occurrence
// onward: occurrences of the master at or after from stop applying and the
// returned continuation takes over with newRule. A new anchor interval moves
// the series' time of day; nil keeps the master's shape at the fork.
func (s *Service) BulkModifyFrom(ctx context.Context, tc tenant.Context, masterID uuid.UUID, from time.Time, newRule *recurrence.Rule, newInterval *domain.TimeInterval) (*domain.CalendarEvent, error) {
	if newRule == nil {
		return nil, errors.New("bulk modification needs a rule; use BulkCancelFrom to end a series")
	}
	if err := newRule.Validate(); err != nil {
		return nil, err
	}
	return s.continueSeries(ctx, tc, masterID, from, newRule, newInterval)
}

// BulkCancelFrom ends a recurring series at the given occurrence: a rule-less
// continuation suppresses every occurrence from that instant onward.
func (s *Service) BulkCancelFrom(ctx context.Context, tc tenant.Context, masterID uuid.UUID, from time.Time) (*domain.CalendarEvent, error) {
	return s.continueSeries(ctx, tc, masterID, from, nil, nil)
}

func (s *Service) continueSeries(ctx context.Context, tc tenant.Context, masterID uuid.UUID, from time.Time, newRule *recurrence.Rule, newInterval *domain.TimeInterval) (*domain.CalendarEvent, error) {
	master, err := s.lookupEvent(ctx, tc, masterID)
	if err != nil {
		return nil, err
	}
	if !master.IsRecurringMaster() {
		return nil, fmt.Errorf("event %s is not a recurring master", masterID)
	}
	if master.IsProviderOwned() {
		return nil, domain.ErrProviderOwnedEvent
	}

	anchor := master.Interval()
	interval := anchor
	if newInterval != nil {
		interval = *newInterval
	} else {
		interval, err = domain.NewTimeInterval(from, from.Add(anchor.Duration()), anchor.Timezone())
		if err != nil {
			return nil, err
		}
	}

	cont, err := domain.NewCalendarEvent(tc, master.CalendarID(), master.Title(), interval)
	if err != nil {
		return nil, err
	}
	cont.SetDescription(master.Description())
	cont.SetAllDay(master.AllDay())
	if err := cont.ContinueFrom(master.ID(), from); err != nil {
		return nil, err
	}

	var rule *domain.RecurrenceRule
	if newRule != nil {
		rule, err = domain.NewRecurrenceRule(tc, *newRule)
		if err != nil {
			return nil, err
		}
		if err := cont.AttachRule(rule.ID()); err != nil {
			return nil, err
		}
	}

	err = shared.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		if rule != nil {
			if err := s.rules.Save(txCtx, tc, rule); err != nil {
				return fmt.Errorf("save recurrence rule: %w", err)
			}
		}
		if err := s.events.Save(txCtx, tc, cont); err != nil {
			return fmt.Errorf("save continuation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishEvents(ctx, cont)
	return cont, nil
}

// TransferEvent moves a standalone event to another calendar.
func (s *Service) TransferEvent(ctx context.Context, tc tenant.Context, eventID, toCalendarID uuid.UUID) (*domain.CalendarEvent, error) {
	if s.transfer == nil {
		return nil, errors.New("transfer not configured")
	}
	return s.transfer.TransferEvent(ctx, tc, eventID, toCalendarID)
}

func (s *Service) scheduleSync(ctx context.Context, tc tenant.Context, cal *domain.Calendar, window domain.TimeWindow, shouldUpdateEvents bool) (*domain.CalendarSync, error) {
	run, err := domain.NewCalendarSync(tc, cal.ID(), window, shouldUpdateEvents)
	if err != nil {
		return nil, err
	}
	if err := s.syncs.Save(ctx, tc, run); err != nil {
		return nil, fmt.Errorf("save sync run: %w", err)
	}
	s.publishEvents(ctx, run)

	if s.publisher != nil {
		req := sync.SyncRequested{SyncID: run.ID(), TenantID: run.TenantID(), CalendarID: cal.ID()}
		if err := eventbus.PublishJob(ctx, s.publisher, sync.RoutingSyncRequested, domain.AggregateCalendarSync, run.ID(), run.TenantID(), req); err != nil {
			// The scheduler sweep re-dispatches pending runs.
			s.logger.Warn("sync request not published", "sync_id", run.ID(), "error", err)
		}
	}
	return run, nil
}

func (s *Service) attachAttendance(ctx context.Context, tc tenant.Context, ev *domain.CalendarEvent, input BookingInput) error {
	for _, userID := range input.UserIDs {
		att, err := domain.NewEventAttendance(tc, ev.ID(), userID)
		if err != nil {
			return err
		}
		if err := s.attendance.SaveUserAttendance(ctx, tc, att); err != nil {
			return fmt.Errorf("save attendance: %w", err)
		}
	}

	for _, in := range input.ExternalAttendees {
		attendee, err := s.attendance.FindExternalAttendeeByEmail(ctx, tc, in.Email)
		if err != nil {
			return fmt.Errorf("lookup external attendee: %w", err)
		}
		if attendee == nil {
			attendee, err = domain.NewExternalAttendee(tc, in.Email, in.DisplayName)
			if err != nil {
				return err
			}
			if err := s.attendance.SaveExternalAttendee(ctx, tc, attendee); err != nil {
				return fmt.Errorf("save external attendee: %w", err)
			}
		}
		att, err := domain.NewEventExternalAttendance(tc, ev.ID(), attendee.ID(), domain.RSVPPending)
		if err != nil {
			return err
		}
		if err := s.attendance.SaveExternalAttendance(ctx, tc, att); err != nil {
			return fmt.Errorf("save external attendance: %w", err)
		}
	}

	for _, resourceID := range input.ResourceCalendarIDs {
		res, err := s.calendars.FindByID(ctx, tc, resourceID)
		if err != nil {
			return fmt.Errorf("lookup resource calendar: %w", err)
		}
		if res == nil || !res.IsResource() {
			return fmt.Errorf("calendar %s is not a bookable resource: %w", resourceID, domain.ErrCalendarNotFound)
		}
		alloc, err := domain.NewResourceAllocation(tc, ev.ID(), resourceID)
		if err != nil {
			return err
		}
		if err := s.attendance.SaveResourceAllocation(ctx, tc, alloc); err != nil {
			return fmt.Errorf("save resource allocation: %w", err)
		}
	}
	return nil
}

func (s *Service) pushCreate(ctx context.Context, tc tenant.Context, cal *domain.Calendar, ev *domain.CalendarEvent, rule *recurrence.Rule) (domain.EventRecord, error) {
	adapter, err := s.adapters.AdapterFor(ctx, tc, cal.Provider())
	if err != nil {
		return domain.EventRecord{}, err
	}
	rec, err := adapter.CreateEvent(ctx, cal.ExternalID(), eventInput(ev, rule))
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("push event create: %w", err)
	}
	return rec, nil
}

func (s *Service) lookupCalendar(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.Calendar, error) {
	cal, err := s.calendars.FindByID(ctx, tc, id)
	if err != nil {
		return nil, fmt.Errorf("lookup calendar: %w", err)
	}
	if cal == nil {
		return nil, domain.ErrCalendarNotFound
	}
	return cal, nil
}

func (s *Service) lookupEvent(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.CalendarEvent, error) {
	ev, err := s.events.FindByID(ctx, tc, id)
	if err != nil {
		return nil, fmt.Errorf("lookup event: %w", err)
	}
	if ev == nil {
		return nil, domain.ErrEventNotFound
	}
	return ev, nil
}

func (s *Service) defaultWindow() domain.TimeWindow {
	now := s.clk.Now()
	return domain.TimeWindow{
		Start: now.Add(-s.config.SyncLookback),
		End:   now.Add(s.config.SyncHorizon),
	}
}

type eventCarrier interface {
	DomainEvents() []sharedDomain.DomainEvent
	ClearDomainEvents()
}

// publishEvents drains an aggregate's domain events to the bus, best effort:
// the state change already committed.
func (s *Service) publishEvents(ctx context.Context, agg eventCarrier) {
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

// eventInput converts a local event into the provider-neutral input shape.
func eventInput(ev *domain.CalendarEvent, rule *recurrence.Rule) domain.EventInput {
	iv := ev.Interval()
	return domain.EventInput{
		Title:       ev.Title(),
		Description: ev.Description(),
		Start:       iv.Start(),
		End:         iv.End(),
		Timezone:    iv.Timezone(),
		AllDay:      ev.AllDay(),
		Rule:        rule,
		Meta:        ev.Meta(),
	}
}

var _ Availability = (*availability.Engine)(nil)
var _ Transferrer = (*sync.Engine)(nil)
