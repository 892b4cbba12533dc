package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/clock"
	"github.com/slotwise/calsync/internal/shared/application"
	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	"github.com/slotwise/calsync/internal/shared/infrastructure/keyval"
	"github.com/slotwise/calsync/internal/tenant"
)

// lockTTL bounds how long a crashed worker can hold a calendar. The lease is
// released on completion; the TTL only backstops workers that died.
const lockTTL = 10 * time.Minute

// Result summarizes one reconciliation run.
type Result struct {
	SyncID        uuid.UUID
	Created       int
	Updated       int
	Deleted       int
	Skipped       int
	FullSync      bool
	NextSyncToken string
}

// Engine executes CalendarSync runs: it streams the provider's events,
// diffs them against local state, and applies the difference in one
// transaction. At most one run per calendar proceeds at a time, enforced by
// a distributed lock plus the version guard on the sync row.
type Engine struct {
	calendars  domain.CalendarRepository
	rules      domain.RecurrenceRuleRepository
	events     domain.CalendarEventRepository
	blocks     domain.BlockedTimeRepository
	windows    domain.AvailableTimeRepository
	syncs      domain.CalendarSyncRepository
	attendance domain.AttendanceRepository
	adapters   domain.AdapterFactory
	uow        application.UnitOfWork
	locks      *keyval.LockManager
	publisher  eventbus.Publisher
	clk        clock.Clock
	logger     *slog.Logger
}

// NewEngine wires a sync engine. publisher may be nil when nothing listens
// for sync events, logger defaults to slog.Default().
func NewEngine(
	calendars domain.CalendarRepository,
	rules domain.RecurrenceRuleRepository,
	events domain.CalendarEventRepository,
	blocks domain.BlockedTimeRepository,
	windows domain.AvailableTimeRepository,
	syncs domain.CalendarSyncRepository,
	attendance domain.AttendanceRepository,
	adapters domain.AdapterFactory,
	uow application.UnitOfWork,
	locks *keyval.LockManager,
	publisher eventbus.Publisher,
	clk clock.Clock,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		calendars:  calendars,
		rules:      rules,
		events:     events,
		blocks:     blocks,
		windows:    windows,
		syncs:      syncs,
		attendance: attendance,
		adapters:   adapters,
		uow:        uow,
		locks:      locks,
		publisher:  publisher,
		clk:        clk,
		logger:     logger,
	}
}

// Sync executes the given run to completion. A calendar already being
// synced, by lock or by version guard, fails with ErrSyncInProgress; every
// other failure marks the run failed with the cause recorded, preserving
// the previous sync token for the retry.
func (e *Engine) Sync(ctx context.Context, tc tenant.Context, syncID uuid.UUID) (*Result, error) {
	run, err := e.syncs.FindByID(ctx, tc, syncID)
	if err != nil {
		return nil, fmt.Errorf("load sync run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("sync run %s not found", syncID)
	}
	cal, err := e.calendars.FindByID(ctx, tc, run.CalendarID())
	if err != nil {
		return nil, fmt.Errorf("load calendar: %w", err)
	}
	if cal == nil {
		return nil, fmt.Errorf("calendar %s: %w", run.CalendarID(), domain.ErrCalendarNotFound)
	}

	lease, err := e.locks.Acquire(ctx, "sync:calendar:"+cal.ID().String(), lockTTL)
	if err != nil {
		if errors.Is(err, keyval.ErrLockHeld) {
			return nil, fmt.Errorf("calendar %s: %w", cal.ID(), domain.ErrSyncInProgress)
		}
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("sync lock not released, expires with ttl",
				"calendar_id", cal.ID(), "error", err)
		}
	}()

	if err := run.Start(e.clk.Now()); err != nil {
		return nil, err
	}
	if err := e.syncs.Save(ctx, tc, run); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			return nil, fmt.Errorf("sync run %s claimed by another worker: %w", run.ID(), domain.ErrSyncInProgress)
		}
		return nil, fmt.Errorf("claim sync run: %w", err)
	}

	res, err := e.reconcile(ctx, tc, cal, run)
	if err != nil {
		e.failRun(ctx, tc, run, err)
		return nil, err
	}

	e.logger.Info("calendar sync completed",
		"calendar_id", cal.ID(),
		"sync_id", run.ID(),
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"skipped", res.Skipped,
		"full_sync", res.FullSync,
	)
	return res, nil
}

func (e *Engine) reconcile(ctx context.Context, tc tenant.Context, cal *domain.Calendar, run *domain.CalendarSync) (*Result, error) {
	token := ""
	prev, err := e.syncs.FindLatestSuccessful(ctx, tc, cal.ID())
	if err != nil {
		return nil, fmt.Errorf("load previous sync: %w", err)
	}
	if prev != nil {
		token = prev.NextSyncToken()
	}

	adapter, err := e.adapters.AdapterFor(ctx, tc, cal.Provider())
	if err != nil {
		return nil, fmt.Errorf("resolve adapter: %w", err)
	}

	set, skipped, nextToken, err := e.collect(ctx, tc, cal, run, adapter, token)
	if err != nil && token != "" && errors.Is(err, domain.ErrSyncTokenExpired) {
		e.logger.Warn("sync token expired, escalating to full sync",
			"calendar_id", cal.ID(), "sync_id", run.ID())
		token = ""
		set, skipped, nextToken, err = e.collect(ctx, tc, cal, run, adapter, token)
	}
	if err != nil {
		return nil, err
	}

	err = application.WithUnitOfWork(ctx, e.uow, func(txCtx context.Context) error {
		if err := e.apply(txCtx, tc, cal, set); err != nil {
			return err
		}
		if err := e.relinkOrphans(txCtx, tc, cal); err != nil {
			return err
		}
		if cal.ManagesAvailableWindows() {
			if err := e.retractManagedWindows(txCtx, tc, cal, run.Window(), set); err != nil {
				return err
			}
		}
		if err := run.Complete(e.clk.Now(), nextToken); err != nil {
			return err
		}
		return e.syncs.Save(txCtx, tc, run)
	})
	if err != nil {
		return nil, err
	}
	e.publishEvents(ctx, run)

	return &Result{
		SyncID:        run.ID(),
		Created:       set.Created(),
		Updated:       set.Updated(),
		Deleted:       set.Deleted(),
		Skipped:       skipped,
		FullSync:      token == "",
		NextSyncToken: nextToken,
	}, nil
}

// collect drains one provider listing into a change set. The baseline is
// reloaded per attempt so a token-expiry retry diffs against clean state.
func (e *Engine) collect(ctx context.Context, tc tenant.Context, cal *domain.Calendar, run *domain.CalendarSync, adapter domain.Adapter, token string) (*ChangeSet, int, string, error) {
	baseEvents, err := e.events.FindSynced(ctx, tc, cal.ID())
	if err != nil {
		return nil, 0, "", fmt.Errorf("load synced events: %w", err)
	}
	baseBlocks, err := e.blocks.FindSynced(ctx, tc, cal.ID())
	if err != nil {
		return nil, 0, "", fmt.Errorf("load synced blocks: %w", err)
	}

	stream, err := adapter.ListEvents(ctx, cal.ExternalID(), run.Window(), token)
	if err != nil {
		return nil, 0, "", fmt.Errorf("list provider events: %w", err)
	}
	defer stream.Close()

	builder := newChangeBuilder(tc, cal.ID(), run.ShouldUpdateEvents(), baseEvents, baseBlocks)
	skipped := 0
	for {
		rec, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, 0, "", fmt.Errorf("read provider stream: %w", err)
		}
		if !ok {
			break
		}
		if err := builder.stage(rec); err != nil {
			if errors.Is(err, domain.ErrMalformed) {
				skipped++
				e.logger.Warn("skipping malformed provider record",
					"calendar_id", cal.ID(),
					"external_id", rec.ExternalID,
					"error", err,
				)
				continue
			}
			return nil, 0, "", err
		}
	}

	set := builder.finish(token == "", run.Window().Start, run.Window().End)
	return set, skipped, stream.SyncToken(), nil
}

// apply writes the change set. Rules go first so events can reference them;
// deletes go last so nothing references a removed row. Attendance rows for
// deleted events go with them via the cascade on event id.
func (e *Engine) apply(ctx context.Context, tc tenant.Context, cal *domain.Calendar, set *ChangeSet) error {
	for _, rule := range set.Rules {
		if err := e.rules.Save(ctx, tc, rule); err != nil {
			return fmt.Errorf("save recurrence rule: %w", err)
		}
	}
	for _, st := range set.CreateEvents {
		if err := e.events.Save(ctx, tc, st.Event); err != nil {
			return fmt.Errorf("save event %s: %w", st.Event.ExternalID(), err)
		}
		if err := e.syncAttendance(ctx, tc, cal, st, false); err != nil {
			return err
		}
	}
	for _, blk := range set.CreateBlocks {
		if err := e.blocks.Save(ctx, tc, blk); err != nil {
			return fmt.Errorf("save block %s: %w", blk.ExternalID(), err)
		}
	}
	for _, st := range set.UpdateEvents {
		if err := e.events.Save(ctx, tc, st.Event); err != nil {
			return fmt.Errorf("save event %s: %w", st.Event.ExternalID(), err)
		}
		if err := e.syncAttendance(ctx, tc, cal, st, true); err != nil {
			return err
		}
	}
	for _, blk := range set.UpdateBlocks {
		if err := e.blocks.Save(ctx, tc, blk); err != nil {
			return fmt.Errorf("save block %s: %w", blk.ExternalID(), err)
		}
	}
	for _, ev := range set.DeleteEvents {
		if err := e.events.Delete(ctx, tc, ev.ID()); err != nil {
			return fmt.Errorf("delete event %s: %w", ev.ExternalID(), err)
		}
	}
	for _, blk := range set.DeleteBlocks {
		if err := e.blocks.Delete(ctx, tc, blk.ID()); err != nil {
			return fmt.Errorf("delete block %s: %w", blk.ExternalID(), err)
		}
	}
	return nil
}

// syncAttendance records the participants the provider reported. Updates
// rewrite the whole set, so attendees the provider dropped disappear; an
// update with no attendees clears everything.
func (e *Engine) syncAttendance(ctx context.Context, tc tenant.Context, cal *domain.Calendar, st StagedEvent, rewrite bool) error {
	if rewrite {
		if err := e.attendance.DeleteByEvent(ctx, tc, st.Event.ID()); err != nil {
			return fmt.Errorf("clear attendance for %s: %w", st.Event.ExternalID(), err)
		}
	} else if len(st.Attendees) == 0 {
		return nil
	}
	for _, att := range st.Attendees {
		var err error
		if att.IsResource {
			err = e.recordResourceAttendee(ctx, tc, cal, st.Event, att)
		} else {
			err = e.recordExternalAttendee(ctx, tc, st.Event, att)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recordResourceAttendee(ctx context.Context, tc tenant.Context, cal *domain.Calendar, ev *domain.CalendarEvent, att domain.AttendeeRecord) error {
	extID := att.ResourceExternalID
	if extID == "" {
		extID = att.Email
	}
	if extID == "" {
		return nil
	}
	resCal, err := e.calendars.FindByExternalID(ctx, tc, cal.Provider(), extID)
	if err != nil {
		return fmt.Errorf("resolve resource %s: %w", extID, err)
	}
	if resCal == nil {
		// Resource not imported yet; its allocation appears once it is.
		return nil
	}
	alloc, err := domain.NewResourceAllocation(tc, ev.ID(), resCal.ID())
	if err != nil {
		return err
	}
	if att.RSVP != "" {
		if err := alloc.SetRSVP(att.RSVP); err != nil {
			return err
		}
	}
	return e.attendance.SaveResourceAllocation(ctx, tc, alloc)
}

func (e *Engine) recordExternalAttendee(ctx context.Context, tc tenant.Context, ev *domain.CalendarEvent, att domain.AttendeeRecord) error {
	if att.Email == "" {
		return nil
	}
	attendee, err := e.attendance.FindExternalAttendeeByEmail(ctx, tc, att.Email)
	if err != nil {
		return fmt.Errorf("look up attendee %s: %w", att.Email, err)
	}
	if attendee == nil {
		attendee, err = domain.NewExternalAttendee(tc, att.Email, att.DisplayName)
		if err != nil {
			e.logger.Warn("dropping attendee with unusable email",
				"event_id", ev.ID(), "error", err)
			return nil
		}
		if err := e.attendance.SaveExternalAttendee(ctx, tc, attendee); err != nil {
			return fmt.Errorf("save attendee %s: %w", att.Email, err)
		}
	}
	link, err := domain.NewEventExternalAttendance(tc, ev.ID(), attendee.ID(), att.RSVP)
	if err != nil {
		return err
	}
	return e.attendance.SaveExternalAttendance(ctx, tc, link)
}

// relinkOrphans resolves entities whose recurring master arrived after they
// did. Orphaned instances living as blocks become proper instance events;
// events flagged pending get linked and their marker cleared. The inputs
// came from our own staging, so failures here are corruption, not provider
// noise, and abort the transaction.
func (e *Engine) relinkOrphans(ctx context.Context, tc tenant.Context, cal *domain.Calendar) error {
	pendingBlocks, err := e.blocks.FindPendingParent(ctx, tc, cal.ID())
	if err != nil {
		return fmt.Errorf("load pending blocks: %w", err)
	}
	for _, blk := range pendingBlocks {
		parentExtID, ok := blk.PendingParent()
		if !ok {
			continue
		}
		master, err := e.events.FindByExternalID(ctx, tc, cal.ID(), parentExtID)
		if err != nil {
			return fmt.Errorf("load master %s: %w", parentExtID, err)
		}
		if master == nil || !master.IsRecurringMaster() {
			continue
		}
		if err := e.promoteOrphanBlock(ctx, tc, blk, master); err != nil {
			return fmt.Errorf("relink block %s: %w", blk.ExternalID(), err)
		}
	}

	pendingEvents, err := e.events.FindPendingParent(ctx, tc, cal.ID())
	if err != nil {
		return fmt.Errorf("load pending events: %w", err)
	}
	for _, ev := range pendingEvents {
		parentExtID, ok := ev.PendingParent()
		if !ok {
			continue
		}
		master, err := e.events.FindByExternalID(ctx, tc, cal.ID(), parentExtID)
		if err != nil {
			return fmt.Errorf("load master %s: %w", parentExtID, err)
		}
		if master == nil || !master.IsRecurringMaster() || master.ID() == ev.ID() {
			continue
		}
		originalStart := ev.Interval().Start()
		if ev.RecurrenceID() != nil {
			originalStart = *ev.RecurrenceID()
		}
		if err := ev.AsInstance(master.ID(), originalStart, true); err != nil {
			return fmt.Errorf("relink event %s: %w", ev.ExternalID(), err)
		}
		ev.DeleteMeta(domain.MetaKeyPendingParent)
		if err := e.events.Save(ctx, tc, ev); err != nil {
			return fmt.Errorf("save relinked event: %w", err)
		}
	}
	return nil
}

// promoteOrphanBlock converts a block that stood in for a series instance
// into the instance event it always was, then removes the block.
func (e *Engine) promoteOrphanBlock(ctx context.Context, tc tenant.Context, blk *domain.BlockedTime, master *domain.CalendarEvent) error {
	ev, err := domain.NewProviderEvent(tc, blk.CalendarID(), blk.Reason(), blk.Interval(), blk.ExternalID())
	if err != nil {
		return err
	}
	originalStart := blk.Interval().Start()
	if blk.RecurrenceID() != nil {
		originalStart = *blk.RecurrenceID()
	}
	if err := ev.AsInstance(master.ID(), originalStart, true); err != nil {
		return err
	}
	ev.SetAllDay(blk.AllDay())
	if blk.IsCancelled() {
		if err := ev.Cancel(); err != nil {
			return err
		}
	}
	for k, v := range blk.Meta() {
		if k == domain.MetaKeyPendingParent || k == domain.MetaKeyOrigin {
			continue
		}
		ev.SetMeta(k, v)
	}
	if err := e.events.Save(ctx, tc, ev); err != nil {
		return fmt.Errorf("save promoted instance: %w", err)
	}
	if err := e.blocks.Delete(ctx, tc, blk.ID()); err != nil {
		return fmt.Errorf("delete promoted block: %w", err)
	}
	return nil
}

// retractManagedWindows withdraws stored availability the newly synced busy
// time now covers. Plain rows are deleted; instance overrides are cancelled
// instead, because deleting an override would resurrect the original
// occurrence it replaced.
func (e *Engine) retractManagedWindows(ctx context.Context, tc tenant.Context, cal *domain.Calendar, window domain.TimeWindow, set *ChangeSet) error {
	busy := set.BusyIntervals()
	if len(busy) == 0 {
		return nil
	}
	stored, err := e.windows.FindIntersecting(ctx, tc, cal.ID(), window)
	if err != nil {
		return fmt.Errorf("load available windows: %w", err)
	}
	for _, w := range stored {
		if w.IsCancelled() {
			continue
		}
		covered := false
		for _, iv := range busy {
			if w.Interval().Overlaps(iv) {
				covered = true
				break
			}
		}
		if !covered {
			continue
		}
		if w.ParentWindowID() != uuid.Nil {
			w.Cancel()
			if err := e.windows.Save(ctx, tc, w); err != nil {
				return fmt.Errorf("cancel available window: %w", err)
			}
			continue
		}
		if err := e.windows.Delete(ctx, tc, w.ID()); err != nil {
			return fmt.Errorf("delete available window: %w", err)
		}
	}
	return nil
}

// TransferEvent moves a standalone event to another calendar: read the
// freshest state from the source provider, create the copy on the
// destination, delete the source, move the row. The steps are not atomic
// across providers; a failed source delete leaves a duplicate behind, which
// is logged and left to the next sync or the operator.
func (e *Engine) TransferEvent(ctx context.Context, tc tenant.Context, eventID, toCalendarID uuid.UUID) (*domain.CalendarEvent, error) {
	ev, err := e.events.FindByID(ctx, tc, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if ev == nil {
		return nil, fmt.Errorf("event %s: %w", eventID, domain.ErrEventNotFound)
	}
	if ev.IsRecurringMaster() || ev.IsInstance() || ev.IsContinuation() {
		return nil, errors.New("recurring series cannot transfer between calendars")
	}
	src, err := e.calendars.FindByID(ctx, tc, ev.CalendarID())
	if err != nil {
		return nil, fmt.Errorf("load source calendar: %w", err)
	}
	if src == nil {
		return nil, fmt.Errorf("calendar %s: %w", ev.CalendarID(), domain.ErrCalendarNotFound)
	}
	dst, err := e.calendars.FindByID(ctx, tc, toCalendarID)
	if err != nil {
		return nil, fmt.Errorf("load destination calendar: %w", err)
	}
	if dst == nil {
		return nil, fmt.Errorf("calendar %s: %w", toCalendarID, domain.ErrCalendarNotFound)
	}
	if dst.IsBundle() {
		return nil, errors.New("cannot transfer onto a bundle calendar")
	}

	input := eventInput(ev)
	var srcAdapter domain.Adapter
	if src.IsExternal() && ev.ExternalID() != "" {
		srcAdapter, err = e.adapters.AdapterFor(ctx, tc, src.Provider())
		if err != nil {
			return nil, fmt.Errorf("resolve source adapter: %w", err)
		}
		remote, err := srcAdapter.GetEvent(ctx, src.ExternalID(), ev.ExternalID())
		if err == nil {
			input = recordInput(remote)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("read source event: %w", err)
		}
	}

	newExternalID := ""
	if dst.IsExternal() {
		dstAdapter, err := e.adapters.AdapterFor(ctx, tc, dst.Provider())
		if err != nil {
			return nil, fmt.Errorf("resolve destination adapter: %w", err)
		}
		created, err := dstAdapter.CreateEvent(ctx, dst.ExternalID(), input)
		if err != nil {
			return nil, fmt.Errorf("create destination event: %w", err)
		}
		newExternalID = created.ExternalID
	}

	if srcAdapter != nil {
		if err := srcAdapter.DeleteEvent(ctx, src.ExternalID(), ev.ExternalID()); err != nil {
			e.logger.Warn("source copy not deleted after transfer, duplicate remains",
				"event_id", ev.ID(),
				"calendar_id", src.ID(),
				"error", err,
			)
		}
	}

	if err := ev.Transfer(dst.ID(), newExternalID); err != nil {
		return nil, err
	}
	if err := e.events.Save(ctx, tc, ev); err != nil {
		return nil, fmt.Errorf("save transferred event: %w", err)
	}
	e.publishEvents(ctx, ev)
	return ev, nil
}

// failRun records the failure on the run. The write uses a detached context
// so a cancelled job can still land its terminal state.
func (e *Engine) failRun(ctx context.Context, tc tenant.Context, run *domain.CalendarSync, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	if errors.Is(cause, context.Canceled) {
		msg = "cancelled"
	}
	if err := run.Fail(e.clk.Now(), msg); err != nil {
		e.logger.Error("cannot mark sync run failed",
			"sync_id", run.ID(), "error", err)
		return
	}
	if err := e.syncs.Save(ctx, tc, run); err != nil {
		e.logger.Error("cannot save failed sync run",
			"sync_id", run.ID(), "error", err)
		return
	}
	e.publishEvents(ctx, run)
}

type eventCarrier interface {
	DomainEvents() []sharedDomain.DomainEvent
	ClearDomainEvents()
}

// publishEvents drains an aggregate's domain events to the bus, best
// effort: the state change already committed, so a publish failure is
// logged rather than unwound.
func (e *Engine) publishEvents(ctx context.Context, agg eventCarrier) {
	if e.publisher == nil {
		agg.ClearDomainEvents()
		return
	}
	for _, ev := range agg.DomainEvents() {
		if err := eventbus.PublishDomainEvent(ctx, e.publisher, ev); err != nil {
			e.logger.Warn("domain event not published",
				"routing_key", ev.RoutingKey(), "error", err)
		}
	}
	agg.ClearDomainEvents()
}

func eventInput(ev *domain.CalendarEvent) domain.EventInput {
	iv := ev.Interval()
	return domain.EventInput{
		Title:       ev.Title(),
		Description: ev.Description(),
		Start:       iv.Start(),
		End:         iv.End(),
		Timezone:    iv.Timezone(),
		AllDay:      ev.AllDay(),
		Meta:        ev.Meta(),
	}
}

func recordInput(rec domain.EventRecord) domain.EventInput {
	return domain.EventInput{
		Title:       rec.Title,
		Description: rec.Description,
		Start:       rec.Start,
		End:         rec.End,
		Timezone:    rec.Timezone,
		AllDay:      rec.AllDay,
		Rule:        rec.Recurrence,
		Attendees:   rec.Attendees,
		Meta:        rec.Meta,
	}
}
