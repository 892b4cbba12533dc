package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/recurrence"
	"github.com/slotwise/calsync/internal/tenant"
)

// seriesEntry is the recurring shape events, blocked times and available
// times share. The engine flattens each kind into entries so one expansion
// path serves all three.
type seriesEntry struct {
	id            uuid.UUID
	ruleID        uuid.UUID
	interval      domain.TimeInterval
	cancelled     bool
	parentID      uuid.UUID
	recurrenceID  *time.Time
	continuesFrom uuid.UUID
	forkStart     time.Time
}

// seriesSource answers the follow-up reads expansion needs: the overrides of
// a master and the continuations hanging off it.
type seriesSource interface {
	instances(ctx context.Context, tc tenant.Context, parentID uuid.UUID) ([]seriesEntry, error)
	continuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]seriesEntry, error)
}

// seriesPlan is everything gathered for one master before expansion: the
// master itself, its continuation chain in fork order, and per-node override
// entries. Gathering suspends on repository reads; expansion is pure.
type seriesPlan struct {
	master     seriesEntry
	exceptions []recurrence.Exception
	chain      []chainNode
}

type chainNode struct {
	entry      seriesEntry
	exceptions []recurrence.Exception
}

// gatherSeries walks the continuation chain of master and loads the override
// entries of every node. Cycles in stored chains are broken by the visited
// set rather than trusted not to exist.
func gatherSeries(ctx context.Context, tc tenant.Context, src seriesSource, master seriesEntry) (seriesPlan, error) {
	plan := seriesPlan{master: master}

	ex, err := overrideExceptions(ctx, tc, src, master.id)
	if err != nil {
		return seriesPlan{}, err
	}
	plan.exceptions = ex

	visited := map[uuid.UUID]bool{master.id: true}
	frontier := []uuid.UUID{master.id}
	var nodes []chainNode
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]

		conts, err := src.continuations(ctx, tc, cur)
		if err != nil {
			return seriesPlan{}, err
		}
		for _, c := range conts {
			if visited[c.id] {
				continue
			}
			visited[c.id] = true
			cex, err := overrideExceptions(ctx, tc, src, c.id)
			if err != nil {
				return seriesPlan{}, err
			}
			nodes = append(nodes, chainNode{entry: c, exceptions: cex})
			frontier = append(frontier, c.id)
		}
	}

	// Forks apply oldest first so a later rewrite can trim an earlier one.
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].entry.forkStart.Before(nodes[j-1].entry.forkStart); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
	plan.chain = nodes
	return plan, nil
}

// overrideExceptions turns the stored overrides of a node into suppressions.
// An override always removes its original occurrence from the expansion; its
// own concrete interval, when still booked, is picked up by the intersecting
// read instead.
func overrideExceptions(ctx context.Context, tc tenant.Context, src seriesSource, parentID uuid.UUID) ([]recurrence.Exception, error) {
	overrides, err := src.instances(ctx, tc, parentID)
	if err != nil {
		return nil, err
	}
	exceptions := make([]recurrence.Exception, 0, len(overrides))
	for _, o := range overrides {
		if o.recurrenceID == nil {
			continue
		}
		exceptions = append(exceptions, recurrence.Exception{OriginalStart: *o.recurrenceID, Cancelled: true})
	}
	return exceptions, nil
}

// ruleIDs lists every recurrence rule the plan needs resolved.
func (p seriesPlan) ruleIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, 1+len(p.chain))
	if p.master.ruleID != uuid.Nil {
		ids = append(ids, p.master.ruleID)
	}
	for _, n := range p.chain {
		if n.entry.ruleID != uuid.Nil {
			ids = append(ids, n.entry.ruleID)
		}
	}
	return ids
}

// expand produces the plan's occurrences inside the window. Wall-clock
// arithmetic runs in each anchor's own location, so a series created in
// New York keeps its local hour across DST while the returned windows are
// UTC instants.
func (p seriesPlan) expand(rules map[uuid.UUID]*domain.RecurrenceRule, window domain.TimeWindow, maxOccurrences int) ([]recurrence.Occurrence, error) {
	rule, ok := rules[p.master.ruleID]
	if !ok {
		return nil, fmt.Errorf("recurrence rule %s not found for series %s", p.master.ruleID, p.master.id)
	}

	occs, err := recurrence.Expand(rule.Rule(), p.master.interval.StartIn(), p.master.interval.Duration(), window.Start, window.End, maxOccurrences)
	if err != nil {
		return nil, fmt.Errorf("expand series %s: %w", p.master.id, err)
	}
	occs = recurrence.ApplyExceptions(occs, p.exceptions)

	for _, n := range p.chain {
		cont := recurrence.Continuation{
			ForkStart:   n.entry.forkStart,
			AnchorStart: n.entry.interval.StartIn(),
			Duration:    n.entry.interval.Duration(),
		}
		if n.entry.ruleID != uuid.Nil {
			crule, ok := rules[n.entry.ruleID]
			if !ok {
				return nil, fmt.Errorf("recurrence rule %s not found for continuation %s", n.entry.ruleID, n.entry.id)
			}
			r := crule.Rule()
			cont.Rule = &r
		}
		occs, err = recurrence.ApplyContinuations(occs, []recurrence.Continuation{cont}, window.Start, window.End, maxOccurrences)
		if err != nil {
			return nil, fmt.Errorf("expand continuation %s: %w", n.entry.id, err)
		}
		occs = recurrence.ApplyExceptions(occs, n.exceptions)
	}
	return occs, nil
}

// eventSeries adapts the event repository to the series shape.
type eventSeries struct {
	repo domain.CalendarEventRepository
}

func eventEntry(ev *domain.CalendarEvent) seriesEntry {
	return seriesEntry{
		id:            ev.ID(),
		ruleID:        ev.RecurrenceRuleID(),
		interval:      ev.Interval(),
		cancelled:     ev.IsCancelled(),
		parentID:      ev.ParentEventID(),
		recurrenceID:  ev.RecurrenceID(),
		continuesFrom: ev.BulkModificationParentID(),
		forkStart:     ev.ForkStart(),
	}
}

func (s eventSeries) instances(ctx context.Context, tc tenant.Context, parentID uuid.UUID) ([]seriesEntry, error) {
	evs, err := s.repo.FindInstances(ctx, tc, parentID)
	if err != nil {
		return nil, err
	}
	entries := make([]seriesEntry, 0, len(evs))
	for _, ev := range evs {
		entries = append(entries, eventEntry(ev))
	}
	return entries, nil
}

func (s eventSeries) continuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]seriesEntry, error) {
	evs, err := s.repo.FindContinuations(ctx, tc, masterID)
	if err != nil {
		return nil, err
	}
	entries := make([]seriesEntry, 0, len(evs))
	for _, ev := range evs {
		entries = append(entries, eventEntry(ev))
	}
	return entries, nil
}

// blockSeries adapts the blocked-time repository to the series shape.
type blockSeries struct {
	repo domain.BlockedTimeRepository
}

func blockEntry(b *domain.BlockedTime) seriesEntry {
	return seriesEntry{
		id:            b.ID(),
		ruleID:        b.RecurrenceRuleID(),
		interval:      b.Interval(),
		cancelled:     b.IsCancelled(),
		parentID:      b.ParentBlockID(),
		recurrenceID:  b.RecurrenceID(),
		continuesFrom: b.BulkModificationParentID(),
		forkStart:     b.ForkStart(),
	}
}

func (s blockSeries) instances(ctx context.Context, tc tenant.Context, parentID uuid.UUID) ([]seriesEntry, error) {
	blocks, err := s.repo.FindInstances(ctx, tc, parentID)
	if err != nil {
		return nil, err
	}
	entries := make([]seriesEntry, 0, len(blocks))
	for _, b := range blocks {
		entries = append(entries, blockEntry(b))
	}
	return entries, nil
}

func (s blockSeries) continuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]seriesEntry, error) {
	blocks, err := s.repo.FindContinuations(ctx, tc, masterID)
	if err != nil {
		return nil, err
	}
	entries := make([]seriesEntry, 0, len(blocks))
	for _, b := range blocks {
		entries = append(entries, blockEntry(b))
	}
	return entries, nil
}

// availableSeries adapts the available-time repository to the series shape.
type availableSeries struct {
	repo domain.AvailableTimeRepository
}

func availableEntry(a *domain.AvailableTime) seriesEntry {
	return seriesEntry{
		id:            a.ID(),
		ruleID:        a.RecurrenceRuleID(),
		interval:      a.Interval(),
		cancelled:     a.IsCancelled(),
		parentID:      a.ParentWindowID(),
		recurrenceID:  a.RecurrenceID(),
		continuesFrom: a.BulkModificationParentID(),
		forkStart:     a.ForkStart(),
	}
}

func (s availableSeries) instances(ctx context.Context, tc tenant.Context, parentID uuid.UUID) ([]seriesEntry, error) {
	windows, err := s.repo.FindInstances(ctx, tc, parentID)
	if err != nil {
		return nil, err
	}
	entries := make([]seriesEntry, 0, len(windows))
	for _, w := range windows {
		entries = append(entries, availableEntry(w))
	}
	return entries, nil
}

func (s availableSeries) continuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]seriesEntry, error) {
	windows, err := s.repo.FindContinuations(ctx, tc, masterID)
	if err != nil {
		return nil, err
	}
	entries := make([]seriesEntry, 0, len(windows))
	for _, w := range windows {
		entries = append(entries, availableEntry(w))
	}
	return entries, nil
}
