package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// BlockedTime is an opaque busy span on a calendar. Provider events that are
// not recurring masters or instances of known masters land here during sync;
// users can also block time by hand. Blocks share the full recurrence,
// exception and continuation structure of events.
type BlockedTime struct {
	sharedDomain.BaseEntity
	calendarID               uuid.UUID
	reason                   string
	interval                 TimeInterval
	allDay                   bool
	externalID               string
	cancelled                bool
	recurrenceRuleID         uuid.UUID
	parentBlockID            uuid.UUID
	recurrenceID             *time.Time
	isRecurringException     bool
	bulkModificationParentID uuid.UUID
	meta                     map[string]string
}

// NewBlockedTime blocks a span by hand.
func NewBlockedTime(tc tenant.Context, calendarID uuid.UUID, reason string, interval TimeInterval) (*BlockedTime, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if calendarID == uuid.Nil {
		return nil, errors.New("calendar id is required")
	}
	if interval.IsZero() {
		return nil, errors.New("blocked interval is required")
	}
	return &BlockedTime{
		BaseEntity: sharedDomain.NewBaseEntity(tc.TenantID()),
		calendarID: calendarID,
		reason:     reason,
		interval:   interval,
	}, nil
}

// NewProviderBlockedTime stages busy time mirrored from a provider stream.
func NewProviderBlockedTime(tc tenant.Context, calendarID uuid.UUID, reason string, interval TimeInterval, externalID string) (*BlockedTime, error) {
	if externalID == "" {
		return nil, errors.New("external id is required for provider blocks")
	}
	block, err := NewBlockedTime(tc, calendarID, reason, interval)
	if err != nil {
		return nil, err
	}
	block.externalID = externalID
	block.setMeta(MetaKeyOrigin, MetaOriginProvider)
	return block, nil
}

// RehydrateBlockedTime reconstructs a block from storage.
func RehydrateBlockedTime(
	id, tenantID, calendarID uuid.UUID,
	reason string,
	interval TimeInterval,
	allDay bool,
	externalID string,
	cancelled bool,
	recurrenceRuleID, parentBlockID uuid.UUID,
	recurrenceID *time.Time,
	isRecurringException bool,
	bulkModificationParentID uuid.UUID,
	meta map[string]string,
	createdAt, updatedAt time.Time,
) *BlockedTime {
	return &BlockedTime{
		BaseEntity:               sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt),
		calendarID:               calendarID,
		reason:                   reason,
		interval:                 interval,
		allDay:                   allDay,
		externalID:               externalID,
		cancelled:                cancelled,
		recurrenceRuleID:         recurrenceRuleID,
		parentBlockID:            parentBlockID,
		recurrenceID:             recurrenceID,
		isRecurringException:     isRecurringException,
		bulkModificationParentID: bulkModificationParentID,
		meta:                     meta,
	}
}

func (b *BlockedTime) CalendarID() uuid.UUID       { return b.calendarID }
func (b *BlockedTime) Reason() string              { return b.reason }
func (b *BlockedTime) Interval() TimeInterval      { return b.interval }
func (b *BlockedTime) AllDay() bool                { return b.allDay }
func (b *BlockedTime) ExternalID() string          { return b.externalID }
func (b *BlockedTime) IsCancelled() bool           { return b.cancelled }
func (b *BlockedTime) RecurrenceRuleID() uuid.UUID { return b.recurrenceRuleID }
func (b *BlockedTime) ParentBlockID() uuid.UUID    { return b.parentBlockID }
func (b *BlockedTime) RecurrenceID() *time.Time    { return b.recurrenceID }
func (b *BlockedTime) IsRecurringException() bool  { return b.isRecurringException }

func (b *BlockedTime) BulkModificationParentID() uuid.UUID { return b.bulkModificationParentID }

// IsRecurringMaster reports whether this block owns a recurrence rule.
func (b *BlockedTime) IsRecurringMaster() bool {
	return b.recurrenceRuleID != uuid.Nil && b.parentBlockID == uuid.Nil
}

// IsProviderOwned reports whether the provider holds the source of truth.
func (b *BlockedTime) IsProviderOwned() bool {
	return b.meta[MetaKeyOrigin] == MetaOriginProvider
}

// SetReason updates the human-readable reason.
func (b *BlockedTime) SetReason(reason string) {
	b.reason = reason
	b.Touch()
}

// SetAllDay marks the block as an all-day entry.
func (b *BlockedTime) SetAllDay(allDay bool) {
	b.allDay = allDay
	b.Touch()
}

// Reschedule moves the block to a new interval.
func (b *BlockedTime) Reschedule(interval TimeInterval) error {
	if interval.IsZero() {
		return errors.New("blocked interval is required")
	}
	b.interval = interval
	b.Touch()
	return nil
}

// AttachRule turns the block into a recurring master.
func (b *BlockedTime) AttachRule(ruleID uuid.UUID) error {
	if ruleID == uuid.Nil {
		return errors.New("rule id is required")
	}
	if b.parentBlockID != uuid.Nil {
		return errors.New("an instance cannot carry its own rule")
	}
	b.recurrenceRuleID = ruleID
	b.Touch()
	return nil
}

// AsInstance links the block to its recurring master block.
func (b *BlockedTime) AsInstance(parentBlockID uuid.UUID, originalStart time.Time, exception bool) error {
	if parentBlockID == uuid.Nil {
		return errors.New("parent block id is required")
	}
	if parentBlockID == b.ID() {
		return errors.New("a block cannot be its own parent")
	}
	start := originalStart.UTC()
	b.parentBlockID = parentBlockID
	b.recurrenceID = &start
	b.isRecurringException = exception
	b.Touch()
	return nil
}

// Cancel tombstones the block. A cancelled instance of a recurring block
// suppresses its occurrence during expansion; deleting the row instead would
// let expansion regenerate it.
func (b *BlockedTime) Cancel() {
	b.cancelled = true
	b.Touch()
}

// ContinueFrom marks the block as the tail rewrite of master. forkStart is
// the original start of the first occurrence the rewrite replaces.
func (b *BlockedTime) ContinueFrom(masterID uuid.UUID, forkStart time.Time) error {
	if masterID == uuid.Nil {
		return errors.New("master block id is required")
	}
	if masterID == b.ID() {
		return errors.New("a block cannot continue itself")
	}
	if forkStart.IsZero() {
		return errors.New("fork start is required")
	}
	fork := forkStart.UTC()
	b.bulkModificationParentID = masterID
	b.recurrenceID = &fork
	b.Touch()
	return nil
}

// ForkStart returns the original occurrence start a continuation forks from,
// falling back to the block's own start.
func (b *BlockedTime) ForkStart() time.Time {
	if b.bulkModificationParentID != uuid.Nil && b.recurrenceID != nil {
		return *b.recurrenceID
	}
	return b.interval.Start()
}

// SetRecurrenceID records which occurrence of a yet-unseen master this block
// stands in for. Used alongside SetPendingParent.
func (b *BlockedTime) SetRecurrenceID(originalStart time.Time) {
	start := originalStart.UTC()
	b.recurrenceID = &start
	b.Touch()
}

// SetPendingParent remembers the external id of a master that has not been
// seen locally yet.
func (b *BlockedTime) SetPendingParent(externalID string) {
	b.setMeta(MetaKeyPendingParent, externalID)
	b.Touch()
}

// PendingParent returns the awaited master's external id.
func (b *BlockedTime) PendingParent() (string, bool) {
	v, ok := b.meta[MetaKeyPendingParent]
	return v, ok
}

// ClearPendingParent drops the pending marker after relinking.
func (b *BlockedTime) ClearPendingParent() {
	delete(b.meta, MetaKeyPendingParent)
	b.Touch()
}

// Meta returns a copy of the free-form metadata.
func (b *BlockedTime) Meta() map[string]string {
	if len(b.meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(b.meta))
	for k, v := range b.meta {
		out[k] = v
	}
	return out
}

// SetMeta sets a metadata key.
func (b *BlockedTime) SetMeta(key, value string) {
	b.setMeta(key, value)
	b.Touch()
}

func (b *BlockedTime) setMeta(key, value string) {
	if b.meta == nil {
		b.meta = make(map[string]string)
	}
	b.meta[key] = value
}
