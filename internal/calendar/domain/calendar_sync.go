package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// SyncStatus is the lifecycle state of one sync run.
type SyncStatus string

const (
	SyncNotStarted SyncStatus = "not_started"
	SyncInProgress SyncStatus = "in_progress"
	SyncSuccess    SyncStatus = "success"
	SyncFailed     SyncStatus = "failed"
)

// IsValid reports whether the status is known.
func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncNotStarted, SyncInProgress, SyncSuccess, SyncFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the run has finished for good.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncSuccess
}

// CalendarSync is one reconciliation run against a provider calendar. The
// row doubles as the durable job record: the scheduler enqueues not_started
// runs, workers move them to in_progress and finish them. The version guard
// on save keeps two workers from starting the same run.
//
// Allowed transitions: not_started -> in_progress -> success | failed, and
// failed -> in_progress when a retry picks the run back up.
type CalendarSync struct {
	sharedDomain.BaseAggregateRoot
	calendarID         uuid.UUID
	window             TimeWindow
	status             SyncStatus
	nextSyncToken      string
	errorMessage       string
	shouldUpdateEvents bool
	startedAt          *time.Time
	completedAt        *time.Time
}

// NewCalendarSync schedules a reconciliation run over the given window.
// shouldUpdateEvents controls whether provider changes may rewrite
// CalendarEvent rows, or only blocked time.
func NewCalendarSync(tc tenant.Context, calendarID uuid.UUID, window TimeWindow, shouldUpdateEvents bool) (*CalendarSync, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if calendarID == uuid.Nil {
		return nil, errors.New("calendar id is required")
	}
	if window.IsZero() || !window.End.After(window.Start) {
		return nil, errors.New("sync window is required")
	}

	sync := &CalendarSync{
		BaseAggregateRoot:  sharedDomain.NewBaseAggregateRoot(tc.TenantID()),
		calendarID:         calendarID,
		window:             window,
		status:             SyncNotStarted,
		shouldUpdateEvents: shouldUpdateEvents,
	}
	sync.AddDomainEvent(NewSyncScheduled(sync))
	return sync, nil
}

// RehydrateCalendarSync reconstructs a run from storage.
func RehydrateCalendarSync(
	id, tenantID, calendarID uuid.UUID,
	window TimeWindow,
	status SyncStatus,
	nextSyncToken, errorMessage string,
	shouldUpdateEvents bool,
	startedAt, completedAt *time.Time,
	version int,
	createdAt, updatedAt time.Time,
) *CalendarSync {
	return &CalendarSync{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(
			sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt), version),
		calendarID:         calendarID,
		window:             window,
		status:             status,
		nextSyncToken:      nextSyncToken,
		errorMessage:       errorMessage,
		shouldUpdateEvents: shouldUpdateEvents,
		startedAt:          startedAt,
		completedAt:        completedAt,
	}
}

func (s *CalendarSync) CalendarID() uuid.UUID   { return s.calendarID }
func (s *CalendarSync) Window() TimeWindow      { return s.window }
func (s *CalendarSync) Status() SyncStatus      { return s.status }
func (s *CalendarSync) NextSyncToken() string   { return s.nextSyncToken }
func (s *CalendarSync) ErrorMessage() string    { return s.errorMessage }
func (s *CalendarSync) ShouldUpdateEvents() bool { return s.shouldUpdateEvents }
func (s *CalendarSync) StartedAt() *time.Time   { return s.startedAt }
func (s *CalendarSync) CompletedAt() *time.Time { return s.completedAt }

// CanStart reports whether a worker may pick this run up.
func (s *CalendarSync) CanStart() bool {
	return s.status == SyncNotStarted || s.status == SyncFailed
}

// Start moves the run to in_progress. Starting a run another worker holds
// fails with ErrSyncInProgress; finished runs cannot restart.
func (s *CalendarSync) Start(now time.Time) error {
	switch s.status {
	case SyncInProgress:
		return fmt.Errorf("sync %s: %w", s.ID(), ErrSyncInProgress)
	case SyncSuccess:
		return fmt.Errorf("sync %s already completed", s.ID())
	}
	now = now.UTC()
	s.status = SyncInProgress
	s.startedAt = &now
	s.errorMessage = ""
	s.Touch()
	return nil
}

// Complete finishes the run and records the provider's next incremental
// cursor, when it handed one out.
func (s *CalendarSync) Complete(now time.Time, nextSyncToken string) error {
	if s.status != SyncInProgress {
		return fmt.Errorf("sync %s is %s, not in progress", s.ID(), s.status)
	}
	now = now.UTC()
	s.status = SyncSuccess
	s.nextSyncToken = nextSyncToken
	s.completedAt = &now
	s.errorMessage = ""
	s.Touch()
	s.AddDomainEvent(NewSyncCompleted(s))
	return nil
}

// Fail finishes the run with an error. Failed runs may be retried.
func (s *CalendarSync) Fail(now time.Time, message string) error {
	if s.status != SyncInProgress {
		return fmt.Errorf("sync %s is %s, not in progress", s.ID(), s.status)
	}
	now = now.UTC()
	s.status = SyncFailed
	s.errorMessage = message
	s.completedAt = &now
	s.Touch()
	s.AddDomainEvent(NewSyncRunFailed(s))
	return nil
}
