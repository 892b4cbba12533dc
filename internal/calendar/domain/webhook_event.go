package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// ProcessingStatus tracks what the webhook pipeline did with a notification.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingProcessed ProcessingStatus = "processed"
	ProcessingIgnored   ProcessingStatus = "ignored"
	ProcessingFailed    ProcessingStatus = "failed"
)

// IsValid reports whether the status is known.
func (s ProcessingStatus) IsValid() bool {
	switch s {
	case ProcessingPending, ProcessingProcessed, ProcessingIgnored, ProcessingFailed:
		return true
	}
	return false
}

// WebhookEvent is the durable record of one received provider notification.
// Every notification that passes validation is recorded before any further
// processing, so a pipeline failure never loses the fact that the provider
// called.
type WebhookEvent struct {
	sharedDomain.BaseEntity
	provider           Provider
	eventType          string
	externalCalendarID string
	payload            []byte
	headers            map[string]string
	status             ProcessingStatus
	processedAt        *time.Time
	syncID             uuid.UUID
	errorMessage       string
}

// NewWebhookEvent records a validated notification as pending.
func NewWebhookEvent(tc tenant.Context, provider Provider, eventType string, payload []byte, headers map[string]string) (*WebhookEvent, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if !provider.IsValid() {
		return nil, fmt.Errorf("invalid provider %q", provider)
	}
	if eventType == "" {
		return nil, errors.New("event type is required")
	}
	return &WebhookEvent{
		BaseEntity: sharedDomain.NewBaseEntity(tc.TenantID()),
		provider:   provider,
		eventType:  eventType,
		payload:    payload,
		headers:    headers,
		status:     ProcessingPending,
	}, nil
}

// RehydrateWebhookEvent reconstructs a record from storage.
func RehydrateWebhookEvent(
	id, tenantID uuid.UUID,
	provider Provider,
	eventType, externalCalendarID string,
	payload []byte,
	headers map[string]string,
	status ProcessingStatus,
	processedAt *time.Time,
	syncID uuid.UUID,
	errorMessage string,
	createdAt, updatedAt time.Time,
) *WebhookEvent {
	return &WebhookEvent{
		BaseEntity:         sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt),
		provider:           provider,
		eventType:          eventType,
		externalCalendarID: externalCalendarID,
		payload:            payload,
		headers:            headers,
		status:             status,
		processedAt:        processedAt,
		syncID:             syncID,
		errorMessage:       errorMessage,
	}
}

func (w *WebhookEvent) Provider() Provider          { return w.provider }
func (w *WebhookEvent) EventType() string           { return w.eventType }
func (w *WebhookEvent) ExternalCalendarID() string  { return w.externalCalendarID }
func (w *WebhookEvent) Payload() []byte             { return w.payload }
func (w *WebhookEvent) Headers() map[string]string  { return w.headers }
func (w *WebhookEvent) Status() ProcessingStatus    { return w.status }
func (w *WebhookEvent) ProcessedAt() *time.Time     { return w.processedAt }
func (w *WebhookEvent) SyncID() uuid.UUID           { return w.syncID }
func (w *WebhookEvent) ErrorMessage() string        { return w.errorMessage }

// SetExternalCalendarID records which remote calendar the notification was
// about, once parsing resolved it.
func (w *WebhookEvent) SetExternalCalendarID(externalID string) {
	w.externalCalendarID = externalID
	w.Touch()
}

// MarkProcessed links the notification to the sync run it triggered or
// coalesced into.
func (w *WebhookEvent) MarkProcessed(now time.Time, syncID uuid.UUID) {
	now = now.UTC()
	w.status = ProcessingProcessed
	w.processedAt = &now
	w.syncID = syncID
	w.errorMessage = ""
	w.Touch()
}

// MarkIgnored finishes a notification that needed no sync, such as a
// provider's handshake ping.
func (w *WebhookEvent) MarkIgnored(now time.Time) {
	now = now.UTC()
	w.status = ProcessingIgnored
	w.processedAt = &now
	w.Touch()
}

// MarkFailed records why processing gave up; the provider still receives a
// success response so it does not hammer retries.
func (w *WebhookEvent) MarkFailed(now time.Time, message string) {
	now = now.UTC()
	w.status = ProcessingFailed
	w.processedAt = &now
	w.errorMessage = message
	w.Touch()
}
