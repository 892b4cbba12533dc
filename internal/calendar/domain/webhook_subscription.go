package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// SubscriptionHandle is the provider's view of a push channel, as returned by
// adapter subscription calls. ExternalCalendarID names the watched calendar;
// providers whose channels cannot be extended in place need it to register a
// replacement on renewal.
type SubscriptionHandle struct {
	ExternalSubscriptionID string
	ExternalResourceID     string
	ExternalCalendarID     string
	ChannelID              string
	VerificationToken      string
	CallbackURL            string
	ExpiresAt              time.Time
}

// WebhookSubscription is a registered provider push channel for one
// calendar. A renewal worker re-registers channels before they lapse, so an
// active subscription always expires in the future.
type WebhookSubscription struct {
	sharedDomain.BaseAggregateRoot
	calendarID             uuid.UUID
	provider               Provider
	externalSubscriptionID string
	externalResourceID     string
	externalCalendarID     string
	callbackURL            string
	channelID              string
	verificationToken      string
	expiresAt              time.Time
	isActive               bool
	lastNotificationAt     *time.Time
}

// NewWebhookSubscription records a freshly registered provider channel.
func NewWebhookSubscription(tc tenant.Context, calendarID uuid.UUID, provider Provider, handle SubscriptionHandle) (*WebhookSubscription, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if calendarID == uuid.Nil {
		return nil, errors.New("calendar id is required")
	}
	if !provider.SupportsSubscriptions() {
		return nil, fmt.Errorf("provider %q: %w", provider, ErrNotSupported)
	}
	if handle.ExternalSubscriptionID == "" {
		return nil, errors.New("external subscription id is required")
	}
	if handle.ExpiresAt.IsZero() {
		return nil, errors.New("subscription expiry is required")
	}

	return &WebhookSubscription{
		BaseAggregateRoot:      sharedDomain.NewBaseAggregateRoot(tc.TenantID()),
		calendarID:             calendarID,
		provider:               provider,
		externalSubscriptionID: handle.ExternalSubscriptionID,
		externalResourceID:     handle.ExternalResourceID,
		externalCalendarID:     handle.ExternalCalendarID,
		callbackURL:            handle.CallbackURL,
		channelID:              handle.ChannelID,
		verificationToken:      handle.VerificationToken,
		expiresAt:              handle.ExpiresAt.UTC(),
		isActive:               true,
	}, nil
}

// RehydrateWebhookSubscription reconstructs a subscription from storage.
func RehydrateWebhookSubscription(
	id, tenantID, calendarID uuid.UUID,
	provider Provider,
	externalSubscriptionID, externalResourceID, externalCalendarID, callbackURL, channelID, verificationToken string,
	expiresAt time.Time,
	isActive bool,
	lastNotificationAt *time.Time,
	version int,
	createdAt, updatedAt time.Time,
) *WebhookSubscription {
	return &WebhookSubscription{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(
			sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt), version),
		calendarID:             calendarID,
		provider:               provider,
		externalSubscriptionID: externalSubscriptionID,
		externalResourceID:     externalResourceID,
		externalCalendarID:     externalCalendarID,
		callbackURL:            callbackURL,
		channelID:              channelID,
		verificationToken:      verificationToken,
		expiresAt:              expiresAt,
		isActive:               isActive,
		lastNotificationAt:     lastNotificationAt,
	}
}

func (s *WebhookSubscription) CalendarID() uuid.UUID           { return s.calendarID }
func (s *WebhookSubscription) Provider() Provider              { return s.provider }
func (s *WebhookSubscription) ExternalSubscriptionID() string  { return s.externalSubscriptionID }
func (s *WebhookSubscription) ExternalResourceID() string      { return s.externalResourceID }
func (s *WebhookSubscription) ExternalCalendarID() string      { return s.externalCalendarID }
func (s *WebhookSubscription) CallbackURL() string             { return s.callbackURL }
func (s *WebhookSubscription) ChannelID() string               { return s.channelID }
func (s *WebhookSubscription) VerificationToken() string       { return s.verificationToken }
func (s *WebhookSubscription) ExpiresAt() time.Time            { return s.expiresAt }
func (s *WebhookSubscription) IsActive() bool                  { return s.isActive }
func (s *WebhookSubscription) LastNotificationAt() *time.Time  { return s.lastNotificationAt }

// Handle returns the provider-facing view used for renew and cancel calls.
func (s *WebhookSubscription) Handle() SubscriptionHandle {
	return SubscriptionHandle{
		ExternalSubscriptionID: s.externalSubscriptionID,
		ExternalResourceID:     s.externalResourceID,
		ExternalCalendarID:     s.externalCalendarID,
		ChannelID:              s.channelID,
		VerificationToken:      s.verificationToken,
		CallbackURL:            s.callbackURL,
		ExpiresAt:              s.expiresAt,
	}
}

// ActiveAt reports whether the channel is live at the given instant.
func (s *WebhookSubscription) ActiveAt(now time.Time) bool {
	return s.isActive && s.expiresAt.After(now)
}

// ExpiresWithin reports whether the channel lapses inside the lead window
// and is due for renewal.
func (s *WebhookSubscription) ExpiresWithin(now time.Time, lead time.Duration) bool {
	return s.isActive && s.expiresAt.Before(now.Add(lead))
}

// Renew swaps in the provider's refreshed channel.
func (s *WebhookSubscription) Renew(handle SubscriptionHandle) error {
	if handle.ExternalSubscriptionID == "" {
		return errors.New("external subscription id is required")
	}
	if !handle.ExpiresAt.After(s.expiresAt) && !handle.ExpiresAt.After(time.Now().UTC()) {
		return fmt.Errorf("renewal expiry %s does not extend the channel", handle.ExpiresAt)
	}
	s.externalSubscriptionID = handle.ExternalSubscriptionID
	if handle.ExternalResourceID != "" {
		s.externalResourceID = handle.ExternalResourceID
	}
	if handle.ExternalCalendarID != "" {
		s.externalCalendarID = handle.ExternalCalendarID
	}
	if handle.ChannelID != "" {
		s.channelID = handle.ChannelID
	}
	if handle.VerificationToken != "" {
		s.verificationToken = handle.VerificationToken
	}
	s.expiresAt = handle.ExpiresAt.UTC()
	s.isActive = true
	s.Touch()
	s.AddDomainEvent(NewSubscriptionRenewed(s))
	return nil
}

// Deactivate retires the channel locally after cancelling it remotely.
func (s *WebhookSubscription) Deactivate() {
	s.isActive = false
	s.Touch()
}

// RecordNotification stamps the last time the provider pushed through this
// channel.
func (s *WebhookSubscription) RecordNotification(now time.Time) {
	now = now.UTC()
	s.lastNotificationAt = &now
	s.Touch()
}
