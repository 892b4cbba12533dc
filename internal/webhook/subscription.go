package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/clock"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	"github.com/slotwise/calsync/internal/tenant"
)

// SubscriptionManagerConfig configures channel establishment.
type SubscriptionManagerConfig struct {
	// CallbackBaseURL is the externally reachable root providers call back
	// into, e.g. "https://hooks.example.com".
	CallbackBaseURL string

	// SubscriptionTTL is the lifetime requested for new channels.
	SubscriptionTTL time.Duration
}

// DefaultSubscriptionManagerConfig returns the default configuration. The
// callback base URL has no sane default and must be set per deployment.
func DefaultSubscriptionManagerConfig() SubscriptionManagerConfig {
	return SubscriptionManagerConfig{
		SubscriptionTTL: 7 * 24 * time.Hour,
	}
}

// SubscriptionManager establishes and retires provider push channels. A
// calendar holds at most one active subscription per provider; establishing
// a replacement deactivates the channel it supersedes.
type SubscriptionManager struct {
	subs      domain.WebhookSubscriptionRepository
	adapters  domain.AdapterFactory
	publisher eventbus.Publisher
	config    SubscriptionManagerConfig
	clk       clock.Clock
	logger    *slog.Logger
}

// NewSubscriptionManager creates a subscription manager.
func NewSubscriptionManager(
	subs domain.WebhookSubscriptionRepository,
	adapters domain.AdapterFactory,
	publisher eventbus.Publisher,
	config SubscriptionManagerConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *SubscriptionManager {
	if config.SubscriptionTTL <= 0 {
		config.SubscriptionTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		subs:      subs,
		adapters:  adapters,
		publisher: publisher,
		config:    config,
		clk:       clk,
		logger:    logger,
	}
}

// EnsureSubscription gives the calendar a live push channel: a still-active
// existing one is reused, anything else is replaced by a freshly registered
// channel.
func (m *SubscriptionManager) EnsureSubscription(ctx context.Context, tc tenant.Context, cal *domain.Calendar) (*domain.WebhookSubscription, error) {
	provider := cal.Provider()
	if !provider.SupportsSubscriptions() {
		return nil, domain.NewProviderError(provider, domain.ErrNotSupported, "push subscriptions", nil)
	}
	if cal.ExternalID() == "" {
		return nil, fmt.Errorf("calendar %s is not linked to a provider calendar", cal.ID())
	}
	if err := tc.Check("calendar", cal.TenantID()); err != nil {
		return nil, err
	}

	existing, err := m.subs.FindActiveByCalendar(ctx, tc, cal.ID(), provider)
	if err != nil {
		return nil, fmt.Errorf("subscription lookup: %w", err)
	}
	if existing != nil && existing.ActiveAt(m.clk.Now()) {
		return existing, nil
	}

	adapter, err := m.adapters.AdapterFor(ctx, tc, provider)
	if err != nil {
		return nil, err
	}

	handle, err := adapter.CreateSubscription(ctx, cal.ExternalID(), m.callbackURL(provider, tc.TenantID()), m.config.SubscriptionTTL)
	if err != nil {
		return nil, fmt.Errorf("create %s subscription: %w", provider, err)
	}

	sub, err := domain.NewWebhookSubscription(tc, cal.ID(), provider, handle)
	if err != nil {
		return nil, err
	}
	if err := m.subs.Save(ctx, tc, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	// Retire whatever the new channel replaces, remotely then locally.
	if existing != nil {
		if err := adapter.CancelSubscription(ctx, existing.Handle()); err != nil && !errors.Is(err, domain.ErrNotFound) {
			m.logger.Warn("replaced subscription not cancelled remotely",
				"subscription_id", existing.ID(), "error", err)
		}
		existing.Deactivate()
		if err := m.subs.Save(ctx, tc, existing); err != nil {
			m.logger.Warn("replaced subscription not deactivated",
				"subscription_id", existing.ID(), "error", err)
		}
	}

	m.logger.Info("webhook subscription established",
		"subscription_id", sub.ID(),
		"calendar_id", cal.ID(),
		"provider", provider,
		"expires_at", sub.ExpiresAt(),
	)
	return sub, nil
}

// CancelSubscription retires a channel remotely and locally. A channel the
// provider already dropped still deactivates.
func (m *SubscriptionManager) CancelSubscription(ctx context.Context, tc tenant.Context, sub *domain.WebhookSubscription) error {
	if err := tc.Check("subscription", sub.TenantID()); err != nil {
		return err
	}
	adapter, err := m.adapters.AdapterFor(ctx, tc, sub.Provider())
	if err != nil {
		return err
	}
	if err := adapter.CancelSubscription(ctx, sub.Handle()); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("cancel %s subscription: %w", sub.Provider(), err)
	}
	sub.Deactivate()
	if err := m.subs.Save(ctx, tc, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	m.logger.Info("webhook subscription cancelled",
		"subscription_id", sub.ID(), "calendar_id", sub.CalendarID())
	return nil
}

// RenewSubscription extends one channel's lease with its provider. A channel
// the provider no longer knows is retired locally; re-linking the calendar
// registers a fresh one. Renewing an already-renewed or retired channel is a
// no-op, so repeated requests for the same subscription collapse.
func (m *SubscriptionManager) RenewSubscription(ctx context.Context, tc tenant.Context, subscriptionID uuid.UUID) error {
	sub, err := m.subs.FindByID(ctx, tc, subscriptionID)
	if err != nil {
		return fmt.Errorf("subscription lookup: %w", err)
	}
	if sub == nil {
		return fmt.Errorf("subscription %s not found", subscriptionID)
	}
	if !sub.IsActive() {
		m.logger.Info("subscription already retired, skipping renewal",
			"subscription_id", sub.ID())
		return nil
	}

	adapter, err := m.adapters.AdapterFor(ctx, tc, sub.Provider())
	if err != nil {
		return err
	}

	handle, err := adapter.RenewSubscription(ctx, sub.Handle(), m.config.SubscriptionTTL)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			sub.Deactivate()
			if saveErr := m.subs.Save(ctx, tc, sub); saveErr != nil {
				return fmt.Errorf("deactivate vanished subscription: %w", saveErr)
			}
			m.logger.Warn("subscription vanished remotely, deactivated",
				"subscription_id", sub.ID(), "calendar_id", sub.CalendarID())
			return nil
		}
		return fmt.Errorf("renew %s subscription: %w", sub.Provider(), err)
	}

	if err := sub.Renew(handle); err != nil {
		return fmt.Errorf("renewal handle rejected: %w", err)
	}
	if err := m.subs.Save(ctx, tc, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	publishDomainEvents(ctx, m.publisher, m.logger, sub)

	m.logger.Info("webhook subscription renewed",
		"subscription_id", sub.ID(),
		"calendar_id", sub.CalendarID(),
		"expires_at", sub.ExpiresAt(),
	)
	return nil
}

// callbackURL builds the per-tenant callback endpoint for a provider, the
// same path the webhook server routes.
func (m *SubscriptionManager) callbackURL(provider domain.Provider, tenantID uuid.UUID) string {
	base := strings.TrimRight(m.config.CallbackBaseURL, "/")
	return base + "/webhooks/" + provider.String() + "-calendar/" + tenantID.String() + "/"
}
