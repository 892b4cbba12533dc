package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/clock"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	"github.com/slotwise/calsync/internal/tenant"
)

// DefaultRenewalInterval is the default pause between renewal cycles.
const DefaultRenewalInterval = time.Hour

// RenewalWorkerConfig configures the subscription renewal worker.
type RenewalWorkerConfig struct {
	Interval time.Duration

	// Lead is how far before expiry a channel is renewed.
	Lead time.Duration

	// SubscriptionTTL is the lifetime requested for renewed channels.
	SubscriptionTTL time.Duration

	BatchSize int
}

// DefaultRenewalWorkerConfig returns the default configuration.
func DefaultRenewalWorkerConfig() RenewalWorkerConfig {
	return RenewalWorkerConfig{
		Interval:        DefaultRenewalInterval,
		Lead:            24 * time.Hour,
		SubscriptionTTL: 7 * 24 * time.Hour,
		BatchSize:       100,
	}
}

// RenewalWorker re-registers provider push channels before they lapse, so
// linked calendars keep receiving notifications without anyone re-linking
// them. Channels the provider no longer knows are deactivated locally.
type RenewalWorker struct {
	subs      domain.WebhookSubscriptionRepository
	adapters  domain.AdapterFactory
	publisher eventbus.Publisher
	config    RenewalWorkerConfig
	clk       clock.Clock
	logger    *slog.Logger
	running   atomic.Bool
	stopCh    chan struct{}
}

// NewRenewalWorker creates a subscription renewal worker.
func NewRenewalWorker(
	subs domain.WebhookSubscriptionRepository,
	adapters domain.AdapterFactory,
	publisher eventbus.Publisher,
	config RenewalWorkerConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *RenewalWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenewalWorker{
		subs:      subs,
		adapters:  adapters,
		publisher: publisher,
		config:    config,
		clk:       clk,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Run starts the worker and blocks until context is cancelled or Stop() is
// called.
func (w *RenewalWorker) Run(ctx context.Context) error {
	w.running.Store(true)
	w.logger.Info("subscription renewal worker started",
		"interval", w.config.Interval,
		"lead", w.config.Lead,
	)

	// Renew immediately on start
	w.runRenewalCycle(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.running.Store(false)
			w.logger.Info("subscription renewal worker stopped (context cancelled)")
			return ctx.Err()
		case <-w.stopCh:
			w.running.Store(false)
			w.logger.Info("subscription renewal worker stopped (stop signal)")
			return nil
		case <-ticker.C:
			w.runRenewalCycle(ctx)
		}
	}
}

// Stop signals the worker to stop gracefully.
func (w *RenewalWorker) Stop() {
	if w.running.Load() {
		close(w.stopCh)
	}
}

// IsRunning returns true if the worker is currently running.
func (w *RenewalWorker) IsRunning() bool {
	return w.running.Load()
}

func (w *RenewalWorker) runRenewalCycle(ctx context.Context) {
	w.logger.Debug("starting renewal cycle")

	due, err := w.subs.FindExpiringAll(ctx, w.clk.Now().Add(w.config.Lead), w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to find expiring subscriptions", "error", err)
		return
	}

	if len(due) == 0 {
		w.logger.Debug("no subscriptions due for renewal")
		return
	}

	w.logger.Debug("found subscriptions due for renewal", "count", len(due))

	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return
		}
		w.renew(ctx, sub)
	}
}

func (w *RenewalWorker) renew(ctx context.Context, sub *domain.WebhookSubscription) {
	tc, err := tenant.NewContext(sub.TenantID())
	if err != nil {
		w.logger.Error("subscription has no tenant",
			"subscription_id", sub.ID(), "error", err)
		return
	}

	adapter, err := w.adapters.AdapterFor(ctx, tc, sub.Provider())
	if err != nil {
		w.logger.Error("failed to resolve adapter",
			"subscription_id", sub.ID(),
			"provider", sub.Provider(),
			"error", err,
		)
		return
	}

	handle, err := adapter.RenewSubscription(ctx, sub.Handle(), w.config.SubscriptionTTL)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The provider no longer knows the channel. Retire it
			// locally; re-linking the calendar registers a fresh one.
			sub.Deactivate()
			if serr := w.subs.Save(ctx, tc, sub); serr != nil {
				w.logger.Error("failed to deactivate vanished subscription",
					"subscription_id", sub.ID(), "error", serr)
				return
			}
			w.logger.Warn("subscription vanished remotely, deactivated",
				"subscription_id", sub.ID(),
				"calendar_id", sub.CalendarID(),
				"provider", sub.Provider(),
			)
			return
		}
		// Kept active; next cycle retries until expiry passes.
		w.logger.Error("failed to renew subscription",
			"subscription_id", sub.ID(),
			"calendar_id", sub.CalendarID(),
			"provider", sub.Provider(),
			"error", err,
		)
		return
	}

	if err := sub.Renew(handle); err != nil {
		w.logger.Error("renewal handle rejected",
			"subscription_id", sub.ID(), "error", err)
		return
	}
	if err := w.subs.Save(ctx, tc, sub); err != nil {
		w.logger.Error("failed to save renewed subscription",
			"subscription_id", sub.ID(), "error", err)
		return
	}

	publishDomainEvents(ctx, w.publisher, w.logger, sub)

	w.logger.Info("webhook subscription renewed",
		"subscription_id", sub.ID(),
		"calendar_id", sub.CalendarID(),
		"provider", sub.Provider(),
		"expires_at", sub.ExpiresAt(),
	)
}
