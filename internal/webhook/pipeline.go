// Package webhook ingests calendar push notifications. Every notification
// that passes validation is recorded as a WebhookEvent before anything else
// happens, then coalesced onto a calendar sync run so a burst of pushes for
// the same calendar schedules one reconciliation, not many.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/clock"
	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	"github.com/slotwise/calsync/internal/shared/infrastructure/keyval"
	"github.com/slotwise/calsync/internal/sync"
	"github.com/slotwise/calsync/internal/tenant"
)

// ErrValidation marks notifications rejected before anything was recorded.
// The HTTP layer answers these with 400 so the provider stops retrying them.
var ErrValidation = errors.New("webhook validation failed")

// ErrNotRecorded marks the one failure the HTTP layer answers with 500: the
// notification could not be persisted, so the provider must redeliver.
var ErrNotRecorded = errors.New("webhook event not recorded")

const (
	// DefaultCoalesceWindow bounds how recent a completed sync must be to
	// absorb a notification without scheduling a new run.
	DefaultCoalesceWindow = 5 * time.Minute

	// Default reconciliation span for notification-triggered runs.
	DefaultSyncWindowBack  = 24 * time.Hour
	DefaultSyncWindowAhead = 30 * 24 * time.Hour
)

// Google delivers its push envelope in headers; the body is empty.
const (
	headerGoogleChannelID     = "X-Goog-Channel-ID"
	headerGoogleResourceID    = "X-Goog-Resource-ID"
	headerGoogleResourceState = "X-Goog-Resource-State"
)

// resourceStateSync is Google's channel-established ping. It announces no
// change, so it is recorded and ignored.
const resourceStateSync = "sync"

// PipelineConfig tunes coalescing and the span of scheduled runs.
type PipelineConfig struct {
	CoalesceWindow  time.Duration
	SyncWindowBack  time.Duration
	SyncWindowAhead time.Duration
}

// DefaultPipelineConfig returns the production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		CoalesceWindow:  DefaultCoalesceWindow,
		SyncWindowBack:  DefaultSyncWindowBack,
		SyncWindowAhead: DefaultSyncWindowAhead,
	}
}

// Pipeline turns raw provider notifications into recorded WebhookEvents and
// scheduled sync runs.
type Pipeline struct {
	calendars domain.CalendarRepository
	syncs     domain.CalendarSyncRepository
	subs      domain.WebhookSubscriptionRepository
	events    domain.WebhookEventRepository
	adapters  domain.AdapterFactory
	store     keyval.Store
	publisher eventbus.Publisher
	config    PipelineConfig
	clk       clock.Clock
	logger    *slog.Logger
}

// NewPipeline wires a webhook pipeline. publisher may be nil when nothing
// listens for sync events, logger defaults to slog.Default().
func NewPipeline(
	calendars domain.CalendarRepository,
	syncs domain.CalendarSyncRepository,
	subs domain.WebhookSubscriptionRepository,
	events domain.WebhookEventRepository,
	adapters domain.AdapterFactory,
	store keyval.Store,
	publisher eventbus.Publisher,
	config PipelineConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *Pipeline {
	if config.CoalesceWindow <= 0 {
		config.CoalesceWindow = DefaultCoalesceWindow
	}
	if config.SyncWindowBack <= 0 {
		config.SyncWindowBack = DefaultSyncWindowBack
	}
	if config.SyncWindowAhead <= 0 {
		config.SyncWindowAhead = DefaultSyncWindowAhead
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		calendars: calendars,
		syncs:     syncs,
		subs:      subs,
		events:    events,
		adapters:  adapters,
		store:     store,
		publisher: publisher,
		config:    config,
		clk:       clk,
		logger:    logger,
	}
}

// Process runs one notification through the pipeline: validate, record,
// resolve the calendar, then coalesce onto a recent sync run or schedule a
// new one over [now-SyncWindowBack, now+SyncWindowAhead].
//
// Failures after the notification is recorded mark the WebhookEvent failed
// and return (event, nil): the provider gets a success response and does not
// redeliver what we already hold. Only ErrValidation and ErrNotRecorded
// surface as errors.
func (p *Pipeline) Process(ctx context.Context, tc tenant.Context, provider domain.Provider, header http.Header, body []byte) (*domain.WebhookEvent, error) {
	if provider == domain.ProviderGoogle {
		if err := validateGoogleEnvelope(header); err != nil {
			return nil, err
		}
	}

	adapter, adapterErr := p.adapters.AdapterFor(ctx, tc, provider)

	var parsed domain.Notification
	var parseErr error
	if adapterErr == nil {
		parsed, parseErr = adapter.ParseWebhook(header, body)
	}

	// Microsoft notifications are only accepted for subscriptions we hold,
	// carrying the client state the subscription was registered with. An
	// unparseable body or an unknown subscription id is a bad request, not
	// something worth recording.
	var sub *domain.WebhookSubscription
	if provider == domain.ProviderMicrosoft && adapterErr == nil {
		if parseErr != nil {
			return nil, fmt.Errorf("parse notification: %v: %w", parseErr, ErrValidation)
		}
		var err error
		sub, err = p.subs.FindByExternalSubscriptionID(ctx, tc, parsed.SubscriptionID)
		if err != nil {
			p.logger.Warn("webhook subscription lookup failed",
				"subscription_id", parsed.SubscriptionID, "error", err)
		} else if sub == nil {
			return nil, fmt.Errorf("subscription %q is not registered: %w", parsed.SubscriptionID, ErrValidation)
		} else if token := sub.Handle().VerificationToken; token != "" && parsed.ChannelID != "" && parsed.ChannelID != token {
			return nil, fmt.Errorf("subscription %q client state mismatch: %w", parsed.SubscriptionID, ErrValidation)
		}
	}

	eventType := "unknown"
	if adapterErr == nil && parseErr == nil {
		eventType = notificationEventType(parsed)
	}

	we, err := p.record(ctx, tc, provider, eventType, body, header, parsed.ExternalCalendarID)
	if err != nil {
		return nil, err
	}

	now := p.clk.Now()
	switch {
	case adapterErr != nil:
		p.fail(ctx, tc, we, fmt.Sprintf("resolve %s adapter: %v", provider, adapterErr))
		return we, nil
	case parseErr != nil:
		p.fail(ctx, tc, we, fmt.Sprintf("parse notification: %v", parseErr))
		return we, nil
	case parsed.IsChallenge() || parsed.ResourceState == resourceStateSync:
		we.MarkIgnored(now)
		p.save(ctx, tc, we)
		return we, nil
	}

	sub = p.touchSubscription(ctx, tc, sub, parsed, now)

	cal, err := p.resolveCalendar(ctx, tc, provider, parsed, sub)
	if err != nil {
		p.fail(ctx, tc, we, err.Error())
		return we, nil
	}

	if err := p.coalesce(ctx, tc, we, cal, now); err != nil {
		p.fail(ctx, tc, we, err.Error())
	}
	return we, nil
}

// record persists the notification before any further processing, so a later
// failure never loses the fact that the provider called.
func (p *Pipeline) record(ctx context.Context, tc tenant.Context, provider domain.Provider, eventType string, body []byte, header http.Header, externalCalendarID string) (*domain.WebhookEvent, error) {
	we, err := domain.NewWebhookEvent(tc, provider, eventType, body, flattenHeader(header))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRecorded, err)
	}
	if externalCalendarID != "" {
		we.SetExternalCalendarID(externalCalendarID)
	}
	if err := p.events.Save(ctx, tc, we); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRecorded, err)
	}
	return we, nil
}

// touchSubscription stamps the notification time on the matching channel.
// Best effort: a miss here never blocks the sync itself.
func (p *Pipeline) touchSubscription(ctx context.Context, tc tenant.Context, sub *domain.WebhookSubscription, parsed domain.Notification, now time.Time) *domain.WebhookSubscription {
	if sub == nil && parsed.ChannelID != "" {
		found, err := p.subs.FindByChannelID(ctx, tc, parsed.ChannelID)
		if err != nil {
			p.logger.Warn("webhook subscription lookup failed",
				"channel_id", parsed.ChannelID, "error", err)
		} else {
			sub = found
		}
	}
	if sub == nil {
		return nil
	}
	sub.RecordNotification(now)
	if err := p.subs.Save(ctx, tc, sub); err != nil {
		p.logger.Warn("webhook subscription not updated",
			"subscription_id", sub.ID(), "error", err)
	}
	return sub
}

// resolveCalendar pins the notification to exactly one linked calendar,
// first by the remote calendar id, then through the subscription it arrived
// on. A notification that cannot be pinned is refused, never routed to a
// default calendar.
func (p *Pipeline) resolveCalendar(ctx context.Context, tc tenant.Context, provider domain.Provider, parsed domain.Notification, sub *domain.WebhookSubscription) (*domain.Calendar, error) {
	if parsed.ExternalCalendarID != "" {
		cal, err := p.calendars.FindByExternalID(ctx, tc, provider, parsed.ExternalCalendarID)
		if err != nil {
			return nil, fmt.Errorf("calendar lookup: %v", err)
		}
		if cal != nil {
			return cal, nil
		}
	}
	if sub != nil {
		cal, err := p.calendars.FindByID(ctx, tc, sub.CalendarID())
		if err != nil {
			return nil, fmt.Errorf("calendar lookup: %v", err)
		}
		if cal != nil {
			return cal, nil
		}
	}
	return nil, fmt.Errorf("no linked %s calendar for notification (external id %q)", provider, parsed.ExternalCalendarID)
}

// coalesce links the notification to a sync run: one scheduled moments ago
// by a sibling notification (cache fast path), one that completed within the
// coalesce window, or a freshly scheduled run.
func (p *Pipeline) coalesce(ctx context.Context, tc tenant.Context, we *domain.WebhookEvent, cal *domain.Calendar, now time.Time) error {
	key := coalesceKey(cal.ID())
	if raw, err := p.store.Get(ctx, key); err == nil {
		if syncID, perr := uuid.Parse(string(raw)); perr == nil {
			return p.finish(ctx, tc, we, syncID, now)
		}
	} else if !errors.Is(err, keyval.ErrKeyNotFound) {
		p.logger.Warn("webhook coalesce cache unavailable", "error", err)
	}

	prev, err := p.syncs.FindLatestSuccessful(ctx, tc, cal.ID())
	if err != nil {
		return fmt.Errorf("recent sync lookup: %v", err)
	}
	if prev != nil && prev.CompletedAt() != nil && now.Sub(*prev.CompletedAt()) <= p.config.CoalesceWindow {
		return p.finish(ctx, tc, we, prev.ID(), now)
	}

	window, err := domain.NewTimeWindow(now.Add(-p.config.SyncWindowBack), now.Add(p.config.SyncWindowAhead))
	if err != nil {
		return fmt.Errorf("sync window: %v", err)
	}
	run, err := domain.NewCalendarSync(tc, cal.ID(), window, true)
	if err != nil {
		return fmt.Errorf("schedule sync: %v", err)
	}
	if err := p.syncs.Save(ctx, tc, run); err != nil {
		return fmt.Errorf("schedule sync: %v", err)
	}

	if err := p.store.Set(ctx, key, []byte(run.ID().String()), p.config.CoalesceWindow); err != nil {
		p.logger.Warn("webhook coalesce cache unavailable", "error", err)
	}

	publishDomainEvents(ctx, p.publisher, p.logger, run)
	p.dispatch(ctx, run)

	p.logger.Info("webhook scheduled calendar sync",
		"calendar_id", cal.ID(), "sync_id", run.ID(), "provider", we.Provider())
	return p.finish(ctx, tc, we, run.ID(), now)
}

func (p *Pipeline) finish(ctx context.Context, tc tenant.Context, we *domain.WebhookEvent, syncID uuid.UUID, now time.Time) error {
	we.MarkProcessed(now, syncID)
	return p.save(ctx, tc, we)
}

func (p *Pipeline) save(ctx context.Context, tc tenant.Context, we *domain.WebhookEvent) error {
	if err := p.events.Save(ctx, tc, we); err != nil {
		return fmt.Errorf("update webhook event: %v", err)
	}
	return nil
}

// fail records why processing stopped. The notification itself is already
// persisted, so the provider still receives a success response.
func (p *Pipeline) fail(ctx context.Context, tc tenant.Context, we *domain.WebhookEvent, message string) {
	we.MarkFailed(p.clk.Now(), message)
	if err := p.events.Save(ctx, tc, we); err != nil {
		p.logger.Error("webhook event not updated",
			"webhook_event_id", we.ID(), "error", err)
	}
	p.logger.Warn("webhook notification not processed",
		"webhook_event_id", we.ID(), "reason", message)
}

// dispatch requests immediate pickup of the scheduled run. Losing the
// message is tolerable: the scheduler sweep re-dispatches pending runs.
func (p *Pipeline) dispatch(ctx context.Context, run *domain.CalendarSync) {
	if p.publisher == nil {
		return
	}
	req := sync.SyncRequested{
		SyncID:     run.ID(),
		TenantID:   run.TenantID(),
		CalendarID: run.CalendarID(),
	}
	if err := eventbus.PublishJob(ctx, p.publisher, sync.RoutingSyncRequested, domain.AggregateCalendarSync, run.ID(), run.TenantID(), req); err != nil {
		p.logger.Warn("sync request not published", "sync_id", run.ID(), "error", err)
	}
}

type eventCarrier interface {
	DomainEvents() []sharedDomain.DomainEvent
	ClearDomainEvents()
}

// publishDomainEvents drains an aggregate's domain events to the bus, best
// effort: the state change already committed, so a publish failure is logged
// rather than unwound.
func publishDomainEvents(ctx context.Context, publisher eventbus.Publisher, logger *slog.Logger, agg eventCarrier) {
	if publisher == nil {
		agg.ClearDomainEvents()
		return
	}
	for _, ev := range agg.DomainEvents() {
		if err := eventbus.PublishDomainEvent(ctx, publisher, ev); err != nil {
			logger.Warn("domain event not published",
				"routing_key", ev.RoutingKey(), "error", err)
		}
	}
	agg.ClearDomainEvents()
}

// validateGoogleEnvelope checks the headers Google attaches to every push.
// Requests without them did not come from a watch channel.
func validateGoogleEnvelope(header http.Header) error {
	for _, name := range []string{headerGoogleChannelID, headerGoogleResourceID, headerGoogleResourceState} {
		if header.Get(name) == "" {
			return fmt.Errorf("missing %s header: %w", name, ErrValidation)
		}
	}
	return nil
}

func notificationEventType(parsed domain.Notification) string {
	if parsed.EventType != "" {
		return parsed.EventType
	}
	if parsed.ResourceState != "" {
		return parsed.ResourceState
	}
	return "notification"
}

func flattenHeader(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	flat := make(map[string]string, len(header))
	for name := range header {
		flat[name] = header.Get(name)
	}
	return flat
}

func coalesceKey(calendarID uuid.UUID) string {
	return "webhook:coalesce:" + calendarID.String()
}
