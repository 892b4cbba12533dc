package guard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/tenant"
	"github.com/slotwise/calsync/pkg/observability"
)

// guardedAdapter runs every provider operation through the guard. Webhook
// parsing is pure computation and passes straight through.
type guardedAdapter struct {
	inner   domain.Adapter
	guard   *Guard
	account uuid.UUID
}

func (a *guardedAdapter) Provider() domain.Provider { return a.inner.Provider() }

// call runs fn under the full guard: token, breaker, per-call deadline.
func (a *guardedAdapter) call(ctx context.Context, cl class, op string, fn func(context.Context) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.guard.config.CallTimeout)
	defer cancel()
	return a.run(callCtx, ctx, cl, op, fn)
}

// callStream guards stream construction but leaves the deadline off: the
// pages drawn through the stream afterwards belong to the caller's budget,
// not to a single round-trip.
func (a *guardedAdapter) callStream(ctx context.Context, cl class, op string, fn func(context.Context) (any, error)) (any, error) {
	return a.run(ctx, ctx, cl, op, fn)
}

// run acquires a token, then executes fn inside the account's breaker.
// parent distinguishes a blown call budget from a caller that gave up.
func (a *guardedAdapter) run(callCtx, parent context.Context, cl class, op string, fn func(context.Context) (any, error)) (any, error) {
	provider := a.inner.Provider()
	g := a.guard

	providerTag := observability.T("provider", provider.String())
	opTag := observability.T("operation", op)

	if err := g.acquire(parent, provider, a.account, cl); err != nil {
		g.metrics.Counter(observability.MetricProviderErrors, 1, providerTag, opTag)
		return nil, err
	}

	g.metrics.Counter(observability.MetricProviderCalls, 1, providerTag, opTag)
	start := time.Now()

	breaker := g.breakerFor(provider, a.account)
	result, err := breaker.Execute(func() (any, error) {
		return fn(callCtx)
	})

	g.metrics.Timing(observability.MetricOperationDuration, time.Since(start), providerTag, opTag)

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.logger.Warn("provider call refused, circuit open",
			"provider", provider.String(),
			"account", a.account.String(),
			"operation", op,
		)
		g.metrics.Counter(observability.MetricProviderErrors, 1, providerTag, opTag)
		return nil, domain.NewProviderError(provider, domain.ErrProviderUnavailable, op+" refused while the breaker is open", err)
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		g.metrics.Counter(observability.MetricProviderErrors, 1, providerTag, opTag)
		return nil, domain.NewProviderError(provider, domain.ErrTimeout, op+" exceeded the call budget", err)
	default:
		g.metrics.Counter(observability.MetricProviderErrors, 1, providerTag, opTag)
		return nil, err
	}
}

func (a *guardedAdapter) ListCalendars(ctx context.Context) (domain.CalendarStream, error) {
	result, err := a.callStream(ctx, classRead, "list_calendars", func(ctx context.Context) (any, error) {
		return a.inner.ListCalendars(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(domain.CalendarStream), nil
}

func (a *guardedAdapter) CreateCalendar(ctx context.Context, name string) (domain.CalendarDescriptor, error) {
	result, err := a.call(ctx, classWrite, "create_calendar", func(ctx context.Context) (any, error) {
		return a.inner.CreateCalendar(ctx, name)
	})
	if err != nil {
		return domain.CalendarDescriptor{}, err
	}
	return result.(domain.CalendarDescriptor), nil
}

func (a *guardedAdapter) GetEvent(ctx context.Context, calendarExternalID, eventExternalID string) (domain.EventRecord, error) {
	result, err := a.call(ctx, classRead, "get_event", func(ctx context.Context) (any, error) {
		return a.inner.GetEvent(ctx, calendarExternalID, eventExternalID)
	})
	if err != nil {
		return domain.EventRecord{}, err
	}
	return result.(domain.EventRecord), nil
}

func (a *guardedAdapter) CreateEvent(ctx context.Context, calendarExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	result, err := a.call(ctx, classWrite, "create_event", func(ctx context.Context) (any, error) {
		return a.inner.CreateEvent(ctx, calendarExternalID, input)
	})
	if err != nil {
		return domain.EventRecord{}, err
	}
	return result.(domain.EventRecord), nil
}

func (a *guardedAdapter) UpdateEvent(ctx context.Context, calendarExternalID, eventExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	result, err := a.call(ctx, classWrite, "update_event", func(ctx context.Context) (any, error) {
		return a.inner.UpdateEvent(ctx, calendarExternalID, eventExternalID, input)
	})
	if err != nil {
		return domain.EventRecord{}, err
	}
	return result.(domain.EventRecord), nil
}

func (a *guardedAdapter) DeleteEvent(ctx context.Context, calendarExternalID, eventExternalID string) error {
	_, err := a.call(ctx, classWrite, "delete_event", func(ctx context.Context) (any, error) {
		return nil, a.inner.DeleteEvent(ctx, calendarExternalID, eventExternalID)
	})
	return err
}

func (a *guardedAdapter) ListEvents(ctx context.Context, calendarExternalID string, window domain.TimeWindow, syncToken string) (domain.EventStream, error) {
	result, err := a.callStream(ctx, classRead, "list_events", func(ctx context.Context) (any, error) {
		return a.inner.ListEvents(ctx, calendarExternalID, window, syncToken)
	})
	if err != nil {
		return nil, err
	}
	return result.(domain.EventStream), nil
}

func (a *guardedAdapter) ListResources(ctx context.Context) ([]domain.ResourceDescriptor, error) {
	result, err := a.call(ctx, classRead, "list_resources", func(ctx context.Context) (any, error) {
		return a.inner.ListResources(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.ResourceDescriptor), nil
}

func (a *guardedAdapter) GetResource(ctx context.Context, externalID string) (domain.ResourceDescriptor, error) {
	result, err := a.call(ctx, classRead, "get_resource", func(ctx context.Context) (any, error) {
		return a.inner.GetResource(ctx, externalID)
	})
	if err != nil {
		return domain.ResourceDescriptor{}, err
	}
	return result.(domain.ResourceDescriptor), nil
}

func (a *guardedAdapter) AvailableResources(ctx context.Context, window domain.TimeWindow) ([]domain.ResourceDescriptor, error) {
	result, err := a.call(ctx, classRead, "available_resources", func(ctx context.Context) (any, error) {
		return a.inner.AvailableResources(ctx, window)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.ResourceDescriptor), nil
}

func (a *guardedAdapter) CreateSubscription(ctx context.Context, calendarExternalID, callbackURL string, ttl time.Duration) (domain.SubscriptionHandle, error) {
	result, err := a.call(ctx, classWrite, "create_subscription", func(ctx context.Context) (any, error) {
		return a.inner.CreateSubscription(ctx, calendarExternalID, callbackURL, ttl)
	})
	if err != nil {
		return domain.SubscriptionHandle{}, err
	}
	return result.(domain.SubscriptionHandle), nil
}

func (a *guardedAdapter) RenewSubscription(ctx context.Context, handle domain.SubscriptionHandle, ttl time.Duration) (domain.SubscriptionHandle, error) {
	result, err := a.call(ctx, classWrite, "renew_subscription", func(ctx context.Context) (any, error) {
		return a.inner.RenewSubscription(ctx, handle, ttl)
	})
	if err != nil {
		return domain.SubscriptionHandle{}, err
	}
	return result.(domain.SubscriptionHandle), nil
}

func (a *guardedAdapter) CancelSubscription(ctx context.Context, handle domain.SubscriptionHandle) error {
	_, err := a.call(ctx, classWrite, "cancel_subscription", func(ctx context.Context) (any, error) {
		return nil, a.inner.CancelSubscription(ctx, handle)
	})
	return err
}

func (a *guardedAdapter) ParseWebhook(header http.Header, body []byte) (domain.Notification, error) {
	return a.inner.ParseWebhook(header, body)
}

// Factory decorates an AdapterFactory so every resolved adapter comes back
// guarded, keyed by the tenant that owns the provider account.
type Factory struct {
	inner domain.AdapterFactory
	guard *Guard
}

// NewFactory creates a guarding adapter factory.
func NewFactory(inner domain.AdapterFactory, guard *Guard) *Factory {
	return &Factory{inner: inner, guard: guard}
}

func (f *Factory) AdapterFor(ctx context.Context, tc tenant.Context, provider domain.Provider) (domain.Adapter, error) {
	adapter, err := f.inner.AdapterFor(ctx, tc, provider)
	if err != nil {
		return nil, err
	}
	return f.guard.Wrap(adapter, tc.TenantID()), nil
}
