// Package virtual serves the internal provider, whose calendars exist only
// in local persistence. There is no remote party: listings come back empty
// because there is nothing to reconcile, and mutations validate their input
// and echo a record so callers can drive every provider through the same
// contract. The factory resolves this adapter for ProviderInternal, and the
// guard passes it through unwrapped.
package virtual

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

// Adapter implements the provider contract for internal calendars.
type Adapter struct{}

// New creates the internal adapter. It holds no credentials and no state.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Provider() domain.Provider { return domain.ProviderInternal }

// ListCalendars streams nothing: internal calendars are created through the
// application, never discovered from an account.
func (a *Adapter) ListCalendars(ctx context.Context) (domain.CalendarStream, error) {
	return domain.NewStaticCalendarStream(nil), nil
}

// CreateCalendar mints a provider-scoped id for the calendar and echoes the
// descriptor. Persistence, not the adapter, is where the calendar will live.
func (a *Adapter) CreateCalendar(ctx context.Context, name string) (domain.CalendarDescriptor, error) {
	if name == "" {
		return domain.CalendarDescriptor{}, a.malformed("create calendar", fmt.Errorf("calendar name is required"))
	}
	return domain.CalendarDescriptor{
		ExternalID: uuid.NewString(),
		Name:       name,
	}, nil
}

// GetEvent always misses. Reads against internal calendars go to the
// repositories; the adapter has nothing to answer from.
func (a *Adapter) GetEvent(ctx context.Context, calendarExternalID, eventExternalID string) (domain.EventRecord, error) {
	return domain.EventRecord{}, domain.NewProviderError(domain.ProviderInternal, domain.ErrNotFound,
		"internal events are read from persistence", nil)
}

// CreateEvent validates the input and echoes it back under a freshly minted
// external id.
func (a *Adapter) CreateEvent(ctx context.Context, calendarExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	if err := validateInput(input); err != nil {
		return domain.EventRecord{}, a.malformed("create event", err)
	}
	return echo(uuid.NewString(), input), nil
}

// UpdateEvent validates the input and echoes it back under the id it was
// addressed with. Existence is not checked; persistence holds the truth.
func (a *Adapter) UpdateEvent(ctx context.Context, calendarExternalID, eventExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	if eventExternalID == "" {
		return domain.EventRecord{}, a.malformed("update event", fmt.Errorf("event external id is required"))
	}
	if err := validateInput(input); err != nil {
		return domain.EventRecord{}, a.malformed("update event", err)
	}
	return echo(eventExternalID, input), nil
}

// DeleteEvent succeeds unconditionally. There is no remote copy to remove,
// and repeating the call must stay harmless.
func (a *Adapter) DeleteEvent(ctx context.Context, calendarExternalID, eventExternalID string) error {
	return nil
}

// ListEvents yields an empty stream with no sync token. A stray incoming
// token is ignored rather than rejected: this adapter never issues one, so
// failing with ErrSyncTokenExpired would only send the caller into a full
// sync against the same empty stream.
func (a *Adapter) ListEvents(ctx context.Context, calendarExternalID string, window domain.TimeWindow, syncToken string) (domain.EventStream, error) {
	return domain.NewStaticEventStream(nil, ""), nil
}

// ListResources returns nothing. Internal rooms are resource calendars in
// persistence, not entries in a provider directory.
func (a *Adapter) ListResources(ctx context.Context) ([]domain.ResourceDescriptor, error) {
	return nil, nil
}

func (a *Adapter) GetResource(ctx context.Context, externalID string) (domain.ResourceDescriptor, error) {
	return domain.ResourceDescriptor{}, domain.NewProviderError(domain.ProviderInternal, domain.ErrNotFound,
		"internal resources are read from persistence", nil)
}

func (a *Adapter) AvailableResources(ctx context.Context, window domain.TimeWindow) ([]domain.ResourceDescriptor, error) {
	return nil, nil
}

// CreateSubscription is refused: every internal change is made locally and
// is already visible, so there is nothing to be notified about.
func (a *Adapter) CreateSubscription(ctx context.Context, calendarExternalID, callbackURL string, ttl time.Duration) (domain.SubscriptionHandle, error) {
	return domain.SubscriptionHandle{}, a.notSupported("push subscriptions")
}

func (a *Adapter) RenewSubscription(ctx context.Context, handle domain.SubscriptionHandle, ttl time.Duration) (domain.SubscriptionHandle, error) {
	return domain.SubscriptionHandle{}, a.notSupported("push subscriptions")
}

func (a *Adapter) CancelSubscription(ctx context.Context, handle domain.SubscriptionHandle) error {
	return a.notSupported("push subscriptions")
}

func (a *Adapter) ParseWebhook(header http.Header, body []byte) (domain.Notification, error) {
	return domain.Notification{}, a.notSupported("webhooks")
}

// validateInput applies the same rules booking an internal event would:
// a title, a well-formed interval, and a bounded rule when one is given.
func validateInput(input domain.EventInput) error {
	if input.Title == "" {
		return fmt.Errorf("event title is required")
	}
	if _, err := domain.NewTimeInterval(input.Start, input.End, input.Timezone); err != nil {
		return err
	}
	if input.Rule != nil {
		if err := input.Rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// echo mirrors the input as the record a provider would have returned.
func echo(externalID string, input domain.EventInput) domain.EventRecord {
	timezone := input.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	return domain.EventRecord{
		ExternalID:  externalID,
		Title:       input.Title,
		Description: input.Description,
		Start:       input.Start.UTC(),
		End:         input.End.UTC(),
		Timezone:    timezone,
		AllDay:      input.AllDay,
		Status:      domain.EventStatusConfirmed,
		Recurrence:  input.Rule,
		Attendees:   input.Attendees,
		Meta:        input.Meta,
	}
}

func (a *Adapter) malformed(op string, cause error) error {
	return domain.NewProviderError(domain.ProviderInternal, domain.ErrMalformed, op+" rejected", cause)
}

func (a *Adapter) notSupported(capability string) error {
	return domain.NewProviderError(domain.ProviderInternal, domain.ErrNotSupported,
		capability+" are not available on internal calendars", nil)
}
