// Package google adapts Google Calendar to the provider contract using the
// official calendar/v3 client. Incremental sync rides the API's sync tokens;
// push notifications use watch channels, which Google cannot extend in
// place, so renewal registers a replacement channel and stops the old one.
package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

const (
	// eventPageSize is the Events.List page size, the API maximum.
	eventPageSize = 250

	// resourceSuffix marks room and equipment calendars in a Workspace
	// directory.
	resourceSuffix = "@resource.calendar.google.com"
)

// Adapter implements the provider contract for one connected Google account.
type Adapter struct {
	source  oauth2.TokenSource
	logger  *slog.Logger
	baseURL string
}

// New creates an adapter over the account's token source.
func New(source oauth2.TokenSource, logger *slog.Logger) *Adapter {
	return NewWithBaseURL(source, logger, "")
}

// NewWithBaseURL creates an adapter talking to a custom endpoint instead of
// googleapis.com. Tests point it at a local fake.
func NewWithBaseURL(source oauth2.TokenSource, logger *slog.Logger, baseURL string) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{source: source, logger: logger, baseURL: baseURL}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderGoogle }

func (a *Adapter) service(ctx context.Context) (*calendar.Service, error) {
	if a.source == nil {
		return nil, domain.NewProviderError(domain.ProviderGoogle, domain.ErrInvalidCredentials,
			"no token source configured", nil)
	}
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, a.source))}
	if a.baseURL != "" {
		opts = append(opts, option.WithEndpoint(a.baseURL))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("build calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars streams the account's calendar list, resource calendars
// included.
func (a *Adapter) ListCalendars(ctx context.Context) (domain.CalendarStream, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}
	return &calendarStream{svc: svc}, nil
}

// CreateCalendar makes a new secondary calendar on the account.
func (a *Adapter) CreateCalendar(ctx context.Context, name string) (domain.CalendarDescriptor, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return domain.CalendarDescriptor{}, err
	}
	created, err := svc.Calendars.Insert(&calendar.Calendar{Summary: name}).Context(ctx).Do()
	if err != nil {
		return domain.CalendarDescriptor{}, translate("create calendar", err)
	}
	return domain.CalendarDescriptor{
		ExternalID: created.Id,
		Name:       created.Summary,
		Timezone:   created.TimeZone,
	}, nil
}

func (a *Adapter) GetEvent(ctx context.Context, calendarExternalID, eventExternalID string) (domain.EventRecord, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return domain.EventRecord{}, err
	}
	item, err := svc.Events.Get(calendarExternalID, eventExternalID).Context(ctx).Do()
	if err != nil {
		return domain.EventRecord{}, translate("get event", err)
	}
	return toRecord(item)
}

func (a *Adapter) CreateEvent(ctx context.Context, calendarExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return domain.EventRecord{}, err
	}
	ev, err := fromInput(input)
	if err != nil {
		return domain.EventRecord{}, err
	}
	created, err := svc.Events.Insert(calendarExternalID, ev).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		return domain.EventRecord{}, translate("create event", err)
	}
	return toRecord(created)
}

func (a *Adapter) UpdateEvent(ctx context.Context, calendarExternalID, eventExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return domain.EventRecord{}, err
	}
	ev, err := fromInput(input)
	if err != nil {
		return domain.EventRecord{}, err
	}
	updated, err := svc.Events.Update(calendarExternalID, eventExternalID, ev).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		return domain.EventRecord{}, translate("update event", err)
	}
	return toRecord(updated)
}

// DeleteEvent removes the remote event. Google answers 410 for events it
// already cancelled, which callers expect as NotFound so deletes stay
// idempotent.
func (a *Adapter) DeleteEvent(ctx context.Context, calendarExternalID, eventExternalID string) error {
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarExternalID, eventExternalID).Context(ctx).Do(); err != nil {
		if statusOf(err) == http.StatusGone {
			return domain.NewProviderError(domain.ProviderGoogle, domain.ErrNotFound,
				"event already deleted remotely", err)
		}
		return translate("delete event", err)
	}
	return nil
}

// ListEvents streams events in the window, or changes since syncToken when
// one is given. Incremental mode includes deletions as cancelled records;
// the window is ignored because the token remembers the original bounds.
func (a *Adapter) ListEvents(ctx context.Context, calendarExternalID string, window domain.TimeWindow, syncToken string) (domain.EventStream, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}
	return &eventStream{
		svc:        svc,
		calendarID: calendarExternalID,
		window:     window,
		syncToken:  syncToken,
		logger:     a.logger,
	}, nil
}

// ListResources returns the Workspace resource calendars the account can
// see. Capacity is not part of the calendar list and stays zero.
func (a *Adapter) ListResources(ctx context.Context) ([]domain.ResourceDescriptor, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}
	var resources []domain.ResourceDescriptor
	pageToken := ""
	for {
		call := svc.CalendarList.List().MaxResults(eventPageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, translate("list resources", err)
		}
		for _, entry := range page.Items {
			if !strings.HasSuffix(entry.Id, resourceSuffix) {
				continue
			}
			resources = append(resources, resourceFromEntry(entry))
		}
		if page.NextPageToken == "" {
			return resources, nil
		}
		pageToken = page.NextPageToken
	}
}

func (a *Adapter) GetResource(ctx context.Context, externalID string) (domain.ResourceDescriptor, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return domain.ResourceDescriptor{}, err
	}
	entry, err := svc.CalendarList.Get(externalID).Context(ctx).Do()
	if err != nil {
		return domain.ResourceDescriptor{}, translate("get resource", err)
	}
	if !strings.HasSuffix(entry.Id, resourceSuffix) {
		return domain.ResourceDescriptor{}, domain.NewProviderError(domain.ProviderGoogle, domain.ErrNotFound,
			fmt.Sprintf("%s is not a resource calendar", externalID), nil)
	}
	return resourceFromEntry(entry), nil
}

// AvailableResources free-busy probes every visible resource calendar and
// returns the ones with no busy time inside the window. Resources the
// free-busy query cannot answer for are treated as busy.
func (a *Adapter) AvailableResources(ctx context.Context, window domain.TimeWindow) ([]domain.ResourceDescriptor, error) {
	resources, err := a.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, nil
	}

	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}
	req := &calendar.FreeBusyRequest{
		TimeMin: window.Start.Format(time.RFC3339),
		TimeMax: window.End.Format(time.RFC3339),
	}
	for _, r := range resources {
		req.Items = append(req.Items, &calendar.FreeBusyRequestItem{Id: r.ExternalID})
	}
	resp, err := svc.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return nil, translate("free busy query", err)
	}

	var free []domain.ResourceDescriptor
	for _, r := range resources {
		cal, ok := resp.Calendars[r.ExternalID]
		if !ok || len(cal.Errors) > 0 {
			a.logger.Warn("free busy probe failed for resource, treating as busy",
				"resource", r.ExternalID)
			continue
		}
		if busyInWindow(cal.Busy, window) {
			continue
		}
		free = append(free, r)
	}
	return free, nil
}

// CreateSubscription registers a watch channel delivering change pings for
// the calendar to callbackURL. Google decides the final expiry; the returned
// handle carries what it granted.
func (a *Adapter) CreateSubscription(ctx context.Context, calendarExternalID, callbackURL string, ttl time.Duration) (domain.SubscriptionHandle, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return domain.SubscriptionHandle{}, err
	}
	return a.watch(ctx, svc, calendarExternalID, callbackURL, uuid.NewString(), ttl)
}

// RenewSubscription replaces the channel: Google watch channels cannot be
// extended, so a fresh one is registered and the old one stopped
// best-effort. The verification token carries over so queued notifications
// from the old channel still validate.
func (a *Adapter) RenewSubscription(ctx context.Context, handle domain.SubscriptionHandle, ttl time.Duration) (domain.SubscriptionHandle, error) {
	if handle.ExternalCalendarID == "" {
		// Without the watched calendar no replacement can be registered.
		// NotFound retires the subscription; re-linking the calendar
		// registers a fresh channel.
		return domain.SubscriptionHandle{}, domain.NewProviderError(domain.ProviderGoogle, domain.ErrNotFound,
			"handle does not name its calendar, channel must be re-registered", nil)
	}
	svc, err := a.service(ctx)
	if err != nil {
		return domain.SubscriptionHandle{}, err
	}

	renewed, err := a.watchWithToken(ctx, svc, handle.ExternalCalendarID, handle.CallbackURL,
		uuid.NewString(), handle.VerificationToken, ttl)
	if err != nil {
		return domain.SubscriptionHandle{}, err
	}

	if err := a.stop(ctx, svc, handle); err != nil {
		a.logger.Warn("failed to stop replaced watch channel",
			"channel_id", handle.ChannelID, "error", err)
	}
	return renewed, nil
}

// CancelSubscription stops the watch channel. A channel Google no longer
// knows comes back as NotFound.
func (a *Adapter) CancelSubscription(ctx context.Context, handle domain.SubscriptionHandle) error {
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}
	return a.stop(ctx, svc, handle)
}

func (a *Adapter) watch(ctx context.Context, svc *calendar.Service, calendarExternalID, callbackURL, channelID string, ttl time.Duration) (domain.SubscriptionHandle, error) {
	return a.watchWithToken(ctx, svc, calendarExternalID, callbackURL, channelID, uuid.NewString(), ttl)
}

func (a *Adapter) watchWithToken(ctx context.Context, svc *calendar.Service, calendarExternalID, callbackURL, channelID, verificationToken string, ttl time.Duration) (domain.SubscriptionHandle, error) {
	requested := time.Now().UTC().Add(ttl)
	channel := &calendar.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    callbackURL,
		Token:      verificationToken,
		Expiration: requested.UnixMilli(),
	}
	created, err := svc.Events.Watch(calendarExternalID, channel).Context(ctx).Do()
	if err != nil {
		return domain.SubscriptionHandle{}, translate("watch calendar", err)
	}

	// Google may grant less than asked; its answer is authoritative.
	expiresAt := requested
	if created.Expiration > 0 {
		expiresAt = time.UnixMilli(created.Expiration).UTC()
	}
	return domain.SubscriptionHandle{
		ExternalSubscriptionID: created.Id,
		ExternalResourceID:     created.ResourceId,
		ExternalCalendarID:     calendarExternalID,
		ChannelID:              created.Id,
		VerificationToken:      verificationToken,
		CallbackURL:            callbackURL,
		ExpiresAt:              expiresAt,
	}, nil
}

func (a *Adapter) stop(ctx context.Context, svc *calendar.Service, handle domain.SubscriptionHandle) error {
	channel := &calendar.Channel{
		Id:         handle.ChannelID,
		ResourceId: handle.ExternalResourceID,
	}
	if err := svc.Channels.Stop(channel).Context(ctx).Do(); err != nil {
		return translate("stop channel", err)
	}
	return nil
}
