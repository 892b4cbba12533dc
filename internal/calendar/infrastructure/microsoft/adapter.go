// Package microsoft adapts Microsoft 365 calendars to the provider contract
// over the Graph REST API. Change tracking rides calendarView delta queries;
// the delta link returned on exhaustion is the sync token. Unlike Google,
// Graph subscriptions renew in place with a PATCH.
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Microsoft OAuth2 endpoints.
const (
	AuthURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	TokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

// DefaultScopes are the Graph scopes a connected account must grant.
var DefaultScopes = []string{
	"https://graph.microsoft.com/Calendars.ReadWrite",
	"https://graph.microsoft.com/Place.Read.All",
	"offline_access",
}

const (
	// pageSize is requested through odata.maxpagesize on paged reads.
	pageSize = 50

	// maxSubscriptionTTL is Graph's ceiling for calendar event
	// subscriptions (4230 minutes). Longer requests are rejected outright,
	// so the adapter clamps before asking.
	maxSubscriptionTTL = 4230 * time.Minute

	// preferUTC makes Graph hand event times back in UTC.
	preferUTC = `outlook.timezone="UTC"`
)

// Adapter implements the provider contract for one connected Microsoft
// account.
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
// graph.microsoft.com. Tests point it at a local fake.
func NewWithBaseURL(source oauth2.TokenSource, logger *slog.Logger, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{source: source, logger: logger, baseURL: baseURL}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderMicrosoft }

func (a *Adapter) httpClient() (*http.Client, error) {
	if a.source == nil {
		return nil, domain.NewProviderError(domain.ProviderMicrosoft, domain.ErrInvalidCredentials,
			"no token source configured", nil)
	}
	return &http.Client{
		Timeout: 15 * time.Second,
		Transport: &oauthTransport{
			base:   http.DefaultTransport,
			source: a.source,
		},
	}, nil
}

// call performs one Graph request. payload is JSON-encoded when non-nil, the
// response decoded into out when non-nil. Status codes outside 2xx come back
// as translated provider errors.
func (a *Adapter) call(ctx context.Context, op, method, rawURL string, prefer []string, payload, out any) error {
	client, err := a.httpClient()
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, p := range prefer {
		req.Header.Add("Prefer", p)
	}

	resp, err := client.Do(req)
	if err != nil {
		return translate(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return translateStatus(op, resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.NewProviderError(domain.ProviderMicrosoft, domain.ErrMalformed,
				fmt.Sprintf("%s answered with an undecodable body", op), err)
		}
	}
	return nil
}

// ListCalendars streams the account's calendars.
func (a *Adapter) ListCalendars(ctx context.Context) (domain.CalendarStream, error) {
	if _, err := a.httpClient(); err != nil {
		return nil, err
	}
	return &calendarStream{
		adapter: a,
		nextURL: fmt.Sprintf("%s/me/calendars?$top=%d", a.baseURL, pageSize),
	}, nil
}

// CreateCalendar makes a new calendar on the account.
func (a *Adapter) CreateCalendar(ctx context.Context, name string) (domain.CalendarDescriptor, error) {
	var created msCalendar
	err := a.call(ctx, "create calendar", http.MethodPost,
		a.baseURL+"/me/calendars", nil, map[string]string{"name": name}, &created)
	if err != nil {
		return domain.CalendarDescriptor{}, err
	}
	return descriptorFromCalendar(created), nil
}

func (a *Adapter) GetEvent(ctx context.Context, calendarExternalID, eventExternalID string) (domain.EventRecord, error) {
	var item msEvent
	err := a.call(ctx, "get event", http.MethodGet,
		a.eventURL(calendarExternalID, eventExternalID), []string{preferUTC}, nil, &item)
	if err != nil {
		return domain.EventRecord{}, err
	}
	return toRecord(item)
}

func (a *Adapter) CreateEvent(ctx context.Context, calendarExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	payload, err := fromInput(input)
	if err != nil {
		return domain.EventRecord{}, err
	}
	var created msEvent
	err = a.call(ctx, "create event", http.MethodPost,
		a.eventsURL(calendarExternalID), []string{preferUTC}, payload, &created)
	if err != nil {
		return domain.EventRecord{}, err
	}
	return toRecord(created)
}

// UpdateEvent patches the remote event. Graph merges the fields sent, so the
// full provider shape is sent every time.
func (a *Adapter) UpdateEvent(ctx context.Context, calendarExternalID, eventExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	payload, err := fromInput(input)
	if err != nil {
		return domain.EventRecord{}, err
	}
	var updated msEvent
	err = a.call(ctx, "update event", http.MethodPatch,
		a.eventURL(calendarExternalID, eventExternalID), []string{preferUTC}, payload, &updated)
	if err != nil {
		return domain.EventRecord{}, err
	}
	return toRecord(updated)
}

func (a *Adapter) DeleteEvent(ctx context.Context, calendarExternalID, eventExternalID string) error {
	return a.call(ctx, "delete event", http.MethodDelete,
		a.eventURL(calendarExternalID, eventExternalID), nil, nil, nil)
}

// ListEvents streams the calendar view in the window, or changes since
// syncToken when one is given. The token is the delta link Graph handed back
// on the previous walk; the window is ignored then, the link remembers it.
// Series masters referenced by streamed occurrences are fetched once each and
// emitted ahead of their instances.
func (a *Adapter) ListEvents(ctx context.Context, calendarExternalID string, window domain.TimeWindow, syncToken string) (domain.EventStream, error) {
	if _, err := a.httpClient(); err != nil {
		return nil, err
	}
	next := syncToken
	if next == "" {
		params := url.Values{}
		params.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
		params.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
		next = fmt.Sprintf("%s/calendarView/delta?%s", a.calendarURL(calendarExternalID), params.Encode())
	}
	return &eventStream{
		adapter:    a,
		calendarID: calendarExternalID,
		nextURL:    next,
		masters:    make(map[string]struct{}),
		logger:     a.logger,
	}, nil
}

// ListResources returns the organization's bookable rooms.
func (a *Adapter) ListResources(ctx context.Context) ([]domain.ResourceDescriptor, error) {
	var resources []domain.ResourceDescriptor
	next := fmt.Sprintf("%s/places/microsoft.graph.room?$top=%d", a.baseURL, pageSize)
	for next != "" {
		var page placePage
		if err := a.call(ctx, "list resources", http.MethodGet, next, nil, nil, &page); err != nil {
			return nil, err
		}
		for _, place := range page.Value {
			if place.EmailAddress == "" {
				continue
			}
			resources = append(resources, resourceFromPlace(place))
		}
		next = page.NextLink
	}
	return resources, nil
}

func (a *Adapter) GetResource(ctx context.Context, externalID string) (domain.ResourceDescriptor, error) {
	var place msPlace
	err := a.call(ctx, "get resource", http.MethodGet,
		fmt.Sprintf("%s/places/%s", a.baseURL, url.PathEscape(externalID)), nil, nil, &place)
	if err != nil {
		return domain.ResourceDescriptor{}, err
	}
	if place.EmailAddress == "" {
		return domain.ResourceDescriptor{}, domain.NewProviderError(domain.ProviderMicrosoft, domain.ErrNotFound,
			fmt.Sprintf("%s is not a bookable room", externalID), nil)
	}
	return resourceFromPlace(place), nil
}

// AvailableResources asks getSchedule for every room's availability view over
// the window and keeps the rooms showing only free slots. Rooms the schedule
// query cannot answer for are treated as busy.
func (a *Adapter) AvailableResources(ctx context.Context, window domain.TimeWindow) ([]domain.ResourceDescriptor, error) {
	resources, err := a.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, nil
	}

	req := scheduleRequest{
		StartTime:                msDateTime{DateTime: window.Start.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		EndTime:                  msDateTime{DateTime: window.End.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		AvailabilityViewInterval: 30,
	}
	for _, r := range resources {
		req.Schedules = append(req.Schedules, r.ExternalID)
	}

	var page schedulePage
	err = a.call(ctx, "schedule query", http.MethodPost,
		a.baseURL+"/me/calendar/getSchedule", nil, req, &page)
	if err != nil {
		return nil, err
	}

	views := make(map[string]msSchedule, len(page.Value))
	for _, s := range page.Value {
		views[s.ScheduleID] = s
	}

	var free []domain.ResourceDescriptor
	for _, r := range resources {
		view, ok := views[r.ExternalID]
		if !ok || view.Error != nil {
			a.logger.Warn("schedule probe failed for resource, treating as busy",
				"resource", r.ExternalID)
			continue
		}
		if !viewIsFree(view.AvailabilityView) {
			continue
		}
		free = append(free, r)
	}
	return free, nil
}

// CreateSubscription registers a Graph change subscription for the calendar's
// events. The clientState minted here rides every notification and doubles as
// the stored channel id.
func (a *Adapter) CreateSubscription(ctx context.Context, calendarExternalID, callbackURL string, ttl time.Duration) (domain.SubscriptionHandle, error) {
	clientState := uuid.NewString()
	requested := a.expiry(ttl)
	payload := msSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    callbackURL,
		Resource:           fmt.Sprintf("me/calendars/%s/events", url.PathEscape(calendarExternalID)),
		ExpirationDateTime: requested.Format(time.RFC3339),
		ClientState:        clientState,
	}
	var created msSubscription
	err := a.call(ctx, "create subscription", http.MethodPost,
		a.baseURL+"/subscriptions", nil, payload, &created)
	if err != nil {
		return domain.SubscriptionHandle{}, err
	}
	return domain.SubscriptionHandle{
		ExternalSubscriptionID: created.ID,
		ExternalResourceID:     created.Resource,
		ExternalCalendarID:     calendarExternalID,
		ChannelID:              clientState,
		VerificationToken:      clientState,
		CallbackURL:            callbackURL,
		ExpiresAt:              a.grantedExpiry(created.ExpirationDateTime, requested),
	}, nil
}

// RenewSubscription extends the subscription in place. A subscription Graph
// no longer knows answers 404, which retires it locally.
func (a *Adapter) RenewSubscription(ctx context.Context, handle domain.SubscriptionHandle, ttl time.Duration) (domain.SubscriptionHandle, error) {
	requested := a.expiry(ttl)
	payload := map[string]string{"expirationDateTime": requested.Format(time.RFC3339)}
	var renewed msSubscription
	err := a.call(ctx, "renew subscription", http.MethodPatch,
		a.subscriptionURL(handle.ExternalSubscriptionID), nil, payload, &renewed)
	if err != nil {
		return domain.SubscriptionHandle{}, err
	}
	handle.ExpiresAt = a.grantedExpiry(renewed.ExpirationDateTime, requested)
	return handle, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, handle domain.SubscriptionHandle) error {
	return a.call(ctx, "cancel subscription", http.MethodDelete,
		a.subscriptionURL(handle.ExternalSubscriptionID), nil, nil, nil)
}

func (a *Adapter) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 || ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}
	return time.Now().UTC().Add(ttl)
}

// grantedExpiry prefers the expiry Graph answered with over the one asked
// for.
func (a *Adapter) grantedExpiry(granted string, requested time.Time) time.Time {
	if granted == "" {
		return requested
	}
	t, err := time.Parse(time.RFC3339, granted)
	if err != nil {
		return requested
	}
	return t.UTC()
}

func (a *Adapter) calendarURL(calendarExternalID string) string {
	return fmt.Sprintf("%s/me/calendars/%s", a.baseURL, url.PathEscape(calendarExternalID))
}

func (a *Adapter) eventsURL(calendarExternalID string) string {
	return a.calendarURL(calendarExternalID) + "/events"
}

func (a *Adapter) eventURL(calendarExternalID, eventExternalID string) string {
	return a.eventsURL(calendarExternalID) + "/" + url.PathEscape(eventExternalID)
}

func (a *Adapter) subscriptionURL(externalSubscriptionID string) string {
	return fmt.Sprintf("%s/subscriptions/%s", a.baseURL, url.PathEscape(externalSubscriptionID))
}

// oauthTransport injects the bearer token on every request.
type oauthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

func (t *oauthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return t.base.RoundTrip(req)
}
