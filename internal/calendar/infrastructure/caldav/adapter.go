// Package caldav adapts standards-based calendar servers such as iCloud,
// Fastmail, Nextcloud and Radicale to the provider contract. A CalDAV server
// stores whole .ics objects: one object carries a series master together with
// its RECURRENCE-ID overrides, and ListEvents flattens each object into
// separate event records. The protocol offers no incremental cursor or push
// channel this adapter can rely on, so every sync runs a full time-range
// REPORT and subscription calls fail with ErrNotSupported, which keeps these
// calendars on interval polling.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

// Common CalDAV server URLs.
const (
	AppleCalDAVURL    = "https://caldav.icloud.com"
	FastmailCalDAVURL = "https://caldav.fastmail.com"
)

const requestTimeout = 30 * time.Second

// Config carries one account's CalDAV endpoint and credentials. Apple
// accounts authenticate with an app-specific password.
type Config struct {
	BaseURL  string
	Username string
	Password string
}

// Adapter implements the provider contract for one CalDAV account. Both the
// apple and generic ics providers ride it; they differ only in the endpoint
// the factory configures.
type Adapter struct {
	provider domain.Provider
	config   Config
	logger   *slog.Logger
}

// New creates an adapter for the account. Providers not served over CalDAV
// fall back to the generic ics provider.
func New(provider domain.Provider, config Config, logger *slog.Logger) *Adapter {
	if !provider.UsesCalDAV() {
		provider = domain.ProviderICS
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{provider: provider, config: config, logger: logger}
}

func (a *Adapter) Provider() domain.Provider { return a.provider }

func (a *Adapter) client() (*caldav.Client, error) {
	if a.config.BaseURL == "" || a.config.Username == "" || a.config.Password == "" {
		return nil, domain.NewProviderError(a.provider, domain.ErrInvalidCredentials,
			"caldav endpoint and credentials are required", nil)
	}
	httpClient := &http.Client{Timeout: requestTimeout}
	client, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, a.config.Username, a.config.Password),
		a.config.BaseURL)
	if err != nil {
		return nil, domain.NewProviderError(a.provider, domain.ErrInvalidCredentials,
			"failed to create caldav client", err)
	}
	return client, nil
}

// ListCalendars walks the principal's calendar home set and streams every
// collection found there.
func (a *Adapter) ListCalendars(ctx context.Context) (domain.CalendarStream, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	cals, err := a.findCalendars(ctx, client)
	if err != nil {
		return nil, err
	}
	descriptors := make([]domain.CalendarDescriptor, 0, len(cals))
	for i, cal := range cals {
		name := cal.Name
		if name == "" {
			name = path.Base(strings.TrimSuffix(cal.Path, "/"))
		}
		descriptors = append(descriptors, domain.CalendarDescriptor{
			ExternalID: cal.Path,
			Name:       name,
			IsPrimary:  i == 0, // the first calendar is usually the default
		})
	}
	return domain.NewStaticCalendarStream(descriptors), nil
}

// CreateCalendar is not supported: hosted CalDAV services provision
// calendars in their own UI and MKCALENDAR is widely refused.
func (a *Adapter) CreateCalendar(ctx context.Context, name string) (domain.CalendarDescriptor, error) {
	return domain.CalendarDescriptor{}, a.notSupported("calendar creation")
}

func (a *Adapter) GetEvent(ctx context.Context, calendarExternalID, eventExternalID string) (domain.EventRecord, error) {
	client, err := a.client()
	if err != nil {
		return domain.EventRecord{}, err
	}
	uid, _ := splitInstanceID(eventExternalID)
	obj, err := a.fetchObject(ctx, client, calendarExternalID, uid)
	if err != nil {
		return domain.EventRecord{}, err
	}
	for _, record := range recordsFromObject(obj, a.logger) {
		if record.ExternalID == eventExternalID {
			return record, nil
		}
	}
	return domain.EventRecord{}, domain.NewProviderError(a.provider, domain.ErrNotFound,
		fmt.Sprintf("event %s not found", eventExternalID), nil)
}

// CreateEvent mints a fresh UID and puts a single-event object at the
// conventional <calendar>/<uid>.ics path.
func (a *Adapter) CreateEvent(ctx context.Context, calendarExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	client, err := a.client()
	if err != nil {
		return domain.EventRecord{}, err
	}
	uid := uuid.NewString()
	cal, err := toICalendar(uid, input)
	if err != nil {
		return domain.EventRecord{}, err
	}
	if _, err := client.PutCalendarObject(ctx, objectPath(calendarExternalID, uid), cal); err != nil {
		return domain.EventRecord{}, a.translate("put event", err)
	}
	return masterRecord(cal)
}

// UpdateEvent rewrites the event in place. Updating a series master keeps
// any recurrence overrides the object already carries; updating an
// occurrence id writes or replaces the matching override.
func (a *Adapter) UpdateEvent(ctx context.Context, calendarExternalID, eventExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	client, err := a.client()
	if err != nil {
		return domain.EventRecord{}, err
	}
	uid, originalStart := splitInstanceID(eventExternalID)
	obj, err := a.fetchObject(ctx, client, calendarExternalID, uid)
	if err != nil {
		return domain.EventRecord{}, err
	}

	if originalStart != nil {
		override, err := overrideEvent(uid, *originalStart, input)
		if err != nil {
			return domain.EventRecord{}, err
		}
		upsertOverride(obj.Data, override, *originalStart)
		if _, err := client.PutCalendarObject(ctx, obj.Path, obj.Data); err != nil {
			return domain.EventRecord{}, a.translate("put event", err)
		}
		record, _, err := recordFromComponent(override.Component)
		return record, err
	}

	cal, err := toICalendar(uid, input)
	if err != nil {
		return domain.EventRecord{}, err
	}
	// Overrides survive a master rewrite. Occurrences they point at may have
	// moved under a new rule; the next sync reconciles that.
	for _, child := range obj.Data.Children {
		if child.Name == ical.CompEvent && child.Props.Get(ical.PropRecurrenceID) != nil {
			cal.Children = append(cal.Children, child)
		}
	}
	if _, err := client.PutCalendarObject(ctx, obj.Path, cal); err != nil {
		return domain.EventRecord{}, a.translate("put event", err)
	}
	return masterRecord(cal)
}

// DeleteEvent removes the remote object. Deleting an occurrence id cannot
// remove the object, so it writes a CANCELLED override for that occurrence
// instead. A missing event comes back as NotFound, keeping deletes
// idempotent for callers.
func (a *Adapter) DeleteEvent(ctx context.Context, calendarExternalID, eventExternalID string) error {
	client, err := a.client()
	if err != nil {
		return err
	}
	uid, originalStart := splitInstanceID(eventExternalID)
	obj, err := a.fetchObject(ctx, client, calendarExternalID, uid)
	if err != nil {
		return err
	}

	if originalStart != nil {
		if err := cancelOccurrence(obj.Data, uid, *originalStart); err != nil {
			return domain.NewProviderError(a.provider, domain.ErrMalformed,
				"cannot cancel occurrence", err)
		}
		if _, err := client.PutCalendarObject(ctx, obj.Path, obj.Data); err != nil {
			return a.translate("put event", err)
		}
		return nil
	}

	if err := client.RemoveAll(ctx, obj.Path); err != nil {
		if isNotFound(err) {
			return domain.NewProviderError(a.provider, domain.ErrNotFound,
				"event already deleted remotely", err)
		}
		return a.translate("delete event", err)
	}
	return nil
}

// ListEvents runs a time-range REPORT over the collection and flattens the
// returned objects. CalDAV sync-collection support is too patchy across
// servers to rely on, so the stream never carries a sync token and a token
// handed in from elsewhere is ignored.
func (a *Adapter) ListEvents(ctx context.Context, calendarExternalID string, window domain.TimeWindow, syncToken string) (domain.EventStream, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	if syncToken != "" {
		a.logger.Debug("caldav has no incremental sync, running full window query",
			"calendar", calendarExternalID)
	}
	query := &caldav.CalendarQuery{
		CompRequest: eventCompRequest(),
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: window.Start,
					End:   window.End,
				},
			},
		},
	}
	objects, err := client.QueryCalendar(ctx, calendarExternalID, query)
	if err != nil {
		return nil, a.translate("query calendar", err)
	}
	records := make([]domain.EventRecord, 0, len(objects))
	for i := range objects {
		records = append(records, recordsFromObject(&objects[i], a.logger)...)
	}
	return domain.NewStaticEventStream(records, ""), nil
}

// ListResources returns nothing: CalDAV has no resource directory, rooms
// live in whatever groupware sits above it.
func (a *Adapter) ListResources(ctx context.Context) ([]domain.ResourceDescriptor, error) {
	return nil, nil
}

func (a *Adapter) GetResource(ctx context.Context, externalID string) (domain.ResourceDescriptor, error) {
	return domain.ResourceDescriptor{}, domain.NewProviderError(a.provider, domain.ErrNotFound,
		fmt.Sprintf("resource %s not found", externalID), nil)
}

func (a *Adapter) AvailableResources(ctx context.Context, window domain.TimeWindow) ([]domain.ResourceDescriptor, error) {
	return nil, nil
}

// CreateSubscription fails with ErrNotSupported; CalDAV has no push channel.
func (a *Adapter) CreateSubscription(ctx context.Context, calendarExternalID, callbackURL string, ttl time.Duration) (domain.SubscriptionHandle, error) {
	return domain.SubscriptionHandle{}, a.notSupported("push subscriptions")
}

func (a *Adapter) RenewSubscription(ctx context.Context, handle domain.SubscriptionHandle, ttl time.Duration) (domain.SubscriptionHandle, error) {
	return domain.SubscriptionHandle{}, a.notSupported("push subscriptions")
}

func (a *Adapter) CancelSubscription(ctx context.Context, handle domain.SubscriptionHandle) error {
	return a.notSupported("push subscriptions")
}

// ParseWebhook fails with ErrNotSupported; no subscription ever points a
// webhook at a CalDAV calendar.
func (a *Adapter) ParseWebhook(header http.Header, body []byte) (domain.Notification, error) {
	return domain.Notification{}, a.notSupported("webhooks")
}

func (a *Adapter) findCalendars(ctx context.Context, client *caldav.Client) ([]caldav.Calendar, error) {
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, a.translate("find principal", err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, a.translate("find calendar home set", err)
	}
	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, a.translate("find calendars", err)
	}
	return cals, nil
}

// fetchObject resolves the object holding the event's series. Events this
// adapter wrote live at <calendar>/<uid>.ics; foreign events can live under
// any path, so a miss falls back to scanning the collection for the UID.
func (a *Adapter) fetchObject(ctx context.Context, client *caldav.Client, calendarExternalID, uid string) (*caldav.CalendarObject, error) {
	obj, err := client.GetCalendarObject(ctx, objectPath(calendarExternalID, uid))
	if err == nil {
		return obj, nil
	}
	if !isNotFound(err) {
		return nil, a.translate("get event", err)
	}
	return a.findObjectByUID(ctx, client, calendarExternalID, uid)
}

func (a *Adapter) findObjectByUID(ctx context.Context, client *caldav.Client, calendarExternalID, uid string) (*caldav.CalendarObject, error) {
	query := &caldav.CalendarQuery{
		CompRequest: eventCompRequest(),
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{{Name: "VEVENT"}},
		},
	}
	objects, err := client.QueryCalendar(ctx, calendarExternalID, query)
	if err != nil {
		return nil, a.translate("query calendar", err)
	}
	for i := range objects {
		if objectUID(&objects[i]) == uid {
			return &objects[i], nil
		}
	}
	return nil, domain.NewProviderError(a.provider, domain.ErrNotFound,
		fmt.Sprintf("event %s not found", uid), nil)
}

func eventCompRequest() caldav.CalendarCompRequest {
	return caldav.CalendarCompRequest{
		Name:  "VCALENDAR",
		Props: []string{"VERSION"},
		Comps: []caldav.CalendarCompRequest{
			{
				Name: "VEVENT",
				Props: []string{
					"UID", "SUMMARY", "DESCRIPTION", "LOCATION", "STATUS",
					"DTSTART", "DTEND", "RRULE", "RECURRENCE-ID", "ATTENDEE",
					PropXSlotwise,
				},
			},
		},
	}
}

// objectPath joins the collection path and an event UID into the .ics
// resource path this adapter writes to.
func objectPath(calendarPath, uid string) string {
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}
	return calendarPath + uid + ".ics"
}

// translate maps a client failure onto a provider error kind. go-webdav
// folds HTTP statuses into plain error strings, so classification sniffs the
// message text; anything unrecognized counts as Unavailable, which is
// retryable.
func (a *Adapter) translate(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	kind := domain.ErrProviderUnavailable
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = domain.ErrTimeout
	case isNotFound(err):
		kind = domain.ErrNotFound
	case statusHinted(err, http.StatusUnauthorized, "unauthorized"),
		statusHinted(err, http.StatusForbidden, "forbidden"):
		kind = domain.ErrAuthExpired
	case statusHinted(err, http.StatusTooManyRequests, "too many requests"):
		kind = domain.ErrRateLimited
	}
	return domain.NewProviderError(a.provider, kind, op+" failed", err)
}

func isNotFound(err error) bool {
	return statusHinted(err, http.StatusNotFound, "not found")
}

// statusHinted reports whether the error text carries the status code or its
// reason phrase. The webdav client exposes no typed status error, so text is
// the only handle.
func statusHinted(err error, code int, phrase string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, strconv.Itoa(code)) || strings.Contains(msg, phrase)
}

func (a *Adapter) notSupported(capability string) error {
	return domain.NewProviderError(a.provider, domain.ErrNotSupported,
		fmt.Sprintf("caldav does not support %s", capability), nil)
}
