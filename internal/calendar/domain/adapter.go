package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/slotwise/calsync/internal/recurrence"
	"github.com/slotwise/calsync/internal/tenant"
)

// CalendarDescriptor is a provider calendar as seen during account import.
type CalendarDescriptor struct {
	ExternalID string
	Name       string
	Timezone   string
	IsPrimary  bool
	IsResource bool
}

// ResourceDescriptor is an organization resource such as a room.
type ResourceDescriptor struct {
	ExternalID string
	Name       string
	Email      string
	Capacity   int
}

// AttendeeRecord is a participant as reported by, or handed to, a provider.
type AttendeeRecord struct {
	Email              string
	DisplayName        string
	RSVP               RSVPStatus
	IsResource         bool
	ResourceExternalID string
}

// EventRecord is the provider-neutral shape of one remote event. Start and
// End are UTC instants; Timezone keeps the provider's scheduling zone
// verbatim so recurring series expand against the right wall clock.
type EventRecord struct {
	ExternalID  string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Timezone    string
	AllDay      bool
	Status      EventStatus

	// Recurrence is set on recurring masters.
	Recurrence *recurrence.Rule

	// RecurringEventID and OriginalStart are set on instances of a
	// recurring series: the master's external id and the occurrence the
	// instance overrides.
	RecurringEventID string
	OriginalStart    *time.Time

	Attendees []AttendeeRecord
	Meta      map[string]string
}

// IsCancelled reports whether the provider deleted or declined the event.
func (r EventRecord) IsCancelled() bool { return r.Status == EventStatusCancelled }

// IsRecurringMaster reports whether the record carries a recurrence rule.
func (r EventRecord) IsRecurringMaster() bool { return r.Recurrence != nil }

// IsInstance reports whether the record overrides one occurrence of a
// recurring series.
func (r EventRecord) IsInstance() bool { return r.RecurringEventID != "" }

// Interval builds the record's TimeInterval, validating the timezone.
func (r EventRecord) Interval() (TimeInterval, error) {
	return NewTimeInterval(r.Start, r.End, r.Timezone)
}

// EventInput is the provider-neutral shape for creating or rewriting a
// remote event.
type EventInput struct {
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Timezone    string
	AllDay      bool
	Rule        *recurrence.Rule
	Attendees   []AttendeeRecord
	Meta        map[string]string
}

// Notification is a parsed provider webhook. A non-empty Challenge means the
// provider is validating the endpoint and expects the challenge echoed back
// instead of any processing.
type Notification struct {
	EventType          string
	SubscriptionID     string
	ChannelID          string
	ResourceState      string
	ExternalCalendarID string
	Challenge          string
}

// IsChallenge reports whether this is a validation handshake.
func (n Notification) IsChallenge() bool { return n.Challenge != "" }

// EventStream pages through provider events lazily, in the style of
// database rows: call Next until ok is false, then check the error.
type EventStream interface {
	// Next advances the stream. ok is false once the stream is exhausted
	// or failed; a nil error alongside ok=false means clean exhaustion.
	Next(ctx context.Context) (record EventRecord, ok bool, err error)

	// SyncToken returns the cursor for the next incremental sync. It is
	// only meaningful after Next returned ok=false with no error; providers
	// without cursors return "".
	SyncToken() string

	Close() error
}

// CalendarStream pages through account calendars lazily.
type CalendarStream interface {
	Next(ctx context.Context) (descriptor CalendarDescriptor, ok bool, err error)
	Close() error
}

// Adapter is the uniform provider contract the sync engine drives. Failures
// come back as *ProviderError so callers can branch on kind sentinels with
// errors.Is, never on provider-specific status codes.
type Adapter interface {
	Provider() Provider

	// ListCalendars streams the calendars the connected account can see.
	ListCalendars(ctx context.Context) (CalendarStream, error)

	// CreateCalendar makes a new calendar on the provider.
	CreateCalendar(ctx context.Context, name string) (CalendarDescriptor, error)

	GetEvent(ctx context.Context, calendarExternalID, eventExternalID string) (EventRecord, error)
	CreateEvent(ctx context.Context, calendarExternalID string, input EventInput) (EventRecord, error)
	UpdateEvent(ctx context.Context, calendarExternalID, eventExternalID string, input EventInput) (EventRecord, error)
	DeleteEvent(ctx context.Context, calendarExternalID, eventExternalID string) error

	// ListEvents streams events intersecting the window. A non-empty
	// syncToken switches to incremental mode: only changes since the token,
	// with deletions included as cancelled records. An expired token fails
	// with ErrSyncTokenExpired and the caller escalates to a full sync.
	ListEvents(ctx context.Context, calendarExternalID string, window TimeWindow, syncToken string) (EventStream, error)

	ListResources(ctx context.Context) ([]ResourceDescriptor, error)
	GetResource(ctx context.Context, externalID string) (ResourceDescriptor, error)

	// AvailableResources returns resources with no busy time inside the
	// window.
	AvailableResources(ctx context.Context, window TimeWindow) ([]ResourceDescriptor, error)

	// CreateSubscription registers a push channel for the calendar.
	// Providers without push fail with ErrNotSupported.
	CreateSubscription(ctx context.Context, calendarExternalID, callbackURL string, ttl time.Duration) (SubscriptionHandle, error)
	RenewSubscription(ctx context.Context, handle SubscriptionHandle, ttl time.Duration) (SubscriptionHandle, error)
	CancelSubscription(ctx context.Context, handle SubscriptionHandle) error

	WebhookParser
}

// WebhookParser turns a raw provider callback into a Notification. Parsing
// is pure; the webhook pipeline uses it without provider credentials.
type WebhookParser interface {
	ParseWebhook(header http.Header, body []byte) (Notification, error)
}

// AdapterFactory resolves the adapter for a tenant's provider account.
type AdapterFactory interface {
	AdapterFor(ctx context.Context, tc tenant.Context, provider Provider) (Adapter, error)
}

// NewStaticEventStream wraps already-materialized records in an EventStream.
// Adapters without real pagination use it, as do tests.
func NewStaticEventStream(records []EventRecord, syncToken string) EventStream {
	return &staticEventStream{records: records, token: syncToken}
}

type staticEventStream struct {
	records []EventRecord
	idx     int
	token   string
}

func (s *staticEventStream) Next(ctx context.Context) (EventRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return EventRecord{}, false, err
	}
	if s.idx >= len(s.records) {
		return EventRecord{}, false, nil
	}
	rec := s.records[s.idx]
	s.idx++
	return rec, true, nil
}

func (s *staticEventStream) SyncToken() string { return s.token }
func (s *staticEventStream) Close() error      { return nil }

// NewStaticCalendarStream wraps already-materialized descriptors in a
// CalendarStream.
func NewStaticCalendarStream(descriptors []CalendarDescriptor) CalendarStream {
	return &staticCalendarStream{descriptors: descriptors}
}

type staticCalendarStream struct {
	descriptors []CalendarDescriptor
	idx         int
}

func (s *staticCalendarStream) Next(ctx context.Context) (CalendarDescriptor, bool, error) {
	if err := ctx.Err(); err != nil {
		return CalendarDescriptor{}, false, err
	}
	if s.idx >= len(s.descriptors) {
		return CalendarDescriptor{}, false, nil
	}
	d := s.descriptors[s.idx]
	s.idx++
	return d, true, nil
}

func (s *staticCalendarStream) Close() error { return nil }
