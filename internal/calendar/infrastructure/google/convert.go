package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/recurrence"
)

const dateLayout = "2006-01-02"

// translate maps a client error onto the provider error taxonomy. Context
// cancellation passes through untouched so callers can tell their own
// deadline from a provider failure.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return domain.NewProviderError(domain.ProviderGoogle, domain.ErrProviderUnavailable,
			op+" transport failure", err)
	}
	return domain.NewProviderError(domain.ProviderGoogle, kindForStatus(gerr),
		fmt.Sprintf("%s failed with HTTP %d", op, gerr.Code), err)
}

func kindForStatus(gerr *googleapi.Error) error {
	switch gerr.Code {
	case http.StatusUnauthorized:
		return domain.ErrAuthExpired
	case http.StatusForbidden:
		if quotaReason(gerr) {
			return domain.ErrRateLimited
		}
		return domain.ErrAuthExpired
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusGone:
		// Gone on a list call means the sync token lapsed; callers
		// escalate to a full sync.
		return domain.ErrSyncTokenExpired
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case http.StatusBadRequest:
		return domain.ErrMalformed
	}
	return domain.ErrProviderUnavailable
}

// quotaReason distinguishes 403 quota refusals from permission failures.
func quotaReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func malformed(message string, cause error) error {
	return domain.NewProviderError(domain.ProviderGoogle, domain.ErrMalformed, message, cause)
}

// toRecord maps a wire event onto the provider-neutral record. Cancelled
// tombstones from incremental feeds carry little beyond the id, so times are
// only required on live events.
func toRecord(item *calendar.Event) (domain.EventRecord, error) {
	if item == nil || item.Id == "" {
		return domain.EventRecord{}, malformed("event without id", nil)
	}

	rec := domain.EventRecord{
		ExternalID:       item.Id,
		Title:            item.Summary,
		Description:      item.Description,
		Status:           domain.EventStatusConfirmed,
		RecurringEventID: item.RecurringEventId,
	}
	if item.Status == "cancelled" {
		rec.Status = domain.EventStatusCancelled
	}

	if item.Start != nil || item.End != nil || !rec.IsCancelled() {
		start, tz, allDay, err := parseMoment(item.Start)
		if err != nil {
			return domain.EventRecord{}, malformed(fmt.Sprintf("event %s start", item.Id), err)
		}
		end, _, _, err := parseMoment(item.End)
		if err != nil {
			return domain.EventRecord{}, malformed(fmt.Sprintf("event %s end", item.Id), err)
		}
		rec.Start, rec.End, rec.Timezone, rec.AllDay = start, end, tz, allDay
	}

	if item.OriginalStartTime != nil {
		orig, _, _, err := parseMoment(item.OriginalStartTime)
		if err != nil {
			return domain.EventRecord{}, malformed(fmt.Sprintf("event %s original start", item.Id), err)
		}
		rec.OriginalStart = &orig
	}

	for _, line := range item.Recurrence {
		if !strings.HasPrefix(strings.ToUpper(line), "RRULE") {
			// EXDATE and RDATE surface as standalone instance records.
			continue
		}
		rule, err := recurrence.ParseRule(line)
		if err != nil {
			return domain.EventRecord{}, malformed(fmt.Sprintf("event %s recurrence", item.Id), err)
		}
		rec.Recurrence = &rule
		break
	}

	for _, att := range item.Attendees {
		if att == nil || att.Email == "" {
			continue
		}
		attendee := domain.AttendeeRecord{
			Email:       att.Email,
			DisplayName: att.DisplayName,
			RSVP:        rsvpFromResponse(att.ResponseStatus),
			IsResource:  att.Resource,
		}
		if att.Resource {
			// Resource attendees are addressed by their calendar id.
			attendee.ResourceExternalID = att.Email
		}
		rec.Attendees = append(rec.Attendees, attendee)
	}

	if item.Location != "" {
		rec.Meta = map[string]string{"location": item.Location}
	}
	return rec, nil
}

// fromInput maps the provider-neutral input onto a wire event.
func fromInput(input domain.EventInput) (*calendar.Event, error) {
	ev := &calendar.Event{
		Summary:     input.Title,
		Description: input.Description,
		Start:       momentFrom(input.Start, input.Timezone, input.AllDay),
		End:         momentFrom(input.End, input.Timezone, input.AllDay),
	}
	if input.Rule != nil {
		formatted, err := recurrence.FormatRule(*input.Rule)
		if err != nil {
			return nil, malformed("recurrence rule", err)
		}
		ev.Recurrence = []string{"RRULE:" + formatted}
	}
	for _, att := range input.Attendees {
		if att.Email == "" {
			continue
		}
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{
			Email:          att.Email,
			DisplayName:    att.DisplayName,
			ResponseStatus: responseFromRSVP(att.RSVP),
			Resource:       att.IsResource,
		})
	}
	if loc := input.Meta["location"]; loc != "" {
		ev.Location = loc
	}
	return ev, nil
}

// parseMoment reads a wire timestamp. All-day events carry a bare date,
// which Google keeps exclusive on the end side, matching the half-open
// intervals used everywhere else.
func parseMoment(dt *calendar.EventDateTime) (time.Time, string, bool, error) {
	switch {
	case dt == nil:
		return time.Time{}, "", false, errors.New("missing time")
	case dt.Date != "":
		day, err := time.ParseInLocation(dateLayout, dt.Date, time.UTC)
		if err != nil {
			return time.Time{}, "", false, fmt.Errorf("bad date %q: %w", dt.Date, err)
		}
		return day, "UTC", true, nil
	case dt.DateTime != "":
		instant, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, "", false, fmt.Errorf("bad datetime %q: %w", dt.DateTime, err)
		}
		tz := dt.TimeZone
		if tz == "" {
			tz = "UTC"
		}
		return instant.UTC(), tz, false, nil
	default:
		return time.Time{}, "", false, errors.New("missing time")
	}
}

func momentFrom(t time.Time, tz string, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.UTC().Format(dateLayout)}
	}
	dt := &calendar.EventDateTime{DateTime: t.UTC().Format(time.RFC3339)}
	if tz != "" {
		dt.TimeZone = tz
	}
	return dt
}

func rsvpFromResponse(status string) domain.RSVPStatus {
	switch status {
	case "accepted":
		return domain.RSVPAccepted
	case "declined":
		return domain.RSVPDeclined
	default:
		// needsAction and tentative both read as pending.
		return domain.RSVPPending
	}
}

func responseFromRSVP(rsvp domain.RSVPStatus) string {
	switch rsvp {
	case domain.RSVPAccepted:
		return "accepted"
	case domain.RSVPDeclined:
		return "declined"
	default:
		return "needsAction"
	}
}

func descriptorFromEntry(entry *calendar.CalendarListEntry) domain.CalendarDescriptor {
	return domain.CalendarDescriptor{
		ExternalID: entry.Id,
		Name:       displayName(entry),
		Timezone:   entry.TimeZone,
		IsPrimary:  entry.Primary,
		IsResource: strings.HasSuffix(entry.Id, resourceSuffix),
	}
}

func resourceFromEntry(entry *calendar.CalendarListEntry) domain.ResourceDescriptor {
	return domain.ResourceDescriptor{
		ExternalID: entry.Id,
		Name:       displayName(entry),
		Email:      entry.Id,
	}
}

func displayName(entry *calendar.CalendarListEntry) string {
	if entry.SummaryOverride != "" {
		return entry.SummaryOverride
	}
	return entry.Summary
}

func busyInWindow(periods []*calendar.TimePeriod, window domain.TimeWindow) bool {
	for _, p := range periods {
		if p == nil {
			continue
		}
		start, errStart := time.Parse(time.RFC3339, p.Start)
		end, errEnd := time.Parse(time.RFC3339, p.End)
		if errStart != nil || errEnd != nil {
			// An unreadable busy slot blocks the resource.
			return true
		}
		if start.Before(window.End) && end.After(window.Start) {
			return true
		}
	}
	return false
}
