package microsoft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/recurrence"
)

// graphTimeLayout is how Graph writes event times: no offset, the zone rides
// the timeZone field beside it.
const graphTimeLayout = "2006-01-02T15:04:05"

const dateLayout = "2006-01-02"

// Graph wire shapes. Only the fields the adapter reads or writes.

type msEvent struct {
	ID                    string        `json:"id,omitempty"`
	Subject               string        `json:"subject,omitempty"`
	Body                  *msBody       `json:"body,omitempty"`
	Start                 *msDateTime   `json:"start,omitempty"`
	End                   *msDateTime   `json:"end,omitempty"`
	Location              *msLocation   `json:"location,omitempty"`
	IsAllDay              bool          `json:"isAllDay,omitempty"`
	IsCancelled           bool          `json:"isCancelled,omitempty"`
	ShowAs                string        `json:"showAs,omitempty"`
	Type                  string        `json:"type,omitempty"`
	SeriesMasterID        string        `json:"seriesMasterId,omitempty"`
	OriginalStart         string        `json:"originalStart,omitempty"`
	OriginalStartTimeZone string        `json:"originalStartTimeZone,omitempty"`
	Recurrence            *msRecurrence `json:"recurrence,omitempty"`
	Attendees             []msAttendee  `json:"attendees,omitempty"`
	Removed               *msRemoved    `json:"@removed,omitempty"`
}

type msBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type msDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type msLocation struct {
	DisplayName string `json:"displayName,omitempty"`
}

type msAttendee struct {
	Type         string         `json:"type,omitempty"`
	Status       *msStatus      `json:"status,omitempty"`
	EmailAddress msEmailAddress `json:"emailAddress"`
}

type msStatus struct {
	Response string `json:"response,omitempty"`
}

type msEmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

type msRemoved struct {
	Reason string `json:"reason,omitempty"`
}

type msRecurrence struct {
	Pattern msPattern `json:"pattern"`
	Range   msRange   `json:"range"`
}

type msPattern struct {
	Type           string   `json:"type"`
	Interval       int      `json:"interval"`
	DaysOfWeek     []string `json:"daysOfWeek,omitempty"`
	DayOfMonth     int      `json:"dayOfMonth,omitempty"`
	Month          int      `json:"month,omitempty"`
	Index          string   `json:"index,omitempty"`
	FirstDayOfWeek string   `json:"firstDayOfWeek,omitempty"`
}

type msRange struct {
	Type                string `json:"type"`
	StartDate           string `json:"startDate,omitempty"`
	EndDate             string `json:"endDate,omitempty"`
	NumberOfOccurrences int    `json:"numberOfOccurrences,omitempty"`
	RecurrenceTimeZone  string `json:"recurrenceTimeZone,omitempty"`
}

type msCalendar struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	IsDefaultCalendar bool   `json:"isDefaultCalendar"`
}

type msPlace struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	Capacity     int    `json:"capacity"`
}

type msSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

type eventPage struct {
	Value     []msEvent `json:"value"`
	NextLink  string    `json:"@odata.nextLink"`
	DeltaLink string    `json:"@odata.deltaLink"`
}

type calendarPage struct {
	Value    []msCalendar `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type placePage struct {
	Value    []msPlace `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}

type scheduleRequest struct {
	Schedules                []string   `json:"schedules"`
	StartTime                msDateTime `json:"startTime"`
	EndTime                  msDateTime `json:"endTime"`
	AvailabilityViewInterval int        `json:"availabilityViewInterval"`
}

type schedulePage struct {
	Value []msSchedule `json:"value"`
}

type msSchedule struct {
	ScheduleID       string           `json:"scheduleId"`
	AvailabilityView string           `json:"availabilityView"`
	Error            *msScheduleError `json:"error,omitempty"`
}

type msScheduleError struct {
	Message string `json:"message,omitempty"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// translate maps transport failures onto the provider error taxonomy.
// Context cancellation passes through untouched.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.NewProviderError(domain.ProviderMicrosoft, domain.ErrProviderUnavailable,
		op+" transport failure", err)
}

// translateStatus maps a non-2xx Graph answer onto the taxonomy, keeping the
// error code Graph named in the message.
func translateStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var gerr graphError
	_ = json.Unmarshal(body, &gerr)

	message := fmt.Sprintf("%s failed with HTTP %d", op, resp.StatusCode)
	if gerr.Error.Code != "" {
		message += ": " + gerr.Error.Code
	}

	kind := kindForStatus(resp, gerr.Error.Code)
	return domain.NewProviderError(domain.ProviderMicrosoft, kind, message, nil)
}

func kindForStatus(resp *http.Response, code string) error {
	// Graph flags a lapsed delta token by code, not always by status.
	if strings.EqualFold(code, "SyncStateNotFound") || strings.EqualFold(code, "ResyncRequired") {
		return domain.ErrSyncTokenExpired
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrAuthExpired
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusGone:
		return domain.ErrSyncTokenExpired
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case http.StatusBadRequest:
		return domain.ErrMalformed
	default:
		return domain.ErrProviderUnavailable
	}
}

func malformed(message string, cause error) error {
	return domain.NewProviderError(domain.ProviderMicrosoft, domain.ErrMalformed, message, cause)
}

// toRecord converts one Graph event into the provider-neutral record.
// Removed items become cancelled tombstones carrying only identity.
func toRecord(item msEvent) (domain.EventRecord, error) {
	if item.ID == "" {
		return domain.EventRecord{}, malformed("event without id", nil)
	}

	rec := domain.EventRecord{
		ExternalID:       item.ID,
		Title:            item.Subject,
		Status:           domain.EventStatusConfirmed,
		RecurringEventID: item.SeriesMasterID,
	}
	if item.Body != nil {
		rec.Description = item.Body.Content
	}
	if item.Removed != nil || item.IsCancelled {
		rec.Status = domain.EventStatusCancelled
	}
	if item.Removed != nil {
		// Tombstones from the delta feed carry nothing else.
		return rec, nil
	}

	start, err := parseMoment(item.Start)
	if err != nil {
		return domain.EventRecord{}, malformed(fmt.Sprintf("event %s start", item.ID), err)
	}
	end, err := parseMoment(item.End)
	if err != nil {
		return domain.EventRecord{}, malformed(fmt.Sprintf("event %s end", item.ID), err)
	}
	rec.Start = start
	rec.End = end
	rec.AllDay = item.IsAllDay
	rec.Timezone = recordTimezone(item)

	if item.OriginalStart != "" {
		orig, err := time.Parse(time.RFC3339, item.OriginalStart)
		if err != nil {
			return domain.EventRecord{}, malformed(fmt.Sprintf("event %s original start", item.ID), err)
		}
		orig = orig.UTC()
		rec.OriginalStart = &orig
	}

	if item.Type == "seriesMaster" || (item.Recurrence != nil && item.SeriesMasterID == "") {
		rule, err := ruleFromRecurrence(item.Recurrence)
		if err != nil {
			return domain.EventRecord{}, malformed(fmt.Sprintf("event %s recurrence", item.ID), err)
		}
		rec.Recurrence = &rule
	}

	for _, att := range item.Attendees {
		if att.EmailAddress.Address == "" {
			continue
		}
		record := domain.AttendeeRecord{
			Email:       att.EmailAddress.Address,
			DisplayName: att.EmailAddress.Name,
			RSVP:        rsvpFromResponse(att.Status),
		}
		if att.Type == "resource" {
			record.IsResource = true
			record.ResourceExternalID = att.EmailAddress.Address
		}
		rec.Attendees = append(rec.Attendees, record)
	}

	if item.Location != nil && item.Location.DisplayName != "" {
		rec.Meta = map[string]string{"location": item.Location.DisplayName}
	}
	return rec, nil
}

// recordTimezone keeps the zone the event was authored in when Graph exposes
// it; the wire times themselves are UTC under the Prefer header.
func recordTimezone(item msEvent) string {
	if item.OriginalStartTimeZone != "" && item.OriginalStartTimeZone != "tzone://Microsoft/Custom" {
		return item.OriginalStartTimeZone
	}
	if item.Start != nil && item.Start.TimeZone != "" {
		return item.Start.TimeZone
	}
	return "UTC"
}

func parseMoment(dt *msDateTime) (time.Time, error) {
	if dt == nil || dt.DateTime == "" {
		return time.Time{}, errors.New("missing time")
	}
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.0000000", graphTimeLayout} {
		if t, err := time.ParseInLocation(layout, dt.DateTime, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", dt.DateTime)
}

// fromInput builds the Graph shape for create and update calls. Times go out
// in UTC; all-day events still carry midnight datetimes, Graph keys off
// isAllDay.
func fromInput(input domain.EventInput) (msEvent, error) {
	ev := msEvent{
		Subject: input.Title,
		Start:   &msDateTime{DateTime: input.Start.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		End:     &msDateTime{DateTime: input.End.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		ShowAs:  "busy",
	}
	if input.Description != "" {
		ev.Body = &msBody{ContentType: "text", Content: input.Description}
	}
	if input.AllDay {
		ev.IsAllDay = true
	}
	if input.Rule != nil {
		rec, err := recurrenceFromRule(*input.Rule, input.Start)
		if err != nil {
			return msEvent{}, malformed("recurrence rule", err)
		}
		ev.Recurrence = rec
	}
	for _, att := range input.Attendees {
		if att.Email == "" {
			continue
		}
		wire := msAttendee{
			Type:         "required",
			EmailAddress: msEmailAddress{Name: att.DisplayName, Address: att.Email},
		}
		if att.IsResource {
			wire.Type = "resource"
		}
		if resp := responseFromRSVP(att.RSVP); resp != "" {
			wire.Status = &msStatus{Response: resp}
		}
		ev.Attendees = append(ev.Attendees, wire)
	}
	if location, ok := input.Meta["location"]; ok && location != "" {
		ev.Location = &msLocation{DisplayName: location}
	}
	return ev, nil
}

var graphWeekdays = map[string]recurrence.Weekday{
	"monday":    recurrence.Monday,
	"tuesday":   recurrence.Tuesday,
	"wednesday": recurrence.Wednesday,
	"thursday":  recurrence.Thursday,
	"friday":    recurrence.Friday,
	"saturday":  recurrence.Saturday,
	"sunday":    recurrence.Sunday,
}

var weekdayNames = map[recurrence.Weekday]string{
	recurrence.Monday:    "monday",
	recurrence.Tuesday:   "tuesday",
	recurrence.Wednesday: "wednesday",
	recurrence.Thursday:  "thursday",
	recurrence.Friday:    "friday",
	recurrence.Saturday:  "saturday",
	recurrence.Sunday:    "sunday",
}

// ruleFromRecurrence maps Graph's patterned recurrence onto the rule subset.
// Relative patterns ("second Tuesday") and endless ranges fall outside it.
func ruleFromRecurrence(rec *msRecurrence) (recurrence.Rule, error) {
	if rec == nil {
		return recurrence.Rule{}, errors.New("series master without recurrence")
	}

	rule := recurrence.Rule{Interval: rec.Pattern.Interval}
	if rule.Interval == 0 {
		rule.Interval = 1
	}

	switch rec.Pattern.Type {
	case "daily":
		rule.Frequency = recurrence.Daily
	case "weekly":
		rule.Frequency = recurrence.Weekly
		for _, day := range rec.Pattern.DaysOfWeek {
			wd, ok := graphWeekdays[strings.ToLower(day)]
			if !ok {
				return recurrence.Rule{}, &recurrence.UnsupportedRuleError{Component: "daysOfWeek=" + day}
			}
			rule.ByWeekday = append(rule.ByWeekday, wd)
		}
	case "absoluteMonthly":
		rule.Frequency = recurrence.Monthly
		if rec.Pattern.DayOfMonth > 0 {
			rule.ByMonthDay = []int{rec.Pattern.DayOfMonth}
		}
	case "absoluteYearly":
		rule.Frequency = recurrence.Yearly
		if rec.Pattern.Month > 0 {
			rule.ByMonth = []int{rec.Pattern.Month}
		}
		if rec.Pattern.DayOfMonth > 0 {
			rule.ByMonthDay = []int{rec.Pattern.DayOfMonth}
		}
	default:
		return recurrence.Rule{}, &recurrence.UnsupportedRuleError{Component: "pattern=" + rec.Pattern.Type}
	}

	switch rec.Range.Type {
	case "numbered":
		count := rec.Range.NumberOfOccurrences
		rule.Count = &count
	case "endDate":
		day, err := time.Parse(dateLayout, rec.Range.EndDate)
		if err != nil {
			return recurrence.Rule{}, fmt.Errorf("range end date %q: %w", rec.Range.EndDate, err)
		}
		// The range names the last day; until is an inclusive instant.
		until := day.Add(24*time.Hour - time.Second)
		rule.Until = &until
	default:
		return recurrence.Rule{}, &recurrence.UnsupportedRuleError{Component: "range=" + rec.Range.Type}
	}

	if err := rule.Validate(); err != nil {
		return recurrence.Rule{}, err
	}
	return rule, nil
}

// recurrenceFromRule is the outbound direction. The pattern types Graph
// offers are narrower than RRULE, so rules the provider cannot express are
// refused rather than approximated.
func recurrenceFromRule(rule recurrence.Rule, start time.Time) (*msRecurrence, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	pattern := msPattern{Interval: rule.Interval}
	switch rule.Frequency {
	case recurrence.Daily:
		if len(rule.ByWeekday) > 0 {
			return nil, errors.New("daily rule with weekday filter has no graph pattern")
		}
		pattern.Type = "daily"
	case recurrence.Weekly:
		pattern.Type = "weekly"
		for _, wd := range rule.ByWeekday {
			pattern.DaysOfWeek = append(pattern.DaysOfWeek, weekdayNames[wd])
		}
		if len(pattern.DaysOfWeek) == 0 {
			pattern.DaysOfWeek = []string{weekdayNames[weekdayOf(start)]}
		}
	case recurrence.Monthly:
		if len(rule.ByMonthDay) > 1 {
			return nil, errors.New("monthly rule with multiple days has no graph pattern")
		}
		pattern.Type = "absoluteMonthly"
		pattern.DayOfMonth = start.UTC().Day()
		if len(rule.ByMonthDay) == 1 {
			pattern.DayOfMonth = rule.ByMonthDay[0]
		}
	case recurrence.Yearly:
		if len(rule.ByMonth) > 1 || len(rule.ByMonthDay) > 1 {
			return nil, errors.New("yearly rule with multiple months or days has no graph pattern")
		}
		pattern.Type = "absoluteYearly"
		pattern.Month = int(start.UTC().Month())
		pattern.DayOfMonth = start.UTC().Day()
		if len(rule.ByMonth) == 1 {
			pattern.Month = rule.ByMonth[0]
		}
		if len(rule.ByMonthDay) == 1 {
			pattern.DayOfMonth = rule.ByMonthDay[0]
		}
	default:
		return nil, fmt.Errorf("frequency %q has no graph pattern", rule.Frequency)
	}

	rng := msRange{StartDate: start.UTC().Format(dateLayout), RecurrenceTimeZone: "UTC"}
	switch {
	case rule.Count != nil:
		rng.Type = "numbered"
		rng.NumberOfOccurrences = *rule.Count
	case rule.Until != nil:
		rng.Type = "endDate"
		rng.EndDate = rule.Until.UTC().Format(dateLayout)
	}

	return &msRecurrence{Pattern: pattern, Range: rng}, nil
}

func weekdayOf(t time.Time) recurrence.Weekday {
	switch t.UTC().Weekday() {
	case time.Monday:
		return recurrence.Monday
	case time.Tuesday:
		return recurrence.Tuesday
	case time.Wednesday:
		return recurrence.Wednesday
	case time.Thursday:
		return recurrence.Thursday
	case time.Friday:
		return recurrence.Friday
	case time.Saturday:
		return recurrence.Saturday
	default:
		return recurrence.Sunday
	}
}

// rsvpFromResponse folds Graph's six response states into three. Tentative,
// not responded and organizer all read as pending.
func rsvpFromResponse(status *msStatus) domain.RSVPStatus {
	if status == nil {
		return domain.RSVPPending
	}
	switch status.Response {
	case "accepted":
		return domain.RSVPAccepted
	case "declined":
		return domain.RSVPDeclined
	default:
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
		return "none"
	}
}

func descriptorFromCalendar(cal msCalendar) domain.CalendarDescriptor {
	return domain.CalendarDescriptor{
		ExternalID: cal.ID,
		Name:       cal.Name,
		IsPrimary:  cal.IsDefaultCalendar,
	}
}

func resourceFromPlace(place msPlace) domain.ResourceDescriptor {
	return domain.ResourceDescriptor{
		ExternalID: place.EmailAddress,
		Name:       place.DisplayName,
		Email:      place.EmailAddress,
		Capacity:   place.Capacity,
	}
}

// viewIsFree reports whether an availability view shows nothing but free
// slots. Graph codes each interval 0 free through 4 working elsewhere;
// anything other than free blocks the room.
func viewIsFree(view string) bool {
	for _, c := range view {
		if c != '0' {
			return false
		}
	}
	return view != ""
}
