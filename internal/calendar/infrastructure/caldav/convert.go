package caldav

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/recurrence"
)

// PropXSlotwise marks events this platform wrote.
const PropXSlotwise = "X-SLOTWISE"

const productID = "-//Slotwise//CalSync//EN"

const (
	utcStampLayout   = "20060102T150405Z"
	localStampLayout = "20060102T150405"
	dateLayout       = "20060102"
)

// instanceIDSeparator joins a series UID with its occurrence stamp, giving
// recurrence overrides an external id of their own.
const instanceIDSeparator = "#"

// iCalendar parameter names read and written on raw props.
const (
	paramValueType  = "VALUE"
	paramTZID       = "TZID"
	paramCommonName = "CN"
	paramPartStat   = "PARTSTAT"
	paramUserType   = "CUTYPE"
)

// toICalendar builds a single-event .ics object for the input.
func toICalendar(uid string, input domain.EventInput) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	event, err := toEvent(uid, input)
	if err != nil {
		return nil, err
	}
	cal.Children = append(cal.Children, event.Component)
	return cal, nil
}

// toEvent converts the input into a VEVENT. Times are written as UTC
// instants so no VTIMEZONE component is needed; all-day events use DATE
// values instead.
func toEvent(uid string, input domain.EventInput) (*ical.Event, error) {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	if input.AllDay {
		setDateProp(event.Props, ical.PropDateTimeStart, input.Start)
		setDateProp(event.Props, ical.PropDateTimeEnd, input.End)
	} else {
		event.Props.SetDateTime(ical.PropDateTimeStart, input.Start.UTC())
		event.Props.SetDateTime(ical.PropDateTimeEnd, input.End.UTC())
	}
	event.Props.SetText(ical.PropSummary, input.Title)
	if input.Description != "" {
		event.Props.SetText(ical.PropDescription, input.Description)
	}
	if location := input.Meta["location"]; location != "" {
		event.Props.SetText(ical.PropLocation, location)
	}
	if input.Rule != nil {
		line, err := recurrence.FormatRule(*input.Rule)
		if err != nil {
			return nil, err
		}
		setRawProp(event.Props, ical.PropRecurrenceRule, line)
	}
	for _, att := range input.Attendees {
		if att.Email == "" && att.ResourceExternalID == "" {
			continue
		}
		prop := attendeeProp(att)
		event.Props[ical.PropAttendee] = append(event.Props[ical.PropAttendee], prop)
	}
	// Custom property identifying events created by this platform.
	setRawProp(event.Props, PropXSlotwise, "1")
	return event, nil
}

// overrideEvent builds a RECURRENCE-ID child rewriting one occurrence of a
// series.
func overrideEvent(uid string, originalStart time.Time, input domain.EventInput) (*ical.Event, error) {
	if input.Rule != nil {
		return nil, errors.New("an occurrence override cannot carry a recurrence rule")
	}
	event, err := toEvent(uid, input)
	if err != nil {
		return nil, err
	}
	setRawProp(event.Props, ical.PropRecurrenceID, originalStart.UTC().Format(utcStampLayout))
	return event, nil
}

func attendeeProp(att domain.AttendeeRecord) ical.Prop {
	address := att.Email
	if att.IsResource && att.ResourceExternalID != "" {
		address = att.ResourceExternalID
	}
	prop := ical.NewProp(ical.PropAttendee)
	prop.Value = "mailto:" + address
	params := ical.Params{paramPartStat: []string{partStatFromRSVP(att.RSVP)}}
	if att.DisplayName != "" {
		params[paramCommonName] = []string{att.DisplayName}
	}
	if att.IsResource {
		params[paramUserType] = []string{"RESOURCE"}
	}
	prop.Params = params
	return *prop
}

// setDateProp writes a DATE-valued prop, the all-day form of DTSTART/DTEND.
func setDateProp(props ical.Props, name string, t time.Time) {
	prop := ical.NewProp(name)
	prop.Value = t.UTC().Format(dateLayout)
	prop.Params = ical.Params{paramValueType: []string{"DATE"}}
	props[name] = []ical.Prop{*prop}
}

// setRawProp writes the value without text escaping, which RRULE and
// RECURRENCE-ID must not get.
func setRawProp(props ical.Props, name, value string) {
	prop := ical.NewProp(name)
	prop.Value = value
	props[name] = []ical.Prop{*prop}
}

// recordsFromObject flattens one .ics object into event records. An object
// holds a whole series: the master VEVENT plus any RECURRENCE-ID overrides,
// which surface after the master so consumers see a series before its
// exceptions. Children the conversion cannot read are logged and skipped.
func recordsFromObject(obj *caldav.CalendarObject, logger *slog.Logger) []domain.EventRecord {
	if obj == nil || obj.Data == nil {
		return nil
	}
	var masters, overrides []domain.EventRecord
	for _, child := range obj.Data.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		record, isOverride, err := recordFromComponent(child)
		if err != nil {
			logger.Warn("skipping malformed event", "path", obj.Path, "error", err)
			continue
		}
		if isOverride {
			overrides = append(overrides, record)
		} else {
			masters = append(masters, record)
		}
	}
	return append(masters, overrides...)
}

// recordFromComponent reads one VEVENT. isOverride is true when the
// component carries RECURRENCE-ID, meaning it rewrites a single occurrence
// of the series sharing its UID.
func recordFromComponent(child *ical.Component) (record domain.EventRecord, isOverride bool, err error) {
	uid := propText(child.Props, ical.PropUID)
	if uid == "" {
		return domain.EventRecord{}, false, errors.New("event without uid")
	}
	startProp := child.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return domain.EventRecord{}, false, fmt.Errorf("event %s has no start", uid)
	}

	event := ical.Event{Component: child}
	start, err := event.DateTimeStart(time.UTC)
	if err != nil {
		return domain.EventRecord{}, false, fmt.Errorf("event %s: start: %w", uid, err)
	}
	allDay := isDateOnly(startProp)

	var end time.Time
	switch {
	case child.Props.Get(ical.PropDateTimeEnd) != nil:
		end, err = event.DateTimeEnd(time.UTC)
		if err != nil {
			return domain.EventRecord{}, false, fmt.Errorf("event %s: end: %w", uid, err)
		}
	case allDay:
		// DTEND is optional on all-day events and defaults to one day.
		end = start.AddDate(0, 0, 1)
	default:
		// DURATION-only events are outside the supported subset.
		return domain.EventRecord{}, false, fmt.Errorf("event %s has no end", uid)
	}

	record = domain.EventRecord{
		ExternalID:  uid,
		Title:       propText(child.Props, ical.PropSummary),
		Description: propText(child.Props, ical.PropDescription),
		Start:       start.UTC(),
		End:         end.UTC(),
		Timezone:    timezoneOf(startProp),
		AllDay:      allDay,
		Status:      statusOf(child.Props),
		Attendees:   attendeesOf(child.Props),
	}
	if location := propText(child.Props, ical.PropLocation); location != "" {
		record.Meta = map[string]string{"location": location}
	}

	if prop := child.Props.Get(ical.PropRecurrenceID); prop != nil {
		original, perr := parseDateTimeProp(prop)
		if perr != nil {
			return domain.EventRecord{}, false, fmt.Errorf("event %s: recurrence-id: %w", uid, perr)
		}
		originalStart := original.UTC()
		record.RecurringEventID = uid
		record.OriginalStart = &originalStart
		record.ExternalID = instanceExternalID(uid, originalStart)
		return record, true, nil
	}

	if prop := child.Props.Get(ical.PropRecurrenceRule); prop != nil {
		rule, perr := recurrence.ParseRule(prop.Value)
		if perr != nil {
			return domain.EventRecord{}, false, fmt.Errorf("event %s: %w", uid, perr)
		}
		record.Recurrence = &rule
	}
	return record, false, nil
}

// masterRecord reads the object's series master back as a record, so writes
// echo exactly what a later sync would parse.
func masterRecord(cal *ical.Calendar) (domain.EventRecord, error) {
	master := masterComponent(cal)
	if master == nil {
		return domain.EventRecord{}, errors.New("object has no series master")
	}
	record, _, err := recordFromComponent(master)
	return record, err
}

func masterComponent(cal *ical.Calendar) *ical.Component {
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent && child.Props.Get(ical.PropRecurrenceID) == nil {
			return child
		}
	}
	return nil
}

func masterDuration(master *ical.Component) time.Duration {
	event := ical.Event{Component: master}
	start, err := event.DateTimeStart(time.UTC)
	if err != nil {
		return time.Hour
	}
	end, err := event.DateTimeEnd(time.UTC)
	if err != nil || !end.After(start) {
		return time.Hour
	}
	return end.Sub(start)
}

// upsertOverride replaces the override child matching the occurrence, or
// appends a new one.
func upsertOverride(cal *ical.Calendar, event *ical.Event, originalStart time.Time) {
	stamp := originalStart.UTC()
	for i, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		prop := child.Props.Get(ical.PropRecurrenceID)
		if prop == nil {
			continue
		}
		if t, err := parseDateTimeProp(prop); err == nil && t.UTC().Equal(stamp) {
			cal.Children[i] = event.Component
			return
		}
	}
	cal.Children = append(cal.Children, event.Component)
}

// cancelOccurrence marks one occurrence cancelled by writing a CANCELLED
// override, the CalDAV analogue of deleting a single instance.
func cancelOccurrence(cal *ical.Calendar, uid string, originalStart time.Time) error {
	stamp := originalStart.UTC()
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		prop := child.Props.Get(ical.PropRecurrenceID)
		if prop == nil {
			continue
		}
		if t, err := parseDateTimeProp(prop); err == nil && t.UTC().Equal(stamp) {
			child.Props.SetText(ical.PropStatus, "CANCELLED")
			return nil
		}
	}

	master := masterComponent(cal)
	if master == nil {
		return errors.New("object has no series master")
	}
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	setRawProp(event.Props, ical.PropRecurrenceID, stamp.Format(utcStampLayout))
	event.Props.SetDateTime(ical.PropDateTimeStart, stamp)
	event.Props.SetDateTime(ical.PropDateTimeEnd, stamp.Add(masterDuration(master)))
	if summary := propText(master.Props, ical.PropSummary); summary != "" {
		event.Props.SetText(ical.PropSummary, summary)
	}
	event.Props.SetText(ical.PropStatus, "CANCELLED")
	cal.Children = append(cal.Children, event.Component)
	return nil
}

// objectUID returns the UID of the object's first VEVENT.
func objectUID(obj *caldav.CalendarObject) string {
	if obj == nil || obj.Data == nil {
		return ""
	}
	for _, child := range obj.Data.Children {
		if child.Name == ical.CompEvent {
			return propText(child.Props, ical.PropUID)
		}
	}
	return ""
}

func instanceExternalID(uid string, originalStart time.Time) string {
	return uid + instanceIDSeparator + originalStart.UTC().Format(utcStampLayout)
}

// splitInstanceID undoes instanceExternalID. The stamp must parse as a UTC
// timestamp, so UIDs that merely contain the separator stay whole.
func splitInstanceID(externalID string) (string, *time.Time) {
	i := strings.LastIndex(externalID, instanceIDSeparator)
	if i < 0 {
		return externalID, nil
	}
	t, err := time.Parse(utcStampLayout, externalID[i+1:])
	if err != nil {
		return externalID, nil
	}
	t = t.UTC()
	return externalID[:i], &t
}

// parseDateTimeProp reads a date or date-time prop by hand. It backs
// RECURRENCE-ID handling, which go-ical has no event-level helper for.
func parseDateTimeProp(prop *ical.Prop) (time.Time, error) {
	value := strings.TrimSpace(prop.Value)
	switch {
	case strings.EqualFold(firstParam(prop, paramValueType), "DATE") || len(value) == len(dateLayout):
		t, err := time.Parse(dateLayout, value)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	case strings.HasSuffix(value, "Z"):
		return time.Parse(utcStampLayout, value)
	default:
		t, err := time.Parse(localStampLayout, value)
		if err != nil {
			return time.Time{}, err
		}
		if tzid := firstParam(prop, paramTZID); tzid != "" {
			if loc, lerr := time.LoadLocation(tzid); lerr == nil {
				t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
			}
		}
		return t.UTC(), nil
	}
}

func isDateOnly(prop *ical.Prop) bool {
	if prop == nil {
		return false
	}
	if strings.EqualFold(firstParam(prop, paramValueType), "DATE") {
		return true
	}
	return len(strings.TrimSpace(prop.Value)) == len(dateLayout)
}

func firstParam(prop *ical.Prop, name string) string {
	if prop == nil {
		return ""
	}
	values := prop.Params[name]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func propText(props ical.Props, name string) string {
	if prop := props.Get(name); prop != nil {
		return prop.Value
	}
	return ""
}

// timezoneOf keeps the DTSTART zone when it names a loadable location.
// Floating and UTC times, and TZIDs the host cannot resolve, read as UTC;
// the instants themselves are already resolved either way.
func timezoneOf(startProp *ical.Prop) string {
	tzid := firstParam(startProp, paramTZID)
	if tzid == "" {
		return "UTC"
	}
	if _, err := time.LoadLocation(tzid); err != nil {
		return "UTC"
	}
	return tzid
}

func statusOf(props ical.Props) domain.EventStatus {
	if strings.EqualFold(propText(props, ical.PropStatus), "CANCELLED") {
		return domain.EventStatusCancelled
	}
	return domain.EventStatusConfirmed
}

func attendeesOf(props ical.Props) []domain.AttendeeRecord {
	attendeeProps := props[ical.PropAttendee]
	if len(attendeeProps) == 0 {
		return nil
	}
	records := make([]domain.AttendeeRecord, 0, len(attendeeProps))
	for i := range attendeeProps {
		prop := &attendeeProps[i]
		address := prop.Value
		if len(address) >= 7 && strings.EqualFold(address[:7], "mailto:") {
			address = address[7:]
		}
		if address == "" {
			continue
		}
		att := domain.AttendeeRecord{
			Email:       address,
			DisplayName: firstParam(prop, paramCommonName),
			RSVP:        rsvpFromPartStat(firstParam(prop, paramPartStat)),
		}
		switch strings.ToUpper(firstParam(prop, paramUserType)) {
		case "RESOURCE", "ROOM":
			att.IsResource = true
			att.ResourceExternalID = address
		}
		records = append(records, att)
	}
	return records
}

func partStatFromRSVP(status domain.RSVPStatus) string {
	switch status {
	case domain.RSVPAccepted:
		return "ACCEPTED"
	case domain.RSVPDeclined:
		return "DECLINED"
	default:
		return "NEEDS-ACTION"
	}
}

func rsvpFromPartStat(partStat string) domain.RSVPStatus {
	switch strings.ToUpper(partStat) {
	case "ACCEPTED":
		return domain.RSVPAccepted
	case "DECLINED":
		return domain.RSVPDeclined
	default:
		return domain.RSVPPending
	}
}
