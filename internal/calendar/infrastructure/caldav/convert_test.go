package caldav

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/recurrence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wrapObject(path string, events ...*ical.Event) *caldav.CalendarObject {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Test//EN")
	for _, event := range events {
		cal.Children = append(cal.Children, event.Component)
	}
	return &caldav.CalendarObject{Path: path, Data: cal}
}

func TestToICalendarWritesSeries(t *testing.T) {
	count := 8
	input := domain.EventInput{
		Title:       "Weekly review",
		Description: "Agenda in the doc",
		Start:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Timezone:    "Europe/Berlin",
		Rule: &recurrence.Rule{
			Frequency: recurrence.Weekly,
			Interval:  1,
			Count:     &count,
			ByWeekday: []recurrence.Weekday{recurrence.Monday},
		},
		Attendees: []domain.AttendeeRecord{
			{Email: "ana@example.com", DisplayName: "Ana", RSVP: domain.RSVPAccepted},
			{IsResource: true, ResourceExternalID: "room-4", RSVP: domain.RSVPPending},
		},
		Meta: map[string]string{"location": "Floor 3"},
	}

	cal, err := toICalendar("uid-1", input)
	require.NoError(t, err)

	require.Len(t, cal.Children, 1)
	event := cal.Children[0]
	assert.Equal(t, ical.CompEvent, event.Name)
	assert.Equal(t, "uid-1", event.Props.Get(ical.PropUID).Value)
	assert.Equal(t, "Weekly review", event.Props.Get(ical.PropSummary).Value)
	assert.Equal(t, "Agenda in the doc", event.Props.Get(ical.PropDescription).Value)
	assert.Equal(t, "Floor 3", event.Props.Get(ical.PropLocation).Value)
	assert.Equal(t, "1", event.Props.Get(PropXSlotwise).Value)

	// The rule must survive byte-for-byte; text escaping would corrupt the
	// component separators.
	assert.Equal(t, "FREQ=WEEKLY;INTERVAL=1;COUNT=8;BYDAY=MO",
		event.Props.Get(ical.PropRecurrenceRule).Value)

	attendees := event.Props[ical.PropAttendee]
	require.Len(t, attendees, 2)
	assert.Equal(t, "mailto:ana@example.com", attendees[0].Value)
	assert.Equal(t, "Ana", firstParam(&attendees[0], paramCommonName))
	assert.Equal(t, "ACCEPTED", firstParam(&attendees[0], paramPartStat))
	assert.Equal(t, "mailto:room-4", attendees[1].Value)
	assert.Equal(t, "RESOURCE", firstParam(&attendees[1], paramUserType))
	assert.Equal(t, "NEEDS-ACTION", firstParam(&attendees[1], paramPartStat))
}

func TestToICalendarAllDayUsesDateValues(t *testing.T) {
	cal, err := toICalendar("uid-2", domain.EventInput{
		Title:  "Offsite",
		Start:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	})
	require.NoError(t, err)

	event := cal.Children[0]
	start := event.Props.Get(ical.PropDateTimeStart)
	require.NotNil(t, start)
	assert.Equal(t, "20260302", start.Value)
	assert.Equal(t, "DATE", firstParam(start, paramValueType))
	end := event.Props.Get(ical.PropDateTimeEnd)
	require.NotNil(t, end)
	assert.Equal(t, "20260304", end.Value)
}

func TestMasterRecordEchoesWrite(t *testing.T) {
	count := 5
	input := domain.EventInput{
		Title: "Standup",
		Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC),
		Rule:  &recurrence.Rule{Frequency: recurrence.Daily, Interval: 1, Count: &count},
		Attendees: []domain.AttendeeRecord{
			{Email: "ana@example.com", RSVP: domain.RSVPDeclined},
		},
		Meta: map[string]string{"location": "Room 1"},
	}
	cal, err := toICalendar("uid-3", input)
	require.NoError(t, err)

	rec, err := masterRecord(cal)
	require.NoError(t, err)
	assert.Equal(t, "uid-3", rec.ExternalID)
	assert.Equal(t, "Standup", rec.Title)
	assert.True(t, rec.Start.Equal(input.Start), "got %s", rec.Start)
	assert.True(t, rec.End.Equal(input.End), "got %s", rec.End)
	assert.Equal(t, "UTC", rec.Timezone)
	assert.False(t, rec.AllDay)
	assert.Equal(t, domain.EventStatusConfirmed, rec.Status)
	assert.True(t, rec.IsRecurringMaster())
	require.NotNil(t, rec.Recurrence)
	assert.Equal(t, recurrence.Daily, rec.Recurrence.Frequency)
	require.NotNil(t, rec.Recurrence.Count)
	assert.Equal(t, 5, *rec.Recurrence.Count)
	require.Len(t, rec.Attendees, 1)
	assert.Equal(t, "ana@example.com", rec.Attendees[0].Email)
	assert.Equal(t, domain.RSVPDeclined, rec.Attendees[0].RSVP)
	assert.Equal(t, "Room 1", rec.Meta["location"])
}

func TestRecordsFromObjectExplodesSeries(t *testing.T) {
	master := ical.NewEvent()
	master.Props.SetText(ical.PropUID, "series-1")
	master.Props.SetText(ical.PropSummary, "Standup")
	setRawProp(master.Props, ical.PropDateTimeStart, "20260302T090000Z")
	setRawProp(master.Props, ical.PropDateTimeEnd, "20260302T091500Z")
	setRawProp(master.Props, ical.PropRecurrenceRule, "FREQ=DAILY;INTERVAL=1;COUNT=10")

	override := ical.NewEvent()
	override.Props.SetText(ical.PropUID, "series-1")
	override.Props.SetText(ical.PropSummary, "Standup (moved)")
	setRawProp(override.Props, ical.PropRecurrenceID, "20260304T090000Z")
	setRawProp(override.Props, ical.PropDateTimeStart, "20260304T103000Z")
	setRawProp(override.Props, ical.PropDateTimeEnd, "20260304T104500Z")

	// The override sits first on purpose; records must still lead with the
	// master.
	obj := wrapObject("/cal/u/home/series-1.ics", override, master)
	records := recordsFromObject(obj, testLogger())

	require.Len(t, records, 2)
	assert.Equal(t, "series-1", records[0].ExternalID)
	assert.True(t, records[0].IsRecurringMaster())

	instance := records[1]
	assert.Equal(t, "series-1#20260304T090000Z", instance.ExternalID)
	assert.Equal(t, "series-1", instance.RecurringEventID)
	assert.True(t, instance.IsInstance())
	require.NotNil(t, instance.OriginalStart)
	assert.True(t, instance.OriginalStart.Equal(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)))
	assert.True(t, instance.Start.Equal(time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)))
	assert.Equal(t, "Standup (moved)", instance.Title)
}

func TestRecordsFromObjectSkipsUnreadableChildren(t *testing.T) {
	unsupported := ical.NewEvent()
	unsupported.Props.SetText(ical.PropUID, "series-2")
	setRawProp(unsupported.Props, ical.PropDateTimeStart, "20260302T090000Z")
	setRawProp(unsupported.Props, ical.PropDateTimeEnd, "20260302T091500Z")
	// Positional rules fall outside the accepted subset.
	setRawProp(unsupported.Props, ical.PropRecurrenceRule, "FREQ=WEEKLY;INTERVAL=1;COUNT=4;BYSETPOS=2")

	uidless := ical.NewEvent()
	setRawProp(uidless.Props, ical.PropDateTimeStart, "20260302T100000Z")

	orphan := ical.NewEvent()
	orphan.Props.SetText(ical.PropUID, "series-2")
	orphan.Props.SetText(ical.PropSummary, "Moved anyway")
	setRawProp(orphan.Props, ical.PropRecurrenceID, "20260305T090000Z")
	setRawProp(orphan.Props, ical.PropDateTimeStart, "20260305T110000Z")
	setRawProp(orphan.Props, ical.PropDateTimeEnd, "20260305T111500Z")

	obj := wrapObject("/cal/u/home/series-2.ics", unsupported, uidless, orphan)
	records := recordsFromObject(obj, testLogger())

	// The unreadable master is dropped but its override still flows,
	// mirroring how other providers stream orphaned instances.
	require.Len(t, records, 1)
	assert.Equal(t, "series-2#20260305T090000Z", records[0].ExternalID)
	assert.Equal(t, "series-2", records[0].RecurringEventID)
}

func TestRecordFromComponentForeignShapes(t *testing.T) {
	t.Run("zoned start keeps the timezone", func(t *testing.T) {
		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, "evt-tz")
		start := ical.NewProp(ical.PropDateTimeStart)
		start.Value = "20260302T090000"
		start.Params = ical.Params{paramTZID: {"Europe/Berlin"}}
		event.Props[ical.PropDateTimeStart] = []ical.Prop{*start}
		end := ical.NewProp(ical.PropDateTimeEnd)
		end.Value = "20260302T100000"
		end.Params = ical.Params{paramTZID: {"Europe/Berlin"}}
		event.Props[ical.PropDateTimeEnd] = []ical.Prop{*end}

		rec, isOverride, err := recordFromComponent(event.Component)
		require.NoError(t, err)
		assert.False(t, isOverride)
		assert.Equal(t, "Europe/Berlin", rec.Timezone)
		assert.True(t, rec.Start.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)), "got %s", rec.Start)
	})

	t.Run("date value reads as all day, end defaults to one day", func(t *testing.T) {
		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, "evt-allday")
		start := ical.NewProp(ical.PropDateTimeStart)
		start.Value = "20260302"
		start.Params = ical.Params{paramValueType: {"DATE"}}
		event.Props[ical.PropDateTimeStart] = []ical.Prop{*start}

		rec, _, err := recordFromComponent(event.Component)
		require.NoError(t, err)
		assert.True(t, rec.AllDay)
		assert.True(t, rec.Start.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
		assert.True(t, rec.End.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("cancelled status", func(t *testing.T) {
		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, "evt-gone")
		setRawProp(event.Props, ical.PropDateTimeStart, "20260302T090000Z")
		setRawProp(event.Props, ical.PropDateTimeEnd, "20260302T100000Z")
		event.Props.SetText(ical.PropStatus, "CANCELLED")

		rec, _, err := recordFromComponent(event.Component)
		require.NoError(t, err)
		assert.True(t, rec.IsCancelled())
	})

	t.Run("uppercase mailto attendee", func(t *testing.T) {
		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, "evt-att")
		setRawProp(event.Props, ical.PropDateTimeStart, "20260302T090000Z")
		setRawProp(event.Props, ical.PropDateTimeEnd, "20260302T100000Z")
		att := ical.NewProp(ical.PropAttendee)
		att.Value = "MAILTO:Per@Example.com"
		att.Params = ical.Params{paramPartStat: {"ACCEPTED"}}
		event.Props[ical.PropAttendee] = []ical.Prop{*att}

		rec, _, err := recordFromComponent(event.Component)
		require.NoError(t, err)
		require.Len(t, rec.Attendees, 1)
		assert.Equal(t, "Per@Example.com", rec.Attendees[0].Email)
		assert.Equal(t, domain.RSVPAccepted, rec.Attendees[0].RSVP)
	})

	t.Run("room cutype marks a resource", func(t *testing.T) {
		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, "evt-room")
		setRawProp(event.Props, ical.PropDateTimeStart, "20260302T090000Z")
		setRawProp(event.Props, ical.PropDateTimeEnd, "20260302T100000Z")
		att := ical.NewProp(ical.PropAttendee)
		att.Value = "mailto:room-big@example.com"
		att.Params = ical.Params{paramUserType: {"ROOM"}}
		event.Props[ical.PropAttendee] = []ical.Prop{*att}

		rec, _, err := recordFromComponent(event.Component)
		require.NoError(t, err)
		require.Len(t, rec.Attendees, 1)
		assert.True(t, rec.Attendees[0].IsResource)
		assert.Equal(t, "room-big@example.com", rec.Attendees[0].ResourceExternalID)
	})

	t.Run("missing uid is rejected", func(t *testing.T) {
		event := ical.NewEvent()
		setRawProp(event.Props, ical.PropDateTimeStart, "20260302T090000Z")

		_, _, err := recordFromComponent(event.Component)
		assert.Error(t, err)
	})

	t.Run("timed event without an end is rejected", func(t *testing.T) {
		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, "evt-open")
		setRawProp(event.Props, ical.PropDateTimeStart, "20260302T090000Z")

		_, _, err := recordFromComponent(event.Component)
		assert.Error(t, err)
	})
}

func TestOverrideEventRefusesRule(t *testing.T) {
	count := 3
	_, err := overrideEvent("series-3", time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), domain.EventInput{
		Title: "No nested series",
		Start: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC),
		Rule:  &recurrence.Rule{Frequency: recurrence.Daily, Interval: 1, Count: &count},
	})
	assert.Error(t, err)
}

func TestUpsertOverrideReplacesMatchingOccurrence(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	count := 10
	cal, err := toICalendar("series-3", domain.EventInput{
		Title: "Standup",
		Start: base,
		End:   base.Add(15 * time.Minute),
		Rule:  &recurrence.Rule{Frequency: recurrence.Daily, Interval: 1, Count: &count},
	})
	require.NoError(t, err)

	occurrence := base.AddDate(0, 0, 2)
	moved, err := overrideEvent("series-3", occurrence, domain.EventInput{
		Title: "Standup (moved)",
		Start: occurrence.Add(time.Hour),
		End:   occurrence.Add(75 * time.Minute),
	})
	require.NoError(t, err)
	upsertOverride(cal, moved, occurrence)
	require.Len(t, cal.Children, 2)

	movedAgain, err := overrideEvent("series-3", occurrence, domain.EventInput{
		Title: "Standup (moved again)",
		Start: occurrence.Add(2 * time.Hour),
		End:   occurrence.Add(135 * time.Minute),
	})
	require.NoError(t, err)
	upsertOverride(cal, movedAgain, occurrence)
	require.Len(t, cal.Children, 2, "the same occurrence is replaced, not duplicated")
	assert.Equal(t, "Standup (moved again)", cal.Children[1].Props.Get(ical.PropSummary).Value)

	other := base.AddDate(0, 0, 4)
	early, err := overrideEvent("series-3", other, domain.EventInput{
		Title: "Standup (early)",
		Start: other.Add(-time.Hour),
		End:   other.Add(-45 * time.Minute),
	})
	require.NoError(t, err)
	upsertOverride(cal, early, other)
	assert.Len(t, cal.Children, 3)
}

func TestCancelOccurrence(t *testing.T) {
	newSeries := func(t *testing.T) (*ical.Calendar, time.Time) {
		t.Helper()
		base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		count := 10
		cal, err := toICalendar("series-4", domain.EventInput{
			Title: "Standup",
			Start: base,
			End:   base.Add(15 * time.Minute),
			Rule:  &recurrence.Rule{Frequency: recurrence.Daily, Interval: 1, Count: &count},
		})
		require.NoError(t, err)
		return cal, base
	}

	t.Run("existing override turns cancelled", func(t *testing.T) {
		cal, base := newSeries(t)
		occurrence := base.AddDate(0, 0, 1)
		moved, err := overrideEvent("series-4", occurrence, domain.EventInput{
			Title: "Standup (moved)",
			Start: occurrence.Add(time.Hour),
			End:   occurrence.Add(75 * time.Minute),
		})
		require.NoError(t, err)
		upsertOverride(cal, moved, occurrence)

		require.NoError(t, cancelOccurrence(cal, "series-4", occurrence))
		require.Len(t, cal.Children, 2)
		assert.Equal(t, "CANCELLED", cal.Children[1].Props.Get(ical.PropStatus).Value)
	})

	t.Run("missing override is written from the master", func(t *testing.T) {
		cal, base := newSeries(t)
		occurrence := base.AddDate(0, 0, 3)

		require.NoError(t, cancelOccurrence(cal, "series-4", occurrence))
		require.Len(t, cal.Children, 2)

		rec, isOverride, err := recordFromComponent(cal.Children[1])
		require.NoError(t, err)
		assert.True(t, isOverride)
		assert.True(t, rec.IsCancelled())
		assert.Equal(t, "Standup", rec.Title)
		require.NotNil(t, rec.OriginalStart)
		assert.True(t, rec.OriginalStart.Equal(occurrence))
		assert.True(t, rec.Start.Equal(occurrence))
		assert.True(t, rec.End.Equal(occurrence.Add(15*time.Minute)), "duration follows the master")
	})

	t.Run("object without a master is refused", func(t *testing.T) {
		cal := ical.NewCalendar()
		err := cancelOccurrence(cal, "series-4", time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
		assert.Error(t, err)
	})
}

func TestInstanceIDRoundTrip(t *testing.T) {
	stamp := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	id := instanceExternalID("series-1", stamp)
	assert.Equal(t, "series-1#20260304T090000Z", id)

	uid, got := splitInstanceID(id)
	assert.Equal(t, "series-1", uid)
	require.NotNil(t, got)
	assert.True(t, got.Equal(stamp))

	uid, got = splitInstanceID("plain-uid")
	assert.Equal(t, "plain-uid", uid)
	assert.Nil(t, got)

	uid, got = splitInstanceID("weird#uid")
	assert.Equal(t, "weird#uid", uid, "a separator without a stamp stays part of the uid")
	assert.Nil(t, got)
}

func TestParseDateTimeProp(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		params  ical.Params
		want    time.Time
		wantErr bool
	}{
		{name: "utc stamp", value: "20260302T090000Z",
			want: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{name: "zoned stamp", value: "20260302T090000",
			params: ical.Params{paramTZID: {"Europe/Berlin"}},
			want:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{name: "floating stamp reads as utc", value: "20260302T090000",
			want: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{name: "date param", value: "20260302",
			params: ical.Params{paramValueType: {"DATE"}},
			want:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{name: "bare date", value: "20260302",
			want: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{name: "garbage", value: "tomorrow", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prop := ical.NewProp(ical.PropRecurrenceID)
			prop.Value = tc.value
			if tc.params != nil {
				prop.Params = tc.params
			}
			got, err := parseDateTimeProp(prop)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tc.want), "got %s", got)
		})
	}
}

func TestPartStatMapping(t *testing.T) {
	assert.Equal(t, "ACCEPTED", partStatFromRSVP(domain.RSVPAccepted))
	assert.Equal(t, "DECLINED", partStatFromRSVP(domain.RSVPDeclined))
	assert.Equal(t, "NEEDS-ACTION", partStatFromRSVP(domain.RSVPPending))

	assert.Equal(t, domain.RSVPAccepted, rsvpFromPartStat("accepted"))
	assert.Equal(t, domain.RSVPDeclined, rsvpFromPartStat("DECLINED"))
	assert.Equal(t, domain.RSVPPending, rsvpFromPartStat("TENTATIVE"))
	assert.Equal(t, domain.RSVPPending, rsvpFromPartStat(""))
}
