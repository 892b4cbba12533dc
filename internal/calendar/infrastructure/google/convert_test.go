package google

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	calendar "google.golang.org/api/calendar/v3"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/recurrence"
)

func TestToRecordRecurringMaster(t *testing.T) {
	rec, err := toRecord(&calendar.Event{
		Id:          "evt-1",
		Summary:     "Weekly sync",
		Description: "Agenda in doc",
		Status:      "confirmed",
		Location:    "Room A",
		Start:       &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00+01:00", TimeZone: "Europe/Berlin"},
		End:         &calendar.EventDateTime{DateTime: "2026-03-02T09:30:00+01:00", TimeZone: "Europe/Berlin"},
		Recurrence:  []string{"RRULE:FREQ=WEEKLY;COUNT=10;BYDAY=MO"},
		Attendees: []*calendar.EventAttendee{
			{Email: "host@example.com", ResponseStatus: "accepted", Organizer: true},
			{Email: "room-a@resource.calendar.google.com", Resource: true, ResponseStatus: "accepted"},
			{Email: ""},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "evt-1", rec.ExternalID)
	assert.Equal(t, "Weekly sync", rec.Title)
	assert.Equal(t, domain.EventStatusConfirmed, rec.Status)
	assert.Equal(t, time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC), rec.Start)
	assert.Equal(t, time.Date(2026, time.March, 2, 8, 30, 0, 0, time.UTC), rec.End)
	assert.Equal(t, "Europe/Berlin", rec.Timezone)
	assert.False(t, rec.AllDay)

	require.True(t, rec.IsRecurringMaster())
	require.NotNil(t, rec.Recurrence.Count)
	assert.Equal(t, 10, *rec.Recurrence.Count)
	assert.Equal(t, []recurrence.Weekday{recurrence.Monday}, rec.Recurrence.ByWeekday)

	require.Len(t, rec.Attendees, 2, "attendees without an address are dropped")
	assert.Equal(t, domain.RSVPAccepted, rec.Attendees[0].RSVP)
	assert.True(t, rec.Attendees[1].IsResource)
	assert.Equal(t, "room-a@resource.calendar.google.com", rec.Attendees[1].ResourceExternalID)

	assert.Equal(t, "Room A", rec.Meta["location"])
}

func TestToRecordInstanceCarriesOriginalStart(t *testing.T) {
	rec, err := toRecord(&calendar.Event{
		Id:               "evt-1_20260309T080000Z",
		Summary:          "Weekly sync",
		Status:           "confirmed",
		Start:            &calendar.EventDateTime{DateTime: "2026-03-09T10:00:00Z"},
		End:              &calendar.EventDateTime{DateTime: "2026-03-09T10:30:00Z"},
		RecurringEventId: "evt-1",
		OriginalStartTime: &calendar.EventDateTime{
			DateTime: "2026-03-09T08:00:00Z",
		},
	})
	require.NoError(t, err)

	assert.True(t, rec.IsInstance())
	assert.False(t, rec.IsRecurringMaster())
	assert.Equal(t, "evt-1", rec.RecurringEventID)
	require.NotNil(t, rec.OriginalStart)
	assert.Equal(t, time.Date(2026, time.March, 9, 8, 0, 0, 0, time.UTC), *rec.OriginalStart)
}

func TestToRecordAllDay(t *testing.T) {
	rec, err := toRecord(&calendar.Event{
		Id:      "evt-1",
		Summary: "Offsite",
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{Date: "2026-03-02"},
		End:     &calendar.EventDateTime{Date: "2026-03-04"},
	})
	require.NoError(t, err)

	assert.True(t, rec.AllDay)
	assert.Equal(t, time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC), rec.Start)
	assert.Equal(t, time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC), rec.End,
		"the end date stays exclusive")
}

func TestToRecordCancelledTombstone(t *testing.T) {
	rec, err := toRecord(&calendar.Event{
		Id:               "evt-gone",
		Status:           "cancelled",
		RecurringEventId: "evt-1",
	})
	require.NoError(t, err)

	assert.True(t, rec.IsCancelled())
	assert.True(t, rec.Start.IsZero())
	assert.Equal(t, "evt-1", rec.RecurringEventID)
}

func TestToRecordRejectsUnsupportedRule(t *testing.T) {
	_, err := toRecord(&calendar.Event{
		Id:         "evt-1",
		Status:     "confirmed",
		Start:      &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00Z"},
		End:        &calendar.EventDateTime{DateTime: "2026-03-02T10:00:00Z"},
		Recurrence: []string{"RRULE:FREQ=MONTHLY;BYSETPOS=-1;COUNT=6"},
	})

	require.ErrorIs(t, err, domain.ErrMalformed)
	assert.ErrorIs(t, err, recurrence.ErrUnsupportedRule)
}

func TestToRecordRejectsMissingID(t *testing.T) {
	_, err := toRecord(&calendar.Event{Summary: "nameless"})
	require.ErrorIs(t, err, domain.ErrMalformed)
}

func TestRSVPMapping(t *testing.T) {
	cases := []struct {
		response string
		want     domain.RSVPStatus
	}{
		{"accepted", domain.RSVPAccepted},
		{"declined", domain.RSVPDeclined},
		{"tentative", domain.RSVPPending},
		{"needsAction", domain.RSVPPending},
		{"", domain.RSVPPending},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, rsvpFromResponse(tc.response), "response %q", tc.response)
	}

	assert.Equal(t, "accepted", responseFromRSVP(domain.RSVPAccepted))
	assert.Equal(t, "declined", responseFromRSVP(domain.RSVPDeclined))
	assert.Equal(t, "needsAction", responseFromRSVP(domain.RSVPPending))
}

func TestFromInputAllDay(t *testing.T) {
	ev, err := fromInput(domain.EventInput{
		Title:  "Offsite",
		Start:  time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "2026-03-02", ev.Start.Date)
	assert.Empty(t, ev.Start.DateTime)
	assert.Equal(t, "2026-03-04", ev.End.Date)
}

func TestFromInputRejectsUnboundedRule(t *testing.T) {
	_, err := fromInput(domain.EventInput{
		Title: "Forever",
		Start: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
		Rule:  &recurrence.Rule{Frequency: recurrence.Weekly, Interval: 1},
	})

	require.ErrorIs(t, err, domain.ErrMalformed)
}

func TestBusyInWindow(t *testing.T) {
	window := mustWindow(t,
		time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC))

	cases := []struct {
		name    string
		periods []*calendar.TimePeriod
		busy    bool
	}{
		{"no busy time", nil, false},
		{"overlapping", []*calendar.TimePeriod{{Start: "2026-03-02T09:30:00Z", End: "2026-03-02T11:00:00Z"}}, true},
		{"adjacent before", []*calendar.TimePeriod{{Start: "2026-03-02T08:00:00Z", End: "2026-03-02T09:00:00Z"}}, false},
		{"adjacent after", []*calendar.TimePeriod{{Start: "2026-03-02T10:00:00Z", End: "2026-03-02T11:00:00Z"}}, false},
		{"covering", []*calendar.TimePeriod{{Start: "2026-03-02T08:00:00Z", End: "2026-03-02T12:00:00Z"}}, true},
		{"unreadable slot blocks", []*calendar.TimePeriod{{Start: "garbage", End: "2026-03-02T11:00:00Z"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.busy, busyInWindow(tc.periods, window))
		})
	}
}
