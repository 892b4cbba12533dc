package google

import (
	"context"
	"log/slog"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

// eventStream pages through Events.List lazily. A non-empty syncToken
// switches to incremental mode, where the token carries the original window
// and deletions arrive as cancelled records.
type eventStream struct {
	svc        *calendar.Service
	calendarID string
	window     domain.TimeWindow
	syncToken  string
	logger     *slog.Logger

	buf       []*calendar.Event
	pageToken string
	nextSync  string
	done      bool
}

func (s *eventStream) Next(ctx context.Context) (domain.EventRecord, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.EventRecord{}, false, err
		}
		if len(s.buf) == 0 {
			if s.done {
				return domain.EventRecord{}, false, nil
			}
			if err := s.fetch(ctx); err != nil {
				s.done = true
				return domain.EventRecord{}, false, err
			}
			continue
		}
		item := s.buf[0]
		s.buf = s.buf[1:]
		rec, err := toRecord(item)
		if err != nil {
			// Item-fatal only: an unreadable payload is logged and
			// skipped, the stream carries on.
			s.logger.Warn("skipping malformed event",
				"calendar", s.calendarID, "event", eventID(item), "error", err)
			continue
		}
		return rec, true, nil
	}
}

func (s *eventStream) fetch(ctx context.Context) error {
	call := s.svc.Events.List(s.calendarID).
		MaxResults(eventPageSize).
		SingleEvents(false).
		Context(ctx)
	if s.syncToken != "" {
		call = call.SyncToken(s.syncToken).ShowDeleted(true)
	} else {
		call = call.
			TimeMin(s.window.Start.Format(time.RFC3339)).
			TimeMax(s.window.End.Format(time.RFC3339))
	}
	if s.pageToken != "" {
		call = call.PageToken(s.pageToken)
	}
	page, err := call.Do()
	if err != nil {
		return translate("list events", err)
	}
	s.buf = page.Items
	s.pageToken = page.NextPageToken
	if page.NextPageToken == "" {
		s.done = true
		s.nextSync = page.NextSyncToken
	}
	return nil
}

// SyncToken returns the cursor captured on the final page.
func (s *eventStream) SyncToken() string { return s.nextSync }

func (s *eventStream) Close() error { return nil }

func eventID(item *calendar.Event) string {
	if item == nil {
		return ""
	}
	return item.Id
}

// calendarStream pages through the account's calendar list lazily.
type calendarStream struct {
	svc       *calendar.Service
	buf       []*calendar.CalendarListEntry
	pageToken string
	done      bool
}

func (s *calendarStream) Next(ctx context.Context) (domain.CalendarDescriptor, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.CalendarDescriptor{}, false, err
		}
		if len(s.buf) == 0 {
			if s.done {
				return domain.CalendarDescriptor{}, false, nil
			}
			if err := s.fetch(ctx); err != nil {
				s.done = true
				return domain.CalendarDescriptor{}, false, err
			}
			continue
		}
		entry := s.buf[0]
		s.buf = s.buf[1:]
		if entry.Deleted {
			continue
		}
		return descriptorFromEntry(entry), true, nil
	}
}

func (s *calendarStream) fetch(ctx context.Context) error {
	call := s.svc.CalendarList.List().MaxResults(eventPageSize).Context(ctx)
	if s.pageToken != "" {
		call = call.PageToken(s.pageToken)
	}
	page, err := call.Do()
	if err != nil {
		return translate("list calendars", err)
	}
	s.buf = page.Items
	s.pageToken = page.NextPageToken
	if page.NextPageToken == "" {
		s.done = true
	}
	return nil
}

func (s *calendarStream) Close() error { return nil }
