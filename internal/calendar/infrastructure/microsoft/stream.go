package microsoft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

// eventStream walks a calendarView delta feed page by page. The feed hands
// out occurrences and exceptions, not series masters, so the stream fetches
// each referenced master once and emits it ahead of its instances.
type eventStream struct {
	adapter    *Adapter
	calendarID string
	nextURL    string
	masters    map[string]struct{}
	logger     *slog.Logger

	buf       []msEvent
	deltaLink string
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

		// Peek first: an instance whose master has not streamed yet emits
		// the master before itself, without consuming the instance.
		head := s.buf[0]
		if head.Removed == nil && head.SeriesMasterID != "" {
			if _, seen := s.masters[head.SeriesMasterID]; !seen {
				s.masters[head.SeriesMasterID] = struct{}{}
				rec, ok, err := s.hydrateMaster(ctx, head.SeriesMasterID)
				if err != nil {
					s.done = true
					return domain.EventRecord{}, false, err
				}
				if ok {
					return rec, true, nil
				}
				// Master unavailable; the instance flows on its own and
				// the engine relinks it later if the master turns up.
			}
		}

		s.buf = s.buf[1:]
		if head.Type == "seriesMaster" {
			s.masters[head.ID] = struct{}{}
		}
		rec, err := toRecord(head)
		if err != nil {
			// Item-fatal only: an unreadable payload is logged and
			// skipped, the stream carries on.
			s.logger.Warn("skipping malformed event",
				"calendar", s.calendarID, "event", head.ID, "error", err)
			continue
		}
		return rec, true, nil
	}
}

func (s *eventStream) fetch(ctx context.Context) error {
	var page eventPage
	prefer := []string{preferUTC, fmt.Sprintf("odata.maxpagesize=%d", pageSize)}
	if err := s.adapter.call(ctx, "list events", http.MethodGet, s.nextURL, prefer, nil, &page); err != nil {
		return err
	}
	s.buf = page.Value
	switch {
	case page.NextLink != "":
		s.nextURL = page.NextLink
	case page.DeltaLink != "":
		s.deltaLink = page.DeltaLink
		s.done = true
	default:
		s.done = true
	}
	return nil
}

// hydrateMaster fetches a series master by id, once per stream. A master
// Graph no longer has, or one outside the supported rule subset, is logged
// and dropped while its instances keep flowing.
func (s *eventStream) hydrateMaster(ctx context.Context, masterID string) (domain.EventRecord, bool, error) {
	var master msEvent
	err := s.adapter.call(ctx, "get series master", http.MethodGet,
		s.adapter.eventURL(s.calendarID, masterID), []string{preferUTC}, nil, &master)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("series master missing, streaming instances without it",
				"calendar", s.calendarID, "master", masterID)
			return domain.EventRecord{}, false, nil
		}
		return domain.EventRecord{}, false, err
	}
	rec, err := toRecord(master)
	if err != nil {
		s.logger.Warn("skipping malformed series master",
			"calendar", s.calendarID, "master", masterID, "error", err)
		return domain.EventRecord{}, false, nil
	}
	return rec, true, nil
}

// SyncToken returns the delta link captured on the final page.
func (s *eventStream) SyncToken() string { return s.deltaLink }

func (s *eventStream) Close() error { return nil }

// calendarStream pages through /me/calendars lazily.
type calendarStream struct {
	adapter *Adapter
	nextURL string
	buf     []msCalendar
	done    bool
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
			var page calendarPage
			if err := s.adapter.call(ctx, "list calendars", http.MethodGet, s.nextURL, nil, nil, &page); err != nil {
				s.done = true
				return domain.CalendarDescriptor{}, false, err
			}
			s.buf = page.Value
			s.nextURL = page.NextLink
			if page.NextLink == "" {
				s.done = true
			}
			continue
		}
		cal := s.buf[0]
		s.buf = s.buf[1:]
		return descriptorFromCalendar(cal), true, nil
	}
}

func (s *calendarStream) Close() error { return nil }
