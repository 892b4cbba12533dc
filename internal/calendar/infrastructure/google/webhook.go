package google

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

// Push notification headers. Google sends an empty body; the whole envelope
// rides the headers.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerResourceURI   = "X-Goog-Resource-URI"
)

// ParseWebhook reads a push envelope. Google identifies the subscription by
// its channel id; the watched calendar is recovered from the resource URI
// path, /calendars/{id}/events.
func (a *Adapter) ParseWebhook(header http.Header, _ []byte) (domain.Notification, error) {
	channelID := header.Get(headerChannelID)
	state := header.Get(headerResourceState)
	if channelID == "" || state == "" || header.Get(headerResourceID) == "" {
		return domain.Notification{}, malformed("notification envelope incomplete", nil)
	}
	return domain.Notification{
		SubscriptionID:     channelID,
		ChannelID:          channelID,
		ResourceState:      state,
		ExternalCalendarID: calendarFromResourceURI(header.Get(headerResourceURI)),
	}, nil
}

func calendarFromResourceURI(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "calendars" {
			return segments[i+1]
		}
	}
	return ""
}
