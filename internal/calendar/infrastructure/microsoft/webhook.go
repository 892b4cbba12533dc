package microsoft

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

// notificationEnvelope is the body Graph posts to the callback URL.
type notificationEnvelope struct {
	Value []changeNotice `json:"value"`
}

type changeNotice struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

// ParseWebhook reads a Graph change notification body. The endpoint
// validation handshake never reaches here, it is answered from the query
// string before parsing. Graph batches notices into one delivery; the first
// drives processing, the full body stays recorded upstream verbatim.
func (a *Adapter) ParseWebhook(_ http.Header, body []byte) (domain.Notification, error) {
	if len(body) == 0 {
		return domain.Notification{}, malformed("empty notification body", nil)
	}
	var envelope notificationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.Notification{}, malformed("undecodable notification body", err)
	}
	if len(envelope.Value) == 0 {
		return domain.Notification{}, malformed("notification without changes", nil)
	}
	notice := envelope.Value[0]
	if notice.SubscriptionID == "" {
		return domain.Notification{}, malformed("notification without subscription id", nil)
	}
	return domain.Notification{
		EventType:          notice.ChangeType,
		SubscriptionID:     notice.SubscriptionID,
		ChannelID:          notice.ClientState,
		ExternalCalendarID: calendarFromResource(notice.Resource),
	}, nil
}

// calendarFromResource pulls the calendar id out of resource paths such as
// Users/{uid}/Calendars/{cid}/Events/{eid}. Empty when the path carries no
// calendar segment; the subscription record pins the calendar then.
func calendarFromResource(resource string) string {
	segments := strings.Split(resource, "/")
	for i, seg := range segments {
		if strings.EqualFold(seg, "calendars") && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return ""
}
