package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/shared/domain"
)

// EventConsumer handles specific event types.
type EventConsumer interface {
	// EventTypes returns the routing keys this consumer handles.
	// e.g., ["calendar.sync.requested", "calendar.subscription.renew"]
	EventTypes() []string

	// Handle processes the event.
	Handle(ctx context.Context, event *ConsumedEvent) error
}

// ConsumedEvent is the wire envelope for events crossing the bus.
// Every envelope carries the tenant that owns the aggregate.
type ConsumedEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	RoutingKey    string          `json:"routing_key"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Metadata      EventMetadata   `json:"metadata,omitempty"`
}

// EventMetadata contains optional tracing metadata about the event.
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	TriggeredBy   string `json:"triggered_by,omitempty"`
}

// Envelope wraps a domain event into the wire format, marshalling the
// concrete event as the payload.
func Envelope(event domain.DomainEvent) (*ConsumedEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	meta := event.Metadata()
	envelope := &ConsumedEvent{
		EventID:       event.EventID(),
		AggregateID:   event.AggregateID(),
		AggregateType: event.AggregateType(),
		TenantID:      event.TenantID(),
		RoutingKey:    event.RoutingKey(),
		OccurredAt:    event.OccurredAt(),
		Payload:       payload,
		Metadata: EventMetadata{
			TriggeredBy: meta.TriggeredBy,
		},
	}
	if meta.CorrelationID != uuid.Nil {
		envelope.Metadata.CorrelationID = meta.CorrelationID.String()
	}
	if meta.CausationID != uuid.Nil {
		envelope.Metadata.CausationID = meta.CausationID.String()
	}
	return envelope, nil
}

// MarshalBody serializes the envelope for transport.
func (e *ConsumedEvent) MarshalBody() ([]byte, error) {
	return json.Marshal(e)
}

// Consumer defines the interface for consuming events from a message broker.
type Consumer interface {
	// Start begins consuming messages. This is a blocking call.
	Start(ctx context.Context) error

	// RegisterConsumer registers an event consumer.
	RegisterConsumer(consumer EventConsumer)

	// Close closes the consumer connection.
	Close() error
}
