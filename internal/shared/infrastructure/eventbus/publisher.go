package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/shared/domain"
)

// Publisher defines the interface for publishing events to a message broker.
type Publisher interface {
	// Publish sends a message to the event bus.
	Publish(ctx context.Context, routingKey string, payload []byte) error

	// Close closes the publisher connection.
	Close() error
}

// PublishDomainEvent wraps a domain event in the wire envelope and publishes
// it under the event's routing key.
func PublishDomainEvent(ctx context.Context, publisher Publisher, event domain.DomainEvent) error {
	envelope, err := Envelope(event)
	if err != nil {
		return fmt.Errorf("failed to envelope event %s: %w", event.RoutingKey(), err)
	}

	body, err := envelope.MarshalBody()
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.RoutingKey(), err)
	}

	return publisher.Publish(ctx, event.RoutingKey(), body)
}

// PublishJob wraps a job request in the wire envelope and publishes it
// under the given routing key. Workers then decode a single format whether
// a message carries a domain event or a job request.
func PublishJob(ctx context.Context, publisher Publisher, routingKey, aggregateType string, aggregateID, tenantID uuid.UUID, request any) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", routingKey, err)
	}

	envelope := CreateConsumedEvent(uuid.New(), aggregateID, aggregateType, tenantID, routingKey, payload)
	body, err := envelope.MarshalBody()
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", routingKey, err)
	}

	return publisher.Publish(ctx, routingKey, body)
}
