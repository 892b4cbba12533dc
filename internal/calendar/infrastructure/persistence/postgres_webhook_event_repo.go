package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/tenant"
)

// PostgresWebhookEventRepository implements domain.WebhookEventRepository,
// the append-mostly log of received provider notifications.
type PostgresWebhookEventRepository struct {
	conn database.Connection
}

// NewPostgresWebhookEventRepository creates a PostgreSQL notification log
// repository.
func NewPostgresWebhookEventRepository(conn database.Connection) *PostgresWebhookEventRepository {
	return &PostgresWebhookEventRepository{conn: conn}
}

const webhookEventColumns = `
	id, tenant_id, provider, event_type, external_calendar_id, payload,
	headers, status, processed_at, sync_id, error_message, created_at, updated_at`

type webhookEventRow struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	Provider           string
	EventType          string
	ExternalCalendarID string
	Payload            []byte
	Headers            []byte
	Status             string
	ProcessedAt        *time.Time
	SyncID             *uuid.UUID
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Save upserts a notification record.
func (r *PostgresWebhookEventRepository) Save(ctx context.Context, tc tenant.Context, event *domain.WebhookEvent) error {
	if err := tc.Check("webhook event", event.TenantID()); err != nil {
		return err
	}
	headers, err := marshalMeta(event.Headers())
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhook_events (` + webhookEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			external_calendar_id = EXCLUDED.external_calendar_id,
			status = EXCLUDED.status,
			processed_at = EXCLUDED.processed_at,
			sync_id = EXCLUDED.sync_id,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
		WHERE webhook_events.tenant_id = EXCLUDED.tenant_id
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err = exec.Exec(ctx, query,
		event.ID(),
		event.TenantID(),
		string(event.Provider()),
		event.EventType(),
		event.ExternalCalendarID(),
		event.Payload(),
		headers,
		string(event.Status()),
		event.ProcessedAt(),
		nilableUUID(event.SyncID()),
		event.ErrorMessage(),
		event.CreatedAt(),
		event.UpdatedAt(),
	)
	return err
}

// FindByID returns the tenant's record, or (nil, nil) when absent.
func (r *PostgresWebhookEventRepository) FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE tenant_id = $1 AND id = $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanWebhookEvent(exec.QueryRow(ctx, query, tc.TenantID(), id))
}

// FindRecent returns the tenant's latest notifications, newest first.
func (r *PostgresWebhookEventRepository) FindRecent(ctx context.Context, tc tenant.Context, limit int) ([]*domain.WebhookEvent, error) {
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.WebhookEvent
	for rows.Next() {
		var w webhookEventRow
		err := rows.Scan(
			&w.ID, &w.TenantID, &w.Provider, &w.EventType, &w.ExternalCalendarID,
			&w.Payload, &w.Headers, &w.Status, &w.ProcessedAt, &w.SyncID,
			&w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		event, err := rowToWebhookEvent(w)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanWebhookEvent(row database.Row) (*domain.WebhookEvent, error) {
	var w webhookEventRow
	err := row.Scan(
		&w.ID, &w.TenantID, &w.Provider, &w.EventType, &w.ExternalCalendarID,
		&w.Payload, &w.Headers, &w.Status, &w.ProcessedAt, &w.SyncID,
		&w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rowToWebhookEvent(w)
}

func rowToWebhookEvent(w webhookEventRow) (*domain.WebhookEvent, error) {
	var headers map[string]string
	if len(w.Headers) > 0 {
		if err := json.Unmarshal(w.Headers, &headers); err != nil {
			return nil, fmt.Errorf("webhook event %s: unmarshal headers: %w", w.ID, err)
		}
	}
	return domain.RehydrateWebhookEvent(
		w.ID, w.TenantID,
		domain.Provider(w.Provider),
		w.EventType, w.ExternalCalendarID,
		w.Payload,
		headers,
		domain.ProcessingStatus(w.Status),
		w.ProcessedAt,
		uuidOrNil(w.SyncID),
		w.ErrorMessage,
		w.CreatedAt, w.UpdatedAt,
	), nil
}
