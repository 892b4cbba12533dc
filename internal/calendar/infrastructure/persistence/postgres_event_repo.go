package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/tenant"
)

// PostgresCalendarEventRepository implements domain.CalendarEventRepository.
type PostgresCalendarEventRepository struct {
	conn database.Connection
}

// NewPostgresCalendarEventRepository creates a PostgreSQL event repository.
func NewPostgresCalendarEventRepository(conn database.Connection) *PostgresCalendarEventRepository {
	return &PostgresCalendarEventRepository{conn: conn}
}

const eventColumns = `
	id, tenant_id, calendar_id, title, description, start_time, end_time,
	timezone, all_day, external_id, status, recurrence_rule_id,
	parent_event_id, recurrence_id, is_recurring_exception,
	bulk_modification_parent_id, meta, version, created_at, updated_at`

type eventRow struct {
	ID                       uuid.UUID
	TenantID                 uuid.UUID
	CalendarID               uuid.UUID
	Title                    string
	Description              string
	StartTime                time.Time
	EndTime                  time.Time
	Timezone                 string
	AllDay                   bool
	ExternalID               string
	Status                   string
	RecurrenceRuleID         *uuid.UUID
	ParentEventID            *uuid.UUID
	RecurrenceID             *time.Time
	IsRecurringException     bool
	BulkModificationParentID *uuid.UUID
	Meta                     []byte
	Version                  int
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Save upserts an event under an optimistic version guard.
func (r *PostgresCalendarEventRepository) Save(ctx context.Context, tc tenant.Context, event *domain.CalendarEvent) error {
	if err := tc.Check("event", event.TenantID()); err != nil {
		return err
	}
	meta, err := marshalMeta(event.Meta())
	if err != nil {
		return err
	}

	query := `
		INSERT INTO calendar_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			calendar_id = EXCLUDED.calendar_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			timezone = EXCLUDED.timezone,
			all_day = EXCLUDED.all_day,
			external_id = EXCLUDED.external_id,
			status = EXCLUDED.status,
			recurrence_rule_id = EXCLUDED.recurrence_rule_id,
			parent_event_id = EXCLUDED.parent_event_id,
			recurrence_id = EXCLUDED.recurrence_id,
			is_recurring_exception = EXCLUDED.is_recurring_exception,
			bulk_modification_parent_id = EXCLUDED.bulk_modification_parent_id,
			meta = EXCLUDED.meta,
			version = calendar_events.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE calendar_events.tenant_id = EXCLUDED.tenant_id
		  AND calendar_events.version = $18
		RETURNING version
	`

	var newVersion int
	exec := database.ExecutorFromContext(ctx, r.conn)
	err = exec.QueryRow(ctx, query,
		event.ID(),
		event.TenantID(),
		event.CalendarID(),
		event.Title(),
		event.Description(),
		event.Interval().Start(),
		event.Interval().End(),
		event.Interval().Timezone(),
		event.AllDay(),
		event.ExternalID(),
		string(event.Status()),
		nilableUUID(event.RecurrenceRuleID()),
		nilableUUID(event.ParentEventID()),
		event.RecurrenceID(),
		event.IsRecurringException(),
		nilableUUID(event.BulkModificationParentID()),
		meta,
		event.Version(),
		event.CreatedAt(),
		event.UpdatedAt(),
	).Scan(&newVersion)
	if err != nil {
		if database.IsNoRows(err) {
			return domain.ErrStaleVersion
		}
		return err
	}

	event.SetVersion(newVersion)
	return nil
}

// FindByID returns the tenant's event, or (nil, nil) when absent.
func (r *PostgresCalendarEventRepository) FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.CalendarEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM calendar_events
		WHERE tenant_id = $1 AND id = $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanEvent(exec.QueryRow(ctx, query, tc.TenantID(), id))
}

// FindByExternalID resolves a provider event id on one calendar.
func (r *PostgresCalendarEventRepository) FindByExternalID(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, externalID string) (*domain.CalendarEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM calendar_events
		WHERE tenant_id = $1 AND calendar_id = $2 AND external_id = $3 AND external_id <> ''
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanEvent(exec.QueryRow(ctx, query, tc.TenantID(), calendarID, externalID))
}

// FindSynced returns every event on the calendar carrying a provider
// identity. The sync engine diffs provider streams against this baseline.
func (r *PostgresCalendarEventRepository) FindSynced(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*domain.CalendarEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM calendar_events
		WHERE tenant_id = $1 AND calendar_id = $2 AND external_id <> ''
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// FindIntersecting returns non-recurring events and instance overrides
// overlapping the window. Masters and continuations are left to the
// expansion path.
func (r *PostgresCalendarEventRepository) FindIntersecting(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow) ([]*domain.CalendarEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM calendar_events
		WHERE tenant_id = $1 AND calendar_id = $2
		  AND start_time < $4 AND end_time > $3
		  AND (parent_event_id IS NOT NULL
		       OR (recurrence_rule_id IS NULL AND bulk_modification_parent_id IS NULL))
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), calendarID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// FindMastersStartingBefore returns recurring masters anchored before the
// instant, excluding continuations.
func (r *PostgresCalendarEventRepository) FindMastersStartingBefore(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, before time.Time) ([]*domain.CalendarEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM calendar_events
		WHERE tenant_id = $1 AND calendar_id = $2
		  AND recurrence_rule_id IS NOT NULL
		  AND parent_event_id IS NULL
		  AND bulk_modification_parent_id IS NULL
		  AND start_time < $3
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), calendarID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// FindInstances returns the single-occurrence overrides of a master.
func (r *PostgresCalendarEventRepository) FindInstances(ctx context.Context, tc tenant.Context, parentEventID uuid.UUID) ([]*domain.CalendarEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM calendar_events
		WHERE tenant_id = $1 AND parent_event_id = $2
		ORDER BY recurrence_id
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), parentEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// FindContinuations returns the direct tail rewrites of a master.
func (r *PostgresCalendarEventRepository) FindContinuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]*domain.CalendarEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM calendar_events
		WHERE tenant_id = $1 AND bulk_modification_parent_id = $2
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// FindPendingParent returns events still waiting for their recurring master
// to arrive from the provider.
func (r *PostgresCalendarEventRepository) FindPendingParent(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*domain.CalendarEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM calendar_events
		WHERE tenant_id = $1 AND calendar_id = $2
		  AND meta->>$3 IS NOT NULL
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), calendarID, domain.MetaKeyPendingParent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Delete removes the tenant's event. Deleting an absent row is a no-op.
func (r *PostgresCalendarEventRepository) Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	query := `DELETE FROM calendar_events WHERE tenant_id = $1 AND id = $2`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query, tc.TenantID(), id)
	return err
}

func scanEvent(row database.Row) (*domain.CalendarEvent, error) {
	var e eventRow
	err := row.Scan(
		&e.ID, &e.TenantID, &e.CalendarID, &e.Title, &e.Description,
		&e.StartTime, &e.EndTime, &e.Timezone, &e.AllDay, &e.ExternalID,
		&e.Status, &e.RecurrenceRuleID, &e.ParentEventID, &e.RecurrenceID,
		&e.IsRecurringException, &e.BulkModificationParentID, &e.Meta,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rowToEvent(e)
}

func scanEvents(rows database.Rows) ([]*domain.CalendarEvent, error) {
	var events []*domain.CalendarEvent
	for rows.Next() {
		var e eventRow
		err := rows.Scan(
			&e.ID, &e.TenantID, &e.CalendarID, &e.Title, &e.Description,
			&e.StartTime, &e.EndTime, &e.Timezone, &e.AllDay, &e.ExternalID,
			&e.Status, &e.RecurrenceRuleID, &e.ParentEventID, &e.RecurrenceID,
			&e.IsRecurringException, &e.BulkModificationParentID, &e.Meta,
			&e.Version, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		event, err := rowToEvent(e)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func rowToEvent(e eventRow) (*domain.CalendarEvent, error) {
	interval, err := domain.NewTimeInterval(e.StartTime, e.EndTime, e.Timezone)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	meta, err := unmarshalMeta(e.Meta)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	return domain.RehydrateCalendarEvent(
		e.ID, e.TenantID, e.CalendarID,
		e.Title, e.Description,
		interval,
		e.AllDay,
		e.ExternalID,
		domain.EventStatus(e.Status),
		uuidOrNil(e.RecurrenceRuleID), uuidOrNil(e.ParentEventID),
		e.RecurrenceID,
		e.IsRecurringException,
		uuidOrNil(e.BulkModificationParentID),
		meta,
		e.Version,
		e.CreatedAt, e.UpdatedAt,
	), nil
}
