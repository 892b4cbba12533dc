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

// PostgresAvailableTimeRepository implements domain.AvailableTimeRepository.
// Available windows are purely local; there is no provider identity to
// reconcile against.
type PostgresAvailableTimeRepository struct {
	conn database.Connection
}

// NewPostgresAvailableTimeRepository creates a PostgreSQL availability
// window repository.
func NewPostgresAvailableTimeRepository(conn database.Connection) *PostgresAvailableTimeRepository {
	return &PostgresAvailableTimeRepository{conn: conn}
}

const availableColumns = `
	id, tenant_id, calendar_id, start_time, end_time, timezone, cancelled,
	recurrence_rule_id, parent_window_id, recurrence_id,
	is_recurring_exception, bulk_modification_parent_id, created_at, updated_at`

type availableRow struct {
	ID                       uuid.UUID
	TenantID                 uuid.UUID
	CalendarID               uuid.UUID
	StartTime                time.Time
	EndTime                  time.Time
	Timezone                 string
	Cancelled                bool
	RecurrenceRuleID         *uuid.UUID
	ParentWindowID           *uuid.UUID
	RecurrenceID             *time.Time
	IsRecurringException     bool
	BulkModificationParentID *uuid.UUID
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Save upserts a bookable window.
func (r *PostgresAvailableTimeRepository) Save(ctx context.Context, tc tenant.Context, window *domain.AvailableTime) error {
	if err := tc.Check("available time", window.TenantID()); err != nil {
		return err
	}

	query := `
		INSERT INTO available_times (` + availableColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			calendar_id = EXCLUDED.calendar_id,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			timezone = EXCLUDED.timezone,
			cancelled = EXCLUDED.cancelled,
			recurrence_rule_id = EXCLUDED.recurrence_rule_id,
			parent_window_id = EXCLUDED.parent_window_id,
			recurrence_id = EXCLUDED.recurrence_id,
			is_recurring_exception = EXCLUDED.is_recurring_exception,
			bulk_modification_parent_id = EXCLUDED.bulk_modification_parent_id,
			updated_at = EXCLUDED.updated_at
		WHERE available_times.tenant_id = EXCLUDED.tenant_id
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query,
		window.ID(),
		window.TenantID(),
		window.CalendarID(),
		window.Interval().Start(),
		window.Interval().End(),
		window.Interval().Timezone(),
		window.IsCancelled(),
		nilableUUID(window.RecurrenceRuleID()),
		nilableUUID(window.ParentWindowID()),
		window.RecurrenceID(),
		window.IsRecurringException(),
		nilableUUID(window.BulkModificationParentID()),
		window.CreatedAt(),
		window.UpdatedAt(),
	)
	return err
}

// FindByID returns the tenant's window, or (nil, nil) when absent.
func (r *PostgresAvailableTimeRepository) FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.AvailableTime, error) {
	query := `
		SELECT ` + availableColumns + `
		FROM available_times
		WHERE tenant_id = $1 AND id = $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanAvailable(exec.QueryRow(ctx, query, tc.TenantID(), id))
}

// FindIntersecting returns non-recurring windows and instance overrides
// overlapping the query window.
func (r *PostgresAvailableTimeRepository) FindIntersecting(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow) ([]*domain.AvailableTime, error) {
	query := `
		SELECT ` + availableColumns + `
		FROM available_times
		WHERE tenant_id = $1 AND calendar_id = $2
		  AND start_time < $4 AND end_time > $3
		  AND (parent_window_id IS NOT NULL
		       OR (recurrence_rule_id IS NULL AND bulk_modification_parent_id IS NULL))
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), calendarID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAvailables(rows)
}

// FindMastersStartingBefore returns recurring masters anchored before the
// instant, excluding continuations.
func (r *PostgresAvailableTimeRepository) FindMastersStartingBefore(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, before time.Time) ([]*domain.AvailableTime, error) {
	query := `
		SELECT ` + availableColumns + `
		FROM available_times
		WHERE tenant_id = $1 AND calendar_id = $2
		  AND recurrence_rule_id IS NOT NULL
		  AND parent_window_id IS NULL
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

	return scanAvailables(rows)
}

// FindInstances returns the single-occurrence overrides of a master.
func (r *PostgresAvailableTimeRepository) FindInstances(ctx context.Context, tc tenant.Context, parentWindowID uuid.UUID) ([]*domain.AvailableTime, error) {
	query := `
		SELECT ` + availableColumns + `
		FROM available_times
		WHERE tenant_id = $1 AND parent_window_id = $2
		ORDER BY recurrence_id
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), parentWindowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAvailables(rows)
}

// FindContinuations returns the direct tail rewrites of a master.
func (r *PostgresAvailableTimeRepository) FindContinuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]*domain.AvailableTime, error) {
	query := `
		SELECT ` + availableColumns + `
		FROM available_times
		WHERE tenant_id = $1 AND bulk_modification_parent_id = $2
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAvailables(rows)
}

// Delete removes the tenant's window. Deleting an absent row is a no-op.
func (r *PostgresAvailableTimeRepository) Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	query := `DELETE FROM available_times WHERE tenant_id = $1 AND id = $2`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query, tc.TenantID(), id)
	return err
}

func scanAvailable(row database.Row) (*domain.AvailableTime, error) {
	var a availableRow
	err := row.Scan(
		&a.ID, &a.TenantID, &a.CalendarID, &a.StartTime, &a.EndTime,
		&a.Timezone, &a.Cancelled, &a.RecurrenceRuleID, &a.ParentWindowID,
		&a.RecurrenceID, &a.IsRecurringException, &a.BulkModificationParentID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rowToAvailable(a)
}

func scanAvailables(rows database.Rows) ([]*domain.AvailableTime, error) {
	var windows []*domain.AvailableTime
	for rows.Next() {
		var a availableRow
		err := rows.Scan(
			&a.ID, &a.TenantID, &a.CalendarID, &a.StartTime, &a.EndTime,
			&a.Timezone, &a.Cancelled, &a.RecurrenceRuleID, &a.ParentWindowID,
			&a.RecurrenceID, &a.IsRecurringException, &a.BulkModificationParentID,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		window, err := rowToAvailable(a)
		if err != nil {
			return nil, err
		}
		windows = append(windows, window)
	}
	return windows, rows.Err()
}

func rowToAvailable(a availableRow) (*domain.AvailableTime, error) {
	interval, err := domain.NewTimeInterval(a.StartTime, a.EndTime, a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("available time %s: %w", a.ID, err)
	}
	return domain.RehydrateAvailableTime(
		a.ID, a.TenantID, a.CalendarID,
		interval,
		a.Cancelled,
		uuidOrNil(a.RecurrenceRuleID), uuidOrNil(a.ParentWindowID),
		a.RecurrenceID,
		a.IsRecurringException,
		uuidOrNil(a.BulkModificationParentID),
		a.CreatedAt, a.UpdatedAt,
	), nil
}
