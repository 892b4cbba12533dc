package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/tenant"
)

// PostgresCalendarRepository implements domain.CalendarRepository.
type PostgresCalendarRepository struct {
	conn database.Connection
}

// NewPostgresCalendarRepository creates a PostgreSQL calendar repository.
func NewPostgresCalendarRepository(conn database.Connection) *PostgresCalendarRepository {
	return &PostgresCalendarRepository{conn: conn}
}

const calendarColumns = `
	id, tenant_id, name, provider, kind, external_id, timezone,
	manages_available_windows, capacity, child_ids, primary_child_id,
	version, created_at, updated_at`

type calendarRow struct {
	ID                      uuid.UUID
	TenantID                uuid.UUID
	Name                    string
	Provider                string
	Kind                    string
	ExternalID              string
	Timezone                string
	ManagesAvailableWindows bool
	Capacity                int
	ChildIDs                []string
	PrimaryChildID          *uuid.UUID
	Version                 int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Save upserts a calendar under an optimistic version guard.
func (r *PostgresCalendarRepository) Save(ctx context.Context, tc tenant.Context, cal *domain.Calendar) error {
	if err := tc.Check("calendar", cal.TenantID()); err != nil {
		return err
	}

	query := `
		INSERT INTO calendars (` + calendarColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			provider = EXCLUDED.provider,
			kind = EXCLUDED.kind,
			external_id = EXCLUDED.external_id,
			timezone = EXCLUDED.timezone,
			manages_available_windows = EXCLUDED.manages_available_windows,
			capacity = EXCLUDED.capacity,
			child_ids = EXCLUDED.child_ids,
			primary_child_id = EXCLUDED.primary_child_id,
			version = calendars.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE calendars.tenant_id = EXCLUDED.tenant_id
		  AND calendars.version = $12
		RETURNING version
	`

	var newVersion int
	exec := database.ExecutorFromContext(ctx, r.conn)
	err := exec.QueryRow(ctx, query,
		cal.ID(),
		cal.TenantID(),
		cal.Name(),
		string(cal.Provider()),
		string(cal.Kind()),
		cal.ExternalID(),
		cal.Timezone(),
		cal.ManagesAvailableWindows(),
		cal.Capacity(),
		uuidsToStrings(cal.ChildIDs()),
		nilableUUID(cal.PrimaryChildID()),
		cal.Version(),
		cal.CreatedAt(),
		cal.UpdatedAt(),
	).Scan(&newVersion)
	if err != nil {
		if database.IsNoRows(err) {
			return domain.ErrStaleVersion
		}
		return err
	}

	cal.SetVersion(newVersion)
	return nil
}

// FindByID returns the tenant's calendar, or (nil, nil) when absent.
func (r *PostgresCalendarRepository) FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.Calendar, error) {
	query := `
		SELECT ` + calendarColumns + `
		FROM calendars
		WHERE tenant_id = $1 AND id = $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanCalendar(exec.QueryRow(ctx, query, tc.TenantID(), id))
}

// FindByExternalID resolves a provider calendar id inside the tenant.
func (r *PostgresCalendarRepository) FindByExternalID(ctx context.Context, tc tenant.Context, provider domain.Provider, externalID string) (*domain.Calendar, error) {
	query := `
		SELECT ` + calendarColumns + `
		FROM calendars
		WHERE tenant_id = $1 AND provider = $2 AND external_id = $3 AND external_id <> ''
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanCalendar(exec.QueryRow(ctx, query, tc.TenantID(), string(provider), externalID))
}

// FindByProvider returns the tenant's calendars on one provider.
func (r *PostgresCalendarRepository) FindByProvider(ctx context.Context, tc tenant.Context, provider domain.Provider) ([]*domain.Calendar, error) {
	query := `
		SELECT ` + calendarColumns + `
		FROM calendars
		WHERE tenant_id = $1 AND provider = $2
		ORDER BY name, created_at
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), string(provider))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCalendars(rows)
}

// FindByKind returns the tenant's calendars of one kind.
func (r *PostgresCalendarRepository) FindByKind(ctx context.Context, tc tenant.Context, kind domain.CalendarKind) ([]*domain.Calendar, error) {
	query := `
		SELECT ` + calendarColumns + `
		FROM calendars
		WHERE tenant_id = $1 AND kind = $2
		ORDER BY name, created_at
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCalendars(rows)
}

// FindAll returns every calendar of the tenant.
func (r *PostgresCalendarRepository) FindAll(ctx context.Context, tc tenant.Context) ([]*domain.Calendar, error) {
	query := `
		SELECT ` + calendarColumns + `
		FROM calendars
		WHERE tenant_id = $1
		ORDER BY name, created_at
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCalendars(rows)
}

// Delete removes the tenant's calendar. Deleting an absent row is a no-op.
func (r *PostgresCalendarRepository) Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	query := `DELETE FROM calendars WHERE tenant_id = $1 AND id = $2`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query, tc.TenantID(), id)
	return err
}

func scanCalendar(row database.Row) (*domain.Calendar, error) {
	var c calendarRow
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Provider, &c.Kind, &c.ExternalID,
		&c.Timezone, &c.ManagesAvailableWindows, &c.Capacity, &c.ChildIDs,
		&c.PrimaryChildID, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rowToCalendar(c)
}

func scanCalendars(rows database.Rows) ([]*domain.Calendar, error) {
	var calendars []*domain.Calendar
	for rows.Next() {
		var c calendarRow
		err := rows.Scan(
			&c.ID, &c.TenantID, &c.Name, &c.Provider, &c.Kind, &c.ExternalID,
			&c.Timezone, &c.ManagesAvailableWindows, &c.Capacity, &c.ChildIDs,
			&c.PrimaryChildID, &c.Version, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		cal, err := rowToCalendar(c)
		if err != nil {
			return nil, err
		}
		calendars = append(calendars, cal)
	}
	return calendars, rows.Err()
}

func rowToCalendar(c calendarRow) (*domain.Calendar, error) {
	childIDs, err := stringsToUUIDs(c.ChildIDs)
	if err != nil {
		return nil, err
	}
	return domain.RehydrateCalendar(
		c.ID, c.TenantID,
		c.Name,
		domain.Provider(c.Provider),
		domain.CalendarKind(c.Kind),
		c.ExternalID, c.Timezone,
		c.ManagesAvailableWindows,
		c.Capacity,
		childIDs,
		uuidOrNil(c.PrimaryChildID),
		c.Version,
		c.CreatedAt, c.UpdatedAt,
	), nil
}
