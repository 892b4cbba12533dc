package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/tenant"
)

// PostgresAttendanceRepository implements domain.AttendanceRepository over
// its four tables. External attendees are deduplicated per tenant by a
// unique index on email; callers resolve attendees through
// FindExternalAttendeeByEmail before inserting.
type PostgresAttendanceRepository struct {
	conn database.Connection
}

// NewPostgresAttendanceRepository creates a PostgreSQL attendance
// repository.
func NewPostgresAttendanceRepository(conn database.Connection) *PostgresAttendanceRepository {
	return &PostgresAttendanceRepository{conn: conn}
}

// SaveUserAttendance upserts a platform user's attendance.
func (r *PostgresAttendanceRepository) SaveUserAttendance(ctx context.Context, tc tenant.Context, attendance *domain.EventAttendance) error {
	if err := tc.Check("attendance", attendance.TenantID()); err != nil {
		return err
	}
	query := `
		INSERT INTO event_attendances (id, tenant_id, event_id, user_id, rsvp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, event_id, user_id) DO UPDATE SET
			rsvp = EXCLUDED.rsvp,
			updated_at = EXCLUDED.updated_at
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query,
		attendance.ID(), attendance.TenantID(), attendance.EventID(),
		attendance.UserID(), string(attendance.RSVP()),
		attendance.CreatedAt(), attendance.UpdatedAt())
	return err
}

// SaveExternalAttendee upserts a tenant-level attendee record.
func (r *PostgresAttendanceRepository) SaveExternalAttendee(ctx context.Context, tc tenant.Context, attendee *domain.ExternalAttendee) error {
	if err := tc.Check("attendee", attendee.TenantID()); err != nil {
		return err
	}
	query := `
		INSERT INTO external_attendees (id, tenant_id, email, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, email) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			updated_at = EXCLUDED.updated_at
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query,
		attendee.ID(), attendee.TenantID(), attendee.Email(),
		attendee.DisplayName(), attendee.CreatedAt(), attendee.UpdatedAt())
	return err
}

// FindExternalAttendeeByEmail returns the tenant's attendee for a
// normalized email, or (nil, nil) when unknown.
func (r *PostgresAttendanceRepository) FindExternalAttendeeByEmail(ctx context.Context, tc tenant.Context, email string) (*domain.ExternalAttendee, error) {
	query := `
		SELECT id, tenant_id, email, display_name, created_at, updated_at
		FROM external_attendees
		WHERE tenant_id = $1 AND email = lower($2)
	`
	var (
		id          uuid.UUID
		tenantID    uuid.UUID
		storedEmail string
		displayName string
		createdAt   time.Time
		updatedAt   time.Time
	)
	exec := database.ExecutorFromContext(ctx, r.conn)
	err := exec.QueryRow(ctx, query, tc.TenantID(), email).
		Scan(&id, &tenantID, &storedEmail, &displayName, &createdAt, &updatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return domain.RehydrateExternalAttendee(id, tenantID, storedEmail, displayName, createdAt, updatedAt), nil
}

// SaveExternalAttendance upserts an external attendee's attendance.
func (r *PostgresAttendanceRepository) SaveExternalAttendance(ctx context.Context, tc tenant.Context, attendance *domain.EventExternalAttendance) error {
	if err := tc.Check("attendance", attendance.TenantID()); err != nil {
		return err
	}
	query := `
		INSERT INTO event_external_attendances (id, tenant_id, event_id, attendee_id, rsvp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, event_id, attendee_id) DO UPDATE SET
			rsvp = EXCLUDED.rsvp,
			updated_at = EXCLUDED.updated_at
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query,
		attendance.ID(), attendance.TenantID(), attendance.EventID(),
		attendance.AttendeeID(), string(attendance.RSVP()),
		attendance.CreatedAt(), attendance.UpdatedAt())
	return err
}

// SaveResourceAllocation upserts a resource reservation.
func (r *PostgresAttendanceRepository) SaveResourceAllocation(ctx context.Context, tc tenant.Context, allocation *domain.ResourceAllocation) error {
	if err := tc.Check("allocation", allocation.TenantID()); err != nil {
		return err
	}
	query := `
		INSERT INTO resource_allocations (id, tenant_id, event_id, resource_calendar_id, rsvp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, event_id, resource_calendar_id) DO UPDATE SET
			rsvp = EXCLUDED.rsvp,
			updated_at = EXCLUDED.updated_at
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query,
		allocation.ID(), allocation.TenantID(), allocation.EventID(),
		allocation.ResourceCalendarID(), string(allocation.RSVP()),
		allocation.CreatedAt(), allocation.UpdatedAt())
	return err
}

// FindByEvent assembles everything attending one event.
func (r *PostgresAttendanceRepository) FindByEvent(ctx context.Context, tc tenant.Context, eventID uuid.UUID) (domain.AttendanceSet, error) {
	var set domain.AttendanceSet
	exec := database.ExecutorFromContext(ctx, r.conn)

	users, err := r.findUserAttendances(ctx, exec, tc, eventID)
	if err != nil {
		return set, err
	}
	external, err := r.findExternalAttendances(ctx, exec, tc, eventID)
	if err != nil {
		return set, err
	}
	resources, err := r.findResourceAllocations(ctx, exec, tc, eventID)
	if err != nil {
		return set, err
	}

	set.Users = users
	set.External = external
	set.Resources = resources
	return set, nil
}

// DeleteByEvent clears an event's participation rows. The tenant-level
// attendee directory is left intact.
func (r *PostgresAttendanceRepository) DeleteByEvent(ctx context.Context, tc tenant.Context, eventID uuid.UUID) error {
	exec := database.ExecutorFromContext(ctx, r.conn)
	for _, query := range []string{
		`DELETE FROM event_attendances WHERE tenant_id = $1 AND event_id = $2`,
		`DELETE FROM event_external_attendances WHERE tenant_id = $1 AND event_id = $2`,
		`DELETE FROM resource_allocations WHERE tenant_id = $1 AND event_id = $2`,
	} {
		if _, err := exec.Exec(ctx, query, tc.TenantID(), eventID); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresAttendanceRepository) findUserAttendances(ctx context.Context, exec database.Executor, tc tenant.Context, eventID uuid.UUID) ([]*domain.EventAttendance, error) {
	query := `
		SELECT id, tenant_id, event_id, user_id, rsvp, created_at, updated_at
		FROM event_attendances
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY created_at
	`
	rows, err := exec.Query(ctx, query, tc.TenantID(), eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.EventAttendance
	for rows.Next() {
		var (
			id        uuid.UUID
			tenantID  uuid.UUID
			evID      uuid.UUID
			userID    uuid.UUID
			rsvp      string
			createdAt time.Time
			updatedAt time.Time
		)
		if err := rows.Scan(&id, &tenantID, &evID, &userID, &rsvp, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, domain.RehydrateEventAttendance(
			id, tenantID, evID, userID, domain.RSVPStatus(rsvp), createdAt, updatedAt))
	}
	return out, rows.Err()
}

func (r *PostgresAttendanceRepository) findExternalAttendances(ctx context.Context, exec database.Executor, tc tenant.Context, eventID uuid.UUID) ([]*domain.EventExternalAttendance, error) {
	query := `
		SELECT id, tenant_id, event_id, attendee_id, rsvp, created_at, updated_at
		FROM event_external_attendances
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY created_at
	`
	rows, err := exec.Query(ctx, query, tc.TenantID(), eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.EventExternalAttendance
	for rows.Next() {
		var (
			id         uuid.UUID
			tenantID   uuid.UUID
			evID       uuid.UUID
			attendeeID uuid.UUID
			rsvp       string
			createdAt  time.Time
			updatedAt  time.Time
		)
		if err := rows.Scan(&id, &tenantID, &evID, &attendeeID, &rsvp, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, domain.RehydrateEventExternalAttendance(
			id, tenantID, evID, attendeeID, domain.RSVPStatus(rsvp), createdAt, updatedAt))
	}
	return out, rows.Err()
}

func (r *PostgresAttendanceRepository) findResourceAllocations(ctx context.Context, exec database.Executor, tc tenant.Context, eventID uuid.UUID) ([]*domain.ResourceAllocation, error) {
	query := `
		SELECT id, tenant_id, event_id, resource_calendar_id, rsvp, created_at, updated_at
		FROM resource_allocations
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY created_at
	`
	rows, err := exec.Query(ctx, query, tc.TenantID(), eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ResourceAllocation
	for rows.Next() {
		var (
			id         uuid.UUID
			tenantID   uuid.UUID
			evID       uuid.UUID
			resourceID uuid.UUID
			rsvp       string
			createdAt  time.Time
			updatedAt  time.Time
		)
		if err := rows.Scan(&id, &tenantID, &evID, &resourceID, &rsvp, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, domain.RehydrateResourceAllocation(
			id, tenantID, evID, resourceID, domain.RSVPStatus(rsvp), createdAt, updatedAt))
	}
	return out, rows.Err()
}
