package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/tenant"
)

// PostgresCalendarSyncRepository implements domain.CalendarSyncRepository.
// The version guard on Save is what arbitrates run claims between workers:
// the loser of a concurrent Start sees ErrStaleVersion.
type PostgresCalendarSyncRepository struct {
	conn database.Connection
}

// NewPostgresCalendarSyncRepository creates a PostgreSQL sync run
// repository.
func NewPostgresCalendarSyncRepository(conn database.Connection) *PostgresCalendarSyncRepository {
	return &PostgresCalendarSyncRepository{conn: conn}
}

const syncColumns = `
	id, tenant_id, calendar_id, window_start, window_end, status,
	next_sync_token, error_message, should_update_events, started_at,
	completed_at, version, created_at, updated_at`

type syncRow struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	CalendarID         uuid.UUID
	WindowStart        time.Time
	WindowEnd          time.Time
	Status             string
	NextSyncToken      string
	ErrorMessage       string
	ShouldUpdateEvents bool
	StartedAt          *time.Time
	CompletedAt        *time.Time
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Save upserts a sync run under an optimistic version guard.
func (r *PostgresCalendarSyncRepository) Save(ctx context.Context, tc tenant.Context, sync *domain.CalendarSync) error {
	if err := tc.Check("sync run", sync.TenantID()); err != nil {
		return err
	}

	query := `
		INSERT INTO calendar_syncs (` + syncColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			next_sync_token = EXCLUDED.next_sync_token,
			error_message = EXCLUDED.error_message,
			should_update_events = EXCLUDED.should_update_events,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			version = calendar_syncs.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE calendar_syncs.tenant_id = EXCLUDED.tenant_id
		  AND calendar_syncs.version = $12
		RETURNING version
	`

	var newVersion int
	exec := database.ExecutorFromContext(ctx, r.conn)
	err := exec.QueryRow(ctx, query,
		sync.ID(),
		sync.TenantID(),
		sync.CalendarID(),
		sync.Window().Start,
		sync.Window().End,
		string(sync.Status()),
		sync.NextSyncToken(),
		sync.ErrorMessage(),
		sync.ShouldUpdateEvents(),
		sync.StartedAt(),
		sync.CompletedAt(),
		sync.Version(),
		sync.CreatedAt(),
		sync.UpdatedAt(),
	).Scan(&newVersion)
	if err != nil {
		if database.IsNoRows(err) {
			return domain.ErrStaleVersion
		}
		return err
	}

	sync.SetVersion(newVersion)
	return nil
}

// FindByID returns the tenant's run, or (nil, nil) when absent.
func (r *PostgresCalendarSyncRepository) FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.CalendarSync, error) {
	query := `
		SELECT ` + syncColumns + `
		FROM calendar_syncs
		WHERE tenant_id = $1 AND id = $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanSync(exec.QueryRow(ctx, query, tc.TenantID(), id))
}

// FindLatestSuccessful returns the calendar's most recent successful run,
// which carries the provider's incremental cursor.
func (r *PostgresCalendarSyncRepository) FindLatestSuccessful(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) (*domain.CalendarSync, error) {
	query := `
		SELECT ` + syncColumns + `
		FROM calendar_syncs
		WHERE tenant_id = $1 AND calendar_id = $2 AND status = $3
		ORDER BY completed_at DESC
		LIMIT 1
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanSync(exec.QueryRow(ctx, query, tc.TenantID(), calendarID, string(domain.SyncSuccess)))
}

// FindByCalendar returns the calendar's recent runs, newest first.
func (r *PostgresCalendarSyncRepository) FindByCalendar(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, limit int) ([]*domain.CalendarSync, error) {
	query := `
		SELECT ` + syncColumns + `
		FROM calendar_syncs
		WHERE tenant_id = $1 AND calendar_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), calendarID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSyncs(rows)
}

// FindPendingAll scans not_started runs across every tenant, oldest first.
// Only the scheduler calls it; each run carries its own tenant id for the
// job payload.
func (r *PostgresCalendarSyncRepository) FindPendingAll(ctx context.Context, limit int) ([]*domain.CalendarSync, error) {
	query := `
		SELECT ` + syncColumns + `
		FROM calendar_syncs
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, string(domain.SyncNotStarted), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSyncs(rows)
}

func scanSync(row database.Row) (*domain.CalendarSync, error) {
	var s syncRow
	err := row.Scan(
		&s.ID, &s.TenantID, &s.CalendarID, &s.WindowStart, &s.WindowEnd,
		&s.Status, &s.NextSyncToken, &s.ErrorMessage, &s.ShouldUpdateEvents,
		&s.StartedAt, &s.CompletedAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rowToSync(s), nil
}

func scanSyncs(rows database.Rows) ([]*domain.CalendarSync, error) {
	var syncs []*domain.CalendarSync
	for rows.Next() {
		var s syncRow
		err := rows.Scan(
			&s.ID, &s.TenantID, &s.CalendarID, &s.WindowStart, &s.WindowEnd,
			&s.Status, &s.NextSyncToken, &s.ErrorMessage, &s.ShouldUpdateEvents,
			&s.StartedAt, &s.CompletedAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		syncs = append(syncs, rowToSync(s))
	}
	return syncs, rows.Err()
}

func rowToSync(s syncRow) *domain.CalendarSync {
	return domain.RehydrateCalendarSync(
		s.ID, s.TenantID, s.CalendarID,
		domain.TimeWindow{Start: s.WindowStart, End: s.WindowEnd},
		domain.SyncStatus(s.Status),
		s.NextSyncToken, s.ErrorMessage,
		s.ShouldUpdateEvents,
		s.StartedAt, s.CompletedAt,
		s.Version,
		s.CreatedAt, s.UpdatedAt,
	)
}
