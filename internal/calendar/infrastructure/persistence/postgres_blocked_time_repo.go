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

// PostgresBlockedTimeRepository implements domain.BlockedTimeRepository.
type PostgresBlockedTimeRepository struct {
	conn database.Connection
}

// NewPostgresBlockedTimeRepository creates a PostgreSQL blocked time
// repository.
func NewPostgresBlockedTimeRepository(conn database.Connection) *PostgresBlockedTimeRepository {
	return &PostgresBlockedTimeRepository{conn: conn}
}

const blockColumns = `
	id, tenant_id, calendar_id, reason, start_time, end_time, timezone,
	all_day, external_id, cancelled, recurrence_rule_id, parent_block_id,
	recurrence_id, is_recurring_exception, bulk_modification_parent_id,
	meta, created_at, updated_at`

type blockRow struct {
	ID                       uuid.UUID
	TenantID                 uuid.UUID
	CalendarID               uuid.UUID
	Reason                   string
	StartTime                time.Time
	EndTime                  time.Time
	Timezone                 string
	AllDay                   bool
	ExternalID               string
	Cancelled                bool
	RecurrenceRuleID         *uuid.UUID
	ParentBlockID            *uuid.UUID
	RecurrenceID             *time.Time
	IsRecurringException     bool
	BulkModificationParentID *uuid.UUID
	Meta                     []byte
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Save upserts a busy span. Blocks carry no version; the sync engine is the
// only writer and last write wins.
func (r *PostgresBlockedTimeRepository) Save(ctx context.Context, tc tenant.Context, block *domain.BlockedTime) error {
	if err := tc.Check("blocked time", block.TenantID()); err != nil {
		return err
	}
	meta, err := marshalMeta(block.Meta())
	if err != nil {
		return err
	}

	query := `
		INSERT INTO blocked_times (` + blockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			calendar_id = EXCLUDED.calendar_id,
			reason = EXCLUDED.reason,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			timezone = EXCLUDED.timezone,
			all_day = EXCLUDED.all_day,
			external_id = EXCLUDED.external_id,
			cancelled = EXCLUDED.cancelled,
			recurrence_rule_id = EXCLUDED.recurrence_rule_id,
			parent_block_id = EXCLUDED.parent_block_id,
			recurrence_id = EXCLUDED.recurrence_id,
			is_recurring_exception = EXCLUDED.is_recurring_exception,
			bulk_modification_parent_id = EXCLUDED.bulk_modification_parent_id,
			meta = EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at
		WHERE blocked_times.tenant_id = EXCLUDED.tenant_id
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err = exec.Exec(ctx, query,
		block.ID(),
		block.TenantID(),
		block.CalendarID(),
		block.Reason(),
		block.Interval().Start(),
		block.Interval().End(),
		block.Interval().Timezone(),
		block.AllDay(),
		block.ExternalID(),
		block.IsCancelled(),
		nilableUUID(block.RecurrenceRuleID()),
		nilableUUID(block.ParentBlockID()),
		block.RecurrenceID(),
		block.IsRecurringException(),
		nilableUUID(block.BulkModificationParentID()),
		meta,
		block.CreatedAt(),
		block.UpdatedAt(),
	)
	return err
}

// FindByID returns the tenant's block, or (nil, nil) when absent.
func (r *PostgresBlockedTimeRepository) FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.BlockedTime, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocked_times
		WHERE tenant_id = $1 AND id = $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanBlock(exec.QueryRow(ctx, query, tc.TenantID(), id))
}

// FindByExternalID resolves a provider item id on one calendar.
func (r *PostgresBlockedTimeRepository) FindByExternalID(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, externalID string) (*domain.BlockedTime, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocked_times
		WHERE tenant_id = $1 AND calendar_id = $2 AND external_id = $3 AND external_id <> ''
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanBlock(exec.QueryRow(ctx, query, tc.TenantID(), calendarID, externalID))
}

// FindSynced returns every block on the calendar carrying a provider
// identity.
func (r *PostgresBlockedTimeRepository) FindSynced(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*domain.BlockedTime, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocked_times
		WHERE tenant_id = $1 AND calendar_id = $2 AND external_id <> ''
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// FindIntersecting returns non-recurring blocks and instance overrides
// overlapping the window.
func (r *PostgresBlockedTimeRepository) FindIntersecting(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow) ([]*domain.BlockedTime, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocked_times
		WHERE tenant_id = $1 AND calendar_id = $2
		  AND start_time < $4 AND end_time > $3
		  AND (parent_block_id IS NOT NULL
		       OR (recurrence_rule_id IS NULL AND bulk_modification_parent_id IS NULL))
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), calendarID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// FindMastersStartingBefore returns recurring masters anchored before the
// instant, excluding continuations.
func (r *PostgresBlockedTimeRepository) FindMastersStartingBefore(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, before time.Time) ([]*domain.BlockedTime, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocked_times
		WHERE tenant_id = $1 AND calendar_id = $2
		  AND recurrence_rule_id IS NOT NULL
		  AND parent_block_id IS NULL
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

	return scanBlocks(rows)
}

// FindInstances returns the single-occurrence overrides of a master.
func (r *PostgresBlockedTimeRepository) FindInstances(ctx context.Context, tc tenant.Context, parentBlockID uuid.UUID) ([]*domain.BlockedTime, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocked_times
		WHERE tenant_id = $1 AND parent_block_id = $2
		ORDER BY recurrence_id
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), parentBlockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// FindContinuations returns the direct tail rewrites of a master.
func (r *PostgresBlockedTimeRepository) FindContinuations(ctx context.Context, tc tenant.Context, masterID uuid.UUID) ([]*domain.BlockedTime, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocked_times
		WHERE tenant_id = $1 AND bulk_modification_parent_id = $2
		ORDER BY start_time
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// FindPendingParent returns blocks still waiting for their recurring master
// to arrive from the provider.
func (r *PostgresBlockedTimeRepository) FindPendingParent(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*domain.BlockedTime, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocked_times
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

	return scanBlocks(rows)
}

// Delete removes the tenant's block. Deleting an absent row is a no-op.
func (r *PostgresBlockedTimeRepository) Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	query := `DELETE FROM blocked_times WHERE tenant_id = $1 AND id = $2`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query, tc.TenantID(), id)
	return err
}

func scanBlock(row database.Row) (*domain.BlockedTime, error) {
	var b blockRow
	err := row.Scan(
		&b.ID, &b.TenantID, &b.CalendarID, &b.Reason, &b.StartTime,
		&b.EndTime, &b.Timezone, &b.AllDay, &b.ExternalID, &b.Cancelled,
		&b.RecurrenceRuleID, &b.ParentBlockID, &b.RecurrenceID,
		&b.IsRecurringException, &b.BulkModificationParentID, &b.Meta,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rowToBlock(b)
}

func scanBlocks(rows database.Rows) ([]*domain.BlockedTime, error) {
	var blocks []*domain.BlockedTime
	for rows.Next() {
		var b blockRow
		err := rows.Scan(
			&b.ID, &b.TenantID, &b.CalendarID, &b.Reason, &b.StartTime,
			&b.EndTime, &b.Timezone, &b.AllDay, &b.ExternalID, &b.Cancelled,
			&b.RecurrenceRuleID, &b.ParentBlockID, &b.RecurrenceID,
			&b.IsRecurringException, &b.BulkModificationParentID, &b.Meta,
			&b.CreatedAt, &b.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		block, err := rowToBlock(b)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

func rowToBlock(b blockRow) (*domain.BlockedTime, error) {
	interval, err := domain.NewTimeInterval(b.StartTime, b.EndTime, b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("blocked time %s: %w", b.ID, err)
	}
	meta, err := unmarshalMeta(b.Meta)
	if err != nil {
		return nil, fmt.Errorf("blocked time %s: %w", b.ID, err)
	}
	return domain.RehydrateBlockedTime(
		b.ID, b.TenantID, b.CalendarID,
		b.Reason,
		interval,
		b.AllDay,
		b.ExternalID,
		b.Cancelled,
		uuidOrNil(b.RecurrenceRuleID), uuidOrNil(b.ParentBlockID),
		b.RecurrenceID,
		b.IsRecurringException,
		uuidOrNil(b.BulkModificationParentID),
		meta,
		b.CreatedAt, b.UpdatedAt,
	), nil
}
