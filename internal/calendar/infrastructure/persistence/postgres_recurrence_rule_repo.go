package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/recurrence"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/tenant"
)

// PostgresRecurrenceRuleRepository implements domain.RecurrenceRuleRepository.
// Rules are stored as their canonical RRULE content line, the same encoding
// handed to providers, so what is persisted is exactly what round-trips.
type PostgresRecurrenceRuleRepository struct {
	conn database.Connection
}

// NewPostgresRecurrenceRuleRepository creates a PostgreSQL rule repository.
func NewPostgresRecurrenceRuleRepository(conn database.Connection) *PostgresRecurrenceRuleRepository {
	return &PostgresRecurrenceRuleRepository{conn: conn}
}

// Save upserts a rule.
func (r *PostgresRecurrenceRuleRepository) Save(ctx context.Context, tc tenant.Context, rule *domain.RecurrenceRule) error {
	if err := tc.Check("recurrence rule", rule.TenantID()); err != nil {
		return err
	}
	encoded, err := recurrence.FormatRule(rule.Rule())
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", rule.ID(), err)
	}

	query := `
		INSERT INTO recurrence_rules (id, tenant_id, rrule, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			rrule = EXCLUDED.rrule,
			updated_at = EXCLUDED.updated_at
		WHERE recurrence_rules.tenant_id = EXCLUDED.tenant_id
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err = exec.Exec(ctx, query,
		rule.ID(), rule.TenantID(), encoded, rule.CreatedAt(), rule.UpdatedAt())
	return err
}

// FindByID returns the tenant's rule, or (nil, nil) when absent.
func (r *PostgresRecurrenceRuleRepository) FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.RecurrenceRule, error) {
	query := `
		SELECT id, tenant_id, rrule, created_at, updated_at
		FROM recurrence_rules
		WHERE tenant_id = $1 AND id = $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rule, err := scanRecurrenceRule(exec.QueryRow(ctx, query, tc.TenantID(), id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rule, nil
}

// FindByIDs loads a batch of rules keyed by id. Missing ids are simply
// absent from the result.
func (r *PostgresRecurrenceRuleRepository) FindByIDs(ctx context.Context, tc tenant.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.RecurrenceRule, error) {
	rules := make(map[uuid.UUID]*domain.RecurrenceRule, len(ids))
	if len(ids) == 0 {
		return rules, nil
	}

	query := `
		SELECT id, tenant_id, rrule, created_at, updated_at
		FROM recurrence_rules
		WHERE tenant_id = $1 AND id = ANY($2::uuid[])
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, tc.TenantID(), uuidsToStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		rule, err := scanRecurrenceRule(rows)
		if err != nil {
			return nil, err
		}
		rules[rule.ID()] = rule
	}
	return rules, rows.Err()
}

// Delete removes the tenant's rule. Deleting an absent row is a no-op.
func (r *PostgresRecurrenceRuleRepository) Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	query := `DELETE FROM recurrence_rules WHERE tenant_id = $1 AND id = $2`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query, tc.TenantID(), id)
	return err
}

func scanRecurrenceRule(row database.Row) (*domain.RecurrenceRule, error) {
	var (
		id        uuid.UUID
		tenantID  uuid.UUID
		encoded   string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&id, &tenantID, &encoded, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rule, err := recurrence.ParseRule(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode stored rule %s: %w", id, err)
	}
	return domain.RehydrateRecurrenceRule(id, tenantID, rule, createdAt, updatedAt), nil
}
