package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/tenant"
)

// PostgresTenantDirectory implements tenant.Directory against the tenants
// table. Ids arriving from outside, such as webhook URLs, resolve only when
// the tenant exists and is active.
type PostgresTenantDirectory struct {
	conn database.Connection
}

// NewPostgresTenantDirectory creates a PostgreSQL tenant directory.
func NewPostgresTenantDirectory(conn database.Connection) *PostgresTenantDirectory {
	return &PostgresTenantDirectory{conn: conn}
}

// Resolve verifies the tenant id and returns its context.
func (d *PostgresTenantDirectory) Resolve(ctx context.Context, tenantID uuid.UUID) (tenant.Context, error) {
	if tenantID == uuid.Nil {
		return tenant.Context{}, tenant.ErrMissingTenant
	}

	query := `SELECT is_active FROM tenants WHERE id = $1`
	var isActive bool
	exec := database.ExecutorFromContext(ctx, d.conn)
	err := exec.QueryRow(ctx, query, tenantID).Scan(&isActive)
	if err != nil {
		if database.IsNoRows(err) {
			return tenant.Context{}, fmt.Errorf("tenant %s: %w", tenantID, tenant.ErrUnknownTenant)
		}
		return tenant.Context{}, err
	}
	if !isActive {
		return tenant.Context{}, fmt.Errorf("tenant %s is deactivated: %w", tenantID, tenant.ErrUnknownTenant)
	}

	return tenant.NewContext(tenantID)
}
