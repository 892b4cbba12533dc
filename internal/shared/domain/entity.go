package domain

import (
	"time"

	"github.com/google/uuid"
)

// Entity represents a domain entity with identity. Every entity in the core
// belongs to exactly one tenant.
type Entity interface {
	ID() uuid.UUID
	TenantID() uuid.UUID
	CreatedAt() time.Time
	UpdatedAt() time.Time
	Equals(other Entity) bool
}

// BaseEntity provides common entity functionality.
type BaseEntity struct {
	id        uuid.UUID
	tenantID  uuid.UUID
	createdAt time.Time
	updatedAt time.Time
}

// NewBaseEntity creates a new entity with a generated ID, bound to a tenant.
func NewBaseEntity(tenantID uuid.UUID) BaseEntity {
	return NewBaseEntityWithID(uuid.New(), tenantID)
}

// NewBaseEntityWithID creates a new entity with a specific ID.
func NewBaseEntityWithID(id, tenantID uuid.UUID) BaseEntity {
	now := time.Now().UTC()
	return BaseEntity{
		id:        id,
		tenantID:  tenantID,
		createdAt: now,
		updatedAt: now,
	}
}

// RehydrateBaseEntity recreates an entity from persisted state.
func RehydrateBaseEntity(id, tenantID uuid.UUID, createdAt, updatedAt time.Time) BaseEntity {
	return BaseEntity{
		id:        id,
		tenantID:  tenantID,
		createdAt: createdAt,
		updatedAt: updatedAt,
	}
}

func (e BaseEntity) ID() uuid.UUID        { return e.id }
func (e BaseEntity) TenantID() uuid.UUID  { return e.tenantID }
func (e BaseEntity) CreatedAt() time.Time { return e.createdAt }
func (e BaseEntity) UpdatedAt() time.Time { return e.updatedAt }

// Touch updates the updatedAt timestamp.
func (e *BaseEntity) Touch() {
	e.updatedAt = time.Now().UTC()
}

// Equals checks if two entities have the same identity within the same tenant.
func (e BaseEntity) Equals(other Entity) bool {
	if other == nil {
		return false
	}
	return e.id == other.ID() && e.tenantID == other.TenantID()
}
