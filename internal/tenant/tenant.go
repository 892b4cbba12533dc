// Package tenant carries the tenant identity every operation in the core
// must act under. Entities cannot be constructed and repositories cannot be
// queried without a Context, which makes cross-tenant access a structural
// error rather than a runtime surprise.
package tenant

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrMissingTenant is returned when an operation is attempted without a
	// resolved tenant.
	ErrMissingTenant = errors.New("missing tenant id")

	// ErrViolation indicates an entity from one tenant was referenced from
	// another. This is a programmer error and is never recovered from.
	ErrViolation = errors.New("cross-tenant reference")
)

// Context identifies the tenant an operation acts for.
// The zero value is invalid; use NewContext.
type Context struct {
	tenantID uuid.UUID
}

// NewContext creates a tenant context for the given tenant id.
func NewContext(tenantID uuid.UUID) (Context, error) {
	if tenantID == uuid.Nil {
		return Context{}, ErrMissingTenant
	}
	return Context{tenantID: tenantID}, nil
}

// MustContext creates a tenant context and panics on a nil tenant id.
// Intended for tests and static wiring only.
func MustContext(tenantID uuid.UUID) Context {
	tc, err := NewContext(tenantID)
	if err != nil {
		panic(err)
	}
	return tc
}

// TenantID returns the tenant id this context acts for.
func (c Context) TenantID() uuid.UUID { return c.tenantID }

// IsZero reports whether the context carries no tenant.
func (c Context) IsZero() bool { return c.tenantID == uuid.Nil }

// Owns reports whether the given tenant id belongs to this context.
func (c Context) Owns(tenantID uuid.UUID) bool {
	return !c.IsZero() && c.tenantID == tenantID
}

// Check returns ErrViolation when ownerTenantID does not belong to the
// context. The entity kind is included for diagnostics.
func (c Context) Check(kind string, ownerTenantID uuid.UUID) error {
	if c.IsZero() {
		return ErrMissingTenant
	}
	if c.tenantID != ownerTenantID {
		return fmt.Errorf("%s owned by tenant %s, caller is tenant %s: %w",
			kind, ownerTenantID, c.tenantID, ErrViolation)
	}
	return nil
}
