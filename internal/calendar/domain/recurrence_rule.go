package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/recurrence"
	sharedDomain "github.com/slotwise/calsync/internal/shared/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// RecurrenceRule is a persisted recurrence pattern. Events, blocked times and
// available times reference rules by id rather than owning them, so a rule is
// its own entity in the tenant's arena.
type RecurrenceRule struct {
	sharedDomain.BaseEntity
	rule recurrence.Rule
}

// NewRecurrenceRule creates a rule entity after validating the pattern.
func NewRecurrenceRule(tc tenant.Context, rule recurrence.Rule) (*RecurrenceRule, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &RecurrenceRule{
		BaseEntity: sharedDomain.NewBaseEntity(tc.TenantID()),
		rule:       rule,
	}, nil
}

// RehydrateRecurrenceRule reconstructs a rule from storage.
func RehydrateRecurrenceRule(id, tenantID uuid.UUID, rule recurrence.Rule, createdAt, updatedAt time.Time) *RecurrenceRule {
	return &RecurrenceRule{
		BaseEntity: sharedDomain.RehydrateBaseEntity(id, tenantID, createdAt, updatedAt),
		rule:       rule,
	}
}

// Rule returns the validated pattern.
func (r *RecurrenceRule) Rule() recurrence.Rule { return r.rule }

// RRule returns the canonical RRULE content line, as handed to providers.
func (r *RecurrenceRule) RRule() (string, error) {
	return recurrence.FormatRule(r.rule)
}
