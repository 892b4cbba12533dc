package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnknownTenant is returned when an id resolves to no known tenant.
var ErrUnknownTenant = errors.New("unknown tenant")

// Directory resolves tenant ids arriving from the outside, such as webhook
// URLs, into verified Contexts. Ingress paths must refuse to process anything
// whose tenant cannot be unambiguously determined.
type Directory interface {
	Resolve(ctx context.Context, tenantID uuid.UUID) (Context, error)
}
