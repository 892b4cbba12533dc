package jobs

import (
	"context"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
)

// Routing keys for job requests. Sync requests are declared next to the
// scheduler that sweeps for them.
const (
	// RoutingImportAccount asks a worker to import a provider account's
	// calendars.
	RoutingImportAccount = "import.account"

	// RoutingImportResources asks a worker to import the org's bookable
	// resources from a provider directory.
	RoutingImportResources = "import.resources"

	// RoutingSubscriptionRenew asks a worker to renew one push channel.
	RoutingSubscriptionRenew = "subscription.renew"
)

// Envelope subject names for jobs whose target is not a stored aggregate.
const (
	subjectProviderAccount = "calendar.ProviderAccount"
	subjectOrgResources    = "calendar.OrgResources"
)

// ImportAccountRequested asks for the calendars of a provider account. The
// account is identified by the tenant and provider pair, so repeated
// requests upsert the same rows.
type ImportAccountRequested struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	Provider domain.Provider `json:"provider"`
}

// ImportResourcesRequested asks for the org's rooms and equipment from a
// provider's resource directory.
type ImportResourcesRequested struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	Provider domain.Provider `json:"provider"`
}

// SubscriptionRenewRequested asks for one webhook subscription's channel
// lease to be extended.
type SubscriptionRenewRequested struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
}

// EnqueueImportAccount publishes an account import request for the worker
// pool.
func EnqueueImportAccount(ctx context.Context, publisher eventbus.Publisher, tenantID uuid.UUID, provider domain.Provider) error {
	req := ImportAccountRequested{TenantID: tenantID, Provider: provider}
	return eventbus.PublishJob(ctx, publisher, RoutingImportAccount, subjectProviderAccount, tenantID, tenantID, req)
}

// EnqueueImportResources publishes a resource import request for the worker
// pool.
func EnqueueImportResources(ctx context.Context, publisher eventbus.Publisher, tenantID uuid.UUID, provider domain.Provider) error {
	req := ImportResourcesRequested{TenantID: tenantID, Provider: provider}
	return eventbus.PublishJob(ctx, publisher, RoutingImportResources, subjectOrgResources, tenantID, tenantID, req)
}

// EnqueueSubscriptionRenew publishes a renewal request for one push channel.
func EnqueueSubscriptionRenew(ctx context.Context, publisher eventbus.Publisher, tenantID, subscriptionID uuid.UUID) error {
	req := SubscriptionRenewRequested{TenantID: tenantID, SubscriptionID: subscriptionID}
	return eventbus.PublishJob(ctx, publisher, RoutingSubscriptionRenew, domain.AggregateWebhookSubscription, subscriptionID, tenantID, req)
}
