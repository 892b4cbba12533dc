package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/tenant"
)

// PostgresWebhookSubscriptionRepository implements
// domain.WebhookSubscriptionRepository.
type PostgresWebhookSubscriptionRepository struct {
	conn database.Connection
}

// NewPostgresWebhookSubscriptionRepository creates a PostgreSQL push
// channel repository.
func NewPostgresWebhookSubscriptionRepository(conn database.Connection) *PostgresWebhookSubscriptionRepository {
	return &PostgresWebhookSubscriptionRepository{conn: conn}
}

const subscriptionColumns = `
	id, tenant_id, calendar_id, provider, external_subscription_id,
	external_resource_id, external_calendar_id, callback_url, channel_id,
	verification_token, expires_at, is_active, last_notification_at,
	version, created_at, updated_at`

type subscriptionRow struct {
	ID                     uuid.UUID
	TenantID               uuid.UUID
	CalendarID             uuid.UUID
	Provider               string
	ExternalSubscriptionID string
	ExternalResourceID     string
	ExternalCalendarID     string
	CallbackURL            string
	ChannelID              string
	VerificationToken      string
	ExpiresAt              time.Time
	IsActive               bool
	LastNotificationAt     *time.Time
	Version                int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Save upserts a push channel under an optimistic version guard.
func (r *PostgresWebhookSubscriptionRepository) Save(ctx context.Context, tc tenant.Context, sub *domain.WebhookSubscription) error {
	if err := tc.Check("webhook subscription", sub.TenantID()); err != nil {
		return err
	}

	query := `
		INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			external_subscription_id = EXCLUDED.external_subscription_id,
			external_resource_id = EXCLUDED.external_resource_id,
			external_calendar_id = EXCLUDED.external_calendar_id,
			callback_url = EXCLUDED.callback_url,
			channel_id = EXCLUDED.channel_id,
			verification_token = EXCLUDED.verification_token,
			expires_at = EXCLUDED.expires_at,
			is_active = EXCLUDED.is_active,
			last_notification_at = EXCLUDED.last_notification_at,
			version = webhook_subscriptions.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE webhook_subscriptions.tenant_id = EXCLUDED.tenant_id
		  AND webhook_subscriptions.version = $14
		RETURNING version
	`

	var newVersion int
	exec := database.ExecutorFromContext(ctx, r.conn)
	err := exec.QueryRow(ctx, query,
		sub.ID(),
		sub.TenantID(),
		sub.CalendarID(),
		string(sub.Provider()),
		sub.ExternalSubscriptionID(),
		sub.ExternalResourceID(),
		sub.ExternalCalendarID(),
		sub.CallbackURL(),
		sub.ChannelID(),
		sub.VerificationToken(),
		sub.ExpiresAt(),
		sub.IsActive(),
		sub.LastNotificationAt(),
		sub.Version(),
		sub.CreatedAt(),
		sub.UpdatedAt(),
	).Scan(&newVersion)
	if err != nil {
		if database.IsNoRows(err) {
			return domain.ErrStaleVersion
		}
		return err
	}

	sub.SetVersion(newVersion)
	return nil
}

// FindByID returns the tenant's channel, or (nil, nil) when absent.
func (r *PostgresWebhookSubscriptionRepository) FindByID(ctx context.Context, tc tenant.Context, id uuid.UUID) (*domain.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE tenant_id = $1 AND id = $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanSubscription(exec.QueryRow(ctx, query, tc.TenantID(), id))
}

// FindActiveByCalendar returns the live channel watching a calendar on one
// provider.
func (r *PostgresWebhookSubscriptionRepository) FindActiveByCalendar(ctx context.Context, tc tenant.Context, calendarID uuid.UUID, provider domain.Provider) (*domain.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE tenant_id = $1 AND calendar_id = $2 AND provider = $3 AND is_active = TRUE
		ORDER BY expires_at DESC
		LIMIT 1
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanSubscription(exec.QueryRow(ctx, query, tc.TenantID(), calendarID, string(provider)))
}

// FindByExternalSubscriptionID resolves a provider's subscription id.
func (r *PostgresWebhookSubscriptionRepository) FindByExternalSubscriptionID(ctx context.Context, tc tenant.Context, externalSubscriptionID string) (*domain.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE tenant_id = $1 AND external_subscription_id = $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanSubscription(exec.QueryRow(ctx, query, tc.TenantID(), externalSubscriptionID))
}

// FindByChannelID resolves the channel id echoed in notification headers.
func (r *PostgresWebhookSubscriptionRepository) FindByChannelID(ctx context.Context, tc tenant.Context, channelID string) (*domain.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE tenant_id = $1 AND channel_id = $2 AND channel_id <> ''
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	return scanSubscription(exec.QueryRow(ctx, query, tc.TenantID(), channelID))
}

// FindExpiringAll scans active channels lapsing before the instant across
// every tenant, soonest first. Only the renewal worker calls it.
func (r *PostgresWebhookSubscriptionRepository) FindExpiringAll(ctx context.Context, before time.Time, limit int) ([]*domain.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE is_active = TRUE AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`
	exec := database.ExecutorFromContext(ctx, r.conn)
	rows, err := exec.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

// Delete removes the tenant's channel. Deleting an absent row is a no-op.
func (r *PostgresWebhookSubscriptionRepository) Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	query := `DELETE FROM webhook_subscriptions WHERE tenant_id = $1 AND id = $2`
	exec := database.ExecutorFromContext(ctx, r.conn)
	_, err := exec.Exec(ctx, query, tc.TenantID(), id)
	return err
}

func scanSubscription(row database.Row) (*domain.WebhookSubscription, error) {
	var s subscriptionRow
	err := row.Scan(
		&s.ID, &s.TenantID, &s.CalendarID, &s.Provider,
		&s.ExternalSubscriptionID, &s.ExternalResourceID, &s.ExternalCalendarID,
		&s.CallbackURL, &s.ChannelID, &s.VerificationToken, &s.ExpiresAt,
		&s.IsActive, &s.LastNotificationAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rowToSubscription(s), nil
}

func scanSubscriptions(rows database.Rows) ([]*domain.WebhookSubscription, error) {
	var subs []*domain.WebhookSubscription
	for rows.Next() {
		var s subscriptionRow
		err := rows.Scan(
			&s.ID, &s.TenantID, &s.CalendarID, &s.Provider,
			&s.ExternalSubscriptionID, &s.ExternalResourceID, &s.ExternalCalendarID,
			&s.CallbackURL, &s.ChannelID, &s.VerificationToken, &s.ExpiresAt,
			&s.IsActive, &s.LastNotificationAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		subs = append(subs, rowToSubscription(s))
	}
	return subs, rows.Err()
}

func rowToSubscription(s subscriptionRow) *domain.WebhookSubscription {
	return domain.RehydrateWebhookSubscription(
		s.ID, s.TenantID, s.CalendarID,
		domain.Provider(s.Provider),
		s.ExternalSubscriptionID, s.ExternalResourceID, s.ExternalCalendarID,
		s.CallbackURL, s.ChannelID, s.VerificationToken,
		s.ExpiresAt,
		s.IsActive,
		s.LastNotificationAt,
		s.Version,
		s.CreatedAt, s.UpdatedAt,
	)
}
