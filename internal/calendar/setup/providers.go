// Package setup resolves provider adapters from per-tenant credentials. It
// is the single place that knows which adapter serves which provider; the
// rest of the system works against domain.AdapterFactory and never names a
// concrete adapter type.
package setup

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/calendar/infrastructure/caldav"
	googleCal "github.com/slotwise/calsync/internal/calendar/infrastructure/google"
	microsoftCal "github.com/slotwise/calsync/internal/calendar/infrastructure/microsoft"
	"github.com/slotwise/calsync/internal/calendar/infrastructure/virtual"
	"github.com/slotwise/calsync/internal/tenant"
)

// TokenProvider yields an OAuth2 token source for a tenant's provider
// account.
type TokenProvider interface {
	TokenSource(ctx context.Context, tc tenant.Context, provider domain.Provider) (oauth2.TokenSource, error)
}

// CalDAVCredentialProvider yields basic-auth material for a tenant's CalDAV
// account.
type CalDAVCredentialProvider interface {
	Credentials(ctx context.Context, tc tenant.Context, provider domain.Provider) (caldav.Config, error)
}

// Config holds the credential sources the factory resolves adapters from.
// A nil source leaves its provider unconfigured; resolving it fails with
// ErrInvalidCredentials rather than at first use.
type Config struct {
	GoogleTokens     TokenProvider
	MicrosoftTokens  TokenProvider
	CalDAVCredential CalDAVCredentialProvider
	Logger           *slog.Logger
}

// Factory resolves the adapter for a tenant's provider account. The internal
// provider always resolves; external providers need their credential source
// configured. Wrap the factory with guard.NewFactory to put rate limits and
// breakers in front of every external call.
type Factory struct {
	config   Config
	internal *virtual.Adapter
}

// NewFactory creates an adapter factory.
func NewFactory(config Config) *Factory {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Factory{config: config, internal: virtual.New()}
}

// AdapterFor resolves the adapter serving the tenant's account on the given
// provider. Adapters are built per call; they hold no connection state worth
// pooling.
func (f *Factory) AdapterFor(ctx context.Context, tc tenant.Context, provider domain.Provider) (domain.Adapter, error) {
	if tc.IsZero() {
		return nil, tenant.ErrMissingTenant
	}

	switch provider {
	case domain.ProviderInternal:
		return f.internal, nil

	case domain.ProviderGoogle:
		if f.config.GoogleTokens == nil {
			return nil, f.notConfigured(provider)
		}
		source, err := f.config.GoogleTokens.TokenSource(ctx, tc, provider)
		if err != nil {
			return nil, err
		}
		return googleCal.New(source, f.config.Logger), nil

	case domain.ProviderMicrosoft:
		if f.config.MicrosoftTokens == nil {
			return nil, f.notConfigured(provider)
		}
		source, err := f.config.MicrosoftTokens.TokenSource(ctx, tc, provider)
		if err != nil {
			return nil, err
		}
		return microsoftCal.New(source, f.config.Logger), nil

	case domain.ProviderApple, domain.ProviderICS:
		if f.config.CalDAVCredential == nil {
			return nil, f.notConfigured(provider)
		}
		cfg, err := f.config.CalDAVCredential.Credentials(ctx, tc, provider)
		if err != nil {
			return nil, err
		}
		if cfg.BaseURL == "" && provider == domain.ProviderApple {
			cfg.BaseURL = caldav.AppleCalDAVURL
		}
		return caldav.New(provider, cfg, f.config.Logger), nil
	}

	return nil, fmt.Errorf("unknown provider %q", provider)
}

func (f *Factory) notConfigured(provider domain.Provider) error {
	return domain.NewProviderError(provider, domain.ErrInvalidCredentials,
		"provider has no credential source configured", nil)
}
