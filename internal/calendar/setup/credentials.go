package setup

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/calendar/infrastructure/caldav"
	"github.com/slotwise/calsync/internal/tenant"
)

// OAuth endpoints of the hosted providers. Authorization flows run outside
// this system; the token URL is still needed here so stored refresh tokens
// can mint fresh access tokens.
const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"

	microsoftAuthURLFormat  = "https://login.microsoftonline.com/%s/oauth2/v2.0/authorize"
	microsoftTokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// StoredCredential is one tenant's secret material for a provider account.
// OAuth providers fill the token fields; CalDAV providers fill the server
// and basic-auth fields.
type StoredCredential struct {
	Provider domain.Provider

	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time

	ServerURL string
	Username  string
	Password  string
}

// CredentialStore persists provider credentials, sealed at rest. Find
// returns (nil, nil) when the tenant has no account on the provider.
type CredentialStore interface {
	Find(ctx context.Context, tc tenant.Context, provider domain.Provider) (*StoredCredential, error)
	Save(ctx context.Context, tc tenant.Context, credential StoredCredential) error
	Delete(ctx context.Context, tc tenant.Context, provider domain.Provider) error
}

// OAuthTokens builds refreshable token sources from stored credentials. The
// x/oauth2 client refreshes expired access tokens against the provider's
// token endpoint transparently.
type OAuthTokens struct {
	store  CredentialStore
	config *oauth2.Config
}

// NewGoogleTokens creates the token provider for Google accounts.
func NewGoogleTokens(store CredentialStore, clientID, clientSecret string) *OAuthTokens {
	return &OAuthTokens{
		store: store,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  googleAuthURL,
				TokenURL: googleTokenURL,
			},
		},
	}
}

// NewMicrosoftTokens creates the token provider for Microsoft accounts.
// directory is the Entra directory the application is registered in;
// "common" serves accounts from any directory.
func NewMicrosoftTokens(store CredentialStore, clientID, clientSecret, directory string) *OAuthTokens {
	if directory == "" {
		directory = "common"
	}
	return &OAuthTokens{
		store: store,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  fmt.Sprintf(microsoftAuthURLFormat, directory),
				TokenURL: fmt.Sprintf(microsoftTokenURLFormat, directory),
			},
		},
	}
}

// TokenSource loads the tenant's stored token and wraps it in a refreshing
// source. A tenant with no linked account fails with ErrInvalidCredentials.
func (p *OAuthTokens) TokenSource(ctx context.Context, tc tenant.Context, provider domain.Provider) (oauth2.TokenSource, error) {
	credential, err := p.store.Find(ctx, tc, provider)
	if err != nil {
		return nil, fmt.Errorf("load %s credential: %w", provider, err)
	}
	if credential == nil {
		return nil, domain.NewProviderError(provider, domain.ErrInvalidCredentials,
			"no account linked", nil)
	}
	token := &oauth2.Token{
		AccessToken:  credential.AccessToken,
		RefreshToken: credential.RefreshToken,
		TokenType:    credential.TokenType,
		Expiry:       credential.Expiry,
	}
	return p.config.TokenSource(ctx, token), nil
}

// CalDAVCredentials serves basic-auth material from the store.
type CalDAVCredentials struct {
	store CredentialStore
}

// NewCalDAVCredentials creates the credential provider for CalDAV accounts.
func NewCalDAVCredentials(store CredentialStore) *CalDAVCredentials {
	return &CalDAVCredentials{store: store}
}

// Credentials loads the tenant's CalDAV account. The base URL may come back
// empty; the factory fills in the iCloud endpoint for apple.
func (p *CalDAVCredentials) Credentials(ctx context.Context, tc tenant.Context, provider domain.Provider) (caldav.Config, error) {
	credential, err := p.store.Find(ctx, tc, provider)
	if err != nil {
		return caldav.Config{}, fmt.Errorf("load %s credential: %w", provider, err)
	}
	if credential == nil {
		return caldav.Config{}, domain.NewProviderError(provider, domain.ErrInvalidCredentials,
			"no account linked", nil)
	}
	return caldav.Config{
		BaseURL:  credential.ServerURL,
		Username: credential.Username,
		Password: credential.Password,
	}, nil
}
