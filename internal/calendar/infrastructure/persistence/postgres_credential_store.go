package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/calendar/setup"
	"github.com/slotwise/calsync/internal/shared/infrastructure/crypto"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/tenant"
)

// PostgresCredentialStore implements setup.CredentialStore. Secret material
// is sealed as one blob per (tenant, provider); the tenant id and provider
// ride as associated data, so a ciphertext moved onto another row fails to
// open instead of decrypting under the wrong account.
type PostgresCredentialStore struct {
	conn   database.Connection
	sealer crypto.Sealer
}

// NewPostgresCredentialStore creates a sealed credential store.
func NewPostgresCredentialStore(conn database.Connection, sealer crypto.Sealer) *PostgresCredentialStore {
	return &PostgresCredentialStore{conn: conn, sealer: sealer}
}

// credentialRecord is the sealed JSON payload. The provider stays outside
// as a column and inside the AAD.
type credentialRecord struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	ServerURL    string    `json:"server_url,omitempty"`
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"password,omitempty"`
}

// Find returns the tenant's credential for a provider, or (nil, nil) when
// no account is linked.
func (s *PostgresCredentialStore) Find(ctx context.Context, tc tenant.Context, provider domain.Provider) (*setup.StoredCredential, error) {
	query := `
		SELECT ciphertext
		FROM provider_credentials
		WHERE tenant_id = $1 AND provider = $2
	`
	var ciphertext []byte
	exec := database.ExecutorFromContext(ctx, s.conn)
	err := exec.QueryRow(ctx, query, tc.TenantID(), string(provider)).Scan(&ciphertext)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	plaintext, err := s.sealer.Open(ciphertext, credentialContext(tc, provider))
	if err != nil {
		return nil, fmt.Errorf("open %s credential: %w", provider, err)
	}
	var record credentialRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("decode %s credential: %w", provider, err)
	}

	return &setup.StoredCredential{
		Provider:     provider,
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		Expiry:       record.Expiry,
		ServerURL:    record.ServerURL,
		Username:     record.Username,
		Password:     record.Password,
	}, nil
}

// Save seals and upserts the tenant's credential for a provider.
func (s *PostgresCredentialStore) Save(ctx context.Context, tc tenant.Context, credential setup.StoredCredential) error {
	if tc.IsZero() {
		return tenant.ErrMissingTenant
	}
	if !credential.Provider.IsValid() {
		return fmt.Errorf("invalid provider %q", credential.Provider)
	}

	plaintext, err := json.Marshal(credentialRecord{
		AccessToken:  credential.AccessToken,
		RefreshToken: credential.RefreshToken,
		TokenType:    credential.TokenType,
		Expiry:       credential.Expiry,
		ServerURL:    credential.ServerURL,
		Username:     credential.Username,
		Password:     credential.Password,
	})
	if err != nil {
		return fmt.Errorf("encode %s credential: %w", credential.Provider, err)
	}
	ciphertext, err := s.sealer.Seal(plaintext, credentialContext(tc, credential.Provider))
	if err != nil {
		return fmt.Errorf("seal %s credential: %w", credential.Provider, err)
	}

	query := `
		INSERT INTO provider_credentials (tenant_id, provider, ciphertext, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			updated_at = now()
	`
	exec := database.ExecutorFromContext(ctx, s.conn)
	_, err = exec.Exec(ctx, query, tc.TenantID(), string(credential.Provider), ciphertext)
	return err
}

// Delete unlinks the tenant's account on a provider. Deleting an absent row
// is a no-op.
func (s *PostgresCredentialStore) Delete(ctx context.Context, tc tenant.Context, provider domain.Provider) error {
	query := `DELETE FROM provider_credentials WHERE tenant_id = $1 AND provider = $2`
	exec := database.ExecutorFromContext(ctx, s.conn)
	_, err := exec.Exec(ctx, query, tc.TenantID(), string(provider))
	return err
}

func credentialContext(tc tenant.Context, provider domain.Provider) []byte {
	return []byte(tc.TenantID().String() + "/" + string(provider))
}
