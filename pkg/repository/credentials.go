package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CredentialRepository loads stored provider keys. It backs the key
// resolver's fallback chain; key material is returned to callers but
// never logged here.
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// GetTenantOwnerCredential returns the tenant owner's key for the
// provider, or "" when none is stored.
func (r *CredentialRepository) GetTenantOwnerCredential(ctx context.Context, tenantID uuid.UUID, provider string) (string, error) {
	query := `
		SELECT c.api_key FROM user_credentials c
		JOIN tenants t ON t.owner_id = c.user_id
		WHERE t.id = $1 AND c.provider = $2 AND c.is_active = true
	`
	var key string
	err := r.db.GetContext(ctx, &key, query, tenantID, provider)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load tenant owner credential: %w", err)
	}
	return key, nil
}

// GetUserCredential returns the user's key for the provider, or ""
// when none is stored.
func (r *CredentialRepository) GetUserCredential(ctx context.Context, userID uuid.UUID, provider string) (string, error) {
	query := `
		SELECT api_key FROM user_credentials
		WHERE user_id = $1 AND provider = $2 AND is_active = true
	`
	var key string
	err := r.db.GetContext(ctx, &key, query, userID, provider)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load user credential: %w", err)
	}
	return key, nil
}

// StoreUserCredential saves or replaces a user's key for a provider
func (r *CredentialRepository) StoreUserCredential(ctx context.Context, userID uuid.UUID, provider, key string) error {
	query := `
		INSERT INTO user_credentials (user_id, provider, api_key, is_active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			is_active = true
	`
	if _, err := r.db.ExecContext(ctx, query, userID, provider, key); err != nil {
		return fmt.Errorf("failed to store user credential: %w", err)
	}
	return nil
}
