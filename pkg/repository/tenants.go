// Package repository holds the relational persistence layer: tenants,
// document chunks, collection metadata, configuration history, the
// dimension compatibility cache, and stored provider credentials.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
)

// TenantRepository handles database operations for tenants
type TenantRepository struct {
	db *sqlx.DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *sqlx.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// Get retrieves a tenant by ID
func (r *TenantRepository) Get(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	query := `SELECT * FROM tenants WHERE id = $1`

	var tenant models.Tenant
	err := r.db.GetContext(ctx, &tenant, query, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("tenant %s not found", id)
	}
	if err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to get tenant: %w", err))
	}
	return &tenant, nil
}

// Create inserts a new tenant
func (r *TenantRepository) Create(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	tenant.CreatedAt = time.Now()
	tenant.UpdatedAt = tenant.CreatedAt

	query := `
		INSERT INTO tenants (id, owner_id, name, provider, model, created_at, updated_at)
		VALUES (:id, :owner_id, :name, :provider, :model, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, tenant); err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to create tenant: %w", err))
	}
	return nil
}

// UpdateConfig atomically updates the tenant's embedding configuration
func (r *TenantRepository) UpdateConfig(ctx context.Context, id uuid.UUID, provider, model string) error {
	return r.UpdateConfigTx(ctx, r.db, id, provider, model)
}

// UpdateConfigTx updates the configuration inside an existing transaction
func (r *TenantRepository) UpdateConfigTx(ctx context.Context, execer sqlx.ExtContext, id uuid.UUID, provider, model string) error {
	query := `UPDATE tenants SET provider = $1, model = $2, updated_at = $3 WHERE id = $4`
	result, err := execer.ExecContext(ctx, query, provider, model, time.Now(), id)
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to update tenant config: %w", err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return apperrors.NotFound("tenant %s not found", id)
	}
	return nil
}

// DB exposes the underlying handle for multi-repository transactions
func (r *TenantRepository) DB() *sqlx.DB {
	return r.db
}
