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

// CollectionMetadataRepository maintains the single metadata row per
// tenant and its append-only configuration history.
type CollectionMetadataRepository struct {
	db *sqlx.DB
}

// NewCollectionMetadataRepository creates a new collection metadata repository
func NewCollectionMetadataRepository(db *sqlx.DB) *CollectionMetadataRepository {
	return &CollectionMetadataRepository{db: db}
}

// Get retrieves the metadata row for a tenant
func (r *CollectionMetadataRepository) Get(ctx context.Context, tenantID uuid.UUID) (*models.CollectionMetadata, error) {
	query := `SELECT * FROM collection_metadata WHERE tenant_id = $1`

	var meta models.CollectionMetadata
	err := r.db.GetContext(ctx, &meta, query, tenantID)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("collection metadata for tenant %s not found", tenantID)
	}
	if err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to get collection metadata: %w", err))
	}
	return &meta, nil
}

// Upsert creates or replaces the tenant's metadata row. The tenant_id
// uniqueness constraint keeps the row-per-tenant invariant.
func (r *CollectionMetadataRepository) Upsert(ctx context.Context, meta *models.CollectionMetadata) error {
	return r.UpsertTx(ctx, r.db, meta)
}

// UpsertTx upserts inside an existing transaction
func (r *CollectionMetadataRepository) UpsertTx(ctx context.Context, execer sqlx.ExtContext, meta *models.CollectionMetadata) error {
	now := time.Now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	if meta.Status == "" {
		meta.Status = models.CollectionActive
	}

	query := `
		INSERT INTO collection_metadata (
			tenant_id, collection_key, provider, model, dimension,
			point_count, status, last_migration, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id) DO UPDATE SET
			collection_key = EXCLUDED.collection_key,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			dimension = EXCLUDED.dimension,
			point_count = EXCLUDED.point_count,
			status = EXCLUDED.status,
			last_migration = EXCLUDED.last_migration,
			updated_at = EXCLUDED.updated_at
	`
	_, err := execer.ExecContext(ctx, query,
		meta.TenantID, meta.CollectionKey, meta.Provider, meta.Model, meta.Dimension,
		meta.PointCount, meta.Status, meta.LastMigration, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to upsert collection metadata: %w", err))
	}
	return nil
}

// UpdateStatus flips the lifecycle status of a tenant's collection
func (r *CollectionMetadataRepository) UpdateStatus(ctx context.Context, tenantID uuid.UUID, status models.CollectionStatus) error {
	query := `UPDATE collection_metadata SET status = $1, updated_at = $2 WHERE tenant_id = $3`
	result, err := r.db.ExecContext(ctx, query, status, time.Now(), tenantID)
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to update collection status: %w", err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return apperrors.NotFound("collection metadata for tenant %s not found", tenantID)
	}
	return nil
}

// RecordChange appends one configuration history entry. History rows
// are written before the risky transition so a failed migration leaves
// a row with migration_completed = false.
func (r *CollectionMetadataRepository) RecordChange(ctx context.Context, entry *models.ConfigurationHistoryEntry) error {
	return r.RecordChangeTx(ctx, r.db, entry)
}

// RecordChangeTx appends a history entry inside an existing transaction
func (r *CollectionMetadataRepository) RecordChangeTx(ctx context.Context, execer sqlx.ExtContext, entry *models.ConfigurationHistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO configuration_history (
			id, tenant_id, previous_provider, previous_model, previous_dimension,
			new_provider, new_model, new_dimension, reason,
			migration_required, migration_completed, migration_id, actor, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := execer.ExecContext(ctx, query,
		entry.ID, entry.TenantID,
		entry.PreviousProvider, entry.PreviousModel, entry.PreviousDimension,
		entry.NewProvider, entry.NewModel, entry.NewDimension, entry.Reason,
		entry.MigrationRequired, entry.MigrationCompleted, entry.MigrationID,
		entry.Actor, entry.CreatedAt)
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to record configuration change: %w", err))
	}
	return nil
}

// History returns the newest history entries for a tenant
func (r *CollectionMetadataRepository) History(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ConfigurationHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT * FROM configuration_history
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	var entries []*models.ConfigurationHistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, tenantID, limit); err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to load configuration history: %w", err))
	}
	return entries, nil
}

// MarkMigrationCompleted flips migration_completed on the history row
// tied to a migration. The only permitted mutation of a history entry.
func (r *CollectionMetadataRepository) MarkMigrationCompleted(ctx context.Context, migrationID uuid.UUID) error {
	return r.MarkMigrationCompletedTx(ctx, r.db, migrationID)
}

// MarkMigrationCompletedTx flips the flag inside an existing transaction
func (r *CollectionMetadataRepository) MarkMigrationCompletedTx(ctx context.Context, execer sqlx.ExtContext, migrationID uuid.UUID) error {
	query := `UPDATE configuration_history SET migration_completed = true WHERE migration_id = $1`
	if _, err := execer.ExecContext(ctx, query, migrationID); err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to mark migration completed: %w", err))
	}
	return nil
}
