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

// ChunkRepository handles database operations for document chunks
type ChunkRepository struct {
	db *sqlx.DB
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db *sqlx.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// Get retrieves a chunk scoped to a tenant
func (r *ChunkRepository) Get(ctx context.Context, tenantID, chunkID uuid.UUID) (*models.DocumentChunk, error) {
	query := `SELECT * FROM document_chunks WHERE tenant_id = $1 AND id = $2`

	var chunk models.DocumentChunk
	err := r.db.GetContext(ctx, &chunk, query, tenantID, chunkID)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("chunk %s not found", chunkID)
	}
	if err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to get chunk: %w", err))
	}
	return &chunk, nil
}

// ListByTenant retrieves all chunks for a tenant ordered by document and
// position. The stable ordering makes migration batches deterministic.
func (r *ChunkRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.DocumentChunk, error) {
	query := `
		SELECT * FROM document_chunks
		WHERE tenant_id = $1
		ORDER BY document_id, chunk_index, id
	`
	var chunks []*models.DocumentChunk
	if err := r.db.SelectContext(ctx, &chunks, query, tenantID); err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to list chunks: %w", err))
	}
	return chunks, nil
}

// ListByDocument retrieves a document's chunks in position order
func (r *ChunkRepository) ListByDocument(ctx context.Context, tenantID, documentID uuid.UUID) ([]*models.DocumentChunk, error) {
	query := `
		SELECT * FROM document_chunks
		WHERE tenant_id = $1 AND document_id = $2
		ORDER BY chunk_index, id
	`
	var chunks []*models.DocumentChunk
	if err := r.db.SelectContext(ctx, &chunks, query, tenantID, documentID); err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to list document chunks: %w", err))
	}
	return chunks, nil
}

// ListByIDs retrieves the named chunks scoped to a tenant
func (r *ChunkRepository) ListByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*models.DocumentChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM document_chunks WHERE tenant_id = ? AND id IN (?) ORDER BY document_id, chunk_index, id`,
		tenantID, ids)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to build chunk query: %w", err))
	}
	query = r.db.Rebind(query)

	var chunks []*models.DocumentChunk
	if err := r.db.SelectContext(ctx, &chunks, query, args...); err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to list chunks by id: %w", err))
	}
	return chunks, nil
}

// DB exposes the underlying handle for multi-repository transactions
func (r *ChunkRepository) DB() *sqlx.DB {
	return r.db
}

// CountByTenant returns the tenant's chunk count
func (r *ChunkRepository) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM document_chunks WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, apperrors.StorageFailure(fmt.Errorf("failed to count chunks: %w", err))
	}
	return count, nil
}

// Create inserts a new chunk
func (r *ChunkRepository) Create(ctx context.Context, chunk *models.DocumentChunk) error {
	if chunk.ID == uuid.Nil {
		chunk.ID = uuid.New()
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO document_chunks (id, tenant_id, document_id, chunk_index, content, vector_id, metadata, created_at)
		VALUES (:id, :tenant_id, :document_id, :chunk_index, :content, :vector_id, :metadata, :created_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, chunk); err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to create chunk: %w", err))
	}
	return nil
}

// UpdateMetadataTx replaces a chunk's metadata inside a transaction
func (r *ChunkRepository) UpdateMetadataTx(ctx context.Context, execer sqlx.ExtContext, tenantID, chunkID uuid.UUID, metadata models.JSONMap) error {
	query := `UPDATE document_chunks SET metadata = $1 WHERE tenant_id = $2 AND id = $3`
	result, err := execer.ExecContext(ctx, query, metadata, tenantID, chunkID)
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to update chunk metadata: %w", err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return apperrors.NotFound("chunk %s not found", chunkID)
	}
	return nil
}

// DeleteTx removes chunks inside a transaction
func (r *ChunkRepository) DeleteTx(ctx context.Context, execer sqlx.ExtContext, tenantID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM document_chunks WHERE tenant_id = ? AND id IN (?)`, tenantID, ids)
	if err != nil {
		return apperrors.Internal(fmt.Errorf("failed to build delete query: %w", err))
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	if _, err := execer.ExecContext(ctx, query, args...); err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to delete chunks: %w", err))
	}
	return nil
}

// SetVectorID records the vector point backing a chunk
func (r *ChunkRepository) SetVectorID(ctx context.Context, tenantID, chunkID uuid.UUID, vectorID *uuid.UUID) error {
	query := `UPDATE document_chunks SET vector_id = $1 WHERE tenant_id = $2 AND id = $3`
	if _, err := r.db.ExecContext(ctx, query, vectorID, tenantID, chunkID); err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to set chunk vector id: %w", err))
	}
	return nil
}
