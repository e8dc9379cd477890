package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
)

// DimensionCompatRepository persists memoized validation outcomes per
// (provider, model). Rows are soft-expired by the validator's TTL, not
// by the database.
type DimensionCompatRepository struct {
	db *sqlx.DB
}

// NewDimensionCompatRepository creates a new dimension compatibility repository
func NewDimensionCompatRepository(db *sqlx.DB) *DimensionCompatRepository {
	return &DimensionCompatRepository{db: db}
}

// Get retrieves the cached row for a (provider, model) pair
func (r *DimensionCompatRepository) Get(ctx context.Context, provider, model string) (*models.DimensionCompat, error) {
	query := `SELECT * FROM dimension_compatibility WHERE provider = $1 AND model = $2`

	var row models.DimensionCompat
	err := r.db.GetContext(ctx, &row, query, provider, model)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("no dimension record for %s/%s", provider, model)
	}
	if err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to get dimension record: %w", err))
	}
	return &row, nil
}

// Upsert writes a validation outcome keyed by (provider, model)
func (r *DimensionCompatRepository) Upsert(ctx context.Context, row *models.DimensionCompat) error {
	if row.LastValidated.IsZero() {
		row.LastValidated = time.Now()
	}
	query := `
		INSERT INTO dimension_compatibility (provider, model, dimension, is_valid, last_validated, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, model) DO UPDATE SET
			dimension = EXCLUDED.dimension,
			is_valid = EXCLUDED.is_valid,
			last_validated = EXCLUDED.last_validated,
			last_error = EXCLUDED.last_error
	`
	_, err := r.db.ExecContext(ctx, query,
		row.Provider, row.Model, row.Dimension, row.IsValid, row.LastValidated, row.LastError)
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to upsert dimension record: %w", err))
	}
	return nil
}

// ListValid returns all rows currently marked valid
func (r *DimensionCompatRepository) ListValid(ctx context.Context) ([]*models.DimensionCompat, error) {
	query := `SELECT * FROM dimension_compatibility WHERE is_valid = true ORDER BY provider, model`

	var rows []*models.DimensionCompat
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to list dimension records: %w", err))
	}
	return rows, nil
}
