package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
)

func setupMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return sqlxDB, mock, func() { _ = sqlxDB.Close() }
}

func TestCollectionMetadataGet(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewCollectionMetadataRepository(db)

	tenantID := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"tenant_id", "collection_key", "provider", "model", "dimension",
		"point_count", "status", "last_migration", "created_at", "updated_at",
	}).AddRow(tenantID, tenantID.String(), "openai", "text-embedding-3-small", 1536, 42, "active", nil, now, now)

	mock.ExpectQuery(`SELECT \* FROM collection_metadata WHERE tenant_id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(rows)

	meta, err := repo.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1536, meta.Dimension)
	assert.Equal(t, models.CollectionActive, meta.Status)
	assert.Equal(t, 42, meta.PointCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectionMetadataGetNotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewCollectionMetadataRepository(db)

	tenantID := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM collection_metadata`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	_, err := repo.Get(context.Background(), tenantID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassNotFound, apperrors.ClassOf(err))
}

func TestCollectionMetadataUpsert(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewCollectionMetadataRepository(db)

	tenantID := uuid.New()
	meta := &models.CollectionMetadata{
		TenantID:      tenantID,
		CollectionKey: tenantID.String(),
		Provider:      "openai",
		Model:         "text-embedding-3-small",
		Dimension:     1536,
		PointCount:    10,
	}

	mock.ExpectExec(`INSERT INTO collection_metadata`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), meta))
	assert.Equal(t, models.CollectionActive, meta.Status, "status defaults to active")
	assert.False(t, meta.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordChangeAssignsIdentity(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewCollectionMetadataRepository(db)

	entry := &models.ConfigurationHistoryEntry{
		TenantID:          uuid.New(),
		PreviousProvider:  "openai",
		PreviousModel:     "text-embedding-ada-002",
		PreviousDimension: 1536,
		NewProvider:       "bedrock",
		NewModel:          "amazon.titan-embed-text-v2:0",
		NewDimension:      1024,
		Reason:            "model upgrade",
		MigrationRequired: true,
		Actor:             "admin",
	}

	mock.ExpectExec(`INSERT INTO configuration_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordChange(context.Background(), entry))
	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryOrdering(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewCollectionMetadataRepository(db)

	tenantID := uuid.New()
	mock.ExpectQuery(`ORDER BY created_at DESC, id DESC`).
		WithArgs(tenantID, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id"}))

	_, err := repo.History(context.Background(), tenantID, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMigrationCompleted(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewCollectionMetadataRepository(db)

	migrationID := uuid.New()
	mock.ExpectExec(`UPDATE configuration_history SET migration_completed = true`).
		WithArgs(migrationID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkMigrationCompleted(context.Background(), migrationID))
	assert.NoError(t, mock.ExpectationsWereMet())
}
