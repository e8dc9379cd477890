package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/audit"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/providers"
	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/repository"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/vectorstore"
)

func setupEngine(t *testing.T, provider providers.Provider) (*Engine, sqlmock.Sqlmock, *vectorstore.MemoryStore, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")

	store := vectorstore.NewMemoryStore()
	engine, err := NewEngine(
		repository.NewTenantRepository(sqlxDB),
		repository.NewChunkRepository(sqlxDB),
		repository.NewCollectionMetadataRepository(sqlxDB),
		store,
		providers.NewRegistry(provider),
		nil,
		nil,
		&EngineConfig{MaxConcurrent: 3},
		nil,
		nil,
	)
	require.NoError(t, err)
	return engine, mock, store, func() { _ = sqlxDB.Close() }
}

func tenantRows(tenantID uuid.UUID, provider, model string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "owner_id", "name", "provider", "model", "created_at", "updated_at",
	}).AddRow(tenantID, uuid.New(), "support-bot", provider, model, now, now)
}

func metadataRows(tenantID uuid.UUID, provider, model string, dimension int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"tenant_id", "collection_key", "provider", "model", "dimension",
		"point_count", "status", "last_migration", "created_at", "updated_at",
	}).AddRow(tenantID, tenantID.String(), provider, model, dimension, 0, "active", nil, now, now)
}

func chunkRows(tenantID uuid.UUID, count int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "document_id", "chunk_index", "content", "vector_id", "metadata", "created_at",
	})
	documentID := uuid.New()
	metadata, _ := json.Marshal(map[string]interface{}{"page": 1})
	for i := 0; i < count; i++ {
		rows.AddRow(uuid.New(), tenantID, documentID, i,
			fmt.Sprintf("chunk content %d", i), nil, metadata, time.Now())
	}
	return rows
}

// expectValidation queues the reads the validation phase performs plus
// the history insert that precedes any destructive work.
func expectValidation(mock sqlmock.Sqlmock, tenantID uuid.UUID, sourceModel string, sourceDim, chunkCount int) {
	mock.ExpectQuery(`SELECT \* FROM tenants WHERE id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(tenantRows(tenantID, "mock", sourceModel))
	mock.ExpectQuery(`SELECT \* FROM collection_metadata WHERE tenant_id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(metadataRows(tenantID, "mock", sourceModel, sourceDim))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM document_chunks`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(chunkCount))
	mock.ExpectExec(`INSERT INTO configuration_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func waitTerminal(t *testing.T, engine *Engine, id uuid.UUID) *Progress {
	t.Helper()
	var final *Progress
	require.Eventually(t, func() bool {
		p := engine.GetProgress(id)
		if p == nil || !p.Status.IsTerminal() {
			return false
		}
		final = p
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return final
}

func TestMigrationCompletesAcrossDimensions(t *testing.T) {
	engine, mock, store, cleanup := setupEngine(t, providers.NewMockProvider("mock"))
	defer cleanup()

	tenantID := uuid.New()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, tenantID.String(), 768))

	const chunkCount = 150
	expectValidation(mock, tenantID, "mock-small", 768, chunkCount)
	mock.ExpectQuery(`SELECT \* FROM document_chunks\s+WHERE tenant_id = \$1\s+ORDER BY document_id, chunk_index, id`).
		WithArgs(tenantID).
		WillReturnRows(chunkRows(tenantID, chunkCount))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tenants SET provider = \$1`).
		WithArgs("mock", "mock-large", sqlmock.AnyArg(), tenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO collection_metadata`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE configuration_history SET migration_completed = true`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	progress, err := engine.Start(ctx, Config{
		TenantID:       tenantID,
		TargetProvider: "mock",
		TargetModel:    "mock-large",
		BatchSize:      50,
		MaxRetries:     1,
		RetryBackoff:   time.Millisecond,
		Verify:         true,
		EnableRollback: true,
	})
	require.NoError(t, err)

	final := waitTerminal(t, engine, progress.MigrationID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, chunkCount, final.Processed)
	assert.Equal(t, 0, final.Failed)
	assert.Equal(t, 3, final.TotalBatches)
	assert.Equal(t, 1024, final.TargetConfig.Dimension)
	assert.Empty(t, final.Error)

	info, err := store.GetCollectionInfo(ctx, tenantID.String())
	require.NoError(t, err)
	assert.Equal(t, 1024, info.Dimension)
	assert.Equal(t, chunkCount, info.PointCount)

	staging, err := store.ListCollections(ctx, "new_")
	require.NoError(t, err)
	assert.Empty(t, staging, "staging collections are removed during cleanup")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationWritesAuditTrail(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	defer func() { _ = sqlxDB.Close() }()

	store := vectorstore.NewMemoryStore()
	engine, err := NewEngine(
		repository.NewTenantRepository(sqlxDB),
		repository.NewChunkRepository(sqlxDB),
		repository.NewCollectionMetadataRepository(sqlxDB),
		store,
		providers.NewRegistry(providers.NewMockProvider("mock")),
		nil,
		audit.NewStore(sqlxDB, nil),
		&EngineConfig{MaxConcurrent: 3},
		nil,
		nil,
	)
	require.NoError(t, err)

	tenantID := uuid.New()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, tenantID.String(), 768))

	// One audit row when the migration is admitted, one at the terminal
	// transition after the finalization commit.
	mock.ExpectExec(`INSERT INTO dedup_audit_log`).
		WithArgs(sqlmock.AnyArg(), tenantID, audit.ActionMigrationStart, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "system", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectValidation(mock, tenantID, "mock-small", 768, 2)
	mock.ExpectQuery(`SELECT \* FROM document_chunks\s+WHERE tenant_id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(chunkRows(tenantID, 2))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tenants SET provider = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO collection_metadata`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE configuration_history SET migration_completed = true`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO dedup_audit_log`).
		WithArgs(sqlmock.AnyArg(), tenantID, audit.ActionMigrationEnd, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "system", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	progress, err := engine.Start(ctx, Config{
		TenantID:       tenantID,
		TargetProvider: "mock",
		TargetModel:    "mock-large",
		BatchSize:      50,
		MaxRetries:     1,
		RetryBackoff:   time.Millisecond,
	})
	require.NoError(t, err)

	final := waitTerminal(t, engine, progress.MigrationID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationAbortsAndRollsBackOnFailures(t *testing.T) {
	embedErr := apperrors.Newf(apperrors.CodeProviderTransient, apperrors.ClassTransient, "provider down")
	engine, mock, store, cleanup := setupEngine(t,
		providers.NewMockProvider("mock", providers.WithEmbedError(embedErr)))
	defer cleanup()

	tenantID := uuid.New()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, tenantID.String(), 768))

	expectValidation(mock, tenantID, "mock-small", 768, 10)
	mock.ExpectQuery(`SELECT \* FROM document_chunks\s+WHERE tenant_id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(chunkRows(tenantID, 10))
	// Rollback restores the source configuration and metadata row
	mock.ExpectExec(`UPDATE tenants SET provider = \$1`).
		WithArgs("mock", "mock-small", sqlmock.AnyArg(), tenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO collection_metadata`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	progress, err := engine.Start(ctx, Config{
		TenantID:       tenantID,
		TargetProvider: "mock",
		TargetModel:    "mock-large",
		BatchSize:      5,
		MaxRetries:     1,
		RetryBackoff:   time.Millisecond,
		EnableRollback: true,
	})
	require.NoError(t, err)

	final := waitTerminal(t, engine, progress.MigrationID)
	assert.Equal(t, StatusRolledBack, final.Status)
	assert.NotEmpty(t, final.Error)

	info, err := store.GetCollectionInfo(ctx, tenantID.String())
	require.NoError(t, err)
	assert.Equal(t, 768, info.Dimension, "original collection survives a failed migration")

	for _, prefix := range []string{"new_", "backup_"} {
		leftovers, err := store.ListCollections(ctx, prefix)
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationFailsWithoutRollbackInfo(t *testing.T) {
	embedErr := apperrors.Newf(apperrors.CodeProviderTransient, apperrors.ClassTransient, "provider down")
	engine, mock, store, cleanup := setupEngine(t,
		providers.NewMockProvider("mock", providers.WithEmbedError(embedErr)))
	defer cleanup()

	tenantID := uuid.New()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, tenantID.String(), 768))

	expectValidation(mock, tenantID, "mock-small", 768, 5)
	mock.ExpectQuery(`SELECT \* FROM document_chunks\s+WHERE tenant_id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(chunkRows(tenantID, 5))

	progress, err := engine.Start(ctx, Config{
		TenantID:       tenantID,
		TargetProvider: "mock",
		TargetModel:    "mock-large",
		BatchSize:      5,
		MaxRetries:     1,
		RetryBackoff:   time.Millisecond,
		EnableRollback: false,
	})
	require.NoError(t, err)

	final := waitTerminal(t, engine, progress.MigrationID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationCancellation(t *testing.T) {
	engine, mock, store, cleanup := setupEngine(t,
		providers.NewMockProvider("mock", providers.WithLatency(100*time.Millisecond)))
	defer cleanup()

	tenantID := uuid.New()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, tenantID.String(), 768))

	expectValidation(mock, tenantID, "mock-small", 768, 40)
	mock.ExpectQuery(`SELECT \* FROM document_chunks\s+WHERE tenant_id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(chunkRows(tenantID, 40))
	mock.ExpectExec(`UPDATE tenants SET provider = \$1`).
		WithArgs("mock", "mock-small", sqlmock.AnyArg(), tenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO collection_metadata`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	progress, err := engine.Start(ctx, Config{
		TenantID:       tenantID,
		TargetProvider: "mock",
		TargetModel:    "mock-large",
		BatchSize:      10,
		MaxRetries:     1,
		RetryBackoff:   time.Millisecond,
		EnableRollback: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p := engine.GetProgress(progress.MigrationID)
		return p != nil && p.Status == StatusInProgress
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, engine.Cancel(progress.MigrationID))

	final := waitTerminal(t, engine, progress.MigrationID)
	assert.Equal(t, StatusCancelled, final.Status)

	info, err := store.GetCollectionInfo(ctx, tenantID.String())
	require.NoError(t, err)
	assert.Equal(t, 768, info.Dimension)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationTenantExclusivity(t *testing.T) {
	engine, mock, store, cleanup := setupEngine(t,
		providers.NewMockProvider("mock", providers.WithLatency(100*time.Millisecond)))
	defer cleanup()

	tenantID := uuid.New()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, tenantID.String(), 768))

	expectValidation(mock, tenantID, "mock-small", 768, 20)
	mock.ExpectQuery(`SELECT \* FROM document_chunks\s+WHERE tenant_id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(chunkRows(tenantID, 20))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tenants SET provider = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO collection_metadata`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE configuration_history SET migration_completed = true`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	config := Config{
		TenantID:       tenantID,
		TargetProvider: "mock",
		TargetModel:    "mock-large",
		BatchSize:      20,
		MaxRetries:     1,
		RetryBackoff:   time.Millisecond,
	}
	first, err := engine.Start(ctx, config)
	require.NoError(t, err)

	_, err = engine.Start(ctx, config)
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassConflict, apperrors.ClassOf(err))

	final := waitTerminal(t, engine, first.MigrationID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	engine, _, _, cleanup := setupEngine(t, providers.NewMockProvider("mock"))
	defer cleanup()

	_, err := engine.Start(context.Background(), Config{TargetProvider: "mock", TargetModel: "mock-large"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassInvalidArgument, apperrors.ClassOf(err))

	_, err = engine.Start(context.Background(), Config{TenantID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassInvalidArgument, apperrors.ClassOf(err))
}

func TestGetProgressUnknownMigration(t *testing.T) {
	engine, _, _, cleanup := setupEngine(t, providers.NewMockProvider("mock"))
	defer cleanup()

	assert.Nil(t, engine.GetProgress(uuid.New()))
	assert.Nil(t, engine.GetTenantMigration(uuid.New()))
}

func TestEstimateFor(t *testing.T) {
	engine, mock, _, cleanup := setupEngine(t, providers.NewMockProvider("mock"))
	defer cleanup()

	tenantID := uuid.New()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM document_chunks`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(150))

	estimate, err := engine.EstimateFor(context.Background(), tenantID, 50)
	require.NoError(t, err)
	assert.Equal(t, 150, estimate.Chunks)
	assert.Equal(t, 3, estimate.Batches)
	assert.Equal(t, 144*time.Second, estimate.Duration)
	assert.Equal(t, "2 minutes", estimate.Human)
	assert.NoError(t, mock.ExpectationsWereMet())
}
