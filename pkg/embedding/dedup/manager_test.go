package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/audit"
	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/repository"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/vectorstore"
)

type stubMigrationChecker struct {
	active bool
}

func (s *stubMigrationChecker) HasActiveMigration(uuid.UUID) bool { return s.active }

func setupManager(t *testing.T, migrations *stubMigrationChecker) (*Manager, sqlmock.Sqlmock, *vectorstore.MemoryStore, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")

	store := vectorstore.NewMemoryStore()
	auditStore := audit.NewStore(sqlxDB, nil)
	engine, err := NewEngine(repository.NewChunkRepository(sqlxDB), store, auditStore, nil)
	require.NoError(t, err)

	manager := NewManager(engine, auditStore, migrations, nil)
	return manager, mock, store, func() { _ = sqlxDB.Close() }
}

func TestManagerRejectsWhenPolicyDisabled(t *testing.T) {
	manager, mock, _, cleanup := setupManager(t, &stubMigrationChecker{})
	defer cleanup()

	tenantID := uuid.New()
	policy := DefaultPolicy()
	policy.Enabled = false

	mock.ExpectExec(`INSERT INTO dedup_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, manager.Configure(context.Background(), tenantID, policy, "admin"))

	_, err := manager.Deduplicate(context.Background(), tenantID, nil, false, "admin")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassConflict, apperrors.ClassOf(err))

	// Force overrides the disabled policy
	mock.ExpectQuery(`SELECT \* FROM document_chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	result, err := manager.Deduplicate(context.Background(), tenantID, nil, true, "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, result.GroupsFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerRejectsDuringActiveMigration(t *testing.T) {
	manager, _, _, cleanup := setupManager(t, &stubMigrationChecker{active: true})
	defer cleanup()

	_, err := manager.Deduplicate(context.Background(), uuid.New(), nil, false, "admin")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassConflict, apperrors.ClassOf(err))

	// The migration interlock is not forceable
	_, err = manager.Deduplicate(context.Background(), uuid.New(), nil, true, "admin")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassConflict, apperrors.ClassOf(err))
}

func TestConfigureValidatesPolicy(t *testing.T) {
	manager, _, _, cleanup := setupManager(t, &stubMigrationChecker{})
	defer cleanup()

	bad := DefaultPolicy()
	bad.Strategy = "whatever"
	err := manager.Configure(context.Background(), uuid.New(), bad, "admin")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassInvalidArgument, apperrors.ClassOf(err))

	bad = DefaultPolicy()
	bad.Thresholds.Low = 0.99
	err = manager.Configure(context.Background(), uuid.New(), bad, "admin")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassInvalidArgument, apperrors.ClassOf(err))
}

func TestPolicyForFallsBackToDefault(t *testing.T) {
	manager, _, _, cleanup := setupManager(t, &stubMigrationChecker{})
	defer cleanup()

	policy := manager.PolicyFor(uuid.New())
	assert.True(t, policy.Enabled)
	assert.Equal(t, StrategyConservative, policy.Strategy)
	assert.Equal(t, DefaultThresholds(), policy.Thresholds)
}

func TestSetFallbackPolicy(t *testing.T) {
	manager, _, _, cleanup := setupManager(t, &stubMigrationChecker{})
	defer cleanup()

	replacement := DefaultPolicy()
	replacement.Strategy = StrategyAggressive
	replacement.AllowCrossDocument = true
	require.NoError(t, manager.SetFallbackPolicy(replacement))

	policy := manager.PolicyFor(uuid.New())
	assert.Equal(t, StrategyAggressive, policy.Strategy)
	assert.True(t, policy.AllowCrossDocument)

	// An invalid policy is rejected and the fallback stays untouched
	broken := DefaultPolicy()
	broken.Thresholds.High = 1.5
	err := manager.SetFallbackPolicy(broken)
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassInvalidArgument, apperrors.ClassOf(err))
	assert.Equal(t, StrategyAggressive, manager.PolicyFor(uuid.New()).Strategy)
}

func TestResolvePreserveLifecycle(t *testing.T) {
	manager, mock, _, cleanup := setupManager(t, &stubMigrationChecker{})
	defer cleanup()

	tenantID := uuid.New()
	conflict := &ConflictCase{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ChunkIDs:  []uuid.UUID{uuid.New(), uuid.New()},
		Scores:    []float64{0.92},
		Type:      ConflictAmbiguousSimilarity,
		CreatedAt: time.Now(),
	}
	manager.registerConflicts([]*ConflictCase{conflict})
	require.Len(t, manager.ActiveConflicts(tenantID), 1)

	mock.ExpectExec(`INSERT INTO dedup_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	decision, err := manager.Resolve(context.Background(), conflict.ID, ResolvePreserve, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, DecisionPreserve, decision.Action)

	assert.Empty(t, manager.ActiveConflicts(tenantID))
	resolved, err := manager.GetConflict(conflict.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "reviewer", resolved.Resolver)
	assert.NotNil(t, resolved.ResolvedAt)

	// A second resolution is refused
	_, err = manager.Resolve(context.Background(), conflict.ID, ResolvePreserve, "reviewer")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassConflict, apperrors.ClassOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveRemoveSecond(t *testing.T) {
	manager, mock, store, cleanup := setupManager(t, &stubMigrationChecker{})
	defer cleanup()

	tenantID := uuid.New()
	documentID := uuid.New()
	first := makeChunk(tenantID, documentID, 0, "kept", models.JSONMap{}, 48*time.Hour)
	second := makeChunk(tenantID, documentID, 1, "removed", models.JSONMap{}, 24*time.Hour)
	seedVectors(t, store, tenantID, first, second)

	conflict := &ConflictCase{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ChunkIDs:  []uuid.UUID{first.ID, second.ID},
		Type:      ConflictMetadata,
		CreatedAt: time.Now(),
	}
	manager.registerConflicts([]*ConflictCase{conflict})

	rows := chunkColumns()
	chunkRow(rows, second)
	mock.ExpectQuery(`SELECT \* FROM document_chunks WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs(tenantID, second.ID).
		WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM document_chunks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO dedup_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := manager.Resolve(context.Background(), conflict.ID, ResolveRemoveSecond, "reviewer")
	require.NoError(t, err)

	count, err := store.CountPoints(context.Background(), tenantID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the removed chunk's vector is gone")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveUnknownCase(t *testing.T) {
	manager, _, _, cleanup := setupManager(t, &stubMigrationChecker{})
	defer cleanup()

	_, err := manager.Resolve(context.Background(), uuid.New(), ResolvePreserve, "reviewer")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassNotFound, apperrors.ClassOf(err))
}

func TestResolveUnknownAction(t *testing.T) {
	manager, _, _, cleanup := setupManager(t, &stubMigrationChecker{})
	defer cleanup()

	conflict := &ConflictCase{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		ChunkIDs:  []uuid.UUID{uuid.New(), uuid.New()},
		CreatedAt: time.Now(),
	}
	manager.registerConflicts([]*ConflictCase{conflict})

	_, err := manager.Resolve(context.Background(), conflict.ID, "obliterate", "reviewer")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassInvalidArgument, apperrors.ClassOf(err))
}
