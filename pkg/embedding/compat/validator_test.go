package compat

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
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/providers"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/repository"
)

func fixedEstimator(chunks, batchSize int) Estimate {
	batches := (chunks + batchSize - 1) / batchSize
	return Estimate{
		Chunks:   chunks,
		Batches:  batches,
		Duration: time.Duration(chunks) * time.Second,
		Human:    "about a while",
	}
}

func setupValidator(t *testing.T, provider providers.Provider) (*Validator, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")

	registry := providers.NewRegistry()
	if provider != nil {
		registry.Register(provider)
	}

	validator, err := NewValidator(
		registry,
		repository.NewTenantRepository(sqlxDB),
		repository.NewChunkRepository(sqlxDB),
		repository.NewCollectionMetadataRepository(sqlxDB),
		repository.NewDimensionCompatRepository(sqlxDB),
		fixedEstimator,
		nil,
		observability.NewNoopLogger(),
	)
	require.NoError(t, err)
	return validator, mock, func() { _ = sqlxDB.Close() }
}

func expectDimensionUpsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`INSERT INTO dimension_compatibility`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestValidateKnownModel(t *testing.T) {
	validator, mock, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()
	expectDimensionUpsert(mock)

	report, err := validator.Validate(context.Background(), "mock", "mock-small", nil)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, 768, report.Dimension)
	assert.InDelta(t, 1.0, report.CompatibilityScore, 0.001)
	assert.Empty(t, report.Issues)
}

func TestValidateUnsupportedProvider(t *testing.T) {
	validator, mock, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()
	expectDimensionUpsert(mock)

	report, err := validator.Validate(context.Background(), "nonexistent", "m", nil)
	require.NoError(t, err, "unsupported provider is an issue, not an error")
	assert.False(t, report.IsValid)
	assert.Equal(t, 0.0, report.CompatibilityScore)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, SeverityError, report.Issues[0].Severity)
	assert.Equal(t, CodeUnsupportedProvider, report.Issues[0].Code)
}

func TestValidateUnknownModel(t *testing.T) {
	validator, mock, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()
	expectDimensionUpsert(mock)

	report, err := validator.Validate(context.Background(), "mock", "no-such-model", nil)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.InDelta(t, 0.5, report.CompatibilityScore, 0.001)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, CodeUnknownModel, report.Issues[0].Code)
}

func TestValidateCredentialRejected(t *testing.T) {
	provider := providers.NewMockProvider("mock",
		providers.WithCredentialError(apperrors.AuthFailure("bad key")))
	validator, mock, cleanup := setupValidator(t, provider)
	defer cleanup()
	expectDimensionUpsert(mock)

	credential := "sk-invalid"
	report, err := validator.Validate(context.Background(), "mock", "mock-small", &credential)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.InDelta(t, 0.3, report.CompatibilityScore, 0.001)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, CodeCredentialRejected, report.Issues[0].Code)
}

func TestValidateMemoized(t *testing.T) {
	validator, mock, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()
	// Only the first call touches the database
	expectDimensionUpsert(mock)

	first, err := validator.Validate(context.Background(), "mock", "mock-small", nil)
	require.NoError(t, err)
	second, err := validator.Validate(context.Background(), "mock", "mock-small", nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateRejectsMalformedRequest(t *testing.T) {
	validator, _, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()

	_, err := validator.Validate(context.Background(), "", "", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassInvalidArgument, apperrors.ClassOf(err))
}

func expectTenantRow(mock sqlmock.Sqlmock, tenantID uuid.UUID, provider, model string) {
	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM tenants`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner_id", "name", "provider", "model", "created_at", "updated_at",
		}).AddRow(tenantID, uuid.New(), "support-bot", provider, model, now, now))
}

func TestValidateChangeNoChange(t *testing.T) {
	validator, mock, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()

	tenantID := uuid.New()
	expectTenantRow(mock, tenantID, "mock", "mock-small")
	expectDimensionUpsert(mock) // base validation
	expectDimensionUpsert(mock) // annotated finalize

	report, err := validator.ValidateChange(context.Background(), tenantID, "mock", "mock-small", "routine check")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.False(t, report.MigrationRequired)

	found := false
	for _, issue := range report.Issues {
		if issue.Code == CodeNoChange {
			found = true
			assert.Equal(t, SeverityInfo, issue.Severity)
		}
	}
	assert.True(t, found, "identical configuration gets an informational issue")
}

func TestValidateChangeDimensionMismatch(t *testing.T) {
	validator, mock, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()

	tenantID := uuid.New()
	now := time.Now()
	expectTenantRow(mock, tenantID, "mock", "mock-small")
	expectDimensionUpsert(mock)
	mock.ExpectQuery(`SELECT \* FROM collection_metadata`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "collection_key", "provider", "model", "dimension",
			"point_count", "status", "last_migration", "created_at", "updated_at",
		}).AddRow(tenantID, tenantID.String(), "mock", "mock-small", 768, 150, "active", nil, now, now))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM document_chunks`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(150))
	expectDimensionUpsert(mock)

	report, err := validator.ValidateChange(context.Background(), tenantID, "mock", "mock-large", "upgrade")
	require.NoError(t, err)
	assert.True(t, report.MigrationRequired)
	assert.Equal(t, 1024, report.Dimension)
	require.NotNil(t, report.EstimatedMigrationTime)
	assert.Equal(t, 150*time.Second, *report.EstimatedMigrationTime)
	assert.Equal(t, 150, report.Metadata["chunk_count"])
}

func TestValidateChangeUnknownTenant(t *testing.T) {
	validator, mock, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()

	tenantID := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM tenants`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := validator.ValidateChange(context.Background(), tenantID, "mock", "mock-small", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassNotFound, apperrors.ClassOf(err))
}

func TestAlternatives(t *testing.T) {
	validator, mock, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM dimension_compatibility WHERE is_valid = true`).
		WillReturnRows(sqlmock.NewRows([]string{
			"provider", "model", "dimension", "is_valid", "last_validated", "last_error",
		}).
			AddRow("mock", "mock-small", 768, true, now, nil).
			AddRow("other", "other-small", 768, true, now, nil).
			AddRow("mock", "mock-large", 1024, true, now, nil).
			AddRow("stale", "stale-model", 768, true, now.Add(-48*time.Hour), nil))

	out, err := validator.Alternatives(context.Background(), 768, []ProviderModelInfo{
		{Provider: "mock", Model: "mock-small"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1, "wrong dimensions, excluded pairs, and stale rows are filtered")
	assert.Equal(t, "other", out[0].Provider)
}

func TestValidateAllRefreshesMatrix(t *testing.T) {
	validator, mock, cleanup := setupValidator(t, providers.NewMockProvider("mock"))
	defer cleanup()
	expectDimensionUpsert(mock)
	expectDimensionUpsert(mock)

	reports, err := validator.ValidateAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, reports, 2, "both mock models are validated")
	for _, report := range reports {
		assert.True(t, report.IsValid)
	}
}
