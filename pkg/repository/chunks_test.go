package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
)

func TestChunkListByTenantOrdering(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewChunkRepository(db)

	tenantID := uuid.New()
	docID := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "document_id", "chunk_index", "content", "vector_id", "metadata", "created_at",
	}).
		AddRow(uuid.New(), tenantID, docID, 0, "first", nil, []byte(`{}`), now).
		AddRow(uuid.New(), tenantID, docID, 1, "second", nil, []byte(`{"page":1}`), now)

	mock.ExpectQuery(`ORDER BY document_id, chunk_index, id`).
		WithArgs(tenantID).
		WillReturnRows(rows)

	chunks, err := repo.ListByTenant(context.Background(), tenantID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first", chunks[0].Content)
	assert.Equal(t, float64(1), chunks[1].Metadata["page"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChunkGetNotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewChunkRepository(db)

	mock.ExpectQuery(`SELECT \* FROM document_chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassNotFound, apperrors.ClassOf(err))
}

func TestChunkListByIDsEmptyInput(t *testing.T) {
	db, _, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewChunkRepository(db)

	chunks, err := repo.ListByIDs(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	assert.Nil(t, chunks)
}

func TestChunkCountByTenant(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewChunkRepository(db)

	tenantID := uuid.New()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM document_chunks`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(150))

	count, err := repo.CountByTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 150, count)
}

func TestChunkDeleteTxEmptyInput(t *testing.T) {
	db, _, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewChunkRepository(db)

	require.NoError(t, repo.DeleteTx(context.Background(), db, uuid.New(), nil))
}
