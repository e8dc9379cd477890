// Package audit persists the append-only trail of deduplication and
// configuration decisions. Records are immutable once written; the only
// permitted removal is an explicit retention-driven cleanup.
package audit

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// Actions recorded in the trail
const (
	ActionMerge           = "merge"
	ActionPreserve        = "preserve"
	ActionConfigure       = "configure"
	ActionMigrationStart  = "migration_start"
	ActionMigrationEnd    = "migration_end"
	ActionConflictResolve = "conflict_resolve"
)

// ChunkIDList is a JSON-encoded list of chunk ids stored in one column
type ChunkIDList []uuid.UUID

// Value implements driver.Valuer for ChunkIDList
func (l ChunkIDList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for ChunkIDList
func (l *ChunkIDList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for ChunkIDList: %T", value)
	}
}

// Record is one audit row
type Record struct {
	ID                uuid.UUID      `json:"id" db:"id"`
	TenantID          uuid.UUID      `json:"tenant_id" db:"tenant_id"`
	Action            string         `json:"action" db:"action"`
	PrimaryChunkID    *uuid.UUID     `json:"primary_chunk_id,omitempty" db:"primary_chunk_id"`
	DuplicateChunkIDs ChunkIDList    `json:"duplicate_chunk_ids,omitempty" db:"duplicate_chunk_ids"`
	SimilarityScore   float64        `json:"similarity_score" db:"similarity_score"`
	Reason            string         `json:"reason" db:"reason"`
	Details           models.JSONMap `json:"details,omitempty" db:"details"`
	Actor             string         `json:"actor" db:"actor"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
}

// Filter narrows audit queries
type Filter struct {
	Action string
	Since  time.Time
	Until  time.Time
}

// Page is a limit/offset window
type Page struct {
	Limit  int
	Offset int
}

// Stats summarizes a tenant's audit activity over a window
type Stats struct {
	TenantID      uuid.UUID      `json:"tenant_id"`
	WindowDays    int            `json:"window_days"`
	TotalRecords  int            `json:"total_records"`
	ByAction      map[string]int `json:"by_action"`
	AvgSimilarity float64        `json:"avg_similarity"`
}

// Store persists audit records in the relational store
type Store struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewStore creates a new audit store
func NewStore(db *sqlx.DB, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewLogger("embedding.audit")
	}
	return &Store{db: db, logger: logger}
}

// Record appends one audit record
func (s *Store) Record(ctx context.Context, record *Record) error {
	return s.RecordTx(ctx, s.db, record)
}

// RecordTx appends a record inside an existing transaction so a dedup
// merge and its audit row commit together.
func (s *Store) RecordTx(ctx context.Context, execer sqlx.ExtContext, record *Record) error {
	if record.TenantID == uuid.Nil {
		return apperrors.InvalidArgument("audit record requires a tenant id")
	}
	if record.Action == "" {
		return apperrors.InvalidArgument("audit record requires an action")
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.Actor == "" {
		record.Actor = "system"
	}

	query := `
		INSERT INTO dedup_audit_log (
			id, tenant_id, action, primary_chunk_id, duplicate_chunk_ids,
			similarity_score, reason, details, actor, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := execer.ExecContext(ctx, query,
		record.ID, record.TenantID, record.Action, record.PrimaryChunkID,
		record.DuplicateChunkIDs, record.SimilarityScore, record.Reason,
		record.Details, record.Actor, record.CreatedAt)
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to record audit entry: %w", err))
	}
	return nil
}

// RecordBatch appends several records in one transaction
func (s *Store) RecordBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to begin audit batch: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, record := range records {
		if err := s.RecordTx(ctx, tx, record); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to commit audit batch: %w", err))
	}
	return nil
}

// Query returns a page of records, newest first with id as tiebreak so
// paging is deterministic.
func (s *Store) Query(ctx context.Context, tenantID uuid.UUID, filter Filter, page Page) ([]*Record, error) {
	if page.Limit <= 0 {
		page.Limit = 50
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	query := `SELECT * FROM dedup_audit_log WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var records []*Record
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to query audit log: %w", err))
	}
	return records, nil
}

// ChunkHistory returns every record that touched a chunk, as primary or
// duplicate.
func (s *Store) ChunkHistory(ctx context.Context, tenantID, chunkID uuid.UUID) ([]*Record, error) {
	query := `
		SELECT * FROM dedup_audit_log
		WHERE tenant_id = $1 AND (primary_chunk_id = $2 OR duplicate_chunk_ids::text LIKE $3)
		ORDER BY created_at DESC, id DESC
	`
	var records []*Record
	pattern := "%" + chunkID.String() + "%"
	if err := s.db.SelectContext(ctx, &records, query, tenantID, chunkID, pattern); err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to load chunk history: %w", err))
	}
	return records, nil
}

// GetStats summarizes the trail over the trailing window
func (s *Store) GetStats(ctx context.Context, tenantID uuid.UUID, windowDays int) (*Stats, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().AddDate(0, 0, -windowDays)

	query := `
		SELECT action, COUNT(*) AS count, COALESCE(AVG(similarity_score), 0) AS avg_similarity
		FROM dedup_audit_log
		WHERE tenant_id = $1 AND created_at >= $2
		GROUP BY action
	`
	rows, err := s.db.QueryxContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to load audit stats: %w", err))
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{TenantID: tenantID, WindowDays: windowDays, ByAction: make(map[string]int)}
	var weightedSimilarity float64
	for rows.Next() {
		var action string
		var count int
		var avgSimilarity float64
		if err := rows.Scan(&action, &count, &avgSimilarity); err != nil {
			return nil, apperrors.StorageFailure(fmt.Errorf("failed to scan audit stats: %w", err))
		}
		stats.ByAction[action] = count
		stats.TotalRecords += count
		weightedSimilarity += avgSimilarity * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to iterate audit stats: %w", err))
	}
	if stats.TotalRecords > 0 {
		stats.AvgSimilarity = weightedSimilarity / float64(stats.TotalRecords)
	}
	return stats, nil
}

// Cleanup removes records older than the retention window. Deletion is
// only reachable through this explicit call.
func (s *Store) Cleanup(ctx context.Context, tenantID uuid.UUID, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, apperrors.InvalidArgument("retention must be positive, got %d days", retentionDays)
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_audit_log WHERE tenant_id = $1 AND created_at < $2`,
		tenantID, cutoff)
	if err != nil {
		return 0, apperrors.StorageFailure(fmt.Errorf("failed to clean audit log: %w", err))
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		deleted = 0
	}
	s.logger.Info("Audit log cleaned", map[string]interface{}{
		"tenant_id": tenantID.String(),
		"deleted":   deleted,
		"retention": retentionDays,
	})
	return int(deleted), nil
}
