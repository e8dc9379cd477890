// Package migration implements the phased re-embedding workflow that
// moves a tenant's collection to a new embedding configuration, with
// rollback when a phase fails.
package migration

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
)

// Status is the lifecycle state of a migration
type Status string

// Migration statuses
const (
	StatusPending     Status = "pending"
	StatusPreparing   Status = "preparing"
	StatusInProgress  Status = "in_progress"
	StatusRollingBack Status = "rolling_back"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusRolledBack  Status = "rolled_back"
)

// IsTerminal reports whether the status admits no further transitions
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack:
		return true
	}
	return false
}

// Phase is one step of the migration workflow
type Phase string

// Migration phases in execution order
const (
	PhaseValidation    Phase = "validation"
	PhaseBackup        Phase = "backup"
	PhaseNewCollection Phase = "new_collection"
	PhaseDataMigration Phase = "data_migration"
	PhaseVerification  Phase = "verification"
	PhaseFinalization  Phase = "finalization"
	PhaseCleanup       Phase = "cleanup"
)

// Config describes one migration request
type Config struct {
	TenantID       uuid.UUID
	TargetProvider string
	TargetModel    string
	RequestedBy    uuid.UUID
	Reason         string

	BatchSize      int
	MaxRetries     int
	RetryBackoff   time.Duration
	Timeout        time.Duration
	Verify         bool
	EnableRollback bool
}

// ApplyDefaults fills unset fields with the documented defaults
func (c *Config) ApplyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Hour
	}
}

// Progress is the externally visible state of a migration. Long-poll
// callers receive the terminal status here rather than an error.
type Progress struct {
	MigrationID         uuid.UUID              `json:"migration_id"`
	TenantID            uuid.UUID              `json:"tenant_id"`
	Status              Status                 `json:"status"`
	Phase               Phase                  `json:"phase"`
	SourceConfig        models.EmbeddingConfig `json:"source_config"`
	TargetConfig        models.EmbeddingConfig `json:"target_config"`
	TotalChunks         int                    `json:"total_chunks"`
	Processed           int                    `json:"processed"`
	Failed              int                    `json:"failed"`
	CurrentBatch        int                    `json:"current_batch"`
	TotalBatches        int                    `json:"total_batches"`
	StartedAt           time.Time              `json:"started_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time             `json:"estimated_completion,omitempty"`
	Error               string                 `json:"error,omitempty"`
}

// RollbackInfo captures everything needed to undo a migration's
// visible effects.
type RollbackInfo struct {
	MigrationID           uuid.UUID              `json:"migration_id"`
	TenantID              uuid.UUID              `json:"tenant_id"`
	Snapshot              models.EmbeddingConfig `json:"snapshot"`
	OriginalCollectionKey string                 `json:"original_collection_key"`
	Epoch                 int64                  `json:"epoch"`
	CreatedAt             time.Time              `json:"created_at"`
}

// TempCollectionKey names the staging collection for an epoch
func TempCollectionKey(tenantID uuid.UUID, epoch int64) string {
	return fmt.Sprintf("new_%s_%d", tenantID, epoch)
}

// BackupCollectionKey names the backup collection for an epoch
func BackupCollectionKey(tenantID uuid.UUID, epoch int64) string {
	return fmt.Sprintf("backup_%s_%d", tenantID, epoch)
}

// Estimate is a migration duration forecast
type Estimate struct {
	Chunks   int           `json:"chunks"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration"`
	Human    string        `json:"human"`
}

// Per-chunk and per-batch overheads used by the forecast, in seconds
const (
	embedSecondsPerChunk = 0.5
	storeSecondsPerChunk = 0.1
	batchOverheadSeconds = 2.0
	estimateSafetyFactor = 1.5
)

// EstimateDuration forecasts migration time as linear in chunk count
// with per-batch overhead and a safety factor.
func EstimateDuration(chunks, batchSize int) Estimate {
	if batchSize <= 0 {
		batchSize = 50
	}
	if chunks < 0 {
		chunks = 0
	}
	batches := (chunks + batchSize - 1) / batchSize
	seconds := estimateSafetyFactor *
		(float64(chunks)*(embedSecondsPerChunk+storeSecondsPerChunk) +
			float64(batches)*batchOverheadSeconds)
	duration := time.Duration(seconds * float64(time.Second))
	return Estimate{
		Chunks:   chunks,
		Batches:  batches,
		Duration: duration,
		Human:    humanDuration(duration),
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()+0.5))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()+0.5))
	default:
		hours := int(d.Hours())
		minutes := int(d.Minutes()) - hours*60
		if minutes == 0 {
			return fmt.Sprintf("%d hours", hours)
		}
		return fmt.Sprintf("%d hours %d minutes", hours, minutes)
	}
}
