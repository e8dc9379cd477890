// Package models holds the shared data model for the retrieval backend:
// tenants (bots), document chunks, collection metadata, configuration
// history, and the records produced by migration and deduplication.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONMap is a map[string]interface{} that implements sql.Scanner and
// driver.Valuer so metadata can live in jsonb columns.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONMap
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONMap
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*map[string]interface{})(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string]interface{})(m))
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
}

// EmbeddingConfig is a (provider, model) pair with its discovered
// vector dimension.
type EmbeddingConfig struct {
	Provider  string `json:"provider" db:"provider"`
	Model     string `json:"model" db:"model"`
	Dimension int    `json:"dimension" db:"dimension"`
}

// Equal reports whether two configurations name the same provider and model
func (c EmbeddingConfig) Equal(other EmbeddingConfig) bool {
	return c.Provider == other.Provider && c.Model == other.Model
}

// Tenant is a logical owner of one collection and an embedding
// configuration. Called "bot" on the product surface.
type Tenant struct {
	ID        uuid.UUID `json:"id" db:"id"`
	OwnerID   uuid.UUID `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	Provider  string    `json:"provider" db:"provider"`
	Model     string    `json:"model" db:"model"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Config returns the tenant's current embedding configuration without a
// dimension; the dimension lives on the collection metadata row.
func (t *Tenant) Config() EmbeddingConfig {
	return EmbeddingConfig{Provider: t.Provider, Model: t.Model}
}

// CollectionStatus is the lifecycle state of a tenant's collection
type CollectionStatus string

// Collection statuses
const (
	CollectionActive     CollectionStatus = "active"
	CollectionMigrating  CollectionStatus = "migrating"
	CollectionDeprecated CollectionStatus = "deprecated"
)

// CollectionMetadata is the per-tenant descriptor of the vector
// collection. Exactly one row exists per tenant.
type CollectionMetadata struct {
	TenantID      uuid.UUID        `json:"tenant_id" db:"tenant_id"`
	CollectionKey string           `json:"collection_key" db:"collection_key"`
	Provider      string           `json:"provider" db:"provider"`
	Model         string           `json:"model" db:"model"`
	Dimension     int              `json:"dimension" db:"dimension"`
	PointCount    int              `json:"point_count" db:"point_count"`
	Status        CollectionStatus `json:"status" db:"status"`
	LastMigration *uuid.UUID       `json:"last_migration,omitempty" db:"last_migration"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// ConfigurationHistoryEntry is an immutable record of a configuration
// change. Entries are appended before risky transitions; a failed
// migration leaves a row with MigrationCompleted=false.
type ConfigurationHistoryEntry struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	TenantID           uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	PreviousProvider   string     `json:"previous_provider" db:"previous_provider"`
	PreviousModel      string     `json:"previous_model" db:"previous_model"`
	PreviousDimension  int        `json:"previous_dimension" db:"previous_dimension"`
	NewProvider        string     `json:"new_provider" db:"new_provider"`
	NewModel           string     `json:"new_model" db:"new_model"`
	NewDimension       int        `json:"new_dimension" db:"new_dimension"`
	Reason             string     `json:"reason" db:"reason"`
	MigrationRequired  bool       `json:"migration_required" db:"migration_required"`
	MigrationCompleted bool       `json:"migration_completed" db:"migration_completed"`
	MigrationID        *uuid.UUID `json:"migration_id,omitempty" db:"migration_id"`
	Actor              string     `json:"actor" db:"actor"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// Previous returns the previous configuration as an EmbeddingConfig
func (e *ConfigurationHistoryEntry) Previous() EmbeddingConfig {
	return EmbeddingConfig{Provider: e.PreviousProvider, Model: e.PreviousModel, Dimension: e.PreviousDimension}
}

// New returns the new configuration as an EmbeddingConfig
func (e *ConfigurationHistoryEntry) New() EmbeddingConfig {
	return EmbeddingConfig{Provider: e.NewProvider, Model: e.NewModel, Dimension: e.NewDimension}
}

// DocumentChunk is one indexed slice of a tenant document. VectorID
// references the point stored in the tenant's collection, when present.
type DocumentChunk struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	TenantID   uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	DocumentID uuid.UUID  `json:"document_id" db:"document_id"`
	ChunkIndex int        `json:"chunk_index" db:"chunk_index"`
	Content    string     `json:"content" db:"content"`
	VectorID   *uuid.UUID `json:"vector_id,omitempty" db:"vector_id"`
	Metadata   JSONMap    `json:"metadata" db:"metadata"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// DimensionCompat is the memoized validation outcome for a
// (provider, model) pair. Rows expire on a soft TTL.
type DimensionCompat struct {
	Provider      string     `json:"provider" db:"provider"`
	Model         string     `json:"model" db:"model"`
	Dimension     int        `json:"dimension" db:"dimension"`
	IsValid       bool       `json:"is_valid" db:"is_valid"`
	LastValidated time.Time  `json:"last_validated" db:"last_validated"`
	LastError     *string    `json:"last_error,omitempty" db:"last_error"`
}

// DedupAction is the action taken on a duplicate group
type DedupAction string

// Dedup actions
const (
	DedupActionMerge     DedupAction = "merge"
	DedupActionPreserve  DedupAction = "preserve"
	DedupActionConfigure DedupAction = "configure"
)

// DedupDecision is an immutable record of a deduplication outcome.
type DedupDecision struct {
	ID              uuid.UUID           `json:"id"`
	Timestamp       time.Time           `json:"timestamp"`
	Action          DedupAction         `json:"action"`
	PrimaryChunkID  uuid.UUID           `json:"primary_chunk_id"`
	DuplicateChunks []uuid.UUID         `json:"duplicate_chunks"`
	SimilarityScore float64             `json:"similarity_score"`
	Reason          string              `json:"reason"`
	MergedMetadata  JSONMap             `json:"merged_metadata,omitempty"`
	Sources         []SourceAttribution `json:"sources,omitempty"`
}

// SourceAttribution records one contributing chunk of a merge. Exactly
// one attribution per decision has IsPrimary set.
type SourceAttribution struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	IsPrimary  bool      `json:"is_primary"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConflictType categorizes why a similarity could not be resolved
// mechanically.
type ConflictType string

// Conflict types
const (
	ConflictAmbiguousSimilarity ConflictType = "ambiguous_similarity"
	ConflictMetadata            ConflictType = "metadata_conflict"
	ConflictCrossDocument       ConflictType = "cross_document"
)

// ConflictCase is a detected similarity awaiting a manual decision.
type ConflictCase struct {
	ID               uuid.UUID    `json:"id"`
	TenantID         uuid.UUID    `json:"tenant_id"`
	ChunkIDs         []uuid.UUID  `json:"chunk_ids"`
	SimilarityScores []float64    `json:"similarity_scores"`
	Type             ConflictType `json:"type"`
	SuggestedAction  string       `json:"suggested_action"`
	Confidence       float64      `json:"confidence"`
	CreatedAt        time.Time    `json:"created_at"`
	Resolved         bool         `json:"resolved"`
	ResolutionAction string       `json:"resolution_action,omitempty"`
	Resolver         string       `json:"resolver,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
}
