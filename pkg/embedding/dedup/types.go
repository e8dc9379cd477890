package dedup

import (
	"time"

	"github.com/google/uuid"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
)

// Strategy selects how duplicate groups are resolved
type Strategy string

// Dedup strategies
const (
	StrategyConservative Strategy = "conservative"
	StrategyAggressive   Strategy = "aggressive"
	StrategyManual       Strategy = "manual"
	StrategyOldestWins   Strategy = "oldest_wins"
	StrategyNewestWins   Strategy = "newest_wins"
	StrategyLongestWins  Strategy = "longest_wins"
)

// ValidStrategy reports whether s names a known strategy
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyConservative, StrategyAggressive, StrategyManual,
		StrategyOldestWins, StrategyNewestWins, StrategyLongestWins:
		return true
	}
	return false
}

// Options control one deduplication run
type Options struct {
	Strategy           Strategy
	Thresholds         Thresholds
	DetectionThreshold float64
	AllowCrossDocument bool
	Actor              string
}

func (o *Options) applyDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategyConservative
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds()
	}
	if o.DetectionThreshold <= 0 {
		o.DetectionThreshold = o.Thresholds.High
	}
	if o.Actor == "" {
		o.Actor = "system"
	}
}

// SourceAttribution records one chunk's contribution to a merge.
// Exactly one attribution per decision carries IsPrimary.
type SourceAttribution struct {
	ChunkID       uuid.UUID `json:"chunk_id"`
	DocumentID    uuid.UUID `json:"document_id"`
	ChunkIndex    int       `json:"chunk_index"`
	ContentLength int       `json:"content_length"`
	IsPrimary     bool      `json:"is_primary"`
	CreatedAt     time.Time `json:"created_at"`
}

// Decision is the immutable outcome of resolving one duplicate group
type Decision struct {
	ID                uuid.UUID           `json:"id"`
	Action            string              `json:"action"`
	PrimaryChunkID    uuid.UUID           `json:"primary_chunk_id"`
	DuplicateChunkIDs []uuid.UUID         `json:"duplicate_chunk_ids"`
	SimilarityScore   float64             `json:"similarity_score"`
	Reason            string              `json:"reason"`
	MergedMetadata    models.JSONMap      `json:"merged_metadata,omitempty"`
	Sources           []SourceAttribution `json:"sources"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Decision actions
const (
	DecisionMerge     = "merge"
	DecisionPreserve  = "preserve"
	DecisionConfigure = "configure"
)

// ConflictType classifies why a group could not be resolved mechanically
type ConflictType string

// Conflict types
const (
	ConflictAmbiguousSimilarity ConflictType = "ambiguous_similarity"
	ConflictMetadata            ConflictType = "metadata_conflict"
	ConflictCrossDocument       ConflictType = "cross_document"
)

// ConflictCase is a detected similarity awaiting a manual decision
type ConflictCase struct {
	ID               uuid.UUID    `json:"id"`
	TenantID         uuid.UUID    `json:"tenant_id"`
	ChunkIDs         []uuid.UUID  `json:"chunk_ids"`
	Scores           []float64    `json:"scores"`
	Type             ConflictType `json:"type"`
	SuggestedAction  string       `json:"suggested_action"`
	Confidence       float64      `json:"confidence"`
	CreatedAt        time.Time    `json:"created_at"`
	Resolved         bool         `json:"resolved"`
	ResolutionAction string       `json:"resolution_action,omitempty"`
	Resolver         string       `json:"resolver,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
}

// Result summarizes one deduplication run
type Result struct {
	GroupsFound int             `json:"groups_found"`
	Merged      int             `json:"merged"`
	Preserved   int             `json:"preserved"`
	Decisions   []*Decision     `json:"decisions"`
	Conflicts   []*ConflictCase `json:"conflicts"`
	Errors      []string        `json:"errors,omitempty"`
}
